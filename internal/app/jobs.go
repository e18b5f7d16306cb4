package app

import (
	"context"
	"time"

	"modguard/internal/config"
	"modguard/internal/moderation"
	"modguard/internal/scheduler"
	logx "modguard/pkg/logx"
)

const (
	jobExpireMutes = "sanctions.expire.mute"
	jobExpireBans  = "sanctions.expire.ban"
	jobLedgerFlush = "ledger.flush"
	jobSpamSweep   = "spam.sweep"

	spamSweepEvery = time.Minute
)

// registerJobs (re)installs the periodic jobs. Add replaces by name, so it
// is also the reload path when intervals change.
func (a *App) registerJobs(exp expirySettings, cfg *config.Config) error {
	tick := func(kind moderation.SanctionKind) scheduler.Job {
		return func(ctx context.Context) error {
			rep := a.engine.Tick(ctx, kind)
			if rep.Expired > 0 || rep.Err != nil {
				fields := []logx.Field{
					logx.String("kind", string(kind)),
					logx.Int("expired", rep.Expired),
					logx.Int("lifted", rep.Lifted),
					logx.Int("retry", rep.Retry),
					logx.Int("dropped", rep.Dropped),
				}
				if rep.Err != nil {
					a.log.Warn("expiry tick finished with errors", append(fields, logx.Err(rep.Err))...)
				} else {
					a.log.Info("expiry tick", fields...)
				}
			}
			return rep.Err
		}
	}

	// A tick may lift many sanctions one platform call at a time.
	tickTimeout := func(every time.Duration) time.Duration { return max(every*4, time.Minute) }

	if err := a.sched.Add(jobExpireMutes, "every:"+exp.muteEvery.String(),
		scheduler.Options{Timeout: tickTimeout(exp.muteEvery), RunOnStart: true},
		tick(moderation.SanctionMute)); err != nil {
		return err
	}
	if err := a.sched.Add(jobExpireBans, "every:"+exp.banEvery.String(),
		scheduler.Options{Timeout: tickTimeout(exp.banEvery), RunOnStart: true, Spread: true},
		tick(moderation.SanctionBan)); err != nil {
		return err
	}
	if err := a.sched.Add(jobLedgerFlush, "every:"+exp.flushEvery.String(),
		scheduler.Options{Timeout: 30 * time.Second, Spread: true},
		a.engine.FlushLedger); err != nil {
		return err
	}

	window := maxSpamWindow(cfg)
	return a.sched.Add(jobSpamSweep, "every:"+spamSweepEvery.String(),
		scheduler.Options{Timeout: 10 * time.Second, Spread: true},
		func(ctx context.Context) error {
			if n := a.engine.SweepSpam(window); n > 0 {
				a.log.Debug("spam windows swept", logx.Int("members", n))
			}
			return nil
		})
}

// maxSpamWindow is the longest configured spam window, never below a minute,
// so sweeping never drops a window that is still counting.
func maxSpamWindow(cfg *config.Config) time.Duration {
	out := time.Minute
	consider := func(raw string) {
		if d, err := config.ParseDurationField("spam.window", raw); err == nil && d > out {
			out = d
		}
	}
	consider(cfg.Moderation.Defaults.Spam.Window)
	for _, g := range cfg.Moderation.Guilds {
		consider(g.Spam.Window)
	}
	return out
}
