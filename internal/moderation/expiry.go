package moderation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	logx "modguard/pkg/logx"
)

const (
	defaultMaxLiftAttempts = 5
	shutdownFlushTimeout   = 5 * time.Second
)

// TickReport summarizes one expiry pass.
type TickReport struct {
	Kind    SanctionKind
	Scanned int
	Expired int
	Lifted  int
	Retry   int // lift failed, kept for the next tick
	Dropped int // lift failed too often, removed
	Flushed bool
	Err     error // persistence error, if any
}

// Expirer lifts expired sanctions. Each Tick is one pass; scheduling is left
// to the caller.
type Expirer struct {
	log         logx.Logger
	sanctions   *SanctionStore
	exec        *Executor
	policies    PolicyStore
	maxAttempts int
	now         func() time.Time

	mu       sync.Mutex
	attempts map[SanctionKey]int
}

func NewExpirer(log logx.Logger, sanctions *SanctionStore, exec *Executor, policies PolicyStore, maxAttempts int, now func() time.Time) *Expirer {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxLiftAttempts
	}
	if now == nil {
		now = time.Now
	}
	return &Expirer{
		log:         log.With(logx.String("comp", "expiry")),
		sanctions:   sanctions,
		exec:        exec,
		policies:    policies,
		maxAttempts: maxAttempts,
		now:         now,
		attempts:    map[SanctionKey]int{},
	}
}

// Tick lifts every expired sanction of kind ("" for all kinds) and persists
// the result in one batch. It first syncs with storage so sanctions issued by
// another process are lifted too. A cancelled ctx stops lifting but changes
// already made are still flushed.
func (x *Expirer) Tick(ctx context.Context, kind SanctionKind) TickReport {
	rep := TickReport{Kind: kind}
	if n, err := x.sanctions.Sync(ctx); err != nil {
		rep.Err = err
		x.log.Warn("sanction sync failed, using memory", logx.Err(err))
	} else if n > 0 {
		x.log.Debug("sanctions synced", logx.Int("changed", n))
	}
	now := x.now()
	all := x.sanctions.Snapshot(kind)
	rep.Scanned = len(all)

	byGuild := map[int64][]Sanction{}
	for _, sn := range all {
		if sn.Expired(now) {
			byGuild[sn.GuildID] = append(byGuild[sn.GuildID], sn)
			rep.Expired++
		}
	}
	guilds := make([]int64, 0, len(byGuild))
	for g := range byGuild {
		guilds = append(guilds, g)
	}
	sort.Slice(guilds, func(i, j int) bool { return guilds[i] < guilds[j] })

lift:
	for _, g := range guilds {
		p, err := x.policies.GuildPolicy(ctx, g)
		if err != nil {
			// Nothing was attempted, so these do not count toward maxAttempts.
			x.log.Warn("policy unavailable, retrying next tick", logx.Int64("guild", g), logx.Err(err))
			for _, sn := range byGuild[g] {
				rep.Retry++
				sanctionsLifted.WithLabelValues(string(sn.Kind), "retry").Inc()
			}
			continue
		}
		for _, sn := range byGuild[g] {
			if ctx.Err() != nil {
				break lift
			}
			x.liftOne(ctx, sn, p, &rep)
		}
	}

	if x.sanctions.Dirty() > 0 {
		fctx := ctx
		if ctx.Err() != nil {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
			defer cancel()
		}
		if err := x.sanctions.Flush(fctx); err != nil {
			rep.Err = errors.Join(rep.Err, err)
			persistFailures.WithLabelValues("flush sanctions").Inc()
			x.log.Error("persist sanctions failed", logx.Err(err))
		} else {
			rep.Flushed = true
		}
	}

	for _, k := range []SanctionKind{SanctionMute, SanctionBan} {
		if kind == "" || kind == k {
			sanctionsActive.WithLabelValues(string(k)).Set(float64(len(x.sanctions.Snapshot(k))))
		}
	}
	if rep.Expired > 0 {
		x.log.Info("expiry tick",
			logx.String("kind", string(kind)), logx.Int("expired", rep.Expired),
			logx.Int("lifted", rep.Lifted), logx.Int("retry", rep.Retry), logx.Int("dropped", rep.Dropped))
	}
	return rep
}

func (x *Expirer) liftOne(ctx context.Context, sn Sanction, p GuildPolicy, rep *TickReport) {
	k := sn.Key()
	err := x.exec.LiftSanction(ctx, sn, p, nil, "")
	if err == nil {
		x.sanctions.RemoveIf(k, sn.ExpiresAt)
		x.forget(k)
		rep.Lifted++
		sanctionsLifted.WithLabelValues(string(sn.Kind), "ok").Inc()
		return
	}

	x.mu.Lock()
	x.attempts[k]++
	n := x.attempts[k]
	x.mu.Unlock()

	if n < x.maxAttempts {
		rep.Retry++
		sanctionsLifted.WithLabelValues(string(sn.Kind), "retry").Inc()
		return
	}
	x.sanctions.RemoveIf(k, sn.ExpiresAt)
	x.forget(k)
	rep.Dropped++
	sanctionsLifted.WithLabelValues(string(sn.Kind), "dropped").Inc()
	x.exec.reportDropped(ctx, sn, p, n, err)
}

func (x *Expirer) forget(k SanctionKey) {
	x.mu.Lock()
	delete(x.attempts, k)
	x.mu.Unlock()
}

// Attempts returns the failed lift attempts recorded for k.
func (x *Expirer) Attempts(k SanctionKey) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.attempts[k]
}
