package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"modguard/internal/config"
	"modguard/internal/eventbus"
	"modguard/internal/moderation"
	"modguard/internal/moderation/langdetect"
	"modguard/internal/modlog"
	"modguard/internal/observability/ops"
	"modguard/internal/platform/discord"
	rtsup "modguard/internal/runtime/supervisor"
	"modguard/internal/scheduler"
	"modguard/internal/storage"
	logx "modguard/pkg/logx"
)

// Host is the chat platform the daemon runs against: the moderation.Platform
// calls plus an inbound message stream.
type Host interface {
	moderation.Platform
	Start(ctx context.Context, out chan<- moderation.Message) error
	Stop(ctx context.Context) error
}

type Option func(*options)

type options struct {
	host    Host
	workers int
}

// WithHost replaces the Discord adapter.
func WithHost(h Host) Option { return func(o *options) { o.host = h } }

// WithIngestWorkers sets how many messages are evaluated concurrently.
func WithIngestWorkers(n int) Option { return func(o *options) { o.workers = n } }

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	host  Host

	policies *moderation.CachedPolicyStore
	engine   *moderation.Engine
	modlog   *modlog.Service
	sched    *scheduler.Service
	ops      *ops.Service

	expiry   expirySettings
	workers  int
	messages chan moderation.Message
}

func New(cfgPath string, opts ...Option) (*App, error) {
	o := options{workers: 4}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	warnings, err := ValidateConfig(cfg)
	if err != nil {
		return nil, err
	}

	// The channel sink needs a sender, which needs the host: boot with the
	// sink off, attach the sender, then apply the real config.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Channel.Enabled = false
	logs, root := logx.New(bootCfg)
	log := root.With(logx.String("comp", "app"))
	for _, w := range warnings {
		log.Warn("config warning", logx.Err(w))
	}

	host := o.host
	if host == nil {
		dc, err := mapDiscordConfig(cfg)
		if err != nil {
			return nil, err
		}
		ad, err := discord.New(dc, root)
		if err != nil {
			return nil, err
		}
		host = ad
	}
	logs.SetSender(host)
	logs.Apply(logCfg)

	bus := eventbus.New()

	store, err := OpenStorage(cfg, root)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*App, error) {
		_ = store.Close()
		return nil, err
	}

	cacheSize, cacheTTL, err := mapPolicyCache(cfg)
	if err != nil {
		return fail(err)
	}
	policies := moderation.NewCachedPolicyStore(
		moderation.NewLayeredPolicySource(store, func() config.ModerationConfig { return cfgm.Get().Moderation }),
		cacheSize, cacheTTL,
	)

	mlc, err := mapModLogConfig(cfg)
	if err != nil {
		return fail(err)
	}
	ml := modlog.New(mlc, host, root, bus)

	classifier, clsTimeout, err := mapClassifier(cfg, root)
	if err != nil {
		return fail(err)
	}
	exp, err := mapExpiry(cfg)
	if err != nil {
		return fail(err)
	}

	eng, err := moderation.New(moderation.Options{
		Logger:            root,
		Store:             store,
		Platform:          host,
		Policies:          policies,
		Classifier:        classifier,
		ClassifierTimeout: clsTimeout,
		Detector:          langdetect.New(cfg.Language.MinWords),
		Escalation:        moderation.EscalationPolicy{Lookback: cfg.Moderation.EscalationLookback},
		ModLog:            ml,
		Bus:               bus,
		ActionTimeout:     exp.action,
		MaxLiftAttempts:   exp.maxAttempts,
	})
	if err != nil {
		return fail(err)
	}

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logs,
		bus:      bus,
		store:    store,
		host:     host,
		policies: policies,
		engine:   eng,
		modlog:   ml,
		sched:    scheduler.New(root),
		expiry:   exp,
		workers:  max(o.workers, 1),
		messages: make(chan moderation.Message, 256),
	}
	a.ops = ops.New(mapOpsConfig(cfg), root, a.health)
	return a, nil
}

// Engine exposes the moderation pipeline for in-process callers.
func (a *App) Engine() *moderation.Engine { return a.engine }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() error {
	if a.sup == nil || a.sup.Context().Err() != nil {
		return errors.New("not running")
	}
	return nil
}

// Init loads durable engine state without starting anything. Offline CLI
// commands call Init and Close; the daemon goes through Start and Stop.
func (a *App) Init(ctx context.Context) error {
	return a.engine.Init(ctx)
}

// Close flushes the engine and closes storage and logging.
func (a *App) Close(ctx context.Context) error {
	err := errors.Join(a.engine.Close(ctx), a.store.Close())
	_ = a.logs.Close()
	return err
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		warnings, err := ValidateConfig(cfg)
		for _, w := range warnings {
			a.log.Warn("config warning", logx.Err(w))
		}
		return err
	})

	if err := a.engine.Init(ctx); err != nil {
		return fmt.Errorf("engine init: %w", err)
	}

	a.modlog.Start(a.sup.Context())

	if err := a.registerJobs(a.expiry, a.cfgm.Get()); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())

	a.ops.Reconfigure(a.sup.Context(), mapOpsConfig(a.cfgm.Get()))

	if err := a.host.Start(a.sup.Context(), a.messages); err != nil {
		return err
	}

	for i := 0; i < a.workers; i++ {
		a.sup.Go("ingest."+strconv.Itoa(i), a.ingestLoop)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Int("ingest_workers", a.workers))
	return nil
}

func (a *App) ingestLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-a.messages:
			d := a.engine.HandleMessage(ctx, m)
			if d.Execution != nil {
				a.log.Debug("message moderated",
					logx.Int64("guild_id", m.GuildID),
					logx.Int64("user_id", m.AuthorID),
					logx.String("action", d.Action.String()),
					logx.String("category", d.Winner.Category),
					logx.String("state", d.Execution.State.String()),
				)
			}
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, guilds := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		if s == "storage" || s == "discord" {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(next))

	// Policies resolve from config on miss, so dropping the cache is enough.
	a.policies.Invalidate(0)
	if len(guilds) > 0 {
		a.log.Debug("guild policies changed", logx.Strings("guilds", guilds))
	}

	if mlc, err := mapModLogConfig(next); err != nil {
		a.log.Warn("invalid modlog config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := prev.EffectiveModLog().Enabled
		a.modlog.Apply(mlc)
		switch {
		case wasEnabled && !mlc.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.modlog.Stop(stopCtx)
			cancel()
		case !wasEnabled && mlc.Enabled:
			a.modlog.Start(ctx)
		}
	}

	if exp, err := mapExpiry(next); err != nil {
		a.log.Warn("invalid expiry config; keeping previous", logx.Err(err))
	} else if exp != a.expiry || maxSpamWindow(prev) != maxSpamWindow(next) {
		if err := a.registerJobs(exp, next); err != nil {
			a.log.Warn("reschedule failed", logx.Err(err))
		} else {
			a.expiry = exp
		}
	}

	a.ops.Reconfigure(ctx, mapOpsConfig(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Each step gets a bounded slice of ctx so one component cannot stall
	// the whole shutdown.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped: no time left", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("host", 3*time.Second, a.host.Stop)
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	// Drain queued mod-log posts before the final engine flush.
	step("modlog", 3*time.Second, func(c context.Context) error { a.modlog.Stop(c); return nil })
	step("engine", 5*time.Second, a.engine.Close)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
