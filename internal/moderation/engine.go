package moderation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"modguard/internal/eventbus"
	"modguard/internal/storage"
	logx "modguard/pkg/logx"
)

// Options wires an Engine. Store, Platform and Policies are required.
type Options struct {
	Logger   logx.Logger
	Store    storage.Store
	Platform Platform
	Policies PolicyStore

	Classifier        Classifier // nil disables the classifier evaluator
	ClassifierTimeout time.Duration
	Detector          LanguageDetector // nil disables the language evaluator

	Escalation      EscalationPolicy // zero value means DefaultEscalation
	ModLog          ModLog           // nil posts directly through Platform
	Bus             eventbus.Bus
	ActionTimeout   time.Duration
	MaxLiftAttempts int

	Clock func() time.Time
}

// Engine is the moderation pipeline: evaluate, resolve, escalate, execute.
// It is safe for concurrent use across messages.
type Engine struct {
	log      logx.Logger
	policies PolicyStore

	rules      *RuleEngine
	spam       *SpamDetector
	classifier Classifier
	clsTimeout time.Duration
	detector   LanguageDetector
	escalation EscalationPolicy

	ledger    *Ledger
	sanctions *SanctionStore
	exec      *Executor
	expirer   *Expirer
	now       func() time.Time
}

func New(opts Options) (*Engine, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("moderation: store is required")
	case opts.Platform == nil:
		return nil, errors.New("moderation: platform is required")
	case opts.Policies == nil:
		return nil, errors.New("moderation: policy store is required")
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	esc := opts.Escalation
	if len(esc.Steps) == 0 {
		lb := esc.Lookback
		esc = DefaultEscalation()
		if lb > 0 {
			esc.Lookback = lb
		}
	}

	log := opts.Logger
	ledger := NewLedger(opts.Store)
	sanctions := NewSanctionStore(opts.Store)
	exec := NewExecutor(log, opts.Platform, ledger, sanctions, opts.ModLog, opts.Bus, opts.ActionTimeout, now)
	return &Engine{
		log:        log.With(logx.String("comp", "engine")),
		policies:   opts.Policies,
		rules:      NewRuleEngine(log),
		spam:       NewSpamDetector(),
		classifier: opts.Classifier,
		clsTimeout: ClampClassifierTimeout(opts.ClassifierTimeout),
		detector:   opts.Detector,
		escalation: esc,
		ledger:     ledger,
		sanctions:  sanctions,
		exec:       exec,
		expirer:    NewExpirer(log, sanctions, exec, opts.Policies, opts.MaxLiftAttempts, now),
		now:        now,
	}, nil
}

// Init loads active sanctions from storage.
func (e *Engine) Init(ctx context.Context) error {
	n, err := e.sanctions.Load(ctx)
	if err != nil {
		return err
	}
	e.log.Info("engine ready", logx.Int("sanctions", n))
	return nil
}

// Decision is the pipeline result for one message.
type Decision struct {
	Skipped    bool
	SkipReason string

	Signals          []Signal
	Base             Action // resolved before escalation
	Winner           Signal
	PriorInfractions int
	Action           Action // final

	Execution *Execution // nil when Action is None
}

// HandleMessage evaluates msg and applies the resulting action. It always
// returns a decision; evaluator and step failures are logged, not returned.
func (e *Engine) HandleMessage(ctx context.Context, msg Message) Decision {
	d, p := e.evaluate(ctx, msg)
	if d.Action.IsNone() {
		return d
	}
	d.Execution = e.exec.Execute(ctx, ExecRequest{
		GuildID:   msg.GuildID,
		UserID:    msg.AuthorID,
		ChannelID: msg.ChannelID,
		MessageID: msg.MessageID,
		Action:    d.Action,
		Category:  d.Winner.Category,
		Reason:    autoReason(d),
		Notice:    d.Winner.Notice,
		Policy:    p,
	})
	return d
}

// Evaluate runs the pipeline without side effects other than updating the
// spam window.
func (e *Engine) Evaluate(ctx context.Context, msg Message) Decision {
	d, _ := e.evaluate(ctx, msg)
	return d
}

func (e *Engine) evaluate(ctx context.Context, msg Message) (Decision, GuildPolicy) {
	skip := func(reason string) Decision {
		messagesEvaluated.WithLabelValues("skipped").Inc()
		return Decision{Skipped: true, SkipReason: reason}
	}
	switch {
	case msg.GuildID == 0:
		return skip("direct_message"), GuildPolicy{}
	case msg.AuthorIsBot:
		return skip("bot"), GuildPolicy{}
	case msg.AuthorIsOwner:
		return skip("owner"), GuildPolicy{}
	case msg.AuthorIsAdmin:
		return skip("admin"), GuildPolicy{}
	}

	p, err := e.policies.GuildPolicy(ctx, msg.GuildID)
	if err != nil {
		e.log.Warn("policy unavailable", logx.Int64("guild", msg.GuildID), logx.Err(err))
		return skip("policy_unavailable"), GuildPolicy{}
	}
	switch {
	case !p.Enabled:
		return skip("disabled"), p
	case anyIn(msg.AuthorRoleIDs, p.ModeratorRoleIDs):
		return skip("moderator"), p
	case p.IsTrusted(msg.AuthorRoleIDs):
		return skip("trusted"), p
	}

	now := msg.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}

	var d Decision
	fire := func(name string, fn func() (Signal, bool)) {
		if s, ok := e.guard(name, fn); ok {
			d.Signals = append(d.Signals, s)
			signalsFired.WithLabelValues(s.Source.String()).Inc()
		}
	}
	fire("rules", func() (Signal, bool) { return e.rules.Evaluate(msg.Content, p) })
	fire("attachments", func() (Signal, bool) { return EvaluateAttachments(msg.Attachments, p) })
	fire("spam", func() (Signal, bool) { return e.spam.Observe(msg.GuildID, msg.AuthorID, now, p) })
	fire("links", func() (Signal, bool) { return EvaluateLinks(msg.Content, p) })
	if e.detector != nil {
		fire("language", func() (Signal, bool) { return EvaluateLanguage(msg.ChannelID, msg.Content, p, e.detector) })
	}
	if e.classifier != nil {
		fire("classifier", func() (Signal, bool) { return e.classify(ctx, msg.Content, p) })
	}

	base, winner, ok := Resolve(d.Signals)
	d.Base, d.Winner, d.Action = base, winner, base
	if !ok {
		messagesEvaluated.WithLabelValues("clean").Inc()
		return d, p
	}

	n, err := e.ledger.Count(ctx, msg.GuildID, msg.AuthorID, e.escalation.lookback())
	if err != nil {
		e.log.Warn("infraction history incomplete", logx.Int64("guild", msg.GuildID), logx.Int64("user", msg.AuthorID), logx.Err(err))
	}
	d.PriorInfractions = n
	d.Action = e.escalation.Escalate(base, n)
	messagesEvaluated.WithLabelValues("actioned").Inc()
	return d, p
}

func (e *Engine) classify(ctx context.Context, text string, p GuildPolicy) (Signal, bool) {
	start := time.Now()
	s, ok, err := EvaluateClassifier(ctx, e.classifier, e.clsTimeout, text, p)
	result := "ok"
	if err != nil {
		result = "unavailable"
		e.log.Debug("classifier unavailable", logx.Err(err))
	}
	classifierDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return s, ok
}

// guard runs one evaluator, turning a panic into "no signal".
func (e *Engine) guard(name string, fn func() (Signal, bool)) (s Signal, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			evaluatorPanics.WithLabelValues(name).Inc()
			e.log.Error("evaluator panicked", logx.String("evaluator", name),
				logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			s, ok = Signal{}, false
		}
	}()
	return fn()
}

func autoReason(d Decision) string {
	r := "automod: " + d.Winner.Category
	if d.Action != d.Base {
		r += fmt.Sprintf(" (escalated from %s after %d infractions)", d.Base, d.PriorInfractions)
	}
	return r
}

// ManualAction is a moderator-issued action.
type ManualAction struct {
	GuildID     int64
	UserID      int64
	ModeratorID int64
	Action      Action
	Reason      string
	ChannelID   int64 // optional; with MessageID, the message is deleted
	MessageID   int64
}

// Apply executes a moderator action through the same executor as automated ones.
func (e *Engine) Apply(ctx context.Context, m ManualAction) (*Execution, error) {
	if m.Action.IsNone() {
		return nil, errors.New("moderation: nothing to apply")
	}
	if m.GuildID == 0 || m.UserID == 0 {
		return nil, errors.New("moderation: guild and user are required")
	}
	p, err := e.policies.GuildPolicy(ctx, m.GuildID)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	mod := m.ModeratorID
	return e.exec.Execute(ctx, ExecRequest{
		GuildID:     m.GuildID,
		UserID:      m.UserID,
		ChannelID:   m.ChannelID,
		MessageID:   m.MessageID,
		ModeratorID: &mod,
		Action:      m.Action,
		Category:    "manual",
		Reason:      m.Reason,
		Policy:      p,
	}), nil
}

// Lift ends a sanction early. It is idempotent: lifting a member who is not
// muted or banned succeeds.
func (e *Engine) Lift(ctx context.Context, guildID, userID int64, kind SanctionKind, moderatorID int64, reason string) error {
	p, err := e.policies.GuildPolicy(ctx, guildID)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	k := SanctionKey{GuildID: guildID, UserID: userID, Kind: kind}
	sn, ok := e.sanctions.Get(k)
	if !ok {
		// Another process may have issued it.
		if _, err := e.sanctions.Sync(ctx); err != nil {
			e.log.Warn("sanction sync failed", logx.Err(err))
		}
		sn, ok = e.sanctions.Get(k)
	}
	if !ok {
		sn = Sanction{GuildID: guildID, UserID: userID, Kind: kind, MuteRoleID: p.MuteRoleID}
	}
	if reason == "" {
		reason = "lifted by moderator"
	}
	mod := moderatorID
	if err := e.exec.LiftSanction(ctx, sn, p, &mod, reason); err != nil {
		return err
	}
	if e.sanctions.Remove(k) {
		return e.sanctions.Flush(ctx)
	}
	return nil
}

// Tick runs one expiry pass for kind ("" for all).
func (e *Engine) Tick(ctx context.Context, kind SanctionKind) TickReport {
	return e.expirer.Tick(ctx, kind)
}

func (e *Engine) Infractions(ctx context.Context, guildID, userID int64, limit int) ([]Infraction, error) {
	return e.ledger.Recent(ctx, guildID, userID, limit)
}

// Policy returns the effective policy for a guild.
func (e *Engine) Policy(ctx context.Context, guildID int64) (GuildPolicy, error) {
	return e.policies.GuildPolicy(ctx, guildID)
}

// SetPolicy stores a runtime override for a guild. It wins over the config
// file until replaced. A running daemon picks it up when its cached copy
// expires.
func (e *Engine) SetPolicy(ctx context.Context, guildID int64, p GuildPolicy) error {
	if errs := ValidatePatterns(p); len(errs) > 0 {
		return errors.Join(errs...)
	}
	return e.policies.SetGuildPolicy(ctx, guildID, p)
}

// Sanctions lists active sanctions of kind ("" for all), soonest expiry first.
func (e *Engine) Sanctions(kind SanctionKind) []Sanction {
	return e.sanctions.Snapshot(kind)
}

func (e *Engine) FlushLedger(ctx context.Context) error {
	err := e.ledger.Flush(ctx)
	if err != nil {
		persistFailures.WithLabelValues("append infractions").Inc()
	}
	return err
}

// SweepSpam drops idle spam windows.
func (e *Engine) SweepSpam(maxWindow time.Duration) int {
	return e.spam.Sweep(time.Now(), maxWindow)
}

// Close flushes pending ledger entries and sanction changes.
func (e *Engine) Close(ctx context.Context) error {
	return errors.Join(e.ledger.Flush(ctx), e.sanctions.Flush(ctx))
}
