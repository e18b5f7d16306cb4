package moderation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"modguard/internal/eventbus"
	logx "modguard/pkg/logx"
)

// Step names one executor side effect.
type Step string

const (
	StepDelete   Step = "delete"
	StepNotice   Step = "notice"
	StepPrimary  Step = "primary"
	StepLedger   Step = "ledger"
	StepSanction Step = "sanction"
	StepLog      Step = "log"
)

// Steps lists executor steps in execution order.
var Steps = []Step{StepDelete, StepNotice, StepPrimary, StepLedger, StepSanction, StepLog}

type StepResult struct {
	Attempted bool
	Err       error
}

func (r StepResult) OK() bool { return r.Attempted && r.Err == nil }

type ExecState uint8

const (
	StatePending ExecState = iota
	StateExecuting
	StateCompleted
)

func (s ExecState) String() string {
	switch s {
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	}
	return "pending"
}

// ExecRequest describes one action to apply. A nil ModeratorID marks an
// automated action; a zero MessageID skips message deletion.
type ExecRequest struct {
	GuildID     int64
	UserID      int64
	ChannelID   int64
	MessageID   int64
	ModeratorID *int64
	Action      Action
	Category    string
	Reason      string
	Notice      string // member-facing text; Reason is used when empty
	Policy      GuildPolicy
}

// Execution is the outcome of one Execute call. Every applicable step is
// attempted; Steps records each one's result.
type Execution struct {
	Request    ExecRequest
	State      ExecState
	Steps      map[Step]StepResult
	Infraction *Infraction
	Sanction   *Sanction
}

// Failed lists failed steps in execution order.
func (x *Execution) Failed() []Step {
	var out []Step
	for _, s := range Steps {
		if r, ok := x.Steps[s]; ok && r.Attempted && r.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

// ModLog delivers moderation log lines to a guild's log channel.
type ModLog interface {
	Post(ctx context.Context, channelID int64, content string) error
}

// maxTimeout is the longest timeout the platform accepts.
const maxTimeout = 28 * 24 * time.Hour

const defaultActionTimeout = 10 * time.Second

// Executor applies actions and lifts sanctions against the Platform.
type Executor struct {
	log       logx.Logger
	platform  Platform
	ledger    *Ledger
	sanctions *SanctionStore
	modlog    ModLog
	bus       eventbus.Bus
	timeout   time.Duration
	now       func() time.Time
}

func NewExecutor(log logx.Logger, p Platform, ledger *Ledger, sanctions *SanctionStore, ml ModLog, bus eventbus.Bus, timeout time.Duration, now func() time.Time) *Executor {
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	return &Executor{
		log:       log.With(logx.String("comp", "executor")),
		platform:  p,
		ledger:    ledger,
		sanctions: sanctions,
		modlog:    ml,
		bus:       bus,
		timeout:   timeout,
		now:       now,
	}
}

// Execute runs every applicable step. Step failures are recorded and logged,
// never returned.
func (e *Executor) Execute(ctx context.Context, req ExecRequest) *Execution {
	x := &Execution{Request: req, State: StatePending, Steps: make(map[Step]StepResult, len(Steps))}
	if req.Action.IsNone() {
		x.State = StateCompleted
		return x
	}
	x.State = StateExecuting
	now := e.now()
	a := req.Action
	log := e.log.With(
		logx.Int64("guild", req.GuildID), logx.Int64("user", req.UserID),
		logx.String("action", a.String()), logx.String("category", req.Category))

	if a.DeletesMessage() && req.MessageID != 0 {
		x.Steps[StepDelete] = e.call(ctx, func(ctx context.Context) error {
			return e.platform.DeleteMessage(ctx, req.GuildID, req.ChannelID, req.MessageID)
		})
	}

	if a.Kind >= KindDelete {
		x.Steps[StepNotice] = e.call(ctx, func(ctx context.Context) error {
			return e.platform.SendDirectMessage(ctx, req.UserID, noticeText(req))
		})
	}

	if a.Kind != KindDelete {
		x.Steps[StepPrimary] = e.call(ctx, func(ctx context.Context) error {
			return e.primary(ctx, req, now)
		})
	}

	in, err := e.ledger.Append(ctx, Infraction{
		GuildID:     req.GuildID,
		UserID:      req.UserID,
		ModeratorID: req.ModeratorID,
		Action:      a,
		Category:    req.Category,
		Reason:      req.Reason,
		CreatedAt:   now,
	})
	x.Infraction = &in
	x.Steps[StepLedger] = StepResult{Attempted: true, Err: err}

	if res, sn := e.recordSanction(ctx, req, now); res.Attempted {
		x.Steps[StepSanction] = res
		x.Sanction = sn
	}

	if req.Policy.LogChannelID != 0 {
		x.Steps[StepLog] = e.post(ctx, req.Policy.LogChannelID, actionLogText(x))
	}
	x.State = StateCompleted

	actionsApplied.WithLabelValues(a.Kind.String()).Inc()
	for _, s := range x.Failed() {
		r := x.Steps[s]
		outcome := string(OutcomeOf(r.Err))
		var pe *PersistenceError
		if errors.As(r.Err, &pe) {
			outcome = "persistence"
			persistFailures.WithLabelValues(pe.Op).Inc()
		}
		stepFailures.WithLabelValues(string(s), outcome).Inc()
		// Closed DMs are expected and not worth a warning.
		if s == StepNotice || OutcomeOf(r.Err) == OutcomeBlocked {
			log.Debug("step failed", logx.String("step", string(s)), logx.Err(r.Err))
		} else {
			log.Warn("step failed", logx.String("step", string(s)), logx.Err(r.Err))
		}
		e.bus.Publish(eventbus.Event{Type: eventbus.ModerationStepFailed, Data: map[string]any{
			"guild_id": req.GuildID, "user_id": req.UserID, "step": string(s), "outcome": outcome, "error": r.Err.Error(),
		}})
	}
	log.Info("action applied", logx.Int("failed_steps", len(x.Failed())))
	e.bus.Publish(eventbus.Event{Type: eventbus.ModerationAction, Data: x})
	return x
}

func (e *Executor) primary(ctx context.Context, req ExecRequest, now time.Time) error {
	a := req.Action
	switch a.Kind {
	case KindWarn:
		return e.platform.SendDirectMessage(ctx, req.UserID, noticeText(req))
	case KindTempMute:
		if req.Policy.MuteRoleID != 0 {
			return e.platform.ApplyMuteRole(ctx, req.GuildID, req.UserID, req.Policy.MuteRoleID, req.Reason)
		}
		return e.platform.TimeoutUser(ctx, req.GuildID, req.UserID, now.Add(min(a.Duration, maxTimeout)), req.Reason)
	case KindKick:
		return e.platform.KickUser(ctx, req.GuildID, req.UserID, req.Reason)
	case KindBan:
		return e.platform.BanUser(ctx, req.GuildID, req.UserID, req.Reason)
	}
	return nil
}

// recordSanction writes the expiring sanction for temporary actions. A
// permanent ban replaces any temporary ban so it is never auto-lifted.
func (e *Executor) recordSanction(ctx context.Context, req ExecRequest, now time.Time) (StepResult, *Sanction) {
	a := req.Action
	kind, temporary := a.SanctionKind()
	if !temporary {
		if a.Kind == KindBan && e.sanctions.Remove(SanctionKey{GuildID: req.GuildID, UserID: req.UserID, Kind: SanctionBan}) {
			return StepResult{Attempted: true, Err: e.sanctions.Flush(ctx)}, nil
		}
		return StepResult{}, nil
	}

	sn := Sanction{
		GuildID:   req.GuildID,
		UserID:    req.UserID,
		Kind:      kind,
		ExpiresAt: now.Unix() + int64(math.Ceil(a.Duration.Seconds())),
		Reason:    req.Reason,
		IssuerID:  req.ModeratorID,
		CreatedAt: now.Unix(),
	}
	if kind == SanctionMute {
		sn.MuteRoleID = req.Policy.MuteRoleID
	}
	e.sanctions.Put(sn)
	err := e.sanctions.Flush(ctx)
	e.bus.Publish(eventbus.Event{Type: eventbus.SanctionCreated, Data: sn})
	return StepResult{Attempted: true, Err: err}, &sn
}

// LiftSanction reverses a sanction on the platform the way it was applied,
// so a mute role changed since then does not matter. NotFound and
// AlreadyAbsent count as success. p only supplies the log channel. It does
// not touch the SanctionStore.
func (e *Executor) LiftSanction(ctx context.Context, sn Sanction, p GuildPolicy, by *int64, reason string) error {
	if reason == "" {
		reason = "sanction expired"
	}
	res := e.call(ctx, func(ctx context.Context) error {
		switch sn.Kind {
		case SanctionMute:
			if sn.MuteRoleID != 0 {
				return e.platform.RemoveMuteRole(ctx, sn.GuildID, sn.UserID, sn.MuteRoleID, reason)
			}
			return e.platform.TimeoutUser(ctx, sn.GuildID, sn.UserID, time.Time{}, reason)
		case SanctionBan:
			return e.platform.UnbanUser(ctx, sn.GuildID, sn.UserID, reason)
		}
		return fmt.Errorf("unknown sanction kind %q", sn.Kind)
	})
	log := e.log.With(logx.Int64("guild", sn.GuildID), logx.Int64("user", sn.UserID), logx.String("kind", string(sn.Kind)))
	if res.Err != nil && !isAbsent(res.Err) {
		log.Warn("lift failed", logx.Err(res.Err))
		return res.Err
	}
	log.Info("sanction lifted", logx.String("reason", reason))
	e.bus.Publish(eventbus.Event{Type: eventbus.SanctionLifted, Data: sn})
	if p.LogChannelID != 0 {
		_ = e.post(ctx, p.LogChannelID, liftLogText(sn, by, reason))
	}
	return nil
}

// reportDropped tells the log channel that a sanction was given up on.
func (e *Executor) reportDropped(ctx context.Context, sn Sanction, p GuildPolicy, attempts int, cause error) {
	e.log.Error("giving up on lift", logx.Int64("guild", sn.GuildID), logx.Int64("user", sn.UserID),
		logx.String("kind", string(sn.Kind)), logx.Int("attempts", attempts), logx.Err(cause))
	e.bus.Publish(eventbus.Event{Type: eventbus.SanctionLiftFailed, Data: map[string]any{
		"sanction": sn, "attempts": attempts, "error": cause.Error(),
	}})
	if p.LogChannelID != 0 {
		_ = e.post(ctx, p.LogChannelID, fmt.Sprintf(
			"could not lift %s for <@%d> after %d attempts (%v); please lift it manually",
			sn.Kind, sn.UserID, attempts, cause))
	}
}

func (e *Executor) post(ctx context.Context, channelID int64, content string) StepResult {
	if e.modlog != nil {
		return StepResult{Attempted: true, Err: e.modlog.Post(ctx, channelID, content)}
	}
	return e.call(ctx, func(ctx context.Context) error {
		return e.platform.SendToChannel(ctx, channelID, content)
	})
}

// call runs one platform call under the action timeout without holding locks.
func (e *Executor) call(ctx context.Context, fn func(ctx context.Context) error) StepResult {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	err := fn(cctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && OutcomeOf(err) != OutcomeTimeout {
		err = NewPlatformError("call", OutcomeTimeout, err)
	}
	return StepResult{Attempted: true, Err: err}
}

func noticeText(req ExecRequest) string {
	var verb string
	switch a := req.Action; a.Kind {
	case KindWarn:
		verb = "You have received a warning"
	case KindDelete:
		verb = "Your message was removed"
	case KindTempMute:
		verb = "You have been muted for " + formatDuration(a.Duration)
	case KindKick:
		verb = "You have been kicked"
	case KindBan:
		if a.Duration > 0 {
			verb = "You have been banned for " + formatDuration(a.Duration)
		} else {
			verb = "You have been banned"
		}
	}
	switch {
	case req.Notice != "":
		return verb + ". " + req.Notice
	case req.Reason == "":
		return verb + "."
	}
	return verb + ". Reason: " + req.Reason
}

func actionLogText(x *Execution) string {
	req := x.Request
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** <@%d>", req.Action, req.UserID)
	if req.ModeratorID != nil {
		fmt.Fprintf(&b, " by <@%d>", *req.ModeratorID)
	} else {
		b.WriteString(" (automod)")
	}
	if req.Category != "" {
		fmt.Fprintf(&b, " `%s`", req.Category)
	}
	if req.Reason != "" {
		b.WriteString(": " + req.Reason)
	}
	if x.Infraction != nil && x.Infraction.ID != 0 {
		fmt.Fprintf(&b, " [#%d]", x.Infraction.ID)
	}
	if failed := x.Failed(); len(failed) > 0 {
		names := make([]string, len(failed))
		for i, s := range failed {
			names[i] = string(s)
		}
		b.WriteString("\nfailed steps: " + strings.Join(names, ", "))
	}
	return b.String()
}

func liftLogText(sn Sanction, by *int64, reason string) string {
	s := fmt.Sprintf("lifted %s for <@%d>", sn.Kind, sn.UserID)
	if by != nil {
		s += fmt.Sprintf(" by <@%d>", *by)
	}
	return s + ": " + reason
}
