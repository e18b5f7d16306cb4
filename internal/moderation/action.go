package moderation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"modguard/internal/config"
)

// Kind is an action variant. The numeric order is the severity order.
type Kind uint8

const (
	KindNone Kind = iota
	KindWarn
	KindDelete
	KindTempMute
	KindKick
	KindBan
)

var kindNames = [...]string{"none", "warn", "delete", "temp_mute", "kick", "ban"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Action is a tagged variant: Kind plus a duration for TempMute and
// temporary Ban. A Ban with zero Duration is permanent.
type Action struct {
	Kind     Kind
	Duration time.Duration
}

func None() Action                     { return Action{} }
func Warn() Action                     { return Action{Kind: KindWarn} }
func Delete() Action                   { return Action{Kind: KindDelete} }
func TempMute(d time.Duration) Action  { return Action{Kind: KindTempMute, Duration: d} }
func Kick() Action                     { return Action{Kind: KindKick} }
func Ban() Action                      { return Action{Kind: KindBan} }
func TempBan(d time.Duration) Action   { return Action{Kind: KindBan, Duration: d} }
func (a Action) Severity() int         { return int(a.Kind) }
func (a Action) IsNone() bool          { return a.Kind == KindNone }
func (a Action) DeletesMessage() bool  { return a.Kind >= KindDelete }
func (a Action) Equal(b Action) bool   { return a == b }
func (a Action) Less(b Action) bool    { return Max(a, b) != a }

// IsTemporary reports whether applying a creates an expiring sanction.
func (a Action) IsTemporary() bool {
	return (a.Kind == KindTempMute || a.Kind == KindBan) && a.Duration > 0
}

// SanctionKind maps a temporary action onto the sanction it creates.
func (a Action) SanctionKind() (SanctionKind, bool) {
	if !a.IsTemporary() {
		return "", false
	}
	if a.Kind == KindTempMute {
		return SanctionMute, true
	}
	return SanctionBan, true
}

func (a Action) String() string {
	switch {
	case a.Kind == KindTempMute:
		return "temp_mute:" + formatDuration(a.Duration)
	case a.Kind == KindBan && a.Duration > 0:
		return "temp_ban:" + formatDuration(a.Duration)
	default:
		return a.Kind.String()
	}
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Action) UnmarshalText(b []byte) error {
	v, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Max returns the more severe action. Between two actions of equal kind the
// longer one wins, and a permanent ban outranks any temporary ban.
func Max(a, b Action) Action {
	if a.Kind != b.Kind {
		if b.Kind > a.Kind {
			return b
		}
		return a
	}
	if a.Kind == KindBan && (a.Duration == 0 || b.Duration == 0) {
		return Ban()
	}
	if b.Duration > a.Duration {
		return b
	}
	return a
}

const defaultMuteDuration = 10 * time.Minute

// ParseAction parses "none", "warn", "delete", "temp_mute[:d]", "mute[:d]",
// "kick", "ban", "temp_ban:d" and "+"-joined combinations, which resolve to
// their most severe part.
func ParseAction(raw string) (Action, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return Action{}, fmt.Errorf("empty action")
	}
	if strings.Contains(s, "+") {
		var out Action
		for _, part := range strings.Split(s, "+") {
			a, err := ParseAction(part)
			if err != nil {
				return Action{}, err
			}
			out = Max(out, a)
		}
		return out, nil
	}

	name, arg, hasArg := strings.Cut(s, ":")
	var d time.Duration
	if hasArg {
		var err error
		d, err = config.ParseHumanDuration(arg)
		if err != nil {
			return Action{}, fmt.Errorf("action %q: bad duration: %w", raw, err)
		}
		if d <= 0 {
			return Action{}, fmt.Errorf("action %q: duration must be > 0", raw)
		}
	}

	switch name {
	case "none", "ignore":
		return None(), nil
	case "warn":
		return Warn(), nil
	case "delete":
		return Delete(), nil
	case "temp_mute", "mute", "timeout":
		if d == 0 {
			d = defaultMuteDuration
		}
		return TempMute(d), nil
	case "kick":
		return Kick(), nil
	case "ban":
		return Action{Kind: KindBan, Duration: d}, nil
	case "temp_ban":
		if d == 0 {
			return Action{}, fmt.Errorf("action %q: temp_ban needs a duration", raw)
		}
		return TempBan(d), nil
	}
	return Action{}, fmt.Errorf("unknown action %q", raw)
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d%(24*time.Hour) == 0:
		return strconv.FormatInt(int64(d/(24*time.Hour)), 10) + "d"
	case d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	case d%time.Second == 0:
		return strconv.FormatInt(int64(d/time.Second), 10) + "s"
	}
	return d.String()
}
