package moderation

import "time"

// Resolve merges fired signals into one action: the highest severity wins,
// ties go to the higher-priority source, then to the earlier signal.
// The winning signal's parameters (e.g. mute duration) are kept as is.
func Resolve(signals []Signal) (Action, Signal, bool) {
	var (
		best  Signal
		found bool
	)
	for _, s := range signals {
		if s.Action.IsNone() {
			continue
		}
		if !found || outranks(s, best) {
			best, found = s, true
		}
	}
	if !found {
		return None(), Signal{}, false
	}
	return best.Action, best, true
}

func outranks(a, b Signal) bool {
	if a.Action.Severity() != b.Action.Severity() {
		return a.Action.Severity() > b.Action.Severity()
	}
	return a.Source.priority() > b.Source.priority()
}

// EscalationPolicy raises an action based on how many infractions a member
// already has.
type EscalationPolicy struct {
	// Lookback bounds how many recent ledger entries are counted.
	Lookback int
	Steps    []EscalationStep // highest MinCount first
}

type EscalationStep struct {
	MinCount int
	Action   Action
}

const defaultLookback = 150

// DefaultEscalation mutes for 10 minutes from 3 prior infractions and for a
// day from 6.
func DefaultEscalation() EscalationPolicy {
	return EscalationPolicy{
		Lookback: defaultLookback,
		Steps: []EscalationStep{
			{MinCount: 6, Action: TempMute(24 * time.Hour)},
			{MinCount: 3, Action: TempMute(10 * time.Minute)},
		},
	}
}

// Escalate returns max(base, candidate) for the infraction count. It never
// lowers base.
//
// Escalate(None(), n) is None() for every n. This is policy, not an edge
// case: a clean message is never punished for past infractions, so history
// alone cannot mute anyone. The message pipeline only calls Escalate after a
// signal fired, so it never passes None.
func (e EscalationPolicy) Escalate(base Action, count int) Action {
	if base.IsNone() {
		return base
	}
	for _, st := range e.Steps {
		if count >= st.MinCount {
			return Max(base, st.Action)
		}
	}
	return base
}

func (e EscalationPolicy) lookback() int {
	if e.Lookback <= 0 {
		return defaultLookback
	}
	return e.Lookback
}
