package moderation

import (
	"context"
	"errors"
	"fmt"
)

// ErrClassifierUnavailable is returned by classifier adapters on timeout,
// transport failure or missing credentials. The pipeline treats it as no signal.
var ErrClassifierUnavailable = errors.New("classifier unavailable")

// ConfigError reports a malformed rule. The rule is skipped.
type ConfigError struct {
	Rule    string
	Pattern string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: rule %s pattern %q: %v", e.Rule, e.Pattern, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Outcome classifies a host platform failure.
type Outcome string

const (
	OutcomeNotFound      Outcome = "not_found"
	OutcomeForbidden     Outcome = "forbidden"
	OutcomeAlreadyAbsent Outcome = "already_absent"
	OutcomeBlocked       Outcome = "blocked"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeFailed        Outcome = "failed"
)

// PlatformError is a failed host platform call.
type PlatformError struct {
	Op      string
	Outcome Outcome
	Err     error
}

func (e *PlatformError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("platform %s: %s", e.Op, e.Outcome)
	}
	return fmt.Sprintf("platform %s: %s: %v", e.Op, e.Outcome, e.Err)
}

func (e *PlatformError) Unwrap() error { return e.Err }

// NewPlatformError wraps err with op, classifying context deadlines as timeouts.
func NewPlatformError(op string, outcome Outcome, err error) *PlatformError {
	if errors.Is(err, context.DeadlineExceeded) {
		outcome = OutcomeTimeout
	}
	return &PlatformError{Op: op, Outcome: outcome, Err: err}
}

// OutcomeOf returns the platform outcome carried by err, or OutcomeFailed.
func OutcomeOf(err error) Outcome {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Outcome
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	return OutcomeFailed
}

// isAbsent reports whether err means the target state already holds.
func isAbsent(err error) bool {
	switch OutcomeOf(err) {
	case OutcomeNotFound, OutcomeAlreadyAbsent:
		return true
	}
	return false
}

// PersistenceError wraps a durable write failure. In-memory state stays
// authoritative and the write is retried on the next flush.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return "persist " + e.Op + ": " + e.Err.Error() }
func (e *PersistenceError) Unwrap() error { return e.Err }
