package moderation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Classifier scores text per category in [0,1]. Implementations return an
// error wrapping ErrClassifierUnavailable when no score can be produced.
type Classifier interface {
	Analyze(ctx context.Context, text string) (map[string]float64, error)
}

const (
	minClassifierTimeout     = 10 * time.Second
	maxClassifierTimeout     = 15 * time.Second
	defaultClassifierTimeout = 12 * time.Second
)

// ClampClassifierTimeout keeps d inside the supported [10s, 15s] band.
func ClampClassifierTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return defaultClassifierTimeout
	case d < minClassifierTimeout:
		return minClassifierTimeout
	case d > maxClassifierTimeout:
		return maxClassifierTimeout
	}
	return d
}

// EvaluateClassifier calls c under timeout and maps flagged categories to a
// signal. Any failure is returned as ErrClassifierUnavailable with no signal.
func EvaluateClassifier(ctx context.Context, c Classifier, timeout time.Duration, text string, p GuildPolicy) (Signal, bool, error) {
	if c == nil || len(p.Categories) == 0 || text == "" {
		return Signal{}, false, nil
	}
	cctx, cancel := context.WithTimeout(ctx, ClampClassifierTimeout(timeout))
	defer cancel()

	scores, err := c.Analyze(cctx, text)
	if err != nil {
		if !errors.Is(err, ErrClassifierUnavailable) {
			err = fmt.Errorf("%w: %w", ErrClassifierUnavailable, err)
		}
		return Signal{}, false, err
	}
	return flaggedSignal(scores, p.Categories)
}

func flaggedSignal(scores map[string]float64, cats map[string]CategoryPolicy) (Signal, bool, error) {
	// Sorted so equal-severity categories pick deterministically.
	names := make([]string, 0, len(cats))
	for name := range cats {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		best  Signal
		found bool
	)
	for _, name := range names {
		cp := cats[name]
		score, ok := scores[name]
		if !ok || score < cp.Threshold {
			continue
		}
		if !found || best.Action.Less(cp.Action) {
			best = Signal{Category: "classifier:" + name, Action: cp.Action, Source: SourceClassifier}
			found = true
		}
	}
	return best, found, nil
}
