package moderation

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveEmptyIsNone(t *testing.T) {
	a, _, ok := Resolve(nil)
	assert.False(t, ok)
	assert.True(t, a.IsNone())
}

func TestResolvePicksMostSevere(t *testing.T) {
	a, w, ok := Resolve([]Signal{
		{Category: "link_blacklisted", Action: Delete(), Source: SourceLink},
		{Category: "spam", Action: TempMute(time.Minute), Source: SourceSpam},
		{Category: "language_violation", Action: Delete(), Source: SourceLanguage},
	})
	assert.True(t, ok)
	assert.Equal(t, TempMute(time.Minute), a)
	assert.Equal(t, "spam", w.Category)
}

func TestResolveTieBreakBySource(t *testing.T) {
	signals := []Signal{
		{Category: "language_violation", Action: Delete(), Source: SourceLanguage},
		{Category: "link_blacklisted", Action: Delete(), Source: SourceLink},
		{Category: "banned_word:x", Action: Delete(), Source: SourceBannedWord},
		{Category: "classifier:INSULT", Action: Delete(), Source: SourceClassifier},
		{Category: "custom_rule:contains:y", Action: Delete(), Source: SourceCustomRule},
	}
	_, w, _ := Resolve(signals)
	assert.Equal(t, SourceClassifier, w.Source)

	_, w, _ = Resolve(signals[:3])
	assert.Equal(t, SourceBannedWord, w.Source)

	// Same kind: source priority wins even over a longer mute.
	a, w, _ := Resolve([]Signal{
		{Category: "spam", Action: TempMute(time.Hour), Source: SourceSpam},
		{Category: "custom_rule:regex:z", Action: TempMute(time.Minute), Source: SourceCustomRule},
	})
	assert.Equal(t, SourceCustomRule, w.Source)
	assert.Equal(t, TempMute(time.Minute), a)
}

func randomSignal(r *rand.Rand) Signal {
	kinds := []Action{None(), Warn(), Delete(), TempMute(time.Minute), TempMute(time.Hour), Kick(), Ban(), TempBan(time.Hour)}
	return Signal{
		Category: "x",
		Action:   kinds[r.Intn(len(kinds))],
		Source:   Source(1 + r.Intn(int(SourceClassifier))),
	}
}

func TestResolveIsMonotonic(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		set := make([]Signal, r.Intn(6))
		for j := range set {
			set[j] = randomSignal(r)
		}
		before, _, _ := Resolve(set)
		after, _, _ := Resolve(append(set, randomSignal(r)))
		assert.GreaterOrEqual(t, after.Severity(), before.Severity())
	}
}

func TestEscalateThresholds(t *testing.T) {
	e := DefaultEscalation()
	assert.Equal(t, Delete(), e.Escalate(Delete(), 2))
	assert.Equal(t, TempMute(10*time.Minute), e.Escalate(Delete(), 3))
	assert.Equal(t, TempMute(24*time.Hour), e.Escalate(Delete(), 6))
	assert.Equal(t, TempMute(24*time.Hour), e.Escalate(TempMute(time.Hour), 6))
	assert.Equal(t, TempMute(48*time.Hour), e.Escalate(TempMute(48*time.Hour), 6))
	assert.Equal(t, Ban(), e.Escalate(Ban(), 10))
	assert.Equal(t, None(), e.Escalate(None(), 10))
}

func TestEscalateNeverLowers(t *testing.T) {
	e := DefaultEscalation()
	r := rand.New(rand.NewSource(11))
	for i := 0; i < 1000; i++ {
		base := randomSignal(r).Action
		got := e.Escalate(base, r.Intn(12))
		assert.GreaterOrEqual(t, got.Severity(), base.Severity())
		if got.Kind == base.Kind {
			assert.GreaterOrEqual(t, got.Duration, base.Duration)
		}
	}
}

func TestEscalateNeverStartsFromNone(t *testing.T) {
	e := EscalationPolicy{Lookback: 50, Steps: []EscalationStep{{MinCount: 0, Action: Ban()}}}
	for n := 0; n <= 50; n++ {
		assert.True(t, e.Escalate(None(), n).IsNone(), "count %d", n)
	}
	assert.Equal(t, Ban(), e.Escalate(Warn(), 0))
}
