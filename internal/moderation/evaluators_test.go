package moderation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "modguard/pkg/logx"
)

func TestRuleEngineOrder(t *testing.T) {
	re := NewRuleEngine(logx.Nop())
	p := basePolicy()
	p.BannedWords = []string{"damn"}
	p.CustomRules = []Rule{
		{Kind: RuleRegex, Pattern: `([`, Action: Ban()},
		{Kind: RuleContains, Pattern: "Free Nitro", Action: TempMute(time.Hour)},
		{Kind: RuleInvite, Action: Kick()},
	}
	p.LegacyTriggers = []Rule{{Kind: RuleRegex, Pattern: `^buy\s+now`, Action: Warn()}}

	s, ok := re.Evaluate("no damn way, free nitro", p)
	require.True(t, ok)
	assert.Equal(t, "banned_word:damn", s.Category)
	assert.Equal(t, SourceBannedWord, s.Source)
	assert.Equal(t, Delete(), s.Action)

	// The malformed regex is skipped and never matches.
	s, ok = re.Evaluate("get FREE NITRO here", p)
	require.True(t, ok)
	assert.Equal(t, "custom_rule:contains:Free Nitro", s.Category)
	assert.Equal(t, TempMute(time.Hour), s.Action)

	s, ok = re.Evaluate("join discord.gg/abc123", p)
	require.True(t, ok)
	assert.Equal(t, "custom_rule:invite", s.Category)

	s, ok = re.Evaluate("Buy   now!", p)
	require.True(t, ok)
	assert.Equal(t, SourceCustomRule, s.Source)
	assert.Equal(t, Warn(), s.Action)

	_, ok = re.Evaluate("hello there", p)
	assert.False(t, ok)
	_, ok = re.Evaluate("([", p)
	assert.False(t, ok)
}

func TestValidatePatterns(t *testing.T) {
	p := basePolicy()
	p.CustomRules = []Rule{{Kind: RuleRegex, Pattern: `(`, Action: Delete()}, {Kind: RuleRegex, Pattern: `ok`, Action: Delete()}}
	errs := ValidatePatterns(p)
	require.Len(t, errs, 1)
	var ce *ConfigError
	assert.ErrorAs(t, errs[0], &ce)
}

func TestEvaluateAttachments(t *testing.T) {
	p := basePolicy()
	p.AttachmentKeywords = []string{"nsfw"}
	s, ok := EvaluateAttachments([]Attachment{{Filename: "cat.png"}, {Filename: "NSFW_pic.jpg"}}, p)
	require.True(t, ok)
	assert.Equal(t, "attachment:nsfw", s.Category)
	assert.Equal(t, Delete(), s.Action)

	_, ok = EvaluateAttachments([]Attachment{{Filename: "cat.png"}}, p)
	assert.False(t, ok)
}

func TestSpamThresholdProperty(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8} {
		for _, window := range []time.Duration{time.Second, 8 * time.Second, time.Minute} {
			t.Run(fmt.Sprintf("n=%d/t=%s", n, window), func(t *testing.T) {
				d := NewSpamDetector()
				p := basePolicy()
				p.SpamThreshold, p.SpamWindow = n, window
				start := time.Now()
				step := window / time.Duration(n*2)

				at := start
				for i := 1; i < n; i++ {
					_, fired := d.Observe(1, 42, at, p)
					require.False(t, fired, "message %d fired early", i)
					at = at.Add(step)
				}
				s, fired := d.Observe(1, 42, at, p)
				require.True(t, fired)
				assert.Equal(t, SourceSpam, s.Source)
				assert.Equal(t, 0, d.Len(1, 42))

				if n > 1 {
					_, fired = d.Observe(1, 42, at.Add(step), p)
					assert.False(t, fired, "window was not reset")
					assert.Equal(t, 1, d.Len(1, 42))
				}
			})
		}
	}
}

func TestSpamWindowPrunesOldMessages(t *testing.T) {
	d := NewSpamDetector()
	p := basePolicy()
	p.SpamThreshold, p.SpamWindow = 3, 2*time.Second
	now := time.Now()

	d.Observe(1, 1, now, p)
	d.Observe(1, 1, now.Add(time.Second), p)
	_, fired := d.Observe(1, 1, now.Add(4*time.Second), p)
	assert.False(t, fired)
	assert.Equal(t, 1, d.Len(1, 1))

	// Other members are independent.
	d.Observe(1, 2, now, p)
	assert.Equal(t, 1, d.Len(1, 2))

	assert.Equal(t, 2, d.Sweep(now.Add(time.Hour), time.Minute))
	assert.Equal(t, 0, d.Len(1, 1))
}

func TestEvaluateLinks(t *testing.T) {
	p := basePolicy()
	p.LinkBlacklist = []string{"grabify"}
	s, ok := EvaluateLinks("check https://GRABIFY.link/abc.", p)
	require.True(t, ok)
	assert.Equal(t, "link_blacklisted", s.Category)

	p.LinkWhitelist = []string{"youtube.com", "github.com"}
	_, ok = EvaluateLinks("see https://github.com/x and http://evil.example", p)
	assert.False(t, ok, "one whitelisted host is enough")

	s, ok = EvaluateLinks("see http://evil.example/path", p)
	require.True(t, ok)
	assert.Equal(t, "link_not_whitelisted", s.Category)
	assert.Equal(t, Delete(), s.Action)

	_, ok = EvaluateLinks("no links here, youtube.com mention only", p)
	assert.False(t, ok)
}

func TestExtractHosts(t *testing.T) {
	hosts := ExtractHosts("a https://Example.COM:443/x, b (http://sub.test.org/y) c ftp://nope")
	assert.Equal(t, []string{"example.com", "sub.test.org"}, hosts)
}

func TestEvaluateLanguage(t *testing.T) {
	p := basePolicy()
	p.ChannelLanguages = map[int64]string{10: "en"}
	detect := func(code string) LanguageDetector {
		return DetectorFunc(func(string) string { return code })
	}

	s, ok := EvaluateLanguage(10, "hola amigos", p, detect("es"))
	require.True(t, ok)
	assert.Equal(t, "language_violation", s.Category)

	_, ok = EvaluateLanguage(10, "hello", p, detect("en"))
	assert.False(t, ok)
	_, ok = EvaluateLanguage(10, "???", p, detect(UnknownLanguage))
	assert.False(t, ok)
	_, ok = EvaluateLanguage(11, "hola", p, detect("es"))
	assert.False(t, ok, "channel without expectation")
}

func TestEvaluateClassifier(t *testing.T) {
	p := basePolicy()
	p.Categories = map[string]CategoryPolicy{
		"TOXICITY": {Threshold: 0.8, Action: Delete()},
		"THREAT":   {Threshold: 0.5, Action: TempMute(time.Hour)},
		"INSULT":   {Threshold: 0.9, Action: Kick()},
	}
	ctx := context.Background()

	s, ok, err := EvaluateClassifier(ctx, fakeClassifier{scores: map[string]float64{
		"TOXICITY": 0.95, "THREAT": 0.5, "INSULT": 0.89,
	}}, 0, "text", p)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "classifier:THREAT", s.Category)
	assert.Equal(t, TempMute(time.Hour), s.Action)

	_, ok, err = EvaluateClassifier(ctx, fakeClassifier{scores: map[string]float64{"TOXICITY": 0.1}}, 0, "text", p)
	assert.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = EvaluateClassifier(ctx, fakeClassifier{err: errors.New("connection reset")}, 0, "text", p)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrClassifierUnavailable)
}

type deadlineClassifier struct{ got time.Duration }

func (d *deadlineClassifier) Analyze(ctx context.Context, _ string) (map[string]float64, error) {
	dl, _ := ctx.Deadline()
	d.got = time.Until(dl)
	return nil, nil
}

func TestClassifierTimeoutIsClamped(t *testing.T) {
	assert.Equal(t, 10*time.Second, ClampClassifierTimeout(time.Second))
	assert.Equal(t, 15*time.Second, ClampClassifierTimeout(time.Minute))
	assert.Equal(t, 12*time.Second, ClampClassifierTimeout(0))

	p := basePolicy()
	p.Categories = map[string]CategoryPolicy{"TOXICITY": {Threshold: 0.5, Action: Delete()}}
	c := &deadlineClassifier{}
	_, _, _ = EvaluateClassifier(context.Background(), c, time.Hour, "x", p)
	assert.LessOrEqual(t, c.got, 15*time.Second)
	assert.Greater(t, c.got, 14*time.Second)
}
