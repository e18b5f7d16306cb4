package moderation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modguard/internal/config"
	logx "modguard/pkg/logx"
)

func boolPtr(b bool) *bool { return &b }

func TestPolicyFromConfigDefaults(t *testing.T) {
	p, err := PolicyFromConfig(7, config.GuildPolicyConfig{
		BannedWords: []string{" Damn ", ""},
		Spam:        config.SpamConfig{Messages: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.GuildID)
	assert.True(t, p.Enabled)
	assert.Equal(t, []string{"damn"}, p.BannedWords)
	assert.Equal(t, Delete(), p.BannedWordAction)
	assert.Equal(t, 5, p.SpamThreshold)
	assert.Equal(t, 8*time.Second, p.SpamWindow)
	assert.Equal(t, TempMute(60*time.Second), p.SpamAction)
	assert.Len(t, p.Categories, len(DefaultCategories))
	assert.Equal(t, CategoryPolicy{Threshold: 0.8, Action: Delete()}, p.Categories["TOXICITY"])
}

func TestPolicyFromConfigOverrides(t *testing.T) {
	p, err := PolicyFromConfig(7, config.GuildPolicyConfig{
		Enabled:          boolPtr(true),
		BannedWordAction: "temp_mute:5m",
		CustomRules:      []config.RuleConfig{{Kind: "Regex", Pattern: `\bscam\b`, Action: "ban", DMMessage: " Scam links are not allowed. "}},
		Spam:             config.SpamConfig{Messages: 4, Window: "3s", Action: "kick"},
		ChannelLanguages: map[string]string{"123": "EN"},
		Classifier: map[string]config.CategoryConfig{
			"threat":    {Threshold: 0.5, Action: "ban"},
			"PROFANITY": {Enabled: boolPtr(false)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, TempMute(5*time.Minute), p.BannedWordAction)
	assert.Equal(t, []Rule{{Kind: RuleRegex, Pattern: `\bscam\b`, Action: Ban(), DMMessage: "Scam links are not allowed."}}, p.CustomRules)
	assert.Equal(t, 3*time.Second, p.SpamWindow)
	assert.Equal(t, Kick(), p.SpamAction)
	assert.Equal(t, map[int64]string{123: "en"}, p.ChannelLanguages)
	assert.Equal(t, CategoryPolicy{Threshold: 0.5, Action: Ban()}, p.Categories["THREAT"])
	assert.NotContains(t, p.Categories, "PROFANITY")
}

func TestPolicyFromConfigRejects(t *testing.T) {
	bad := []config.GuildPolicyConfig{
		{BannedWordAction: "obliterate"},
		{CustomRules: []config.RuleConfig{{Kind: "glob", Pattern: "x", Action: "delete"}}},
		{CustomRules: []config.RuleConfig{{Kind: "contains", Action: "delete"}}},
		{ChannelLanguages: map[string]string{"general": "en"}},
		{Classifier: map[string]config.CategoryConfig{"TOXICITY": {Threshold: 1.5}}},
	}
	for i, c := range bad {
		_, err := PolicyFromConfig(1, c)
		assert.Error(t, err, "case %d", i)
	}
}

func TestCachedPolicyStoreLayers(t *testing.T) {
	ctx := context.Background()
	mc := config.ModerationConfig{
		Defaults: config.GuildPolicyConfig{BannedWords: []string{"damn"}},
		Guilds: map[string]config.GuildPolicyConfig{
			"2": {BannedWords: []string{"heck"}},
		},
	}
	src := NewLayeredPolicySource(openStore(t, t.TempDir()), func() config.ModerationConfig { return mc })
	s := NewCachedPolicyStore(src, 16, time.Minute)

	p1, err := s.GuildPolicy(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"damn"}, p1.BannedWords)

	p2, err := s.GuildPolicy(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"heck"}, p2.BannedWords)

	// Cached until invalidated.
	mc.Defaults.BannedWords = []string{"darn"}
	p1, _ = s.GuildPolicy(ctx, 1)
	assert.Equal(t, []string{"damn"}, p1.BannedWords)
	s.Invalidate(0)
	p1, _ = s.GuildPolicy(ctx, 1)
	assert.Equal(t, []string{"darn"}, p1.BannedWords)

	// A stored override wins over config and survives a cache purge.
	override := p2
	override.BannedWords = []string{"frick"}
	override.SpamAction = TempMute(2 * time.Minute)
	require.NoError(t, s.SetGuildPolicy(ctx, 2, override))
	s.Invalidate(0)
	p2, err = s.GuildPolicy(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"frick"}, p2.BannedWords)
	assert.Equal(t, TempMute(2*time.Minute), p2.SpamAction)
}

func TestSetGuildPolicyNormalizes(t *testing.T) {
	ctx := context.Background()
	st := openStore(t, t.TempDir())
	s := NewCachedPolicyStore(NewLayeredPolicySource(st, nil), 16, time.Minute)

	p := basePolicy()
	p.BannedWords = []string{" Damn ", ""}
	p.LinkBlacklist = []string{"Grabify.LINK"}
	p.AttachmentKeywords = []string{"NITRO"}
	p.ChannelLanguages = map[int64]string{3: "EN"}
	require.NoError(t, s.SetGuildPolicy(ctx, 1, p))

	got, err := s.GuildPolicy(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"damn"}, got.BannedWords)
	assert.Equal(t, []string{"grabify.link"}, got.LinkBlacklist)
	assert.Equal(t, []string{"nitro"}, got.AttachmentKeywords)
	assert.Equal(t, map[int64]string{3: "en"}, got.ChannelLanguages)

	re := NewRuleEngine(logx.Nop())
	_, ok := re.Evaluate("oh DAMN", got)
	assert.True(t, ok)

	// Overrides written before normalization existed are fixed on load.
	raw := basePolicy()
	raw.BannedWords = []string{"Heck"}
	doc, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, st.PutPolicy(ctx, 2, doc))
	got, err = s.GuildPolicy(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"heck"}, got.BannedWords)
}
