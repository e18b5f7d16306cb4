package moderation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"modguard/internal/config"
)

type RuleKind string

const (
	RuleContains RuleKind = "contains"
	RuleRegex    RuleKind = "regex"
	RuleInvite   RuleKind = "invite"
)

type Rule struct {
	Kind      RuleKind `json:"kind"`
	Pattern   string   `json:"pattern,omitempty"`
	Action    Action   `json:"action"`
	DMMessage string   `json:"dm_message,omitempty"`
}

// CategoryPolicy flags a classifier category at Threshold and maps it to Action.
type CategoryPolicy struct {
	Threshold float64 `json:"threshold"`
	Action    Action  `json:"action"`
}

// GuildPolicy is a read-only snapshot of one guild's moderation settings.
// Evaluators never mutate it.
type GuildPolicy struct {
	GuildID int64 `json:"guild_id"`
	Enabled bool  `json:"enabled"`

	BannedWords      []string `json:"banned_words,omitempty"` // lower-cased
	BannedWordAction Action   `json:"banned_word_action"`
	CustomRules      []Rule   `json:"custom_rules,omitempty"`
	LegacyTriggers   []Rule   `json:"legacy_triggers,omitempty"`

	SpamThreshold int           `json:"spam_threshold"`
	SpamWindow    time.Duration `json:"spam_window"`
	SpamAction    Action        `json:"spam_action"`

	LinkWhitelist []string `json:"link_whitelist,omitempty"`
	LinkBlacklist []string `json:"link_blacklist,omitempty"`

	ChannelLanguages map[int64]string `json:"channel_languages,omitempty"`

	// Categories holds enabled classifier categories only.
	Categories map[string]CategoryPolicy `json:"categories,omitempty"`

	AttachmentKeywords []string `json:"attachment_keywords,omitempty"`

	TrustedRoleIDs   []int64 `json:"trusted_role_ids,omitempty"`
	ModeratorRoleIDs []int64 `json:"moderator_role_ids,omitempty"`
	MuteRoleID       int64   `json:"mute_role_id,omitempty"`
	LogChannelID     int64   `json:"log_channel_id,omitempty"`
}

// DefaultCategories are the Perspective attributes scored when a policy
// does not list its own.
var DefaultCategories = []string{
	"TOXICITY", "SEVERE_TOXICITY", "IDENTITY_ATTACK", "INSULT", "PROFANITY", "THREAT",
}

const (
	defaultThreshold     = 0.8
	defaultSpamWindow    = 8 * time.Second
	defaultSpamMuteAfter = 60 * time.Second
)

// PolicyStore is the config store handle evaluators read through.
type PolicyStore interface {
	GuildPolicy(ctx context.Context, guildID int64) (GuildPolicy, error)
	SetGuildPolicy(ctx context.Context, guildID int64, p GuildPolicy) error
}

// PolicyFromConfig compiles the YAML form into a GuildPolicy. Malformed
// actions are errors; malformed regexes are left for the rule engine, which
// skips them at evaluation time.
func PolicyFromConfig(guildID int64, c config.GuildPolicyConfig) (GuildPolicy, error) {
	p := GuildPolicy{
		GuildID:            guildID,
		Enabled:            c.Enabled == nil || *c.Enabled,
		BannedWords:        lowerAll(c.BannedWords),
		BannedWordAction:   Delete(),
		SpamThreshold:      c.Spam.Messages,
		SpamWindow:         defaultSpamWindow,
		SpamAction:         TempMute(defaultSpamMuteAfter),
		LinkWhitelist:      lowerAll(c.LinkWhitelist),
		LinkBlacklist:      lowerAll(c.LinkBlacklist),
		AttachmentKeywords: lowerAll(c.AttachmentKeywords),
		TrustedRoleIDs:     c.TrustedRoleIDs,
		ModeratorRoleIDs:   c.ModeratorRoleIDs,
		MuteRoleID:         c.MuteRoleID,
		LogChannelID:       c.LogChannelID,
	}

	var err error
	if c.BannedWordAction != "" {
		if p.BannedWordAction, err = ParseAction(c.BannedWordAction); err != nil {
			return GuildPolicy{}, fmt.Errorf("banned_word_action: %w", err)
		}
	}
	if c.Spam.Window != "" {
		if p.SpamWindow, err = config.ParseDurationField("spam.window", c.Spam.Window); err != nil {
			return GuildPolicy{}, err
		}
	}
	if c.Spam.Action != "" {
		if p.SpamAction, err = ParseAction(c.Spam.Action); err != nil {
			return GuildPolicy{}, fmt.Errorf("spam.action: %w", err)
		}
	}
	if p.CustomRules, err = rulesFromConfig("custom_rules", c.CustomRules); err != nil {
		return GuildPolicy{}, err
	}
	if p.LegacyTriggers, err = rulesFromConfig("legacy_triggers", c.LegacyTriggers); err != nil {
		return GuildPolicy{}, err
	}

	if len(c.ChannelLanguages) > 0 {
		p.ChannelLanguages = make(map[int64]string, len(c.ChannelLanguages))
		for ch, lang := range c.ChannelLanguages {
			id, err := strconv.ParseInt(ch, 10, 64)
			if err != nil {
				return GuildPolicy{}, fmt.Errorf("channel_languages: %q is not a channel id", ch)
			}
			p.ChannelLanguages[id] = strings.ToLower(strings.TrimSpace(lang))
		}
	}

	p.Categories = make(map[string]CategoryPolicy, len(DefaultCategories))
	for _, name := range DefaultCategories {
		p.Categories[name] = CategoryPolicy{Threshold: defaultThreshold, Action: Delete()}
	}
	for name, cc := range c.Classifier {
		name = strings.ToUpper(strings.TrimSpace(name))
		if cc.Enabled != nil && !*cc.Enabled {
			delete(p.Categories, name)
			continue
		}
		cp := CategoryPolicy{Threshold: defaultThreshold, Action: Delete()}
		if cc.Threshold > 0 {
			if cc.Threshold > 1 {
				return GuildPolicy{}, fmt.Errorf("classifier.%s.threshold: must be within (0,1]", name)
			}
			cp.Threshold = cc.Threshold
		}
		if cc.Action != "" {
			if cp.Action, err = ParseAction(cc.Action); err != nil {
				return GuildPolicy{}, fmt.Errorf("classifier.%s.action: %w", name, err)
			}
		}
		p.Categories[name] = cp
	}
	return p, nil
}

func rulesFromConfig(path string, in []config.RuleConfig) ([]Rule, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]Rule, 0, len(in))
	for i, rc := range in {
		kind := RuleKind(strings.ToLower(strings.TrimSpace(rc.Kind)))
		switch kind {
		case RuleContains, RuleRegex:
			if strings.TrimSpace(rc.Pattern) == "" {
				return nil, fmt.Errorf("%s[%d]: pattern is required", path, i)
			}
		case RuleInvite:
		default:
			return nil, fmt.Errorf("%s[%d]: unknown kind %q", path, i, rc.Kind)
		}
		a, err := ParseAction(rc.Action)
		if err != nil {
			return nil, fmt.Errorf("%s[%d].action: %w", path, i, err)
		}
		out = append(out, Rule{Kind: kind, Pattern: rc.Pattern, Action: a, DMMessage: strings.TrimSpace(rc.DMMessage)})
	}
	return out, nil
}

// IsTrusted reports whether any role exempts the member from automod.
func (p GuildPolicy) IsTrusted(roleIDs []int64) bool {
	return anyIn(roleIDs, p.TrustedRoleIDs) || anyIn(roleIDs, p.ModeratorRoleIDs)
}

func anyIn(have, want []int64) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

// normalized lower-cases the fields matched case-insensitively, so a policy
// built in code behaves like one built from config.
func (p GuildPolicy) normalized() GuildPolicy {
	p.BannedWords = lowerAll(p.BannedWords)
	p.LinkWhitelist = lowerAll(p.LinkWhitelist)
	p.LinkBlacklist = lowerAll(p.LinkBlacklist)
	p.AttachmentKeywords = lowerAll(p.AttachmentKeywords)
	if len(p.ChannelLanguages) > 0 {
		langs := make(map[int64]string, len(p.ChannelLanguages))
		for ch, lang := range p.ChannelLanguages {
			langs[ch] = strings.ToLower(strings.TrimSpace(lang))
		}
		p.ChannelLanguages = langs
	}
	return p
}

func lowerAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
