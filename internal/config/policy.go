package config

import "strconv"

// PolicyFor returns the guild's policy with Defaults filled in for every
// field the guild entry leaves empty.
func (m ModerationConfig) PolicyFor(guildID int64) GuildPolicyConfig {
	over, ok := m.Guilds[strconv.FormatInt(guildID, 10)]
	if !ok {
		return m.Defaults
	}
	return Merge(m.Defaults, over)
}

// Merge overlays non-zero fields of over onto base.
func Merge(base, over GuildPolicyConfig) GuildPolicyConfig {
	out := base
	if over.Enabled != nil {
		out.Enabled = over.Enabled
	}
	if over.BannedWords != nil {
		out.BannedWords = over.BannedWords
	}
	if over.BannedWordAction != "" {
		out.BannedWordAction = over.BannedWordAction
	}
	if over.CustomRules != nil {
		out.CustomRules = over.CustomRules
	}
	if over.LegacyTriggers != nil {
		out.LegacyTriggers = over.LegacyTriggers
	}
	if over.Spam.Messages != 0 {
		out.Spam.Messages = over.Spam.Messages
	}
	if over.Spam.Window != "" {
		out.Spam.Window = over.Spam.Window
	}
	if over.Spam.Action != "" {
		out.Spam.Action = over.Spam.Action
	}
	if over.LinkWhitelist != nil {
		out.LinkWhitelist = over.LinkWhitelist
	}
	if over.LinkBlacklist != nil {
		out.LinkBlacklist = over.LinkBlacklist
	}
	if over.ChannelLanguages != nil {
		out.ChannelLanguages = over.ChannelLanguages
	}
	if over.Classifier != nil {
		merged := make(map[string]CategoryConfig, len(base.Classifier)+len(over.Classifier))
		for k, v := range base.Classifier {
			merged[k] = v
		}
		for k, v := range over.Classifier {
			merged[k] = v
		}
		out.Classifier = merged
	}
	if over.AttachmentKeywords != nil {
		out.AttachmentKeywords = over.AttachmentKeywords
	}
	if over.TrustedRoleIDs != nil {
		out.TrustedRoleIDs = over.TrustedRoleIDs
	}
	if over.ModeratorRoleIDs != nil {
		out.ModeratorRoleIDs = over.ModeratorRoleIDs
	}
	if over.MuteRoleID != 0 {
		out.MuteRoleID = over.MuteRoleID
	}
	if over.LogChannelID != 0 {
		out.LogChannelID = over.LogChannelID
	}
	return out
}
