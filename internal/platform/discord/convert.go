package discord

import (
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"modguard/internal/moderation"
)

func snowflake(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func sid(n int64) string { return strconv.FormatInt(n, 10) }

// toMessage converts a gateway message. ok is false for messages the
// pipeline never looks at: webhooks and system messages without an author.
// The state may be nil; owner and admin flags then stay false.
func toMessage(st *discordgo.State, m *discordgo.Message, now time.Time) (moderation.Message, bool) {
	if m == nil || m.Author == nil || m.WebhookID != "" {
		return moderation.Message{}, false
	}

	out := moderation.Message{
		GuildID:     snowflake(m.GuildID),
		ChannelID:   snowflake(m.ChannelID),
		MessageID:   snowflake(m.ID),
		AuthorID:    snowflake(m.Author.ID),
		AuthorName:  m.Author.Username,
		AuthorIsBot: m.Author.Bot,
		Content:     m.Content,
		ReceivedAt:  now,
	}

	var roles []string
	if m.Member != nil {
		roles = m.Member.Roles
	}
	for _, r := range roles {
		if id := snowflake(r); id != 0 {
			out.AuthorRoleIDs = append(out.AuthorRoleIDs, id)
		}
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		out.Attachments = append(out.Attachments, moderation.Attachment{Filename: a.Filename, URL: a.URL})
	}

	if st != nil && m.GuildID != "" {
		if g, err := st.Guild(m.GuildID); err == nil {
			out.AuthorIsOwner = g.OwnerID == m.Author.ID
			out.AuthorIsAdmin = out.AuthorIsOwner || hasAdmin(g, roles)
		}
	}
	return out, true
}

// hasAdmin checks the guild's role table, @everyone included.
func hasAdmin(g *discordgo.Guild, memberRoles []string) bool {
	want := make(map[string]struct{}, len(memberRoles)+1)
	want[g.ID] = struct{}{}
	for _, r := range memberRoles {
		want[r] = struct{}{}
	}
	for _, role := range g.Roles {
		if role == nil {
			continue
		}
		if _, ok := want[role.ID]; !ok {
			continue
		}
		if role.Permissions&discordgo.PermissionAdministrator != 0 {
			return true
		}
	}
	return false
}
