package moderation

import (
	"context"
	"time"
)

// Platform is the host chat platform. Implementations return *PlatformError
// so callers can tell NotFound/AlreadyAbsent apart from real failures.
type Platform interface {
	DeleteMessage(ctx context.Context, guildID, channelID, messageID int64) error

	ApplyMuteRole(ctx context.Context, guildID, userID, roleID int64, reason string) error
	RemoveMuteRole(ctx context.Context, guildID, userID, roleID int64, reason string) error
	// TimeoutUser sets a platform timeout until the given time; zero clears it.
	TimeoutUser(ctx context.Context, guildID, userID int64, until time.Time, reason string) error

	KickUser(ctx context.Context, guildID, userID int64, reason string) error
	BanUser(ctx context.Context, guildID, userID int64, reason string) error
	UnbanUser(ctx context.Context, guildID, userID int64, reason string) error

	SendDirectMessage(ctx context.Context, userID int64, content string) error
	SendToChannel(ctx context.Context, channelID int64, content string) error
}

// Message is one inbound chat message as seen by the pipeline.
type Message struct {
	GuildID   int64 // 0 for direct messages
	ChannelID int64
	MessageID int64

	AuthorID      int64
	AuthorName    string
	AuthorIsBot   bool
	AuthorIsOwner bool
	AuthorIsAdmin bool
	AuthorRoleIDs []int64

	Content     string
	Attachments []Attachment

	// ReceivedAt should carry a monotonic reading (time.Now()).
	ReceivedAt time.Time
}

type Attachment struct {
	Filename string
	URL      string
}
