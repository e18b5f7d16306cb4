package modlog

import (
	"context"
	"time"
)

// Config controls the async log-channel pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Sender posts to a chat channel. The host platform implements it.
type Sender interface {
	SendToChannel(ctx context.Context, channelID int64, content string) error
}

// Event is the payload of modlog.* bus events.
type Event struct {
	ChannelID int64     `json:"channel_id"`
	Key       string    `json:"key"`
	At        time.Time `json:"at"`
	Attempts  int       `json:"attempts,omitempty"`
	Error     string    `json:"error,omitempty"`
}
