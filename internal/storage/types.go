package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
	ErrLocked   = errors.New("storage is in use by another process")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": dependency-free file backend (jsonl journal + snapshot)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// SanctionKey identifies at most one active sanction.
type SanctionKey struct {
	GuildID int64  `json:"guild_id"`
	UserID  int64  `json:"user_id"`
	Kind    string `json:"kind"`
}

// SanctionRecord is the persisted form of an active temporary sanction.
type SanctionRecord struct {
	GuildID   int64  `json:"guild_id"`
	UserID    int64  `json:"user_id"`
	Kind      string `json:"kind"`
	ExpiresAt int64  `json:"expires_at"` // epoch seconds
	Reason    string `json:"reason,omitempty"`
	IssuerID  *int64 `json:"issuer_id,omitempty"`
	CreatedAt int64  `json:"created_at"`
	// MuteRoleID is the role a mute was applied with; 0 means a timeout.
	MuteRoleID int64 `json:"mute_role_id,omitempty"`
}

func (r SanctionRecord) Key() SanctionKey {
	return SanctionKey{GuildID: r.GuildID, UserID: r.UserID, Kind: r.Kind}
}

// SanctionChanges is applied atomically: either every put and delete lands or none.
type SanctionChanges struct {
	Put    []SanctionRecord
	Delete []SanctionKey
}

func (c SanctionChanges) Empty() bool { return len(c.Put) == 0 && len(c.Delete) == 0 }

// InfractionRecord is one immutable ledger entry. The store assigns ID;
// Nonce is caller-chosen and makes a retried append land at most once.
type InfractionRecord struct {
	ID          int64     `json:"id"`
	Nonce       string    `json:"nonce,omitempty"`
	GuildID     int64     `json:"guild_id"`
	UserID      int64     `json:"user_id"`
	ModeratorID *int64    `json:"moderator_id,omitempty"`
	Action      string    `json:"action"`
	Category    string    `json:"category,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the persistence API used by the moderation engine.
type Store interface {
	LoadSanctions(ctx context.Context) ([]SanctionRecord, error)
	ApplySanctions(ctx context.Context, changes SanctionChanges) error

	// AppendInfractions returns the assigned IDs in input order. A record
	// whose nonce already landed gets its existing ID back.
	AppendInfractions(ctx context.Context, recs []InfractionRecord) ([]int64, error)
	// RecentInfractions returns up to limit entries, newest first.
	RecentInfractions(ctx context.Context, guildID, userID int64, limit int) ([]InfractionRecord, error)

	GetPolicy(ctx context.Context, guildID int64) (doc []byte, ok bool, err error)
	PutPolicy(ctx context.Context, guildID int64, doc []byte) error

	Close() error
}
