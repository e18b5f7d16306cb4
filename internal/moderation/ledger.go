package moderation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"modguard/internal/storage"
)

// Infraction is one immutable ledger entry. A nil ModeratorID means the
// action was automated.
type Infraction struct {
	ID          int64
	GuildID     int64
	UserID      int64
	ModeratorID *int64
	Action      Action
	Category    string
	Reason      string
	CreatedAt   time.Time

	nonce string
}

func (in Infraction) Automated() bool { return in.ModeratorID == nil }

func (in Infraction) record() storage.InfractionRecord {
	return storage.InfractionRecord{
		ID: in.ID, Nonce: in.nonce, GuildID: in.GuildID, UserID: in.UserID, ModeratorID: in.ModeratorID,
		Action: in.Action.String(), Category: in.Category, Reason: in.Reason, CreatedAt: in.CreatedAt,
	}
}

func infractionFromRecord(r storage.InfractionRecord) Infraction {
	a, err := ParseAction(r.Action)
	if err != nil {
		a = None()
	}
	return Infraction{
		ID: r.ID, GuildID: r.GuildID, UserID: r.UserID, ModeratorID: r.ModeratorID,
		Action: a, Category: r.Category, Reason: r.Reason, CreatedAt: r.CreatedAt,
		nonce: r.Nonce,
	}
}

// Ledger is the append-only infraction log. Storage assigns IDs, so several
// processes can share one database. Each entry carries a nonce that makes a
// resent batch land at most once. Entries that fail to persist stay queued
// with ID 0 and remain visible to reads.
type Ledger struct {
	db storage.Store

	flushMu sync.Mutex

	mu      sync.Mutex
	pending []Infraction
}

func NewLedger(db storage.Store) *Ledger {
	return &Ledger{db: db}
}

// Append persists the entry together with anything still queued and returns
// it with its ID. On failure the entry stays queued and is returned with ID 0
// alongside a *PersistenceError.
func (l *Ledger) Append(ctx context.Context, in Infraction) (Infraction, error) {
	in.ID = 0
	in.nonce = uuid.NewString()

	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	l.mu.Lock()
	l.pending = append(l.pending, in)
	l.mu.Unlock()

	ids, err := l.flushLocked(ctx)
	if err != nil {
		return in, err
	}
	in.ID = ids[in.nonce]
	return in, nil
}

// Flush persists queued entries.
func (l *Ledger) Flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	_, err := l.flushLocked(ctx)
	return err
}

// flushLocked writes the queue and drops what landed. Entries stay queued
// until storage confirms them, so an entry is never missing from both places.
// The caller holds flushMu.
func (l *Ledger) flushLocked(ctx context.Context) (map[string]int64, error) {
	l.mu.Lock()
	batch := append([]Infraction(nil), l.pending...)
	l.mu.Unlock()
	if len(batch) == 0 {
		return nil, nil
	}

	recs := make([]storage.InfractionRecord, len(batch))
	for i, in := range batch {
		recs[i] = in.record()
	}
	got, err := l.db.AppendInfractions(ctx, recs)
	if err != nil {
		return nil, &PersistenceError{Op: "append infractions", Err: err}
	}

	ids := make(map[string]int64, len(batch))
	for i, in := range batch {
		if i < len(got) {
			ids[in.nonce] = got[i]
		}
	}
	l.mu.Lock()
	keep := l.pending[:0]
	for _, in := range l.pending {
		if _, done := ids[in.nonce]; !done {
			keep = append(keep, in)
		}
	}
	l.pending = keep
	l.mu.Unlock()
	return ids, nil
}

func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Recent returns up to limit infractions for a member, newest first. Queued
// entries come first since they are newer than anything durable.
func (l *Ledger) Recent(ctx context.Context, guildID, userID int64, limit int) ([]Infraction, error) {
	if limit <= 0 {
		return nil, nil
	}
	l.mu.Lock()
	var out []Infraction
	for _, in := range l.pending {
		if in.GuildID == guildID && in.UserID == userID {
			out = append(out, in)
		}
	}
	l.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	recs, err := l.db.RecentInfractions(ctx, guildID, userID, limit)
	if err != nil {
		err = &PersistenceError{Op: "recent infractions", Err: err}
	}
	seen := make(map[string]struct{}, len(out))
	for _, in := range out {
		seen[in.nonce] = struct{}{}
	}
	for _, r := range recs {
		if _, dup := seen[r.Nonce]; r.Nonce != "" && dup {
			continue
		}
		out = append(out, infractionFromRecord(r))
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

// Count returns how many of the member's most recent lookback entries exist.
func (l *Ledger) Count(ctx context.Context, guildID, userID int64, lookback int) (int, error) {
	recent, err := l.Recent(ctx, guildID, userID, lookback)
	return len(recent), err
}
