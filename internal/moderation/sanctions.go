package moderation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"modguard/internal/storage"
)

// SanctionKind is the kind of a temporary sanction.
type SanctionKind string

const (
	SanctionMute SanctionKind = "mute"
	SanctionBan  SanctionKind = "ban"
)

func ParseSanctionKind(s string) (SanctionKind, error) {
	switch SanctionKind(s) {
	case SanctionMute, SanctionBan:
		return SanctionKind(s), nil
	}
	return "", fmt.Errorf("unknown sanction kind %q", s)
}

// Sanction is an active temporary mute or ban.
type Sanction struct {
	GuildID   int64
	UserID    int64
	Kind      SanctionKind
	ExpiresAt int64 // epoch seconds
	Reason    string
	IssuerID  *int64
	CreatedAt int64
	// MuteRoleID is the role a mute was applied with. Zero means the mute
	// is a platform timeout.
	MuteRoleID int64
}

type SanctionKey struct {
	GuildID int64
	UserID  int64
	Kind    SanctionKind
}

func (s Sanction) Key() SanctionKey {
	return SanctionKey{GuildID: s.GuildID, UserID: s.UserID, Kind: s.Kind}
}

func (s Sanction) Expiry() time.Time { return time.Unix(s.ExpiresAt, 0) }

func (s Sanction) Expired(now time.Time) bool { return s.ExpiresAt <= now.Unix() }

func (s Sanction) record() storage.SanctionRecord {
	return storage.SanctionRecord{
		GuildID: s.GuildID, UserID: s.UserID, Kind: string(s.Kind),
		ExpiresAt: s.ExpiresAt, Reason: s.Reason, IssuerID: s.IssuerID, CreatedAt: s.CreatedAt,
		MuteRoleID: s.MuteRoleID,
	}
}

func sanctionFromRecord(r storage.SanctionRecord) Sanction {
	return Sanction{
		GuildID: r.GuildID, UserID: r.UserID, Kind: SanctionKind(r.Kind),
		ExpiresAt: r.ExpiresAt, Reason: r.Reason, IssuerID: r.IssuerID, CreatedAt: r.CreatedAt,
		MuteRoleID: r.MuteRoleID,
	}
}

func (k SanctionKey) storage() storage.SanctionKey {
	return storage.SanctionKey{GuildID: k.GuildID, UserID: k.UserID, Kind: string(k.Kind)}
}

// SanctionStore holds active sanctions in memory and persists changes in
// batches. Memory is authoritative: a failed flush keeps its changes pending
// for the next one.
type SanctionStore struct {
	db     storage.Store
	active *xsync.MapOf[SanctionKey, Sanction]

	mu      sync.Mutex
	pending map[SanctionKey]*Sanction // nil value: delete

	flushMu sync.Mutex
}

func NewSanctionStore(db storage.Store) *SanctionStore {
	return &SanctionStore{
		db:      db,
		active:  xsync.NewMapOf[SanctionKey, Sanction](),
		pending: map[SanctionKey]*Sanction{},
	}
}

// Load replaces the in-memory view with the durable one.
func (s *SanctionStore) Load(ctx context.Context) (int, error) {
	recs, err := s.db.LoadSanctions(ctx)
	if err != nil {
		return 0, &PersistenceError{Op: "load sanctions", Err: err}
	}
	s.active.Clear()
	for _, r := range recs {
		sn := sanctionFromRecord(r)
		s.active.Store(sn.Key(), sn)
	}
	return len(recs), nil
}

// Sync reconciles memory with storage, picking up sanctions written by
// another process and dropping ones lifted elsewhere. Keys with unflushed
// local changes keep the local view. It returns how many keys changed.
func (s *SanctionStore) Sync(ctx context.Context) (int, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	recs, err := s.db.LoadSanctions(ctx)
	if err != nil {
		return 0, &PersistenceError{Op: "sync sanctions", Err: err}
	}
	durable := make(map[SanctionKey]Sanction, len(recs))
	for _, r := range recs {
		sn := sanctionFromRecord(r)
		durable[sn.Key()] = sn
	}

	var changed int
	for k, sn := range durable {
		s.active.Compute(k, func(cur Sanction, loaded bool) (Sanction, bool) {
			if s.isPending(k) {
				return cur, !loaded
			}
			if !loaded || cur.ExpiresAt != sn.ExpiresAt || cur.MuteRoleID != sn.MuteRoleID {
				changed++
			}
			return sn, false
		})
	}

	var gone []SanctionKey
	s.active.Range(func(k SanctionKey, _ Sanction) bool {
		if _, ok := durable[k]; !ok {
			gone = append(gone, k)
		}
		return true
	})
	for _, k := range gone {
		s.active.Compute(k, func(cur Sanction, loaded bool) (Sanction, bool) {
			if !loaded || s.isPending(k) {
				return cur, !loaded
			}
			changed++
			return Sanction{}, true
		})
	}
	return changed, nil
}

// Put creates or replaces the sanction for its key.
func (s *SanctionStore) Put(sn Sanction) {
	k := sn.Key()
	s.active.Compute(k, func(_ Sanction, _ bool) (Sanction, bool) {
		s.mark(k, &sn)
		return sn, false
	})
}

// Remove drops the sanction for k and reports whether one existed.
func (s *SanctionStore) Remove(k SanctionKey) bool {
	var existed bool
	s.active.Compute(k, func(_ Sanction, loaded bool) (Sanction, bool) {
		existed = loaded
		if loaded {
			s.mark(k, nil)
		}
		return Sanction{}, true
	})
	return existed
}

// RemoveIf drops the sanction for k only if it still expires at expiresAt,
// so a sanction re-issued while a lift was in flight survives.
func (s *SanctionStore) RemoveIf(k SanctionKey, expiresAt int64) bool {
	var removed bool
	s.active.Compute(k, func(cur Sanction, loaded bool) (Sanction, bool) {
		if !loaded {
			return cur, true
		}
		if cur.ExpiresAt != expiresAt {
			return cur, false
		}
		removed = true
		s.mark(k, nil)
		return Sanction{}, true
	})
	return removed
}

// mark is called under the key's bucket lock, so pending order per key
// follows active order.
func (s *SanctionStore) mark(k SanctionKey, sn *Sanction) {
	s.mu.Lock()
	s.pending[k] = sn
	s.mu.Unlock()
}

func (s *SanctionStore) isPending(k SanctionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[k]
	return ok
}

func (s *SanctionStore) Get(k SanctionKey) (Sanction, bool) { return s.active.Load(k) }

func (s *SanctionStore) Len() int { return s.active.Size() }

// Snapshot returns active sanctions of kind (all kinds if empty), ordered by expiry.
func (s *SanctionStore) Snapshot(kind SanctionKind) []Sanction {
	out := make([]Sanction, 0, s.active.Size())
	s.active.Range(func(_ SanctionKey, sn Sanction) bool {
		if kind == "" || sn.Kind == kind {
			out = append(out, sn)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt != out[j].ExpiresAt {
			return out[i].ExpiresAt < out[j].ExpiresAt
		}
		if out[i].GuildID != out[j].GuildID {
			return out[i].GuildID < out[j].GuildID
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Dirty reports how many keys wait to be persisted.
func (s *SanctionStore) Dirty() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Flush writes pending changes in one atomic batch. Nothing is written when
// nothing changed.
func (s *SanctionStore) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.pending
	s.pending = map[SanctionKey]*Sanction{}
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	var ch storage.SanctionChanges
	for k, sn := range batch {
		if sn == nil {
			ch.Delete = append(ch.Delete, k.storage())
		} else {
			ch.Put = append(ch.Put, sn.record())
		}
	}
	if err := s.db.ApplySanctions(ctx, ch); err != nil {
		s.mu.Lock()
		for k, sn := range batch {
			// A newer change for the same key supersedes the failed one.
			if _, newer := s.pending[k]; !newer {
				s.pending[k] = sn
			}
		}
		s.mu.Unlock()
		return &PersistenceError{Op: "flush sanctions", Err: err}
	}
	return nil
}
