package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"modguard/internal/config"
	"modguard/internal/storage"
)

// PolicySource loads and saves uncached policies.
type PolicySource interface {
	LoadPolicy(ctx context.Context, guildID int64) (GuildPolicy, error)
	SavePolicy(ctx context.Context, guildID int64, p GuildPolicy) error
}

// CachedPolicyStore serves GuildPolicy snapshots from an expiring LRU.
// Writes go to the source first and then drop the cached entry.
type CachedPolicyStore struct {
	src   PolicySource
	cache *expirable.LRU[int64, GuildPolicy]
}

func NewCachedPolicyStore(src PolicySource, size int, ttl time.Duration) *CachedPolicyStore {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedPolicyStore{src: src, cache: expirable.NewLRU[int64, GuildPolicy](size, nil, ttl)}
}

func (s *CachedPolicyStore) GuildPolicy(ctx context.Context, guildID int64) (GuildPolicy, error) {
	if p, ok := s.cache.Get(guildID); ok {
		return p, nil
	}
	p, err := s.src.LoadPolicy(ctx, guildID)
	if err != nil {
		return GuildPolicy{}, err
	}
	s.cache.Add(guildID, p)
	return p, nil
}

func (s *CachedPolicyStore) SetGuildPolicy(ctx context.Context, guildID int64, p GuildPolicy) error {
	p = p.normalized()
	p.GuildID = guildID
	if err := s.src.SavePolicy(ctx, guildID, p); err != nil {
		return err
	}
	s.cache.Remove(guildID)
	return nil
}

// Invalidate drops one guild, or every guild when guildID is 0.
func (s *CachedPolicyStore) Invalidate(guildID int64) {
	if guildID == 0 {
		s.cache.Purge()
		return
	}
	s.cache.Remove(guildID)
}

// LayeredPolicySource resolves a runtime override from storage first and
// falls back to the config file (guild entry over defaults).
type LayeredPolicySource struct {
	store  storage.Store
	config func() config.ModerationConfig
}

func NewLayeredPolicySource(store storage.Store, cfg func() config.ModerationConfig) *LayeredPolicySource {
	return &LayeredPolicySource{store: store, config: cfg}
}

func (s *LayeredPolicySource) LoadPolicy(ctx context.Context, guildID int64) (GuildPolicy, error) {
	if s.store != nil {
		doc, ok, err := s.store.GetPolicy(ctx, guildID)
		if err != nil {
			return GuildPolicy{}, fmt.Errorf("load policy override: %w", err)
		}
		if ok {
			var p GuildPolicy
			if err := json.Unmarshal(doc, &p); err != nil {
				return GuildPolicy{}, fmt.Errorf("decode policy override for guild %d: %w", guildID, err)
			}
			p = p.normalized()
			p.GuildID = guildID
			return p, nil
		}
	}
	var mc config.ModerationConfig
	if s.config != nil {
		mc = s.config()
	}
	return PolicyFromConfig(guildID, mc.PolicyFor(guildID))
}

func (s *LayeredPolicySource) SavePolicy(ctx context.Context, guildID int64, p GuildPolicy) error {
	if s.store == nil {
		return storage.ErrDisabled
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.store.PutPolicy(ctx, guildID, doc); err != nil {
		return &PersistenceError{Op: "policy", Err: err}
	}
	return nil
}
