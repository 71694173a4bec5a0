package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quorum-ai/orchestrator/core"
)

// CachedStore wraps an inner Store with a process-local TTL cache, so a
// session reloaded within the same run of many short tasks (the common
// case for a multi-turn conversation) skips the round trip to the inner
// store. The inner store remains the source of truth: a cache miss, or a
// decode failure on a cached entry, always falls through to it.
type CachedStore struct {
	inner *RedisStore
	cache *core.MemoryStore
	ttl   time.Duration
}

// NewCachedStore wraps inner with an in-process cache held for ttl. A
// non-positive ttl defaults to one minute.
func NewCachedStore(inner *RedisStore, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedStore{
		inner: inner,
		cache: core.NewMemoryStore(),
		ttl:   ttl,
	}
}

// WithLogger attaches a core.Logger to the underlying cache for cache
// hit/miss diagnostics.
func (s *CachedStore) WithLogger(logger core.Logger) *CachedStore {
	s.cache.SetLogger(logger)
	return s
}

func (s *CachedStore) Load(ctx context.Context, sessionID string) (*Context, error) {
	if raw, err := s.cache.Get(ctx, sessionID); err == nil && raw != "" {
		var entries []Entry
		if err := json.Unmarshal([]byte(raw), &entries); err == nil {
			c := New(sessionID)
			c.Restore(entries)
			return c, nil
		}
		// Corrupt cache entry: fall through to the inner store.
	}

	c, err := s.inner.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.populate(ctx, c)
	return c, nil
}

func (s *CachedStore) Save(ctx context.Context, c *Context) error {
	if err := s.inner.Save(ctx, c); err != nil {
		return err
	}
	s.populate(ctx, c)
	return nil
}

func (s *CachedStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.inner.Delete(ctx, sessionID); err != nil {
		return err
	}
	_ = s.cache.Delete(ctx, sessionID)
	return nil
}

func (s *CachedStore) populate(ctx context.Context, c *Context) {
	raw, err := json.Marshal(c.Snapshot())
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, c.ID, string(raw), s.ttl)
}

var _ Store = (*CachedStore)(nil)
