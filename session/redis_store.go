package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/quorum-ai/orchestrator/core"
)

// RedisStore persists SessionContext entries in Redis under
// core.DefaultSessionKeyPrefix, using the same key-prefix and TTL idiom
// as this module's other Redis-backed stores.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger core.Logger
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix overrides core.DefaultSessionKeyPrefix.
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithTTL overrides core.DefaultSessionTTL for how long an idle session
// record is retained before Redis expires it.
func WithTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger attaches a core.Logger for persistence diagnostics.
func WithLogger(logger core.Logger) RedisStoreOption {
	return func(s *RedisStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewRedisStore wraps an existing go-redis client. The caller owns the
// client's lifecycle: created at process start, closed at process end.
func NewRedisStore(client *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: core.DefaultSessionKeyPrefix,
		ttl:    core.DefaultSessionTTL,
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (*Context, error) {
	raw, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err == redis.Nil {
		return New(sessionID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: redis load failed: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("session: corrupt session record for %s: %w", sessionID, err)
	}

	c := New(sessionID)
	c.Restore(entries)
	return c, nil
}

func (s *RedisStore) Save(ctx context.Context, c *Context) error {
	raw, err := json.Marshal(c.Snapshot())
	if err != nil {
		return fmt.Errorf("session: marshal failed: %w", err)
	}
	if err := s.client.Set(ctx, s.key(c.ID), raw, s.ttl).Err(); err != nil {
		s.logger.Warn("session save failed", map[string]interface{}{"session_id": c.ID, "error": err.Error()})
		return fmt.Errorf("session: redis save failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("session: redis delete failed: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
