package session

import (
	"context"
	"sync"
)

// NoOpStore never persists; every Load returns a fresh empty Context.
// Suitable for single-turn callers that never set Options.WithSessionStore.
type NoOpStore struct{}

func (NoOpStore) Load(ctx context.Context, sessionID string) (*Context, error) {
	return New(sessionID), nil
}

func (NoOpStore) Save(ctx context.Context, s *Context) error { return nil }

func (NoOpStore) Delete(ctx context.Context, sessionID string) error { return nil }

var _ Store = NoOpStore{}

// InMemoryStore keeps sessions in a process-local map. Useful for tests
// and single-process deployments that still want /clear and multi-turn
// history without a Redis dependency.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Context
}

// NewInMemoryStore creates an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*Context)}
}

func (s *InMemoryStore) Load(ctx context.Context, sessionID string) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[sessionID]; ok {
		c := New(sessionID)
		c.Restore(existing.Snapshot())
		return c, nil
	}
	return New(sessionID), nil
}

func (s *InMemoryStore) Save(ctx context.Context, c *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := New(c.ID)
	stored.Restore(c.Snapshot())
	s.sessions[c.ID] = stored
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

var _ Store = (*InMemoryStore)(nil)
