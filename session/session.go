// Package session implements SessionContext: support
// for multi-turn conversation by recording a compact summary of each
// completed task and rendering the last K entries into the next turn's
// prompt. Persistence is pluggable via SessionStore, following the same
// provider-abstraction idiom used elsewhere in this module.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Entry is one completed task recorded into a session's history.
type Entry struct {
	TaskID         string    `json:"task_id"`
	Query          string    `json:"query"`
	CompactSummary string    `json:"compact_summary"`
	Winner         string    `json:"winner"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// Context holds one session's conversation history. Safe for concurrent
// use; the Orchestrator owns the single writer but readers may render
// concurrently with the next task's admission.
type Context struct {
	mu      sync.RWMutex
	ID      string
	Entries []Entry
}

// New creates an empty session bound to id.
func New(id string) *Context {
	return &Context{ID: id}
}

// Record appends a completed task's summary to the session history.
func (c *Context) Record(entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Entries = append(c.Entries, entry)
}

// CompactEntries returns a copy of the last k entries, oldest first. A
// non-positive k returns the full history.
func (c *Context) CompactEntries(k int) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if k <= 0 || k >= len(c.Entries) {
		out := make([]Entry, len(c.Entries))
		copy(out, c.Entries)
		return out
	}
	out := make([]Entry, k)
	copy(out, c.Entries[len(c.Entries)-k:])
	return out
}

// Render renders the last k entries into a digest suitable for injection
// into an AgentRunner's turn prompt.
func (c *Context) Render(k int) string {
	entries := c.CompactEntries(k)
	if len(entries) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("prior conversation summary:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- Q: %s -> winner %s: %s\n", e.Query, e.Winner, e.CompactSummary)
	}
	return b.String()
}

// Clear empties the session history, implementing the explicit /clear
// operation.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Entries = nil
}

// Snapshot returns a defensive copy of the entries for serialization by a
// SessionStore implementation.
func (c *Context) Snapshot() []Entry {
	return c.CompactEntries(0)
}

// Restore replaces the session history, used by SessionStore.Load
// implementations after deserializing persisted entries.
func (c *Context) Restore(entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Entries = entries
}

// Store persists and retrieves SessionContext across process restarts.
type Store interface {
	Load(ctx context.Context, sessionID string) (*Context, error)
	Save(ctx context.Context, s *Context) error
	Delete(ctx context.Context, sessionID string) error
}
