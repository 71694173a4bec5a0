// Package mock provides a scriptable backend.Adapter for deterministic
// coordination tests, using the same scripted-response/call-count idiom
// as the rest of this module's mock providers.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/quorum-ai/orchestrator/backend"
)

// Step is one scripted Chunk emission, optionally gated by a delay signal.
type Step struct {
	Chunk backend.Chunk

	// WaitFor, if non-nil, blocks emission of this step until the channel
	// is closed or receives a value. Used to make a backend "hold" its
	// stream open so a test can inject a peer Notification mid-turn.
	WaitFor <-chan struct{}
}

// Adapter is a scriptable backend.Adapter. Each call to Stream consumes
// the next unconsumed script, or repeats the last script if Scripts has
// been exhausted and RepeatLastScript is set.
type Adapter struct {
	mu sync.Mutex

	Class            backend.Class
	Capabilities     map[backend.Capability]bool
	Scripts          [][]Step
	RepeatLastScript bool

	CallCount     int
	LastMessages  []backend.Message
	LastTools     backend.ToolSpec
	PlanningMode  bool
	StreamErr     error
	SnapshotErr   error
	RestoreErr    error
	lastSnapshot  backend.SnapshotRef
}

// New creates a mock Adapter tagged with class, ready to be scripted via
// AddScript before use.
func New(class backend.Class) *Adapter {
	return &Adapter{
		Class:        class,
		Capabilities: map[backend.Capability]bool{backend.CapToolCalls: true},
	}
}

// AddScript appends one Stream-call's worth of scripted steps.
func (a *Adapter) AddScript(steps ...Step) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Scripts = append(a.Scripts, steps)
}

// WithCapability marks a capability as supported.
func (a *Adapter) WithCapability(cap backend.Capability) *Adapter {
	a.Capabilities[cap] = true
	return a
}

func (a *Adapter) Stream(ctx context.Context, messages []backend.Message, tools backend.ToolSpec) (backend.Stream, error) {
	a.mu.Lock()
	a.CallCount++
	a.LastMessages = messages
	a.LastTools = tools

	if a.StreamErr != nil {
		err := a.StreamErr
		a.mu.Unlock()
		return nil, err
	}

	idx := a.CallCount - 1
	var steps []Step
	switch {
	case idx < len(a.Scripts):
		steps = a.Scripts[idx]
	case a.RepeatLastScript && len(a.Scripts) > 0:
		steps = a.Scripts[len(a.Scripts)-1]
	default:
		steps = nil
	}
	a.mu.Unlock()

	return &stream{ctx: ctx, steps: steps}, nil
}

func (a *Adapter) Supports(cap backend.Capability) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Capabilities[cap]
}

func (a *Adapter) ClassTag() backend.Class {
	return a.Class
}

func (a *Adapter) SetPlanningMode(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.PlanningMode = on
}

func (a *Adapter) Snapshot(ctx context.Context) (backend.SnapshotRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.SnapshotErr != nil {
		return "", a.SnapshotErr
	}
	a.lastSnapshot = backend.SnapshotRef("snap-" + string(rune('0'+a.CallCount)))
	return a.lastSnapshot, nil
}

func (a *Adapter) Restore(ctx context.Context, ref backend.SnapshotRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.RestoreErr
}

type stream struct {
	ctx   context.Context
	steps []Step
	idx   int
	err   error
}

func (s *stream) Next(ctx context.Context) (backend.Chunk, bool) {
	if s.idx >= len(s.steps) {
		return backend.Chunk{}, false
	}
	step := s.steps[s.idx]
	s.idx++

	if step.WaitFor != nil {
		select {
		case <-step.WaitFor:
		case <-ctx.Done():
			s.err = ctx.Err()
			return backend.Chunk{}, false
		}
	}

	select {
	case <-ctx.Done():
		s.err = ctx.Err()
		return backend.Chunk{}, false
	default:
	}

	if step.Chunk.Kind == backend.ChunkAgentFailed && step.Chunk.Err == nil {
		step.Chunk.Err = errors.New("mock backend failure")
	}
	return step.Chunk, true
}

func (s *stream) Err() error {
	return s.err
}

func (s *stream) Close() error {
	return nil
}

var _ backend.Adapter = (*Adapter)(nil)
