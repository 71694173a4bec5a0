// Package chunkbus merges N concurrent agent chunk streams into one
// consumer stream, preserving per-agent production order while remaining
// fair across agents.
package chunkbus

import (
	"sync"

	"github.com/quorum-ai/orchestrator/core"
)

// Kind tags the payload carried by a Chunk.
type Kind string

const (
	KindContent         Kind = "content"
	KindReasoning       Kind = "reasoning"
	KindToolCall        Kind = "tool_call"
	KindToolResult      Kind = "tool_result"
	KindStatus          Kind = "status"
	KindAnswerPublished Kind = "answer_published"
	KindVoteCast        Kind = "vote_cast"
	KindRestartRequest  Kind = "restart_request"
	KindAgentDone       Kind = "agent_done"
	KindAgentFailed     Kind = "agent_failed"
)

// Chunk is one unit of the merged event stream. Seq is a monotone
// per-agent sequence number assigned by the producing ingress.
type Chunk struct {
	AgentID string
	Kind    Kind
	Seq     uint64
	Payload interface{}
}

// DefaultBufferSize is the default bound on a per-agent ingress buffer.
const DefaultBufferSize = 256

// Bus merges per-agent ingress channels into one fan-in output channel.
// Producers block on a full buffer instead of being dropped; a failed
// agent's ingress is closed and drains without blocking further writers.
type Bus struct {
	mu        sync.Mutex
	ingresses map[string]*ingress
	out       chan Chunk
	wg        sync.WaitGroup
	closing   bool

	bufferSize int
	logger     core.Logger
}

type ingress struct {
	mu     sync.Mutex
	ch     chan Chunk
	seq    uint64
	closed bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides DefaultBufferSize for every agent ingress.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithLogger sets the logger used for producer/consumer diagnostics.
func WithLogger(logger core.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a Bus. Call Close once all producers have registered and
// finished, or to force-terminate the merged stream early.
func New(opts ...Option) *Bus {
	b := &Bus{
		ingresses:  make(map[string]*ingress),
		out:        make(chan Chunk, DefaultBufferSize),
		bufferSize: DefaultBufferSize,
		logger:     &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register creates a bounded ingress for agentID and starts a pump
// goroutine that forwards its chunks, in order, to the merged Out()
// channel. Register must be called once per agent before Publish.
func (b *Bus) Register(agentID string) {
	ig := b.getOrCreate(agentID)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for chunk := range ig.ch {
			b.out <- chunk
		}
	}()
}

func (b *Bus) getOrCreate(agentID string) *ingress {
	b.mu.Lock()
	defer b.mu.Unlock()
	ig, ok := b.ingresses[agentID]
	if !ok {
		ig = &ingress{ch: make(chan Chunk, b.bufferSize)}
		b.ingresses[agentID] = ig
	}
	return ig
}

// Publish sends a chunk into agentID's ingress, assigning the next
// per-agent sequence number. It blocks if the ingress buffer is full,
// and is a no-op once the agent's ingress has been closed via CloseAgent.
func (b *Bus) Publish(agentID string, kind Kind, payload interface{}) {
	ig := b.getOrCreate(agentID)

	ig.mu.Lock()
	if ig.closed {
		ig.mu.Unlock()
		return
	}
	ig.seq++
	seq := ig.seq
	ig.ch <- Chunk{AgentID: agentID, Kind: kind, Seq: seq, Payload: payload}
	ig.mu.Unlock()
}

// CloseAgent publishes a terminal chunk and permanently closes agentID's
// ingress. Use this only when the agent will never produce another
// chunk (agent_failed); the coordination protocol runs many turns per
// agent, and an ordinary end-of-turn agent_done is published via
// Publish instead, leaving the ingress open for the next turn. A
// producer error affects only the failing agent's ingress.
func (b *Bus) CloseAgent(agentID string, terminal Kind, payload interface{}) {
	ig := b.getOrCreate(agentID)

	ig.mu.Lock()
	defer ig.mu.Unlock()
	if ig.closed {
		return
	}
	ig.seq++
	ig.ch <- Chunk{AgentID: agentID, Kind: terminal, Seq: ig.seq, Payload: payload}
	ig.closed = true
	close(ig.ch)
}

// Out returns the merged consumer channel. Cross-agent ordering is
// unspecified but fair; per-agent ordering always matches Publish order.
func (b *Bus) Out() <-chan Chunk {
	return b.out
}

// LastSeq returns the most recently assigned sequence number for
// agentID's ingress, or 0 if it has never published. Callers use this
// to establish a high-water mark before launching a fresh turn, so they
// can distinguish that turn's chunks from any of the same agent's
// chunks still draining from an earlier turn.
func (b *Bus) LastSeq(agentID string) uint64 {
	ig := b.getOrCreate(agentID)
	ig.mu.Lock()
	defer ig.mu.Unlock()
	return ig.seq
}

// Close forces every still-open agent ingress closed and completes the
// merged stream once the chunks already buffered in them have drained.
// Close is idempotent and safe to call concurrently with Publish.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return
	}
	b.closing = true
	ingresses := make([]*ingress, 0, len(b.ingresses))
	for _, ig := range b.ingresses {
		ingresses = append(ingresses, ig)
	}
	b.mu.Unlock()

	for _, ig := range ingresses {
		ig.mu.Lock()
		if !ig.closed {
			ig.closed = true
			close(ig.ch)
		}
		ig.mu.Unlock()
	}

	go func() {
		b.wg.Wait()
		close(b.out)
	}()
}
