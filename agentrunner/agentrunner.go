// Package agentrunner drives a single agent from prompt assembly through
// chunk emission until a terminal state.
package agentrunner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quorum-ai/orchestrator/backend"
	"github.com/quorum-ai/orchestrator/chunkbus"
	"github.com/quorum-ai/orchestrator/core"
	"github.com/quorum-ai/orchestrator/ratelimiter"
	"github.com/quorum-ai/orchestrator/resilience"
)

// Status is one state in the AgentRunner lifecycle:
// pending -> starting -> working <-> restarting; working -> voted;
// voted -> working (on invalidation); any non-terminal -> failed;
// winner: voted/working -> presenting -> done.
type Status string

const (
	StatusPending    Status = "pending"
	StatusStarting   Status = "starting"
	StatusWorking    Status = "working"
	StatusVoted      Status = "voted"
	StatusRestarting Status = "restarting"
	StatusFailed     Status = "failed"
	StatusPresenting Status = "presenting"
	StatusDone       Status = "done"
)

// PeerSummary is a read-only view of one peer's coordination state,
// rendered into a runner's next turn input.
type PeerSummary struct {
	AgentID      string
	LatestAnswer string
	Version      int
	VotedFor     string
}

// Notification is delivered to a runner's back-channel mid-turn when a
// peer publishes a new answer or casts a vote.
type Notification struct {
	Origin string
	Kind   NotificationKind
	Reason string
}

type NotificationKind string

const (
	NotificationNewAnswer NotificationKind = "new_answer"
	NotificationVoteCast  NotificationKind = "vote_cast"
	NotificationRestart   NotificationKind = "restart_request"
)

// TurnContext supplies everything a Runner needs to assemble one turn's
// prompt. The Orchestrator rebuilds and injects this on every (re)launch.
type TurnContext struct {
	Query           string
	SessionPrompt   string // rendered SessionContext.CompactEntries digest
	Peers           []PeerSummary
	IsPresenter     bool
	PresenterDigest string // runner-up digest when winning via plurality/timeout
}

// Retry policy for BackendTransient errors: base 1s, factor 2, max 3
// retries, delegated to resilience.RetryWithCircuitBreaker.
const (
	retryBase   = time.Second
	retryFactor = 2.0
	maxRetries  = 3
	maxDelay    = 30 * time.Second
)

// Runner drives one Agent. Callers create a Runner, then call Run once
// per (re)launch; the Orchestrator is responsible for invoking Run again
// after a restart with a fresh TurnContext.
type Runner struct {
	AgentID string
	Class   backend.Class
	Backend backend.Adapter

	Bus            *chunkbus.Bus
	StartupLimiter *ratelimiter.Limiter
	CircuitBreaker *resilience.CircuitBreaker

	Logger    core.Logger
	Telemetry core.Telemetry

	mu     sync.Mutex
	status Status
}

// New creates a Runner for one agent.
func New(agentID string, class backend.Class, adapter backend.Adapter, bus *chunkbus.Bus, startupLimiter *ratelimiter.Limiter, opts ...Option) *Runner {
	r := &Runner{
		AgentID:        agentID,
		Class:          class,
		Backend:        adapter,
		Bus:            bus,
		StartupLimiter: startupLimiter,
		Logger:         &core.NoOpLogger{},
		Telemetry:      &core.NoOpTelemetry{},
		status:         StatusPending,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.CircuitBreaker == nil {
		cfg := resilience.DefaultConfig()
		cfg.Name = "agentrunner." + string(class)
		cfg.Logger = r.Logger
		cb, err := resilience.NewCircuitBreaker(cfg)
		if err == nil {
			r.CircuitBreaker = cb
		}
	}
	r.Bus.Register(agentID)
	return r
}

// WithCircuitBreaker overrides the per-Class circuit breaker protecting
// backend.Stream calls, letting callers share one breaker across runners
// of the same class or tune its thresholds.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(r *Runner) {
		if cb != nil {
			r.CircuitBreaker = cb
		}
	}
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger used for turn diagnostics.
func WithLogger(logger core.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.Logger = logger
		}
	}
}

// WithTelemetry sets the telemetry sink for per-turn spans.
func WithTelemetry(telemetry core.Telemetry) Option {
	return func(r *Runner) {
		if telemetry != nil {
			r.Telemetry = telemetry
		}
	}
}

// Status returns the runner's current lifecycle status.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Runner) setStatus(ctx context.Context, s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
	r.Bus.Publish(r.AgentID, chunkbus.KindStatus, s)
}

// Run executes one (re)launch of the agent turn: awaits Startup-scope
// admission, builds the turn input, calls backend.Stream, and forwards
// chunks to the ChunkBus until the stream ends, is cancelled, or a peer
// Notification arrives on notifyCh.
//
// Run returns nil when the turn ended normally (agent_done/agent_failed
// already published to the bus) or when ctx was cancelled. It returns a
// non-nil error only for conditions the Orchestrator must react to
// itself (e.g. Startup rate-limit wait cancellation).
// Run's second return value, restarted, tells the caller (normally an
// Orchestrator-owned supervisor loop) whether the turn ended because a
// peer Notification preempted it. When true, the caller should rebuild
// TurnContext and call Run again immediately; when false, the agent
// reached a natural stopping point (agent_done/agent_failed already
// published to the bus) and the supervisor should wait for the next
// Notification before relaunching.
func (r *Runner) Run(ctx context.Context, turn TurnContext, notifyCh <-chan Notification) (restarted bool, err error) {
	r.setStatus(ctx, StatusStarting)

	if err := r.StartupLimiter.AwaitSlot(ctx, string(r.Class)); err != nil {
		return false, err
	}

	spanCtx, span := r.Telemetry.StartSpan(ctx, "agentrunner.turn")
	defer span.End()

	r.setStatus(spanCtx, StatusWorking)

	messages := buildMessages(turn)
	tools := backend.ToolSpec{ToolNames: []string{backend.ToolAnswerPublished, backend.ToolVoteCast, backend.ToolRestartRequest}}

	streamCtx, cancelStream := context.WithCancel(spanCtx)
	defer cancelStream()

	stream, streamErr := r.runStreamWithRetry(streamCtx, messages, tools)
	if streamErr != nil {
		span.RecordError(streamErr)
		r.failAgent(spanCtx, streamErr)
		return false, nil
	}
	defer stream.Close()

	for {
		select {
		case notif, ok := <-notifyCh:
			if ok {
				r.Logger.Debug("peer notification received mid-turn", map[string]interface{}{
					"agent": r.AgentID, "origin": notif.Origin, "kind": string(notif.Kind),
				})
				cancelStream()
				return true, nil
			}
		default:
		}

		chunk, ok := stream.Next(streamCtx)
		if !ok {
			if streamErr := stream.Err(); streamErr != nil && !errors.Is(streamErr, context.Canceled) {
				r.failAgent(spanCtx, streamErr)
			} else if streamErr == nil {
				r.Bus.Publish(r.AgentID, chunkbus.KindAgentDone, nil)
			}
			return false, nil
		}

		r.forward(spanCtx, chunk)
		if chunk.Kind == backend.ChunkAgentDone || chunk.Kind == backend.ChunkAgentFailed {
			// forward already published the turn's terminal marker;
			// stop instead of letting the stream exhaust into a second,
			// redundant one.
			return false, nil
		}
	}
}

func buildMessages(turn TurnContext) []backend.Message {
	messages := []backend.Message{{Role: backend.RoleSystem, Content: turn.SessionPrompt}}
	messages = append(messages, backend.Message{Role: backend.RoleUser, Content: turn.Query})
	for _, peer := range turn.Peers {
		messages = append(messages, backend.Message{
			Role:    backend.RoleSystem,
			Content: fmt.Sprintf("peer %s latest answer (v%d): %s", peer.AgentID, peer.Version, peer.LatestAnswer),
		})
	}
	if turn.IsPresenter && turn.PresenterDigest != "" {
		messages = append(messages, backend.Message{Role: backend.RoleSystem, Content: turn.PresenterDigest})
	}
	return messages
}

// runStreamWithRetry wraps Backend.Stream in the circuit breaker and
// retries BackendTransient/Timeout failures with exponential backoff,
// via resilience.RetryWithCircuitBreaker.
func (r *Runner) runStreamWithRetry(ctx context.Context, messages []backend.Message, tools backend.ToolSpec) (backend.Stream, error) {
	var stream backend.Stream

	cfg := &resilience.RetryConfig{
		MaxAttempts:   maxRetries + 1,
		InitialDelay:  retryBase,
		MaxDelay:      maxDelay,
		BackoffFactor: retryFactor,
		JitterEnabled: true,
		ShouldRetry:   core.IsRetryable,
	}

	err := resilience.RetryWithCircuitBreaker(ctx, cfg, r.CircuitBreaker, func() error {
		s, streamErr := r.Backend.Stream(ctx, messages, tools)
		if streamErr != nil {
			return streamErr
		}
		stream = s
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("backend stream failed after retries: %w", errors.Join(err, core.ErrBackendFatal))
	}

	return stream, nil
}

func (r *Runner) failAgent(ctx context.Context, err error) {
	r.mu.Lock()
	r.status = StatusFailed
	r.mu.Unlock()
	r.Bus.CloseAgent(r.AgentID, chunkbus.KindAgentFailed, err)
}

// forward translates a backend.Chunk into the corresponding chunkbus
// publication. Coordination-protocol tool calls are re-tagged to their
// dedicated chunk kinds; everything else passes through unchanged.
func (r *Runner) forward(ctx context.Context, c backend.Chunk) {
	switch c.Kind {
	case backend.ChunkToolCall:
		switch c.ToolName {
		case backend.ToolAnswerPublished:
			r.Bus.Publish(r.AgentID, chunkbus.KindAnswerPublished, c.ToolArgs)
		case backend.ToolVoteCast:
			r.Bus.Publish(r.AgentID, chunkbus.KindVoteCast, c.ToolArgs)
		case backend.ToolRestartRequest:
			r.Bus.Publish(r.AgentID, chunkbus.KindRestartRequest, c.ToolArgs)
		default:
			r.Bus.Publish(r.AgentID, chunkbus.KindToolCall, c)
		}
	case backend.ChunkToolResult:
		r.Bus.Publish(r.AgentID, chunkbus.KindToolResult, c)
	case backend.ChunkReasoning:
		r.Bus.Publish(r.AgentID, chunkbus.KindReasoning, c.Text)
	case backend.ChunkContent:
		r.Bus.Publish(r.AgentID, chunkbus.KindContent, c.Text)
	case backend.ChunkAgentFailed:
		r.failAgent(ctx, c.Err)
	case backend.ChunkAgentDone:
		// A per-turn marker, not a terminal one: the coordination
		// protocol calls Run again for this agent's next turn, so the
		// ingress stays open rather than being closed here.
		r.Bus.Publish(r.AgentID, chunkbus.KindAgentDone, nil)
	default:
		r.Bus.Publish(r.AgentID, chunkbus.KindStatus, c)
	}
}
