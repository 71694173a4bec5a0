package coordination

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorum-ai/orchestrator/backend"
	"github.com/quorum-ai/orchestrator/backend/mock"
	"github.com/quorum-ai/orchestrator/core"
	"github.com/quorum-ai/orchestrator/voting"
)

// spyLogger records every Info call made to it, guarded by a mutex since
// logMutation fires from its own goroutine per call.
type spyLogger struct {
	core.NoOpLogger
	mu    sync.Mutex
	infos []map[string]interface{}
}

func (s *spyLogger) Info(msg string, fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos = append(s.infos, fields)
}

func (s *spyLogger) snapshot() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]interface{}, len(s.infos))
	copy(out, s.infos)
	return out
}

// spySpan records End/attribute calls; spyTelemetry hands one out per
// StartSpan and keeps every span it has created for later inspection.
type spySpan struct {
	mu    sync.Mutex
	ended bool
	attrs map[string]interface{}
}

func (s *spySpan) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}

func (s *spySpan) SetAttribute(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs == nil {
		s.attrs = map[string]interface{}{}
	}
	s.attrs[key] = value
}

func (s *spySpan) RecordError(err error) {}

func (s *spySpan) hasEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

type spyTelemetry struct {
	mu    sync.Mutex
	spans []*spySpan
}

func (t *spyTelemetry) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	span := &spySpan{}
	t.mu.Lock()
	t.spans = append(t.spans, span)
	t.mu.Unlock()
	return ctx, span
}

func (t *spyTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

func (t *spyTelemetry) snapshot() []*spySpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*spySpan, len(t.spans))
	copy(out, t.spans)
	return out
}

func drainEvents(events <-chan Event) []Event {
	var out []Event
	for e := range events {
		out = append(out, e)
	}
	return out
}

func TestRunTask_ZeroAgentsYieldsImmediateAllFailed(t *testing.T) {
	events, outcome, err := RunTask(context.Background(), "q", nil, nil)
	require.NoError(t, err)

	_, ok := <-events
	assert.False(t, ok, "events channel should already be closed")

	out := <-outcome
	assert.Equal(t, voting.OutcomeAllFailed, out.Reason)
	assert.Empty(t, out.Winner)
}

func TestRunTask_SoleSurvivorPresentsImmediately(t *testing.T) {
	adapter := mock.New("gemini")
	adapter.AddScript(
		mock.Step{Chunk: backend.Chunk{
			Kind: backend.ChunkToolCall, ToolName: backend.ToolAnswerPublished,
			ToolArgs: map[string]interface{}{"text": "42"},
		}},
		mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkAgentDone}},
	)
	adapter.AddScript(
		mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkContent, Text: "the answer is 42"}},
		mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkAgentDone}},
	)

	agents := []AgentConfig{{ID: "solo", Class: "gemini", Adapter: adapter, SystemPrompt: "answer well"}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, outcome, err := RunTask(ctx, "what is the answer", agents, nil,
		WithPlanningMode(PlanningOff), WithDeadline(2*time.Second))
	require.NoError(t, err)

	go drainEvents(events)

	out := <-outcome
	assert.Equal(t, voting.OutcomeSoleSurvivor, out.Reason)
	assert.Equal(t, "solo", out.Winner)
	assert.Equal(t, "the answer is 42", out.FinalText)
	assert.Equal(t, voting.AgentDone, out.AgentStatuses["solo"])
}

func TestRunTask_ConsensusElectsSharedVoteTarget(t *testing.T) {
	a := mock.New("gemini")
	a.AddScript(
		mock.Step{Chunk: backend.Chunk{
			Kind: backend.ChunkToolCall, ToolName: backend.ToolAnswerPublished,
			ToolArgs: map[string]interface{}{"text": "answer A"},
		}},
		mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkAgentDone}},
	)
	a.AddScript(
		mock.Step{Chunk: backend.Chunk{
			Kind: backend.ChunkToolCall, ToolName: backend.ToolVoteCast,
			ToolArgs: map[string]interface{}{"target": "agent-a", "reason": "most complete"},
		}},
		mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkAgentDone}},
	)
	a.AddScript(
		mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkContent, Text: "final: answer A"}},
		mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkAgentDone}},
	)

	b := mock.New("gemini")
	b.AddScript(
		mock.Step{Chunk: backend.Chunk{
			Kind: backend.ChunkToolCall, ToolName: backend.ToolAnswerPublished,
			ToolArgs: map[string]interface{}{"text": "answer B"},
		}},
		mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkAgentDone}},
	)
	b.AddScript(
		mock.Step{Chunk: backend.Chunk{
			Kind: backend.ChunkToolCall, ToolName: backend.ToolVoteCast,
			ToolArgs: map[string]interface{}{"target": "agent-a", "reason": "agree with A"},
		}},
		mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkAgentDone}},
	)

	agents := []AgentConfig{
		{ID: "agent-a", Class: "gemini", Adapter: a, SystemPrompt: "answer well"},
		{ID: "agent-b", Class: "gemini", Adapter: b, SystemPrompt: "answer well"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, outcome, err := RunTask(ctx, "q", agents, nil,
		WithPlanningMode(PlanningOff), WithDeadline(3*time.Second))
	require.NoError(t, err)

	go drainEvents(events)

	out := <-outcome
	assert.Equal(t, voting.OutcomeConsensus, out.Reason)
	assert.Equal(t, "agent-a", out.Winner)
	assert.Equal(t, "final: answer A", out.FinalText)
}

func TestRunTask_AllAgentsFailedYieldsAllFailedOutcome(t *testing.T) {
	a := mock.New("gemini")
	a.AddScript(mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkAgentFailed}})
	b := mock.New("gemini")
	b.AddScript(mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkAgentFailed}})

	agents := []AgentConfig{
		{ID: "agent-a", Class: "gemini", Adapter: a},
		{ID: "agent-b", Class: "gemini", Adapter: b},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, outcome, err := RunTask(ctx, "q", agents, nil,
		WithPlanningMode(PlanningOff), WithDeadline(2*time.Second))
	require.NoError(t, err)

	go drainEvents(events)

	out := <-outcome
	assert.Equal(t, voting.OutcomeAllFailed, out.Reason)
	assert.Empty(t, out.Winner)
	assert.Equal(t, voting.AgentFailed, out.AgentStatuses["agent-a"])
	assert.Equal(t, voting.AgentFailed, out.AgentStatuses["agent-b"])
}

// Mirrors the deadline timeout-fallback scenario: two agents each
// publish an answer but never vote, so the task is only resolved once
// the deadline elapses and rule 5 elects the earliest-answering agent.
func TestRunTask_DeadlineElectsEarliestAnswerOnTimeout(t *testing.T) {
	a := mock.New("gemini")
	a.AddScript(
		mock.Step{Chunk: backend.Chunk{
			Kind: backend.ChunkToolCall, ToolName: backend.ToolAnswerPublished,
			ToolArgs: map[string]interface{}{"text": "answer A"},
		}},
	)
	a.RepeatLastScript = true

	b := mock.New("gemini")
	wait := make(chan struct{})
	b.AddScript(
		mock.Step{Chunk: backend.Chunk{
			Kind: backend.ChunkToolCall, ToolName: backend.ToolAnswerPublished,
			ToolArgs: map[string]interface{}{"text": "answer B"},
		}, WaitFor: wait},
	)
	b.RepeatLastScript = true

	agents := []AgentConfig{
		{ID: "agent-a", Class: "gemini", Adapter: a},
		{ID: "agent-b", Class: "gemini", Adapter: b},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, outcome, err := RunTask(ctx, "q", agents, nil,
		WithPlanningMode(PlanningOff), WithDeadline(200*time.Millisecond))
	require.NoError(t, err)

	go func() {
		time.Sleep(300 * time.Millisecond)
		close(wait)
	}()
	go drainEvents(events)

	out := <-outcome
	assert.Equal(t, voting.OutcomeTimeoutFallback, out.Reason)
	assert.Equal(t, "agent-a", out.Winner)
}

// TestRunTask_RecordsMutationLogAndSpans exercises the structured
// mutation log and the task/voting span wiring: every accepted mutation
// must reach the Logger, and the task span must be ended only once the
// outcome has been delivered.
func TestRunTask_RecordsMutationLogAndSpans(t *testing.T) {
	adapter := mock.New("gemini")
	adapter.AddScript(
		mock.Step{Chunk: backend.Chunk{
			Kind: backend.ChunkToolCall, ToolName: backend.ToolAnswerPublished,
			ToolArgs: map[string]interface{}{"text": "42"},
		}},
		mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkAgentDone}},
	)
	adapter.AddScript(
		mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkContent, Text: "the answer is 42"}},
		mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkAgentDone}},
	)

	agents := []AgentConfig{{ID: "solo", Class: "gemini", Adapter: adapter, SystemPrompt: "answer well"}}

	logger := &spyLogger{}
	telemetry := &spyTelemetry{}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, outcome, err := RunTask(ctx, "what is the answer", agents, nil,
		WithPlanningMode(PlanningOff), WithDeadline(2*time.Second),
		WithLogger(logger), WithTelemetry(telemetry))
	require.NoError(t, err)

	go drainEvents(events)

	out := <-outcome
	assert.Equal(t, "solo", out.Winner)

	var sawAnswerPublished bool
	for _, fields := range logger.snapshot() {
		if fields["event_kind"] == "answer_published" {
			sawAnswerPublished = true
			assert.Equal(t, "solo", fields["agent_id"])
			assert.NotEmpty(t, fields["task_id"])
		}
	}
	assert.True(t, sawAnswerPublished, "expected a logged answer_published mutation")

	spans := telemetry.snapshot()
	require.NotEmpty(t, spans, "expected at least the task span to have started")
	assert.True(t, spans[0].hasEnded(), "task span must be ended once the outcome is delivered")

	var sawEvaluateSpan bool
	for _, s := range spans[1:] {
		if _, ok := s.attrs["outcome"]; ok {
			sawEvaluateSpan = true
		}
	}
	assert.True(t, sawEvaluateSpan, "expected at least one voting.evaluate span with an outcome attribute")
}
