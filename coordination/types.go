// Package coordination implements the Orchestrator, the top-level state
// machine and single logical owner of CoordinationState. RunTask is the
// one entry point the core exposes.
package coordination

import (
	"time"

	"github.com/quorum-ai/orchestrator/backend"
	"github.com/quorum-ai/orchestrator/voting"
)

// AgentConfig describes one agent's immutable participation in a task.
type AgentConfig struct {
	ID           string
	Class        backend.Class
	Adapter      backend.Adapter
	SystemPrompt string
}

// EventKind names one entry in the caller-visible event stream
type EventKind string

const (
	EventAgentStarted    EventKind = "agent_started"
	EventContent         EventKind = "content"
	EventReasoning       EventKind = "reasoning"
	EventToolCall        EventKind = "tool_call"
	EventToolResult      EventKind = "tool_result"
	EventAnswerPublished EventKind = "answer_published"
	EventVoteCast        EventKind = "vote_cast"
	EventAgentFailed     EventKind = "agent_failed"
	EventWinnerElected   EventKind = "winner_elected"
	EventFinalChunk      EventKind = "final_chunk"
	EventTaskDone        EventKind = "task_done"
)

// Event is one entry in the stream RunTask returns to the caller. The
// core makes no display assumptions; callers render these as they see
// fit.
type Event struct {
	Kind    EventKind
	AgentID string
	Payload interface{}
}

// TaskOutcome is the final result of one RunTask invocation.
type TaskOutcome struct {
	Winner        string
	FinalText     string
	AgentStatuses map[string]voting.AgentStatus
	Elapsed       time.Duration
	Reason        voting.Outcome
}
