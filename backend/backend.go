// Package backend defines the abstract capability the Orchestrator
// depends on to drive an LLM-backed agent. Concrete
// HTTP/SDK-backed implementations live outside the core; this package
// only fixes the contract and the chunk vocabulary adapters must emit.
package backend

import (
	"context"
)

// Class identifies a provider family used for rate-limit keying
// (e.g. "gemini", "openai", "anthropic", "local").
type Class string

// Capability flags negotiated via Supports, replacing attribute probing
// or runtime type reflection on the backend implementation.
type Capability string

const (
	CapWebSearch          Capability = "web_search"
	CapCodeExec           Capability = "code_exec"
	CapToolCalls          Capability = "tool_calls"
	CapPlanningModeFilter Capability = "planning_mode_filter"
	CapSnapshot           Capability = "snapshot"
)

// Role identifies the speaker of a Message in a turn's transcript.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in the prompt assembled by an AgentRunner turn.
type Message struct {
	Role    Role
	Content string
}

// ToolSpec describes the tool surface available to a backend for one
// Stream call. The core does not interpret tool semantics; it only
// recognizes the coordination-protocol tool names listed in ToolNames.
type ToolSpec struct {
	// ToolNames enumerates coordination-protocol tools the backend should
	// expose to the model in addition to any domain tools it manages
	// itself (web search, code exec, etc. are entirely the backend's
	// concern and never named here).
	ToolNames []string
}

// Coordination-protocol tool names recognized by AgentRunner when parsing
// tool_call chunks.
const (
	ToolAnswerPublished = "answer_published"
	ToolVoteCast        = "vote_cast"
	ToolRestartRequest  = "restart_request"
)

// SnapshotRef is an opaque (AgentId, version) -> backend-state token.
// The core never interprets its contents.
type SnapshotRef string

// ChunkKind mirrors chunkbus.Kind without importing it, so that backend
// implementations do not need to depend on the orchestrator's internal
// bus wiring; AgentRunner translates between the two.
type ChunkKind string

const (
	ChunkContent         ChunkKind = "content"
	ChunkReasoning       ChunkKind = "reasoning"
	ChunkToolCall        ChunkKind = "tool_call"
	ChunkToolResult      ChunkKind = "tool_result"
	ChunkStatus          ChunkKind = "status"
	ChunkAnswerPublished ChunkKind = "answer_published"
	ChunkVoteCast        ChunkKind = "vote_cast"
	ChunkRestartRequest  ChunkKind = "restart_request"
	ChunkAgentDone       ChunkKind = "agent_done"
	ChunkAgentFailed     ChunkKind = "agent_failed"
)

// Chunk is one unit of a backend's output stream.
type Chunk struct {
	Kind ChunkKind

	// Text carries content/reasoning payloads.
	Text string

	// ToolName/ToolArgs carry tool_call payloads. For coordination-
	// protocol tools, ToolArgs keys follow the AnswerPublishedArgs /
	// VoteCastArgs / RestartRequestArgs field names below.
	ToolName string
	ToolArgs map[string]interface{}

	// Err carries the cause of an agent_failed chunk.
	Err error
}

// AnswerPublishedArgs is the expected shape of ToolArgs for a
// answer_published tool call.
type AnswerPublishedArgs struct {
	Text        string
	SnapshotRef SnapshotRef
}

// VoteCastArgs is the expected shape of ToolArgs for a vote_cast tool call.
type VoteCastArgs struct {
	Target string
	Reason string
}

// Stream is the iterator interface returned by Adapter.Stream. Next
// returns false once the stream is exhausted (io.EOF semantics without
// importing io); Err reports the terminal error, if any.
type Stream interface {
	Next(ctx context.Context) (Chunk, bool)
	Err() error
	Close() error
}

// Adapter is the abstract capability the Orchestrator needs from a
// concrete LLM backend. Implementations MUST be safe for concurrent use
// across distinct AgentRunners, but need not support concurrent use
// within a single runner.
type Adapter interface {
	// Stream produces a Chunk iterator for one turn. Implementations
	// must honor ctx cancellation within roughly one network round-trip
	// and must call the Call-scope RateLimiter around every network
	// request they issue.
	Stream(ctx context.Context, messages []Message, tools ToolSpec) (Stream, error)

	// Supports reports whether the backend implements an optional
	// capability.
	Supports(cap Capability) bool

	// ClassTag identifies the provider family for rate-limit keying.
	ClassTag() Class

	// SetPlanningMode, when true, instructs the backend to suppress tool
	// calls classified as irreversible. Backends that do not
	// support CapPlanningModeFilter may treat this as a no-op.
	SetPlanningMode(on bool)

	// Snapshot and Restore are optional; backends that do not support
	// CapSnapshot should return an error from both.
	Snapshot(ctx context.Context) (SnapshotRef, error)
	Restore(ctx context.Context, ref SnapshotRef) error
}
