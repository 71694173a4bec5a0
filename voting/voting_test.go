package voting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorum-ai/orchestrator/core"
)

func answer(ts time.Time) *WorkingAnswer {
	return &WorkingAnswer{Version: 1, Text: "x", Timestamp: ts}
}

func TestEvaluate_ZeroAgentsIsAllFailed(t *testing.T) {
	d := Evaluate(EvalInput{Agents: nil})
	assert.Equal(t, OutcomeAllFailed, d.Outcome)
	assert.Empty(t, d.Winner)
}

func TestEvaluate_SoleSurvivorWithAnswer(t *testing.T) {
	now := time.Now()
	d := Evaluate(EvalInput{
		Agents: []AgentState{
			{ID: "A", Status: AgentWorking, Answer: answer(now), FirstAnswerAt: now},
			{ID: "B", Status: AgentFailed},
		},
		Now: now,
	})
	assert.Equal(t, OutcomeSoleSurvivor, d.Outcome)
	assert.Equal(t, "A", d.Winner)
}

func TestEvaluate_AllFailed(t *testing.T) {
	d := Evaluate(EvalInput{
		Agents: []AgentState{
			{ID: "A", Status: AgentFailed},
			{ID: "B", Status: AgentFailed},
		},
	})
	assert.Equal(t, OutcomeAllFailed, d.Outcome)
}

// Scenario 1: Simple consensus, three agents A,B,C.
func TestEvaluate_Scenario1_UndecidedThenPluralityOrTimeout(t *testing.T) {
	t0 := time.Now()
	agents := []AgentState{
		{ID: "A", Status: AgentVoted, Answer: answer(t0), FirstAnswerAt: t0, Vote: &Vote{Voter: "A", Target: "B"}},
		{ID: "B", Status: AgentVoted, Answer: answer(t0.Add(time.Millisecond)), FirstAnswerAt: t0.Add(time.Millisecond), Vote: &Vote{Voter: "B", Target: "A"}},
		{ID: "C", Status: AgentVoted, Answer: answer(t0.Add(2 * time.Millisecond)), FirstAnswerAt: t0.Add(2 * time.Millisecond), Vote: &Vote{Voter: "C", Target: "A"}},
	}

	undecided := Evaluate(EvalInput{Agents: agents, Now: t0})
	assert.Equal(t, OutcomeUndecided, undecided.Outcome)

	// plurality after stability window elapses: A has 2 votes (B, C).
	plurality := Evaluate(EvalInput{
		Agents:          agents,
		Now:             t0.Add(6 * time.Second),
		LastMutationAt:  t0,
		StabilityWindow: 5 * time.Second,
	})
	require.Equal(t, OutcomePlurality, plurality.Outcome)
	assert.Equal(t, "A", plurality.Winner)

	// timeout fallback without stability window enabled also elects A.
	timeoutOut := Evaluate(EvalInput{Agents: agents, Now: t0, DeadlineReached: true})
	require.Equal(t, OutcomeTimeoutFallback, timeoutOut.Outcome)
	assert.Equal(t, "A", timeoutOut.Winner)
}

// Scenario 2: vote invalidation by author update is the caller's job
// (mutation table), but the engine must treat an invalidated vote (nil)
// as "not live" for consensus purposes.
func TestEvaluate_InvalidatedVoteBlocksConsensus(t *testing.T) {
	now := time.Now()
	agents := []AgentState{
		{ID: "A", Status: AgentWorking, Answer: &WorkingAnswer{Version: 2, Timestamp: now}, FirstAnswerAt: now},
		{ID: "B", Status: AgentWorking, Answer: answer(now), FirstAnswerAt: now, Vote: nil}, // invalidated
	}
	d := Evaluate(EvalInput{Agents: agents, Now: now})
	assert.Equal(t, OutcomeUndecided, d.Outcome)
}

// Scenario 5: timeout fallback with no votes, tie-break by earliest v1 timestamp.
func TestEvaluate_Scenario5_TimeoutFallbackNoVotes(t *testing.T) {
	t0 := time.Now()
	agents := []AgentState{
		{ID: "A", Status: AgentWorking, Answer: answer(t0.Add(time.Second)), FirstAnswerAt: t0.Add(time.Second)},
		{ID: "B", Status: AgentWorking, Answer: answer(t0.Add(2 * time.Second)), FirstAnswerAt: t0.Add(2 * time.Second)},
	}
	d := Evaluate(EvalInput{Agents: agents, Now: t0.Add(5 * time.Second), DeadlineReached: true})
	require.Equal(t, OutcomeTimeoutFallback, d.Outcome)
	assert.Equal(t, "A", d.Winner)
}

// Scenario 6: all-failed, two agents, both BackendFatal on first request.
func TestEvaluate_Scenario6_AllFailedNoWinner(t *testing.T) {
	d := Evaluate(EvalInput{
		Agents: []AgentState{
			{ID: "A", Status: AgentFailed},
			{ID: "B", Status: AgentFailed},
		},
		DeadlineReached: true,
	})
	assert.Equal(t, OutcomeAllFailed, d.Outcome)
	assert.Empty(t, d.Winner)
}

func TestEvaluate_DeadlineReachedNoAnswersIsAllFailed(t *testing.T) {
	d := Evaluate(EvalInput{
		Agents: []AgentState{
			{ID: "A", Status: AgentWorking},
			{ID: "B", Status: AgentWorking},
		},
		DeadlineReached: true,
	})
	assert.Equal(t, OutcomeAllFailed, d.Outcome)
}

func TestValidateVoteCast_RejectsSelfVote(t *testing.T) {
	agents := map[string]AgentState{
		"A": {ID: "A", Answer: answer(time.Now())},
	}
	err := ValidateVoteCast(agents, "A", "A")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrProtocolViolation)
}

func TestValidateVoteCast_RejectsVoteForUnknownAgent(t *testing.T) {
	agents := map[string]AgentState{
		"A": {ID: "A", Answer: answer(time.Now())},
	}
	err := ValidateVoteCast(agents, "A", "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrProtocolViolation)
}

func TestValidateVoteCast_RejectsVoteBeforePublishing(t *testing.T) {
	agents := map[string]AgentState{
		"A": {ID: "A"},
		"B": {ID: "B", Answer: answer(time.Now())},
	}
	err := ValidateVoteCast(agents, "A", "B")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrProtocolViolation)
}

func TestValidateVoteCast_RejectsVoteForAgentWithNoAnswer(t *testing.T) {
	agents := map[string]AgentState{
		"A": {ID: "A", Answer: answer(time.Now())},
		"B": {ID: "B"},
	}
	err := ValidateVoteCast(agents, "A", "B")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrProtocolViolation)
}

func TestValidateVoteCast_AcceptsValidVote(t *testing.T) {
	agents := map[string]AgentState{
		"A": {ID: "A", Answer: answer(time.Now())},
		"B": {ID: "B", Answer: answer(time.Now())},
	}
	assert.NoError(t, ValidateVoteCast(agents, "A", "B"))
}
