// Package voting implements the decision rules that determine, at any
// moment, whether the coordination state has reached a terminal outcome.
// The engine is a pure function of state: it takes no locks and sends no
// notifications; those belong to the caller.
package voting

import (
	"fmt"
	"sort"
	"time"

	"github.com/quorum-ai/orchestrator/core"
)

// AgentStatus mirrors the subset of agentrunner.Status the VotingEngine
// cares about. It is a distinct type so this package has no dependency
// on agentrunner; the Orchestrator maps between the two.
type AgentStatus string

const (
	AgentWorking    AgentStatus = "working"
	AgentRestarting AgentStatus = "restarting"
	AgentVoted      AgentStatus = "voted"
	AgentPresenting AgentStatus = "presenting"
	AgentDone       AgentStatus = "done"
	AgentFailed     AgentStatus = "failed"
)

// WorkingAnswer is one agent's published answer at a given version.
type WorkingAnswer struct {
	Version     int
	Text        string
	SnapshotRef string
	Timestamp   time.Time
}

// Vote is a live (non-invalidated) vote cast by one agent for another.
type Vote struct {
	Voter              string
	Target             string
	Reason             string
	CastAtTargetVer    int
	CastAtVoterVersion int
}

// AgentState is the VotingEngine's read-only view of one agent.
type AgentState struct {
	ID     string
	Status AgentStatus

	// Answer is the current (latest) WorkingAnswer, nil if none published.
	Answer *WorkingAnswer

	// FirstAnswerAt is the timestamp of this agent's version-1 answer,
	// used as the tie-break key for rules 4 and 5. Zero if no answer yet.
	FirstAnswerAt time.Time

	// Vote is this agent's current live outgoing vote, nil if none or
	// invalidated.
	Vote *Vote
}

// Outcome names a terminal (or non-terminal) decision.
type Outcome string

const (
	OutcomeUndecided       Outcome = "undecided"
	OutcomeConsensus       Outcome = "consensus"
	OutcomeSoleSurvivor    Outcome = "sole_survivor"
	OutcomePlurality       Outcome = "plurality"
	OutcomeTimeoutFallback Outcome = "timeout_fallback"
	OutcomeAllFailed       Outcome = "all_failed"
)

// IsTerminal reports whether an Outcome ends the task.
func (o Outcome) IsTerminal() bool {
	return o != OutcomeUndecided
}

// Decision is the result of one Evaluate call.
type Decision struct {
	Outcome Outcome
	Winner  string // AgentId; empty when Outcome has no winner
}

// EvalInput bundles everything Evaluate needs to apply the five decision
// rules in order. LastMutationAt and StabilityWindow together gate rule
// 4; DeadlineReached gates rule 5.
type EvalInput struct {
	Agents          []AgentState
	Now             time.Time
	LastMutationAt  time.Time
	StabilityWindow time.Duration
	DeadlineReached bool
}

// Evaluate applies the VotingEngine decision rules in order: all-failed,
// sole-survivor, consensus, plurality-with-stability, timeout-fallback.
// Returns OutcomeUndecided if none fire.
func Evaluate(in EvalInput) Decision {
	if len(in.Agents) == 0 {
		return Decision{Outcome: OutcomeAllFailed}
	}

	nonFailed := make([]AgentState, 0, len(in.Agents))
	for _, a := range in.Agents {
		if a.Status != AgentFailed {
			nonFailed = append(nonFailed, a)
		}
	}

	if len(nonFailed) == 0 {
		return Decision{Outcome: OutcomeAllFailed}
	}

	if len(nonFailed) == 1 {
		if nonFailed[0].Answer != nil {
			return Decision{Outcome: OutcomeSoleSurvivor, Winner: nonFailed[0].ID}
		}
		// Sole survivor with no answer yet is still undecided, unless the
		// deadline has already fired (handled by rule 5 below).
	}

	if winner, ok := consensusWinner(nonFailed); ok {
		return Decision{Outcome: OutcomeConsensus, Winner: winner}
	}

	everyoneVoted := allHaveLiveVotes(nonFailed)

	if in.StabilityWindow > 0 && everyoneVoted && !in.LastMutationAt.IsZero() &&
		in.Now.Sub(in.LastMutationAt) >= in.StabilityWindow {
		if winner, ok := pluralityWinner(nonFailed); ok {
			return Decision{Outcome: OutcomePlurality, Winner: winner}
		}
	}

	if in.DeadlineReached {
		if winner, ok := pluralityWinner(nonFailed); ok {
			return Decision{Outcome: OutcomeTimeoutFallback, Winner: winner}
		}
		return Decision{Outcome: OutcomeAllFailed}
	}

	return Decision{Outcome: OutcomeUndecided}
}

func allHaveLiveVotes(agents []AgentState) bool {
	for _, a := range agents {
		if a.Vote == nil {
			return false
		}
	}
	return true
}

// consensusWinner requires every non-failed agent to have a live vote,
// all concentrated on a single target.
func consensusWinner(agents []AgentState) (string, bool) {
	if !allHaveLiveVotes(agents) {
		return "", false
	}
	target := agents[0].Vote.Target
	for _, a := range agents[1:] {
		if a.Vote.Target != target {
			return "", false
		}
	}
	return target, true
}

// pluralityWinner elects the candidate (a non-failed agent with a
// published answer) carrying the most live votes, tie-broken by earliest
// version-1 timestamp then lexicographic AgentId.
func pluralityWinner(agents []AgentState) (string, bool) {
	candidates := make([]AgentState, 0, len(agents))
	for _, a := range agents {
		if a.Answer != nil {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	counts := make(map[string]int, len(candidates))
	for _, a := range candidates {
		counts[a.ID] = 0
	}
	for _, a := range agents {
		if a.Vote != nil {
			if _, isCandidate := counts[a.Vote.Target]; isCandidate {
				counts[a.Vote.Target]++
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if counts[ci.ID] != counts[cj.ID] {
			return counts[ci.ID] > counts[cj.ID]
		}
		if !ci.FirstAnswerAt.Equal(cj.FirstAnswerAt) {
			return ci.FirstAnswerAt.Before(cj.FirstAnswerAt)
		}
		return ci.ID < cj.ID
	})

	return candidates[0].ID, true
}

// ValidateVoteCast enforces the structural invariants on a proposed
// vote_cast mutation. It returns core.ErrProtocolViolation wrapped with
// the specific reason when the cast must be rejected without failing
// the voter.
func ValidateVoteCast(agents map[string]AgentState, voter, target string) error {
	if voter == target {
		return fmtProtocolViolation("agent %s attempted to vote for itself", voter)
	}
	voterState, ok := agents[voter]
	if !ok || voterState.Answer == nil {
		return fmtProtocolViolation("agent %s voted before publishing an answer", voter)
	}
	targetState, ok := agents[target]
	if !ok {
		return fmtProtocolViolation("agent %s voted for unknown agent %s", voter, target)
	}
	if targetState.Answer == nil {
		return fmtProtocolViolation("agent %s voted for %s which has not published an answer", voter, target)
	}
	return nil
}

func fmtProtocolViolation(format string, args ...interface{}) error {
	return &protocolViolation{msg: fmt.Sprintf(format, args...)}
}

type protocolViolation struct {
	msg string
}

func (e *protocolViolation) Error() string { return e.msg }
func (e *protocolViolation) Unwrap() error { return core.ErrProtocolViolation }
