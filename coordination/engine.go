package coordination

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorum-ai/orchestrator/agentrunner"
	"github.com/quorum-ai/orchestrator/chunkbus"
	"github.com/quorum-ai/orchestrator/core"
	"github.com/quorum-ai/orchestrator/ratelimiter"
	"github.com/quorum-ai/orchestrator/session"
	"github.com/quorum-ai/orchestrator/voting"
)

var timeNow = time.Now

const coordinationProtocolInstruction = "You are one of several agents collaborating on this query. " +
	"Publish your answer by calling the answer_published tool. Once peers have published, cast exactly " +
	"one vote for the best peer answer via vote_cast, with a short reason; you cannot vote for your own " +
	"answer. You may call restart_request if you want to reconsider after seeing a peer's update."

// agentRecord is the Orchestrator's private bookkeeping for one agent.
// Only the engine's run goroutine and the agent's own supervise
// goroutine touch it, always under engine.mu.
type agentRecord struct {
	cfg    AgentConfig
	runner *agentrunner.Runner

	status       voting.AgentStatus
	answers      []voting.WorkingAnswer
	vote         *voting.Vote
	restartCount int

	runCtx        context.Context
	cancel        context.CancelFunc
	notifyCh      chan agentrunner.Notification
	stop          chan struct{}
	superviseDone chan struct{}
}

// engine is the single logical owner of CoordinationState for one task.
// All mutations happen inside applyMutation, called only from run's
// goroutine.
type engine struct {
	taskID     string
	query      string
	opts       Options
	bus        *chunkbus.Bus
	limiter    *ratelimiter.Limiter
	sessionCtx *session.Context
	startedAt  time.Time
	deadlineAt time.Time
	ctx        context.Context

	mu             sync.Mutex
	agents         map[string]*agentRecord
	order          []string
	lastMutationAt time.Time

	taskSpan core.Span
	logWg    sync.WaitGroup

	events  chan Event
	outcome chan TaskOutcome
}

// mutationRecord is the structured log entry published for every accepted
// CoordinationState mutation.
type mutationRecord struct {
	Timestamp time.Time   `json:"timestamp"`
	TaskID    string      `json:"task_id"`
	AgentID   string      `json:"agent_id"`
	EventKind string      `json:"event_kind"`
	Payload   interface{} `json:"payload"`
}

// logMutation records one accepted mutation through core.Logger at Info
// level, and as an attribute on the task span when telemetry is enabled.
// Recording runs on its own goroutine, tracked by logWg so finalize can
// drain in-flight records before the task's resources are torn down.
func (e *engine) logMutation(agentID, eventKind string, payload interface{}) {
	rec := mutationRecord{Timestamp: timeNow(), TaskID: e.taskID, AgentID: agentID, EventKind: eventKind, Payload: payload}

	e.logWg.Add(1)
	go func() {
		defer e.logWg.Done()
		e.opts.Logger.Info("coordination mutation", map[string]interface{}{
			"task_id": rec.TaskID, "agent_id": rec.AgentID, "event_kind": rec.EventKind,
			"timestamp": rec.Timestamp.Format(time.RFC3339Nano),
		})
		if e.taskSpan != nil {
			e.taskSpan.SetAttribute("last_mutation", fmt.Sprintf("%s:%s", rec.AgentID, rec.EventKind))
		}
	}()
}

// RunTask is the core's one entry point:
//
//	RunTask(ctx, query, agentConfigs, sessionContext, options) ->
//	  (stream of events, final TaskOutcome, error)
//
// The event channel is closed once the final TaskOutcome has been
// produced (or immediately, on zero agents or caller cancellation); the
// outcome channel carries exactly one value before closing, except when
// ctx is cancelled by the caller, in which case it closes without a
// value.
func RunTask(ctx context.Context, query string, agentConfigs []AgentConfig, sessionCtx *session.Context, opts ...Option) (<-chan Event, <-chan TaskOutcome, error) {
	options := Resolve(opts...)
	if sessionCtx == nil {
		sessionCtx = session.New(uuid.New().String())
	}

	events := make(chan Event, 64)
	outcome := make(chan TaskOutcome, 1)

	if len(agentConfigs) == 0 {
		close(events)
		outcome <- TaskOutcome{Reason: voting.OutcomeAllFailed, AgentStatuses: map[string]voting.AgentStatus{}}
		close(outcome)
		return events, outcome, nil
	}

	taskCtx, taskSpan := options.Telemetry.StartSpan(ctx, "coordination.task")

	e := &engine{
		taskID:     uuid.New().String(),
		query:      query,
		opts:       options,
		bus:        chunkbus.New(chunkbus.WithLogger(options.Logger)),
		sessionCtx: sessionCtx,
		startedAt:  timeNow(),
		ctx:        taskCtx,
		taskSpan:   taskSpan,
		agents:     make(map[string]*agentRecord, len(agentConfigs)),
		events:     events,
		outcome:    outcome,
	}
	e.deadlineAt = e.startedAt.Add(options.Deadline)

	limiterOpts := []ratelimiter.Option{ratelimiter.WithLogger(options.Logger)}
	for class, cfg := range options.RateLimits {
		limiterOpts = append(limiterOpts, ratelimiter.WithKeyConfig(string(class), cfg))
	}
	e.limiter = ratelimiter.New(ratelimiter.Config{}, limiterOpts...)

	for _, cfg := range agentConfigs {
		runCtx, cancel := context.WithCancel(taskCtx)
		runner := agentrunner.New(cfg.ID, cfg.Class, cfg.Adapter, e.bus, e.limiter,
			agentrunner.WithLogger(options.Logger), agentrunner.WithTelemetry(options.Telemetry))
		e.agents[cfg.ID] = &agentRecord{
			cfg:           cfg,
			runner:        runner,
			status:        voting.AgentWorking,
			runCtx:        runCtx,
			cancel:        cancel,
			notifyCh:      make(chan agentrunner.Notification, 1),
			stop:          make(chan struct{}),
			superviseDone: make(chan struct{}),
		}
		e.order = append(e.order, cfg.ID)
	}

	planOn := options.PlanningMode == PlanningOn
	if options.PlanningMode == PlanningAuto {
		planOn = runIrreversibilityPrecheck(taskCtx, agentConfigs, options.Logger)
	}
	for _, cfg := range agentConfigs {
		cfg.Adapter.SetPlanningMode(planOn)
	}

	for _, id := range e.order {
		e.emit(Event{Kind: EventAgentStarted, AgentID: id})
		go e.supervise(id)
	}
	go e.run(taskCtx)

	return events, outcome, nil
}

func (e *engine) supervise(agentID string) {
	rec := e.agents[agentID]
	defer close(rec.superviseDone)

	for {
		select {
		case <-rec.stop:
			return
		default:
		}

		e.mu.Lock()
		status := rec.status
		e.mu.Unlock()
		if status == voting.AgentFailed {
			return
		}

		turn := e.buildTurnContext(agentID)
		restarted, err := rec.runner.Run(rec.runCtx, turn, rec.notifyCh)
		if err != nil {
			return
		}

		select {
		case <-rec.stop:
			return
		default:
		}

		if restarted {
			continue
		}

		select {
		case <-rec.notifyCh:
			continue
		case <-rec.runCtx.Done():
			return
		case <-rec.stop:
			return
		}
	}
}

func (e *engine) run(ctx context.Context) {
	defer close(e.events)

	deadlineTimer := time.NewTimer(time.Until(e.deadlineAt))
	defer deadlineTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.cancelAll()
			e.bus.Close()
			close(e.outcome)
			e.logWg.Wait()
			e.taskSpan.End()
			return

		case <-deadlineTimer.C:
			decision := e.evaluate(true)
			e.finalize(ctx, decision)
			return

		case chunk, ok := <-e.bus.Out():
			if !ok {
				return
			}
			decision := e.applyMutation(chunk)
			if decision.Outcome.IsTerminal() {
				e.finalize(ctx, decision)
				return
			}
		}
	}
}

func (e *engine) cancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range e.agents {
		rec.cancel()
	}
}

func (e *engine) applyMutation(chunk chunkbus.Chunk) voting.Decision {
	e.mu.Lock()
	rec, ok := e.agents[chunk.AgentID]
	if !ok {
		e.mu.Unlock()
		return voting.Decision{Outcome: voting.OutcomeUndecided}
	}

	switch chunk.Kind {
	case chunkbus.KindAnswerPublished:
		text, snapshotRef := extractAnswerArgs(chunk.Payload)
		version := len(rec.answers) + 1
		rec.answers = append(rec.answers, voting.WorkingAnswer{
			Version: version, Text: text, SnapshotRef: snapshotRef, Timestamp: timeNow(),
		})
		rec.status = voting.AgentWorking
		e.lastMutationAt = timeNow()
		e.mu.Unlock()
		e.logMutation(chunk.AgentID, string(chunkbus.KindAnswerPublished), text)
		e.emit(Event{Kind: EventAnswerPublished, AgentID: chunk.AgentID, Payload: text})
		e.notifyOthers(chunk.AgentID, agentrunner.NotificationNewAnswer)

	case chunkbus.KindVoteCast:
		target, reason := extractVoteArgs(chunk.Payload)
		snapshot := e.buildAgentMapLocked()
		if err := voting.ValidateVoteCast(snapshot, chunk.AgentID, target); err != nil {
			e.mu.Unlock()
			e.opts.Logger.Warn("rejected vote_cast as a protocol violation", map[string]interface{}{
				"voter": chunk.AgentID, "target": target, "error": err.Error(),
			})
			e.notifyAgentRaw(chunk.AgentID, agentrunner.Notification{Origin: "orchestrator", Kind: agentrunner.NotificationVoteCast})
			return e.evaluate(false)
		}
		targetVersion := len(e.agents[target].answers)
		voterVersion := len(rec.answers)
		rec.vote = &voting.Vote{
			Voter: chunk.AgentID, Target: target, Reason: reason,
			CastAtTargetVer: targetVersion, CastAtVoterVersion: voterVersion,
		}
		rec.status = voting.AgentVoted
		e.lastMutationAt = timeNow()
		e.mu.Unlock()
		e.logMutation(chunk.AgentID, string(chunkbus.KindVoteCast), target)
		e.emit(Event{Kind: EventVoteCast, AgentID: chunk.AgentID, Payload: target})
		e.notifyOthers(chunk.AgentID, agentrunner.NotificationVoteCast)

	case chunkbus.KindRestartRequest:
		e.mu.Unlock()
		e.logMutation(chunk.AgentID, string(chunkbus.KindRestartRequest), nil)
		e.notifyAgentBudgeted(chunk.AgentID, agentrunner.NotificationRestart, chunk.AgentID)

	case chunkbus.KindAgentDone:
		if rec.status == voting.AgentPresenting {
			rec.status = voting.AgentDone
		}
		e.mu.Unlock()

	case chunkbus.KindAgentFailed:
		rec.status = voting.AgentFailed
		e.mu.Unlock()
		e.logMutation(chunk.AgentID, string(chunkbus.KindAgentFailed), chunk.Payload)
		e.emit(Event{Kind: EventAgentFailed, AgentID: chunk.AgentID, Payload: chunk.Payload})

	case chunkbus.KindContent:
		e.mu.Unlock()
		e.emit(Event{Kind: EventContent, AgentID: chunk.AgentID, Payload: chunk.Payload})

	case chunkbus.KindReasoning:
		e.mu.Unlock()
		e.emit(Event{Kind: EventReasoning, AgentID: chunk.AgentID, Payload: chunk.Payload})

	case chunkbus.KindToolCall:
		e.mu.Unlock()
		e.emit(Event{Kind: EventToolCall, AgentID: chunk.AgentID, Payload: chunk.Payload})

	case chunkbus.KindToolResult:
		e.mu.Unlock()
		e.emit(Event{Kind: EventToolResult, AgentID: chunk.AgentID, Payload: chunk.Payload})

	default:
		e.mu.Unlock()
	}

	return e.evaluate(false)
}

func extractAnswerArgs(payload interface{}) (text, snapshotRef string) {
	m, _ := payload.(map[string]interface{})
	if v, ok := m["text"]; ok {
		text, _ = v.(string)
	} else if v, ok := m["Text"]; ok {
		text, _ = v.(string)
	}
	if v, ok := m["snapshot_ref"]; ok {
		snapshotRef, _ = v.(string)
	} else if v, ok := m["SnapshotRef"]; ok {
		snapshotRef, _ = v.(string)
	}
	return
}

func extractVoteArgs(payload interface{}) (target, reason string) {
	m, _ := payload.(map[string]interface{})
	if v, ok := m["target"]; ok {
		target, _ = v.(string)
	} else if v, ok := m["Target"]; ok {
		target, _ = v.(string)
	}
	if v, ok := m["reason"]; ok {
		reason, _ = v.(string)
	} else if v, ok := m["Reason"]; ok {
		reason, _ = v.(string)
	}
	return
}

// buildAgentMapLocked must be called with e.mu held.
func (e *engine) buildAgentMapLocked() map[string]voting.AgentState {
	out := make(map[string]voting.AgentState, len(e.agents))
	for id, rec := range e.agents {
		var ans *voting.WorkingAnswer
		if len(rec.answers) > 0 {
			a := rec.answers[len(rec.answers)-1]
			ans = &a
		}
		out[id] = voting.AgentState{ID: id, Status: rec.status, Answer: ans}
	}
	return out
}

// evaluate builds a fresh voting.EvalInput from CoordinationState and
// consults the VotingEngine. Vote liveness is computed
// here, as a pure function of the current versions, rather than stored.
func (e *engine) evaluate(deadlineReached bool) voting.Decision {
	_, span := e.opts.Telemetry.StartSpan(e.ctx, "voting.evaluate")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()

	states := make([]voting.AgentState, 0, len(e.order))
	for _, id := range e.order {
		rec := e.agents[id]

		var ans *voting.WorkingAnswer
		var firstAt time.Time
		if len(rec.answers) > 0 {
			a := rec.answers[len(rec.answers)-1]
			ans = &a
			firstAt = rec.answers[0].Timestamp
		}

		var live *voting.Vote
		if rec.vote != nil {
			target, ok := e.agents[rec.vote.Target]
			voterCurrentVer := len(rec.answers)
			if ok && target.status != voting.AgentFailed &&
				voterCurrentVer == rec.vote.CastAtVoterVersion &&
				len(target.answers) == rec.vote.CastAtTargetVer {
				v := *rec.vote
				live = &v
			}
		}

		states = append(states, voting.AgentState{
			ID: id, Status: rec.status, Answer: ans, FirstAnswerAt: firstAt, Vote: live,
		})
	}

	decision := voting.Evaluate(voting.EvalInput{
		Agents:          states,
		Now:             timeNow(),
		LastMutationAt:  e.lastMutationAt,
		StabilityWindow: e.opts.StabilityWindow,
		DeadlineReached: deadlineReached,
	})
	span.SetAttribute("outcome", string(decision.Outcome))
	return decision
}

func (e *engine) notifyOthers(originID string, kind agentrunner.NotificationKind) {
	e.mu.Lock()
	var targets []string
	for _, id := range e.order {
		if id == originID {
			continue
		}
		if e.agents[id].status == voting.AgentFailed {
			continue
		}
		targets = append(targets, id)
	}
	e.mu.Unlock()

	for _, id := range targets {
		e.notifyAgentBudgeted(id, kind, originID)
	}
}

// notifyAgentBudgeted attempts to cancel agentID's in-flight turn so it
// can rebuild with fresh peer context. Once an agent's restart_budget is
// exhausted, further notifications are not delivered as cancellations;
// the agent picks up the new state on its next natural turn instead.
func (e *engine) notifyAgentBudgeted(agentID string, kind agentrunner.NotificationKind, origin string) {
	e.mu.Lock()
	rec, ok := e.agents[agentID]
	if !ok || rec.status == voting.AgentFailed {
		e.mu.Unlock()
		return
	}
	if rec.restartCount >= e.opts.RestartBudget {
		e.mu.Unlock()
		return
	}
	rec.restartCount++
	notifyCh := rec.notifyCh
	e.mu.Unlock()

	select {
	case notifyCh <- agentrunner.Notification{Origin: origin, Kind: kind}:
	default:
	}
}

// notifyAgentRaw delivers a corrective Notification without consuming
// the restart budget, used for protocol-violation corrections.
func (e *engine) notifyAgentRaw(agentID string, n agentrunner.Notification) {
	e.mu.Lock()
	rec, ok := e.agents[agentID]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case rec.notifyCh <- n:
	default:
	}
}

func (e *engine) buildTurnContext(agentID string) agentrunner.TurnContext {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.agents[agentID]
	var peers []agentrunner.PeerSummary
	for _, id := range e.order {
		if id == agentID {
			continue
		}
		other := e.agents[id]
		if other.status == voting.AgentFailed || len(other.answers) == 0 {
			continue
		}
		latest := other.answers[len(other.answers)-1]
		votedFor := ""
		if other.vote != nil {
			votedFor = other.vote.Target
		}
		peers = append(peers, agentrunner.PeerSummary{
			AgentID: id, LatestAnswer: latest.Text, Version: latest.Version, VotedFor: votedFor,
		})
	}

	systemPrompt := rec.cfg.SystemPrompt + "\n" + coordinationProtocolInstruction
	if history := e.sessionCtx.Render(5); history != "" {
		systemPrompt += "\n" + history
	}

	return agentrunner.TurnContext{Query: e.query, SessionPrompt: systemPrompt, Peers: peers}
}

func (e *engine) emit(ev Event) {
	select {
	case e.events <- ev:
	case <-e.ctx.Done():
	}
}

func (e *engine) finalize(ctx context.Context, decision voting.Decision) {
	e.mu.Lock()
	for id, rec := range e.agents {
		if id != decision.Winner {
			rec.cancel()
		}
	}
	e.mu.Unlock()

	e.emit(Event{Kind: EventWinnerElected, AgentID: decision.Winner, Payload: decision.Outcome})

	var finalText string
	if decision.Winner != "" {
		finalText = e.runFinalPresentation(ctx, decision)
	}

	e.mu.Lock()
	statuses := make(map[string]voting.AgentStatus, len(e.agents))
	for id, rec := range e.agents {
		statuses[id] = rec.status
	}
	e.mu.Unlock()

	out := TaskOutcome{
		Winner:        decision.Winner,
		FinalText:     finalText,
		AgentStatuses: statuses,
		Elapsed:       timeNow().Sub(e.startedAt),
		Reason:        decision.Outcome,
	}

	if decision.Winner != "" {
		e.sessionCtx.Record(session.Entry{
			TaskID: e.taskID, Query: e.query, CompactSummary: truncate(finalText, 280),
			Winner: decision.Winner, RecordedAt: timeNow(),
		})
		if e.opts.SessionStore != nil {
			if err := e.opts.SessionStore.Save(ctx, e.sessionCtx); err != nil {
				e.opts.Logger.Warn("session save failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}

	e.emit(Event{Kind: EventFinalChunk, AgentID: decision.Winner, Payload: finalText})
	e.emit(Event{Kind: EventTaskDone, Payload: out})
	e.outcome <- out
	close(e.outcome)
	e.bus.Close()

	e.logWg.Wait()
	e.taskSpan.End()
}

// runFinalPresentation hands off to the winner for one last turn with
// planning mode forced off, after waiting for
// the winner's ordinary supervise loop to yield control.
func (e *engine) runFinalPresentation(ctx context.Context, decision voting.Decision) string {
	e.mu.Lock()
	rec := e.agents[decision.Winner]
	e.mu.Unlock()

	select {
	case rec.notifyCh <- agentrunner.Notification{Origin: "orchestrator", Kind: agentrunner.NotificationRestart}:
	default:
	}
	close(rec.stop)

	select {
	case <-rec.superviseDone:
	case <-time.After(5 * time.Second):
		e.opts.Logger.Warn("timed out waiting for winner's supervise loop to yield", map[string]interface{}{"agent": decision.Winner})
	}

	e.mu.Lock()
	rec.status = voting.AgentPresenting
	e.mu.Unlock()

	rec.cfg.Adapter.SetPlanningMode(false)

	turn := e.buildTurnContext(decision.Winner)
	turn.IsPresenter = true
	turn.PresenterDigest = e.buildPresenterDigest(decision)

	// baseline excludes any chunk already queued from the winner's
	// earlier turns (including that turn's own agent_done/agent_failed
	// marker, which the ingress no longer discards on close) from being
	// mistaken for this presentation turn's output or its terminal chunk.
	baseline := e.bus.LastSeq(decision.Winner)

	var final strings.Builder
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for {
			chunk, ok := <-e.bus.Out()
			if !ok {
				return
			}
			if chunk.AgentID != decision.Winner || chunk.Seq <= baseline {
				continue
			}
			if chunk.Kind == chunkbus.KindContent {
				if text, ok := chunk.Payload.(string); ok {
					final.WriteString(text)
				}
			}
			if chunk.Kind == chunkbus.KindAgentDone || chunk.Kind == chunkbus.KindAgentFailed {
				return
			}
		}
	}()

	_, _ = rec.runner.Run(rec.runCtx, turn, nil)
	<-collectorDone

	e.mu.Lock()
	rec.status = voting.AgentDone
	e.mu.Unlock()

	return final.String()
}

func (e *engine) buildPresenterDigest(decision voting.Decision) string {
	if decision.Outcome == voting.OutcomeConsensus || decision.Outcome == voting.OutcomeSoleSurvivor {
		return ""
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var b strings.Builder
	b.WriteString("runner-up answers considered during coordination:\n")
	for _, id := range e.order {
		if id == decision.Winner {
			continue
		}
		rec := e.agents[id]
		if len(rec.answers) == 0 {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", id, rec.answers[len(rec.answers)-1].Text)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
