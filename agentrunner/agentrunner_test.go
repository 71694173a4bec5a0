package agentrunner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorum-ai/orchestrator/backend"
	"github.com/quorum-ai/orchestrator/backend/mock"
	"github.com/quorum-ai/orchestrator/chunkbus"
	"github.com/quorum-ai/orchestrator/ratelimiter"
)

func unlimitedRateLimiter() *ratelimiter.Limiter {
	return ratelimiter.New(ratelimiter.Config{MaxRequests: 0})
}

func TestRun_PublishesContentThenAgentDone(t *testing.T) {
	bus := chunkbus.New()
	adapter := mock.New("gemini")
	adapter.AddScript(
		mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkContent, Text: "hello"}},
		mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkAgentDone}},
	)

	r := New("agent-1", "gemini", adapter, bus, unlimitedRateLimiter())

	done := make(chan struct{})
	go func() {
		_, _ = r.Run(context.Background(), TurnContext{Query: "what is 2+2"}, nil)
		close(done)
	}()

	var kinds []chunkbus.Kind
	deadline := time.After(time.Second)
loop:
	for {
		select {
		case c, ok := <-bus.Out():
			if !ok {
				break loop
			}
			kinds = append(kinds, c.Kind)
			if c.Kind == chunkbus.KindAgentDone {
				bus.Close()
			}
		case <-deadline:
			t.Fatal("timed out waiting for chunks")
		}
	}

	<-done
	assert.Contains(t, kinds, chunkbus.KindContent)
	assert.Contains(t, kinds, chunkbus.KindAgentDone)
	assert.Equal(t, StatusFailed != r.Status(), true)
}

func TestRun_TranslatesAnswerPublishedToolCall(t *testing.T) {
	bus := chunkbus.New()
	adapter := mock.New("openai")
	adapter.AddScript(
		mock.Step{Chunk: backend.Chunk{
			Kind:     backend.ChunkToolCall,
			ToolName: backend.ToolAnswerPublished,
			ToolArgs: map[string]interface{}{"text": "the answer is 4"},
		}},
		mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkAgentDone}},
	)

	r := New("agent-1", "openai", adapter, bus, unlimitedRateLimiter())

	go func() {
		_, _ = r.Run(context.Background(), TurnContext{Query: "q"}, nil)
	}()

	var sawAnswer bool
	deadline := time.After(time.Second)
loop:
	for {
		select {
		case c, ok := <-bus.Out():
			if !ok {
				break loop
			}
			if c.Kind == chunkbus.KindAnswerPublished {
				sawAnswer = true
			}
			if c.Kind == chunkbus.KindAgentDone {
				bus.Close()
			}
		case <-deadline:
			t.Fatal("timed out")
		}
	}
	assert.True(t, sawAnswer)
}

func TestRun_FailsAgentOnFatalStreamError(t *testing.T) {
	bus := chunkbus.New()
	adapter := mock.New("gemini")
	adapter.StreamErr = assert.AnError

	r := New("agent-1", "gemini", adapter, bus, unlimitedRateLimiter())

	go func() {
		_, _ = r.Run(context.Background(), TurnContext{Query: "q"}, nil)
	}()

	var sawFailed bool
	deadline := time.After(time.Second)
loop:
	for {
		select {
		case c, ok := <-bus.Out():
			if !ok {
				break loop
			}
			if c.Kind == chunkbus.KindAgentFailed {
				sawFailed = true
				bus.Close()
			}
		case <-deadline:
			t.Fatal("timed out")
		}
	}
	assert.True(t, sawFailed)
	assert.Equal(t, StatusFailed, r.Status())
}

func TestRun_NotificationMidTurnEndsRunWithoutPublishingDone(t *testing.T) {
	bus := chunkbus.New()
	adapter := mock.New("gemini")
	wait := make(chan struct{})
	adapter.AddScript(
		mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkContent, Text: "slow"}, WaitFor: wait},
	)

	r := New("agent-1", "gemini", adapter, bus, unlimitedRateLimiter())

	notifyCh := make(chan Notification, 1)
	done := make(chan struct{})
	go func() {
		_, _ = r.Run(context.Background(), TurnContext{Query: "q"}, notifyCh)
		close(done)
	}()

	notifyCh <- Notification{Origin: "agent-2", Kind: NotificationNewAnswer}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after notification")
	}

	close(wait)
}

// TestRun_SecondTurnStillPublishesAfterFirstTurnsAgentDone pins the
// coordination protocol's multi-turn requirement: an agent_done ending
// one turn must not leave the ChunkBus ingress unusable for the next.
func TestRun_SecondTurnStillPublishesAfterFirstTurnsAgentDone(t *testing.T) {
	bus := chunkbus.New()
	adapter := mock.New("gemini")
	adapter.AddScript(
		mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkContent, Text: "first turn"}},
		mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkAgentDone}},
	)
	adapter.AddScript(
		mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkContent, Text: "second turn"}},
		mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkAgentDone}},
	)

	r := New("agent-1", "gemini", adapter, bus, unlimitedRateLimiter())

	collect := func() []chunkbus.Kind {
		var kinds []chunkbus.Kind
		deadline := time.After(time.Second)
		for {
			select {
			case c := <-bus.Out():
				kinds = append(kinds, c.Kind)
				if c.Kind == chunkbus.KindAgentDone {
					return kinds
				}
			case <-deadline:
				t.Fatal("timed out waiting for chunks")
			}
		}
	}

	_, err := r.Run(context.Background(), TurnContext{Query: "q"}, nil)
	require.NoError(t, err)
	first := collect()
	assert.Contains(t, first, chunkbus.KindContent)
	assert.Contains(t, first, chunkbus.KindAgentDone)

	_, err = r.Run(context.Background(), TurnContext{Query: "q"}, nil)
	require.NoError(t, err)
	second := collect()
	assert.Contains(t, second, chunkbus.KindContent, "ingress must still accept publishes after the first turn's agent_done")
	assert.Contains(t, second, chunkbus.KindAgentDone)
}

func TestRun_StartupRateLimitCancellationPropagates(t *testing.T) {
	bus := chunkbus.New()
	adapter := mock.New("gemini")
	adapter.AddScript(mock.Step{Chunk: backend.Chunk{Kind: backend.ChunkAgentDone}})

	limiter := ratelimiter.New(ratelimiter.Config{MaxRequests: 1, TimeWindow: time.Hour})
	granted, _ := limiter.Acquire("gemini", time.Now())
	require.True(t, granted)

	r := New("agent-1", "gemini", adapter, bus, limiter)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, TurnContext{Query: "q"}, nil)
	assert.Error(t, err)
}
