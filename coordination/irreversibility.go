package coordination

import (
	"context"
	"math/rand"
	"strings"

	"github.com/quorum-ai/orchestrator/backend"
	"github.com/quorum-ai/orchestrator/core"
)

const irreversibilityQuestion = "Does completing this request require any irreversible external action? Answer yes or no."

// runIrreversibilityPrecheck asks one randomly chosen agent a yes/no
// meta-question before planning mode is applied. Any parse error or
// absence of a responsive agent is treated as "yes" (fail-safe): planning
// mode is enabled.
func runIrreversibilityPrecheck(ctx context.Context, agents []AgentConfig, logger core.Logger) bool {
	if len(agents) == 0 {
		return true
	}

	chosen := agents[rand.Intn(len(agents))]

	stream, err := chosen.Adapter.Stream(ctx, []backend.Message{
		{Role: backend.RoleSystem, Content: "Answer only yes or no."},
		{Role: backend.RoleUser, Content: irreversibilityQuestion},
	}, backend.ToolSpec{})
	if err != nil {
		logger.Warn("irreversibility precheck failed to start, defaulting to planning mode on", map[string]interface{}{
			"agent": chosen.ID, "error": err.Error(),
		})
		return true
	}
	defer stream.Close()

	var answer strings.Builder
	for {
		chunk, ok := stream.Next(ctx)
		if !ok {
			break
		}
		if chunk.Kind == backend.ChunkContent {
			answer.WriteString(chunk.Text)
		}
	}

	return parseYesNo(answer.String())
}

// parseYesNo returns true (fail-safe "irreversible") unless the
// response unambiguously contains "no" and not "yes".
func parseYesNo(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return true
	}
	saysNo := strings.Contains(normalized, "no")
	saysYes := strings.Contains(normalized, "yes")
	if saysNo && !saysYes {
		return false
	}
	return true
}
