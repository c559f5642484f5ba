package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/memory"
	"github.com/agentmesh/agentmesh/pkg/models"
)

// Reason answers a goal in free text over whatever its predecessors
// produced. Entry placement makes it answer the query directly.
type Reason struct {
	llm    LLM
	memory *memory.SharedMemory
	cfg    *config.Config
	logger *slog.Logger
}

func NewReason(client LLM, mem *memory.SharedMemory, cfg *config.Config) *Reason {
	return &Reason{
		llm:    client,
		memory: mem,
		cfg:    cfg,
		logger: slog.Default().With("component", "reason"),
	}
}

func (r *Reason) AgentType() models.AgentType { return models.AgentTypeReason }

func (r *Reason) Handle(ctx context.Context, goal models.AgentGoal) models.Thought {
	question, _ := r.memory.Get(models.QueryKey(goal.RequestID))

	var parts []string
	for _, key := range models.DecodeKeys(goal.Content) {
		value, ok := r.memory.Get(key)
		if !ok || value == "" {
			continue
		}
		var list []string
		if err := json.Unmarshal([]byte(value), &list); err == nil {
			parts = append(parts, list...)
			continue
		}
		parts = append(parts, value)
	}
	if len(parts) == 0 && question == "" {
		return failed(goal, "reason: nothing to reason over")
	}

	tmpl, _ := r.cfg.Prompt(config.PromptReason)
	out, err := r.llm.Complete(ctx, models.AgentTypeReason,
		fmt.Sprintf(tmpl, strings.Join(parts, "\n\n"), question))
	if err != nil {
		return failed(goal, fmt.Sprintf("reasoning failed: %v", err))
	}

	key := models.ImpressionKey(goal.RequestID, stepID(goal), "reasoning")
	r.memory.Set(key, strings.TrimSpace(out))
	r.logger.Info("Reason resolved", "request_id", goal.RequestID, "inputs", len(parts))
	return resolved(goal, []string{key})
}
