package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/graph"
	"github.com/agentmesh/agentmesh/pkg/models"
)

// LLM is the subset of the model client the workers use.
type LLM interface {
	Complete(ctx context.Context, role models.AgentType, prompt string) (string, error)
}

// Planner turns a user query into a YAML execution plan. When the model's
// plan does not validate it falls back to the configured fixed plan, which is
// guaranteed valid at config load.
type Planner struct {
	llm    LLM
	cfg    *config.Config
	logger *slog.Logger
}

func NewPlanner(client LLM, cfg *config.Config) *Planner {
	return &Planner{llm: client, cfg: cfg, logger: slog.Default().With("component", "planner")}
}

func (p *Planner) AgentType() models.AgentType { return models.AgentTypePlanner }

func (p *Planner) Handle(ctx context.Context, goal models.AgentGoal) models.Thought {
	query := goal.Content

	promptKey := config.PromptPlanner
	if goal.Metadata[models.MetaReplan] == "true" {
		promptKey = config.PromptReplan
	}
	tmpl, _ := p.cfg.Prompt(promptKey)

	raw, err := p.llm.Complete(ctx, models.AgentTypePlanner, fmt.Sprintf(tmpl, query))
	if err != nil {
		p.logger.Error("Planning model call failed", "request_id", goal.RequestID, "error", err)
		return planThought(goal, "", fmt.Errorf("planning failed: %w", err))
	}

	planYAML := stripCodeFences(raw)
	if _, err := graph.Parse(planYAML); err != nil {
		p.logger.Warn("Model plan rejected, using fixed plan",
			"request_id", goal.RequestID, "error", err)
		planYAML = p.cfg.FixedPlan
	}
	return planThought(goal, planYAML, nil)
}

// planThought builds the planning reply. Planning replies carry the plan in
// Content, not in impressions, and are tagged goal_type=plan so the
// conductor routes them into StartGraph.
func planThought(goal models.AgentGoal, planYAML string, err error) models.Thought {
	md := map[string]string{models.MetaGoalType: string(models.GoalPlan)}
	if err != nil {
		return models.Thought{Type: models.ThoughtFailed, Content: err.Error(), Metadata: md}
	}
	return models.Thought{Type: models.ThoughtResolved, Content: planYAML, Metadata: md}
}

// stripCodeFences removes a single surrounding markdown fence, with or
// without a language tag, that chat models like to wrap YAML in.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		// Drop the language tag line.
		if first := strings.TrimSpace(s[:idx]); first == "" || !strings.ContainsAny(first, ": ") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
