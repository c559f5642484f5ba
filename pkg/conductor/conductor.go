// Package conductor routes every message in the orchestration process: user
// queries become planning goals, worker thoughts advance or abort graphs,
// registrations mutate the agent registry, and re-plan requests re-issue
// planning goals. All routing runs on a single inbox goroutine, which also
// serializes access to the orchestrator.
package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentmesh/agentmesh/pkg/bus"
	"github.com/agentmesh/agentmesh/pkg/memory"
	"github.com/agentmesh/agentmesh/pkg/models"
	"github.com/agentmesh/agentmesh/pkg/orchestrator"
	"github.com/agentmesh/agentmesh/pkg/registry"
)

// DefaultAddress is the conductor's bus address.
const DefaultAddress = "conductor"

// Conductor is the message router of the orchestration process.
type Conductor struct {
	address  string
	bus      *bus.Bus
	inbox    <-chan bus.Envelope
	registry *registry.AgentRegistry
	memory   *memory.SharedMemory
	orch     *orchestrator.Orchestrator
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New registers the conductor on the bus and wires its orchestrator.
func New(b *bus.Bus, reg *registry.AgentRegistry, mem *memory.SharedMemory, orch *orchestrator.Orchestrator) *Conductor {
	return &Conductor{
		address:  DefaultAddress,
		bus:      b,
		inbox:    b.Register(DefaultAddress),
		registry: reg,
		memory:   mem,
		orch:     orch,
		logger:   slog.Default().With("component", "conductor"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the single routing goroutine.
func (c *Conductor) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case env := <-c.inbox:
				c.route(ctx, env)
			}
		}
	}()
	c.logger.Info("Conductor started")
}

// Stop halts routing and waits for the in-flight message to finish.
func (c *Conductor) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("conductor shutdown: %w", ctx.Err())
	}
}

func (c *Conductor) route(ctx context.Context, env bus.Envelope) {
	switch msg := env.Msg.(type) {
	case models.UserQuery:
		c.handleUserQuery(ctx, msg)
	case models.Thought:
		c.handleThought(ctx, msg)
	case models.ReplanRequest:
		c.handleReplan(ctx, msg)
	case models.AgentRegistration:
		c.registry.Register(msg.AgentType, msg.Address)
		c.logger.Info("Agent registered", "agent_type", string(msg.AgentType), "address", msg.Address)
	default:
		c.logger.Warn("Unroutable message", "from", env.From, "type", fmt.Sprintf("%T", env.Msg))
	}
}

// handleUserQuery stores the raw query for the lifetime of the request and
// kicks off planning.
func (c *Conductor) handleUserQuery(ctx context.Context, q models.UserQuery) {
	c.memory.Set(models.QueryKey(q.RequestID), q.Text)
	c.logger.Info("Query accepted", "request_id", q.RequestID)
	c.sendPlanGoal(ctx, q.RequestID, q.Text, false)
}

func (c *Conductor) handleThought(ctx context.Context, t models.Thought) {
	if t.Metadata[models.MetaGoalType] == string(models.GoalPlan) {
		if t.Type == models.ThoughtFailed {
			c.orch.HandleFailure(ctx, t.RequestID, t.Content)
			return
		}
		c.orch.StartGraph(ctx, t.RequestID, t.Content)
		return
	}

	switch t.Type {
	case models.ThoughtResolved:
		c.orch.HandleCompletion(ctx, t.RequestID, t.Metadata[models.MetaNodeID], t.Impressions)
	case models.ThoughtFailed:
		c.orch.HandleFailure(ctx, t.RequestID, t.Content)
	default:
		c.logger.Warn("Unhandled thought type", "request_id", t.RequestID, "type", string(t.Type))
	}
}

// handleReplan re-issues the planning goal with the preserved query.
func (c *Conductor) handleReplan(ctx context.Context, r models.ReplanRequest) {
	query, ok := c.memory.Get(models.QueryKey(r.RequestID))
	if !ok {
		c.logger.Error("Re-plan without preserved query", "request_id", r.RequestID)
		c.orch.HandleFailure(ctx, r.RequestID, "re-plan requested but query is gone")
		return
	}
	c.logger.Info("Re-planning", "request_id", r.RequestID, "reason", r.Reason)
	c.sendPlanGoal(ctx, r.RequestID, query, true)
}

func (c *Conductor) sendPlanGoal(ctx context.Context, requestID, query string, replan bool) {
	planner := c.registry.Agent(models.AgentTypePlanner)
	if planner == "" {
		c.logger.Error("No planner registered", "request_id", requestID)
		c.orch.HandleFailure(ctx, requestID, "no planner available")
		return
	}
	metadata := map[string]string{models.MetaGoalType: string(models.GoalPlan)}
	if replan {
		metadata[models.MetaReplan] = "true"
	}
	goal := models.AgentGoal{
		RequestID: requestID,
		Type:      models.GoalPlan,
		Content:   query,
		Metadata:  metadata,
		ReplyTo:   c.address,
	}
	if err := c.bus.Send(ctx, c.address, planner, goal); err != nil {
		c.logger.Error("Failed to send planning goal", "request_id", requestID, "error", err)
		c.orch.HandleFailure(ctx, requestID, "planner unreachable")
	}
}
