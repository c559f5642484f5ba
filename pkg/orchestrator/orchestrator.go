// Package orchestrator drives per-request execution graphs: it parses
// plans, dispatches ready nodes to workers through the bus, advances the
// graph on completions, and escalates stalls and failures.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentmesh/agentmesh/pkg/graph"
	"github.com/agentmesh/agentmesh/pkg/memory"
	"github.com/agentmesh/agentmesh/pkg/models"
	"github.com/agentmesh/agentmesh/pkg/registry"
)

// Sender delivers messages to bus addresses. *bus.Bus is the production
// implementation.
type Sender interface {
	Send(ctx context.Context, from, addr string, msg models.Message) error
}

// Orchestrator owns request_id -> graph state. It is not safe for
// concurrent use: the conductor serializes all calls on its inbox
// goroutine.
type Orchestrator struct {
	address  string // bus identity used as sender and reply target
	gateway  string
	bus      Sender
	registry *registry.AgentRegistry
	memory   *memory.SharedMemory
	logger   *slog.Logger

	graphs map[string]*graph.State
}

// New creates an Orchestrator sending from address (the conductor's bus
// address) and reporting results and failures to the gateway address.
func New(address, gateway string, sender Sender, reg *registry.AgentRegistry, mem *memory.SharedMemory) *Orchestrator {
	return &Orchestrator{
		address:  address,
		gateway:  gateway,
		bus:      sender,
		registry: reg,
		memory:   mem,
		logger:   slog.Default(),
		graphs:   make(map[string]*graph.State),
	}
}

// StartGraph validates a plan and begins executing it. A plan that fails
// validation stalls the request immediately: the session is cleared keeping
// the query and a re-plan is requested.
func (o *Orchestrator) StartGraph(ctx context.Context, requestID, planYAML string) {
	g, err := graph.Parse(planYAML)
	if err != nil {
		o.logger.Warn("Plan rejected", "request_id", requestID, "error", err)
		o.replan(ctx, requestID, fmt.Sprintf("graph stalled: %v", err))
		return
	}

	o.graphs[requestID] = graph.NewState(g)
	o.logger.Info("Graph started",
		"request_id", requestID,
		"nodes", len(g.Nodes),
		"terminal", g.TerminalNode)
	o.dispatch(ctx, requestID)
}

// HandleCompletion advances the graph after a worker resolved a node.
// Empty impressions violate the worker contract and count as a failure.
func (o *Orchestrator) HandleCompletion(ctx context.Context, requestID, nodeID string, impressions []string) {
	state, ok := o.graphs[requestID]
	if !ok {
		o.logger.Warn("Completion for unknown request", "request_id", requestID, "node_id", nodeID)
		return
	}
	if len(impressions) == 0 {
		o.logger.Error("Node resolved without impressions", "request_id", requestID, "node_id", nodeID)
		o.HandleFailure(ctx, requestID, fmt.Sprintf("node %s resolved without output", nodeID))
		return
	}

	state.Complete(nodeID, impressions)
	o.logger.Debug("Node completed", "request_id", requestID, "node_id", nodeID, "impressions", len(impressions))

	if state.Done() {
		o.finish(ctx, requestID, state)
		return
	}
	o.dispatch(ctx, requestID)
}

// HandleFailure aborts a request: the graph is dropped, the session is
// cleared preserving the query, and the gateway is told so it can produce a
// user-facing message.
func (o *Orchestrator) HandleFailure(ctx context.Context, requestID, reason string) {
	// A failure may arrive before any graph exists (the planning step
	// itself failed); the session and gateway still need handling.
	delete(o.graphs, requestID)
	o.memory.ClearSession(requestID, true)
	o.logger.Warn("Request failed", "request_id", requestID, "reason", reason)

	if err := o.bus.Send(ctx, o.address, o.gateway, models.FailureNotice{RequestID: requestID, Reason: reason}); err != nil {
		o.logger.Error("Failed to notify gateway of failure", "request_id", requestID, "error", err)
	}
}

// Active reports whether a request currently has a graph in flight.
func (o *Orchestrator) Active(requestID string) bool {
	_, ok := o.graphs[requestID]
	return ok
}

// dispatch drains the ready queue. Nodes whose agent type has no registered
// address are kept at the front of the queue and re-tried on the next tick.
func (o *Orchestrator) dispatch(ctx context.Context, requestID string) {
	state, ok := o.graphs[requestID]
	if !ok {
		return
	}

	var skipped []string
	for {
		nodeID, ok := state.Pop()
		if !ok {
			break
		}
		nodeType, _ := state.Graph().NodeType(nodeID)
		addr := o.registry.Agent(nodeType)
		if addr == "" {
			o.logger.Warn("No agent available", "request_id", requestID, "node_id", nodeID, "agent_type", string(nodeType))
			skipped = append(skipped, nodeID)
			continue
		}

		inputKeys := state.InputKeys(requestID, nodeID)
		step := state.MarkRunning(nodeID)
		goal := models.AgentGoal{
			RequestID: requestID,
			Type:      models.GoalTask,
			Content:   models.EncodeKeys(inputKeys),
			Metadata: map[string]string{
				models.MetaNodeID: nodeID,
				models.MetaStepID: fmt.Sprintf("%d", step),
			},
			ReplyTo: o.address,
		}
		if err := o.bus.Send(ctx, o.address, addr, goal); err != nil {
			o.logger.Error("Dispatch failed", "request_id", requestID, "node_id", nodeID, "error", err)
			state.Fail(nodeID)
			skipped = append(skipped, nodeID)
			continue
		}
		o.logger.Debug("Node dispatched",
			"request_id", requestID,
			"node_id", nodeID,
			"step", step,
			"agent", addr)
	}
	state.RequeueFront(skipped)

	if state.Stalled() {
		o.replan(ctx, requestID, "graph stalled: no ready nodes and none running")
	}
}

// finish reads the terminal node's impression and streams the final
// response to the gateway, then destroys the session including the query.
func (o *Orchestrator) finish(ctx context.Context, requestID string, state *graph.State) {
	terminal := state.Graph().TerminalNode
	keys, _ := state.OutputKeys(terminal)
	var content string
	if len(keys) > 0 {
		if v, ok := o.memory.Get(keys[0]); ok {
			content = v
		}
	}
	if content == "" {
		o.HandleFailure(ctx, requestID, fmt.Sprintf("terminal node %s produced no readable output", terminal))
		return
	}

	delete(o.graphs, requestID)
	if err := o.bus.Send(ctx, o.address, o.gateway, models.Response{RequestID: requestID, Content: content, Type: -1}); err != nil {
		o.logger.Error("Failed to deliver final response", "request_id", requestID, "error", err)
	}
	o.memory.ClearSession(requestID, false)
	o.logger.Info("Request completed", "request_id", requestID)
}

// replan clears the session keeping the query and asks the conductor for a
// new plan under the same request id. The request is addressed to the
// conductor, whose routing goroutine is the caller here, so the send must
// not happen inline: a full conductor inbox would block its own drainer.
func (o *Orchestrator) replan(ctx context.Context, requestID, reason string) {
	delete(o.graphs, requestID)
	o.memory.ClearSession(requestID, true)
	go func() {
		if err := o.bus.Send(ctx, o.address, o.address, models.ReplanRequest{RequestID: requestID, Reason: reason}); err != nil {
			o.logger.Error("Failed to request re-plan", "request_id", requestID, "error", err)
		}
	}()
}
