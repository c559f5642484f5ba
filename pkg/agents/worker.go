// Package agents holds the worker runtime and the typed workers: planner,
// scout, retrieve, architect, and compute. Every worker registers its type
// with the conductor, consumes goals from its inbox, and replies with
// thoughts carrying impression keys.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentmesh/agentmesh/pkg/bus"
	"github.com/agentmesh/agentmesh/pkg/models"
)

// Handler is one worker's behavior. Handle must return the thought to send
// back; it never sends on the bus itself.
type Handler interface {
	AgentType() models.AgentType
	Handle(ctx context.Context, goal models.AgentGoal) models.Thought
}

// Worker runs a Handler behind a bus address. Serialized workers process
// goals one at a time on the inbox goroutine; detached workers spawn a task
// per goal and must be re-entrant.
type Worker struct {
	address   string
	conductor string
	handler   Handler
	bus       *bus.Bus
	inbox     <-chan bus.Envelope
	detached  bool
	logger    *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	tasks    sync.WaitGroup
}

// NewWorker registers a handler on the bus at address.
func NewWorker(address, conductorAddr string, h Handler, b *bus.Bus, detached bool) *Worker {
	return &Worker{
		address:   address,
		conductor: conductorAddr,
		handler:   h,
		bus:       b,
		inbox:     b.Register(address),
		detached:  detached,
		logger:    slog.Default().With("worker", address, "agent_type", string(h.AgentType())),
		stopCh:    make(chan struct{}),
	}
}

// Start announces the worker to the conductor and begins draining goals.
func (w *Worker) Start(ctx context.Context) error {
	registration := models.AgentRegistration{AgentType: w.handler.AgentType(), Address: w.address}
	if err := w.bus.Send(ctx, w.address, w.conductor, registration); err != nil {
		return fmt.Errorf("register %s: %w", w.address, err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			case env := <-w.inbox:
				goal, ok := env.Msg.(models.AgentGoal)
				if !ok {
					w.logger.Warn("Dropping non-goal message", "from", env.From, "type", fmt.Sprintf("%T", env.Msg))
					continue
				}
				if w.detached {
					w.tasks.Add(1)
					go func() {
						defer w.tasks.Done()
						w.process(ctx, goal)
					}()
				} else {
					w.process(ctx, goal)
				}
			}
		}
	}()
	w.logger.Info("Worker started")
	return nil
}

// Stop halts intake and waits for in-flight goals.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		w.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker %s shutdown: %w", w.address, ctx.Err())
	}
}

func (w *Worker) process(ctx context.Context, goal models.AgentGoal) {
	thought := w.handler.Handle(ctx, goal)
	thought.RequestID = goal.RequestID
	thought.Sender = w.address

	replyTo := goal.ReplyTo
	if replyTo == "" {
		replyTo = w.conductor
	}
	if err := w.bus.Send(ctx, w.address, replyTo, thought); err != nil {
		w.logger.Error("Failed to reply", "request_id", goal.RequestID, "error", err)
	}
}

// resolved builds the success thought for a goal, echoing its routing
// metadata.
func resolved(goal models.AgentGoal, impressions []string) models.Thought {
	return models.Thought{
		Type:        models.ThoughtResolved,
		Impressions: impressions,
		Metadata:    replyMetadata(goal),
	}
}

// failed builds the failure thought for a goal with the reason as content.
func failed(goal models.AgentGoal, reason string) models.Thought {
	return models.Thought{
		Type:     models.ThoughtFailed,
		Content:  reason,
		Metadata: replyMetadata(goal),
	}
}

func replyMetadata(goal models.AgentGoal) map[string]string {
	md := map[string]string{
		models.MetaGoalType: string(goal.Type),
	}
	if nodeID, ok := goal.Metadata[models.MetaNodeID]; ok {
		md[models.MetaNodeID] = nodeID
	}
	if stepID, ok := goal.Metadata[models.MetaStepID]; ok {
		md[models.MetaStepID] = stepID
	}
	return md
}

// stepID extracts the dispatch step from goal metadata, defaulting to "0"
// for plan goals which carry none.
func stepID(goal models.AgentGoal) string {
	if s, ok := goal.Metadata[models.MetaStepID]; ok && s != "" {
		return s
	}
	return "0"
}
