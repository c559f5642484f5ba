package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/pkg/memory"
	"github.com/agentmesh/agentmesh/pkg/models"
	"github.com/agentmesh/agentmesh/pkg/registry"
)

// fakeSender records every message by destination address. Re-plan requests
// arrive from a detached goroutine, so access is mutex-guarded.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
}

type sentMsg struct {
	addr string
	msg  models.Message
}

func (f *fakeSender) Send(_ context.Context, _, addr string, msg models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{addr: addr, msg: msg})
	return nil
}

func (f *fakeSender) all() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

func (f *fakeSender) goalsTo(addr string) []models.AgentGoal {
	var goals []models.AgentGoal
	for _, s := range f.all() {
		if s.addr != addr {
			continue
		}
		if g, ok := s.msg.(models.AgentGoal); ok {
			goals = append(goals, g)
		}
	}
	return goals
}

func (f *fakeSender) replansTo(addr string) []models.ReplanRequest {
	var replans []models.ReplanRequest
	for _, s := range f.all() {
		if s.addr != addr {
			continue
		}
		if r, ok := s.msg.(models.ReplanRequest); ok {
			replans = append(replans, r)
		}
	}
	return replans
}

func newTestOrchestrator() (*Orchestrator, *fakeSender, *registry.AgentRegistry, *memory.SharedMemory) {
	sender := &fakeSender{}
	reg := registry.New()
	mem := memory.New()
	orch := New("conductor", "gateway", sender, reg, mem)
	return orch, sender, reg, mem
}

const computePlan = `graph:
  nodes:
    - id: n1
      type: COMPUTE
  entry_nodes: [n1]
  terminal_node: n1
`

func TestSingleNodeRequestLifecycle(t *testing.T) {
	orch, sender, reg, mem := newTestOrchestrator()
	reg.Register(models.AgentTypeCompute, "compute-1")
	mem.Set(models.QueryKey("r1"), "What is 2+2?")

	ctx := context.Background()
	orch.StartGraph(ctx, "r1", computePlan)
	require.True(t, orch.Active("r1"))

	goals := sender.goalsTo("compute-1")
	require.Len(t, goals, 1)
	assert.Equal(t, models.GoalTask, goals[0].Type)
	assert.Equal(t, "n1", goals[0].Metadata[models.MetaNodeID])
	assert.Equal(t, "1", goals[0].Metadata[models.MetaStepID])
	assert.Equal(t, []string{models.QueryKey("r1")}, models.DecodeKeys(goals[0].Content))

	resultKey := models.ImpressionKey("r1", "1", "computed_result")
	mem.Set(resultKey, "4\n")
	orch.HandleCompletion(ctx, "r1", "n1", []string{resultKey})

	sent := sender.all()
	require.Len(t, sent, 2)
	resp, ok := sent[1].msg.(models.Response)
	require.True(t, ok)
	assert.Equal(t, "gateway", sent[1].addr)
	assert.Equal(t, -1, resp.Type)
	assert.Equal(t, "4\n", resp.Content)

	assert.False(t, orch.Active("r1"))
	// Completion destroys the whole session, query included.
	_, ok = mem.Get(models.QueryKey("r1"))
	assert.False(t, ok)
}

func TestInvalidPlanRequestsReplan(t *testing.T) {
	orch, sender, _, mem := newTestOrchestrator()
	mem.Set(models.QueryKey("r1"), "What is 2+2?")

	cyclicPlan := `graph:
  nodes:
    - id: a
      type: REASON
    - id: b
      type: REASON
  edges:
    - from: a
      to: b
    - from: b
      to: a
  entry_nodes: [a]
  terminal_node: b
`
	orch.StartGraph(context.Background(), "r1", cyclicPlan)

	require.Eventually(t, func() bool {
		return len(sender.replansTo("conductor")) == 1
	}, time.Second, 5*time.Millisecond)
	replan := sender.replansTo("conductor")[0]
	assert.Equal(t, "r1", replan.RequestID)
	assert.Contains(t, replan.Reason, "stalled")

	query, ok := mem.Get(models.QueryKey("r1"))
	require.True(t, ok)
	assert.Equal(t, "What is 2+2?", query)
	assert.False(t, orch.Active("r1"))
}

// blockedSender never accepts a message until released, standing in for a
// bus whose target inbox is full.
type blockedSender struct {
	fakeSender
	release chan struct{}
}

func (b *blockedSender) Send(ctx context.Context, from, addr string, msg models.Message) error {
	<-b.release
	return b.fakeSender.Send(ctx, from, addr, msg)
}

func TestReplanDoesNotBlockCaller(t *testing.T) {
	sender := &blockedSender{release: make(chan struct{})}
	mem := memory.New()
	orch := New("conductor", "gateway", sender, registry.New(), mem)
	mem.Set(models.QueryKey("r1"), "q")

	// StartGraph runs on the conductor's routing goroutine; it must return
	// even while the re-plan delivery cannot be accepted yet.
	returned := make(chan struct{})
	go func() {
		orch.StartGraph(context.Background(), "r1", "not yaml at all: [")
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("StartGraph blocked on the self-addressed re-plan send")
	}

	close(sender.release)
	require.Eventually(t, func() bool {
		return len(sender.replansTo("conductor")) == 1
	}, time.Second, 5*time.Millisecond)
}

const chainPlan = `graph:
  nodes:
    - id: a
      type: SCOUT
    - id: b
      type: SYNTHESIZE
  edges:
    - from: a
      to: b
  entry_nodes: [a]
  terminal_node: b
`

func TestMissingAgentSkipsAndRetries(t *testing.T) {
	orch, sender, reg, mem := newTestOrchestrator()
	reg.Register(models.AgentTypeScout, "scout-1")
	mem.Set(models.QueryKey("r1"), "q")

	ctx := context.Background()
	orch.StartGraph(ctx, "r1", chainPlan)
	require.Len(t, sender.goalsTo("scout-1"), 1)

	// No SYNTHESIZE agent yet: completing a leaves b queued, not stalled.
	aKey := models.ImpressionKey("r1", "1", "clean_text_bodies")
	mem.Set(aKey, `["text"]`)
	orch.HandleCompletion(ctx, "r1", "a", []string{aKey})
	assert.True(t, orch.Active("r1"))
	assert.Empty(t, sender.goalsTo("gateway"))

	// Once an agent registers, the next tick dispatches the waiting node.
	reg.Register(models.AgentTypeSynthesize, "arch-1")
	orch.HandleCompletion(ctx, "r1", "a", []string{aKey})

	goals := sender.goalsTo("arch-1")
	require.Len(t, goals, 1)
	assert.Equal(t, "b", goals[0].Metadata[models.MetaNodeID])
	assert.Equal(t, []string{aKey}, models.DecodeKeys(goals[0].Content))
}

const diamondPlan = `graph:
  nodes:
    - id: a
      type: RETRIEVE
    - id: b
      type: SCOUT
    - id: c
      type: SYNTHESIZE
  edges:
    - from: a
      to: c
    - from: b
      to: c
  entry_nodes: [a, b]
  terminal_node: c
`

func TestFanInConcatenatesInEdgeOrder(t *testing.T) {
	orch, sender, reg, mem := newTestOrchestrator()
	reg.Register(models.AgentTypeRetrieve, "retrieve-1")
	reg.Register(models.AgentTypeScout, "scout-1")
	reg.Register(models.AgentTypeSynthesize, "arch-1")
	mem.Set(models.QueryKey("r1"), "q")

	ctx := context.Background()
	orch.StartGraph(ctx, "r1", diamondPlan)

	// Complete b before a: input order must still follow edge declaration.
	bKey := models.ImpressionKey("r1", "2", "clean_text_bodies")
	mem.Set(bKey, `["b"]`)
	orch.HandleCompletion(ctx, "r1", "b", []string{bKey})

	aKey := models.ImpressionKey("r1", "1", "retrieved_context")
	mem.Set(aKey, `["a"]`)
	orch.HandleCompletion(ctx, "r1", "a", []string{aKey})

	goals := sender.goalsTo("arch-1")
	require.Len(t, goals, 1)
	assert.Equal(t, []string{aKey, bKey}, models.DecodeKeys(goals[0].Content))
}

func TestHandleFailureClearsSessionAndNotifiesGateway(t *testing.T) {
	orch, sender, reg, mem := newTestOrchestrator()
	reg.Register(models.AgentTypeCompute, "compute-1")
	mem.Set(models.QueryKey("r1"), "q")
	mem.Set("r1:1:partial", "half done")

	ctx := context.Background()
	orch.StartGraph(ctx, "r1", computePlan)
	orch.HandleFailure(ctx, "r1", "worker exploded")

	assert.False(t, orch.Active("r1"))
	_, ok := mem.Get("r1:1:partial")
	assert.False(t, ok)
	query, ok := mem.Get(models.QueryKey("r1"))
	require.True(t, ok)
	assert.Equal(t, "q", query)

	sent := sender.all()
	last := sent[len(sent)-1]
	notice, ok := last.msg.(models.FailureNotice)
	require.True(t, ok)
	assert.Equal(t, "gateway", last.addr)
	assert.Equal(t, "worker exploded", notice.Reason)
}

func TestFailureWithoutGraphStillNotifiesGateway(t *testing.T) {
	orch, sender, _, mem := newTestOrchestrator()
	mem.Set(models.QueryKey("r1"), "q")

	orch.HandleFailure(context.Background(), "r1", "planning failed")

	sent := sender.all()
	require.Len(t, sent, 1)
	_, ok := sent[0].msg.(models.FailureNotice)
	assert.True(t, ok)
	_, ok = mem.Get(models.QueryKey("r1"))
	assert.True(t, ok)
}

func TestCompletionWithoutImpressionsFails(t *testing.T) {
	orch, sender, reg, mem := newTestOrchestrator()
	reg.Register(models.AgentTypeCompute, "compute-1")
	mem.Set(models.QueryKey("r1"), "q")

	ctx := context.Background()
	orch.StartGraph(ctx, "r1", computePlan)
	orch.HandleCompletion(ctx, "r1", "n1", nil)

	assert.False(t, orch.Active("r1"))
	sent := sender.all()
	last := sent[len(sent)-1]
	_, ok := last.msg.(models.FailureNotice)
	assert.True(t, ok)
}

func TestCompletionForUnknownRequestIgnored(t *testing.T) {
	orch, sender, _, _ := newTestOrchestrator()
	orch.HandleCompletion(context.Background(), "ghost", "n1", []string{"key"})
	assert.Empty(t, sender.all())
}

func TestTerminalWithoutReadableOutputFails(t *testing.T) {
	orch, sender, reg, mem := newTestOrchestrator()
	reg.Register(models.AgentTypeCompute, "compute-1")
	mem.Set(models.QueryKey("r1"), "q")

	ctx := context.Background()
	orch.StartGraph(ctx, "r1", computePlan)
	// The worker claims an impression it never wrote.
	orch.HandleCompletion(ctx, "r1", "n1", []string{"r1:1:missing"})

	sent := sender.all()
	last := sent[len(sent)-1]
	notice, ok := last.msg.(models.FailureNotice)
	require.True(t, ok)
	assert.Contains(t, notice.Reason, "no readable output")
}
