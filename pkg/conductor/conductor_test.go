package conductor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/pkg/bus"
	"github.com/agentmesh/agentmesh/pkg/memory"
	"github.com/agentmesh/agentmesh/pkg/models"
	"github.com/agentmesh/agentmesh/pkg/orchestrator"
	"github.com/agentmesh/agentmesh/pkg/registry"
)

type fixture struct {
	bus     *bus.Bus
	memory  *memory.SharedMemory
	cond    *Conductor
	gateway <-chan bus.Envelope
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New()
	reg := registry.New()
	mem := memory.New()
	orch := orchestrator.New(DefaultAddress, "gateway", b, reg, mem)
	cond := New(b, reg, mem, orch)

	gateway := b.Register("gateway")

	ctx, cancel := context.WithCancel(context.Background())
	cond.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		_ = cond.Stop(stopCtx)
		cancel()
	})
	return &fixture{bus: b, memory: mem, cond: cond, gateway: gateway}
}

func recv[T models.Message](t *testing.T, ch <-chan bus.Envelope) T {
	t.Helper()
	select {
	case env := <-ch:
		msg, ok := env.Msg.(T)
		require.True(t, ok, "unexpected message type %T", env.Msg)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		panic("unreachable")
	}
}

const singleComputePlan = `graph:
  nodes:
    - id: n1
      type: COMPUTE
  entry_nodes: [n1]
  terminal_node: n1
`

func TestQueryFlowsThroughPlanningToWorkerAndGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plannerInbox := f.bus.Register("planner-1")
	computeInbox := f.bus.Register("compute-1")
	require.NoError(t, f.bus.Send(ctx, "planner-1", DefaultAddress,
		models.AgentRegistration{AgentType: models.AgentTypePlanner, Address: "planner-1"}))
	require.NoError(t, f.bus.Send(ctx, "compute-1", DefaultAddress,
		models.AgentRegistration{AgentType: models.AgentTypeCompute, Address: "compute-1"}))

	require.NoError(t, f.bus.Send(ctx, "gateway", DefaultAddress,
		models.UserQuery{RequestID: "r1", Text: "What is 2+2?"}))

	planGoal := recv[models.AgentGoal](t, plannerInbox)
	assert.Equal(t, models.GoalPlan, planGoal.Type)
	assert.Equal(t, "What is 2+2?", planGoal.Content)
	assert.Empty(t, planGoal.Metadata[models.MetaReplan])

	query, ok := f.memory.Get(models.QueryKey("r1"))
	require.True(t, ok)
	assert.Equal(t, "What is 2+2?", query)

	require.NoError(t, f.bus.Send(ctx, "planner-1", planGoal.ReplyTo, models.Thought{
		RequestID: "r1",
		Type:      models.ThoughtResolved,
		Content:   singleComputePlan,
		Metadata:  map[string]string{models.MetaGoalType: string(models.GoalPlan)},
	}))

	taskGoal := recv[models.AgentGoal](t, computeInbox)
	assert.Equal(t, models.GoalTask, taskGoal.Type)
	assert.Equal(t, "n1", taskGoal.Metadata[models.MetaNodeID])

	resultKey := models.ImpressionKey("r1", taskGoal.Metadata[models.MetaStepID], "computed_result")
	f.memory.Set(resultKey, "4\n")
	require.NoError(t, f.bus.Send(ctx, "compute-1", taskGoal.ReplyTo, models.Thought{
		RequestID:   "r1",
		Type:        models.ThoughtResolved,
		Impressions: []string{resultKey},
		Metadata: map[string]string{
			models.MetaGoalType: string(models.GoalTask),
			models.MetaNodeID:   "n1",
		},
	}))

	resp := recv[models.Response](t, f.gateway)
	assert.Equal(t, -1, resp.Type)
	assert.Equal(t, "4\n", resp.Content)
}

func TestFailedPlanningReachesGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plannerInbox := f.bus.Register("planner-1")
	require.NoError(t, f.bus.Send(ctx, "planner-1", DefaultAddress,
		models.AgentRegistration{AgentType: models.AgentTypePlanner, Address: "planner-1"}))

	require.NoError(t, f.bus.Send(ctx, "gateway", DefaultAddress,
		models.UserQuery{RequestID: "r1", Text: "q"}))
	<-plannerInbox

	require.NoError(t, f.bus.Send(ctx, "planner-1", DefaultAddress, models.Thought{
		RequestID: "r1",
		Type:      models.ThoughtFailed,
		Content:   "model unavailable",
		Metadata:  map[string]string{models.MetaGoalType: string(models.GoalPlan)},
	}))

	notice := recv[models.FailureNotice](t, f.gateway)
	assert.Equal(t, "r1", notice.RequestID)
	assert.Equal(t, "model unavailable", notice.Reason)
}

func TestNoPlannerFailsRequest(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bus.Send(context.Background(), "gateway", DefaultAddress,
		models.UserQuery{RequestID: "r1", Text: "q"}))

	notice := recv[models.FailureNotice](t, f.gateway)
	assert.Contains(t, notice.Reason, "no planner")
}

func TestReplanReissuesPlanGoalWithPreservedQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plannerInbox := f.bus.Register("planner-1")
	require.NoError(t, f.bus.Send(ctx, "planner-1", DefaultAddress,
		models.AgentRegistration{AgentType: models.AgentTypePlanner, Address: "planner-1"}))

	f.memory.Set(models.QueryKey("r1"), "original query")
	require.NoError(t, f.bus.Send(ctx, DefaultAddress, DefaultAddress,
		models.ReplanRequest{RequestID: "r1", Reason: "graph stalled: cycle"}))

	planGoal := recv[models.AgentGoal](t, plannerInbox)
	assert.Equal(t, models.GoalPlan, planGoal.Type)
	assert.Equal(t, "original query", planGoal.Content)
	assert.Equal(t, "true", planGoal.Metadata[models.MetaReplan])
}

func TestReplanWithoutQueryFails(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bus.Send(context.Background(), DefaultAddress, DefaultAddress,
		models.ReplanRequest{RequestID: "ghost", Reason: "stalled"}))

	notice := recv[models.FailureNotice](t, f.gateway)
	assert.Equal(t, "ghost", notice.RequestID)
}

func TestCyclicPlanTriggersReplanRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plannerInbox := f.bus.Register("planner-1")
	require.NoError(t, f.bus.Send(ctx, "planner-1", DefaultAddress,
		models.AgentRegistration{AgentType: models.AgentTypePlanner, Address: "planner-1"}))

	require.NoError(t, f.bus.Send(ctx, "gateway", DefaultAddress,
		models.UserQuery{RequestID: "r1", Text: "loop me"}))
	<-plannerInbox

	cyclic := `graph:
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
	require.NoError(t, f.bus.Send(ctx, "planner-1", DefaultAddress, models.Thought{
		RequestID: "r1",
		Type:      models.ThoughtResolved,
		Content:   cyclic,
		Metadata:  map[string]string{models.MetaGoalType: string(models.GoalPlan)},
	}))

	// The rejected plan loops back through the conductor as a re-plan; the
	// planner sees a second PLAN goal with the original query preserved.
	replanGoal := recv[models.AgentGoal](t, plannerInbox)
	assert.Equal(t, "loop me", replanGoal.Content)
	assert.Equal(t, "true", replanGoal.Metadata[models.MetaReplan])
}
