package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/pkg/bus"
	"github.com/agentmesh/agentmesh/pkg/models"
)

type echoHandler struct{}

func (echoHandler) AgentType() models.AgentType { return models.AgentTypeReason }

func (echoHandler) Handle(_ context.Context, goal models.AgentGoal) models.Thought {
	return models.Thought{
		Type:     models.ThoughtResolved,
		Content:  "echo:" + goal.Content,
		Metadata: replyMetadata(goal),
	}
}

func TestWorker_RegistersAndReplies(t *testing.T) {
	b := bus.New()
	conductorInbox := b.Register("conductor")
	w := NewWorker("reason-1", "conductor", echoHandler{}, b, false)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	defer w.Stop(ctx)

	env := <-conductorInbox
	reg, ok := env.Msg.(models.AgentRegistration)
	require.True(t, ok)
	assert.Equal(t, models.AgentTypeReason, reg.AgentType)
	assert.Equal(t, "reason-1", reg.Address)

	goal := models.AgentGoal{
		RequestID: "r1",
		Type:      models.GoalTask,
		Content:   "hello",
		Metadata:  map[string]string{models.MetaNodeID: "n1", models.MetaStepID: "1"},
		ReplyTo:   "conductor",
	}
	require.NoError(t, b.Send(ctx, "conductor", "reason-1", goal))

	select {
	case env := <-conductorInbox:
		thought, ok := env.Msg.(models.Thought)
		require.True(t, ok)
		assert.Equal(t, "r1", thought.RequestID)
		assert.Equal(t, "reason-1", thought.Sender)
		assert.Equal(t, "echo:hello", thought.Content)
		assert.Equal(t, "n1", thought.Metadata[models.MetaNodeID])
	case <-time.After(2 * time.Second):
		t.Fatal("no reply from worker")
	}
}

func TestWorker_DetachedHandlesConcurrently(t *testing.T) {
	b := bus.New()
	conductorInbox := b.Register("conductor")
	w := NewWorker("reason-2", "conductor", echoHandler{}, b, true)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	<-conductorInbox // registration

	for i := 0; i < 3; i++ {
		goal := models.AgentGoal{RequestID: "r1", Type: models.GoalTask, Content: "x", ReplyTo: "conductor"}
		require.NoError(t, b.Send(ctx, "conductor", "reason-2", goal))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-conductorInbox:
		case <-time.After(2 * time.Second):
			t.Fatalf("missing reply %d", i)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.NoError(t, w.Stop(stopCtx))
}

func TestWorker_StopWaitsForInFlight(t *testing.T) {
	b := bus.New()
	conductorInbox := b.Register("conductor")
	w := NewWorker("reason-3", "conductor", echoHandler{}, b, false)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	<-conductorInbox

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.NoError(t, w.Stop(stopCtx))
}
