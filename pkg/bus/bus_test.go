package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/pkg/models"
)

func TestSendAndReceive(t *testing.T) {
	b := New()
	inbox := b.Register("worker")

	err := b.Send(context.Background(), "conductor", "worker",
		models.AgentGoal{RequestID: "r1", Content: "work"})
	require.NoError(t, err)

	env := <-inbox
	assert.Equal(t, "conductor", env.From)
	goal, ok := env.Msg.(models.AgentGoal)
	require.True(t, ok)
	assert.Equal(t, "r1", goal.RequestID)
}

func TestSendToUnknownAddress(t *testing.T) {
	b := New()
	err := b.Send(context.Background(), "a", "nobody", models.UserQuery{Text: "x"})
	assert.ErrorIs(t, err, ErrUnknownAddress)
}

func TestUnregisterRemovesAddress(t *testing.T) {
	b := New()
	b.Register("gone")
	b.Unregister("gone")
	err := b.Send(context.Background(), "a", "gone", models.UserQuery{Text: "x"})
	assert.ErrorIs(t, err, ErrUnknownAddress)
}

func TestSendBlocksUntilContextCancelled(t *testing.T) {
	b := New()
	b.Register("slow")

	// Fill the inbox.
	ctx := context.Background()
	for i := 0; i < DefaultInboxSize; i++ {
		require.NoError(t, b.Send(ctx, "a", "slow", models.UserQuery{Text: "fill"}))
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := b.Send(timeoutCtx, "a", "slow", models.UserQuery{Text: "overflow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPerReceiverOrdering(t *testing.T) {
	b := New()
	inbox := b.Register("ordered")

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Send(ctx, "a", "ordered", models.Response{RequestID: "r", Type: i}))
	}
	for i := 0; i < 10; i++ {
		env := <-inbox
		resp := env.Msg.(models.Response)
		assert.Equal(t, i, resp.Type)
	}
}
