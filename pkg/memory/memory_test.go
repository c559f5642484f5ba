package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/pkg/models"
)

func TestSetGetDelete(t *testing.T) {
	m := New()
	m.Set("k", "v")

	v, ok := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	m.Delete("k")
	_, ok = m.Get("k")
	assert.False(t, ok)
}

func TestClearSessionPreservingQuery(t *testing.T) {
	m := New()
	m.Set(models.QueryKey("r1"), "the query")
	m.Set("r1:1:retrieved_context", "a")
	m.Set("r1:2:clean_text_bodies", "b")
	m.Set("r2:1:other", "keep")

	m.ClearSession("r1", true)

	query, ok := m.Get(models.QueryKey("r1"))
	require.True(t, ok)
	assert.Equal(t, "the query", query)
	_, ok = m.Get("r1:1:retrieved_context")
	assert.False(t, ok)
	_, ok = m.Get("r1:2:clean_text_bodies")
	assert.False(t, ok)

	other, ok := m.Get("r2:1:other")
	require.True(t, ok)
	assert.Equal(t, "keep", other)
}

func TestClearSessionLeavesPrefixRelatedRequestsAlone(t *testing.T) {
	m := New()
	m.Set(models.QueryKey("r1"), "q1")
	m.Set("r1:1:partial", "a")
	m.Set(models.QueryKey("r12"), "q12")
	m.Set("r12:1:partial", "b")

	m.ClearSession("r1", false)

	_, ok := m.Get("r1:1:partial")
	assert.False(t, ok)
	query, ok := m.Get(models.QueryKey("r12"))
	require.True(t, ok)
	assert.Equal(t, "q12", query)
	partial, ok := m.Get("r12:1:partial")
	require.True(t, ok)
	assert.Equal(t, "b", partial)
}

func TestClearSessionDestroyingQuery(t *testing.T) {
	m := New()
	m.Set(models.QueryKey("r1"), "the query")
	m.Set("r1:1:final_answer", "42")

	m.ClearSession("r1", false)
	assert.Equal(t, 0, m.Len())
}
