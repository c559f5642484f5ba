package agents

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/memory"
	"github.com/agentmesh/agentmesh/pkg/models"
	"github.com/agentmesh/agentmesh/pkg/perceptor"
	"github.com/agentmesh/agentmesh/pkg/vectorstore"
)

type stubLLM struct {
	mu    sync.Mutex
	calls []string
	fn    func(role models.AgentType, prompt string) (string, error)
}

func (s *stubLLM) Complete(_ context.Context, role models.AgentType, prompt string) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, prompt)
	s.mu.Unlock()
	return s.fn(role, prompt)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("LLM_MODEL", "test-model")
	cfg, err := config.Initialize(context.Background(), "")
	require.NoError(t, err)
	return cfg
}

func taskGoal(requestID string, inputKeys []string) models.AgentGoal {
	return models.AgentGoal{
		RequestID: requestID,
		Type:      models.GoalTask,
		Content:   models.EncodeKeys(inputKeys),
		Metadata:  map[string]string{models.MetaNodeID: "n1", models.MetaStepID: "1"},
	}
}

const validPlanYAML = `graph:
  nodes:
    - id: n1
      type: REASON
  entry_nodes: [n1]
  terminal_node: n1
`

func TestPlanner_PassesValidPlanThrough(t *testing.T) {
	cfg := testConfig(t)
	llm := &stubLLM{fn: func(models.AgentType, string) (string, error) {
		return "```yaml\n" + validPlanYAML + "```", nil
	}}
	p := NewPlanner(llm, cfg)

	thought := p.Handle(context.Background(), models.AgentGoal{
		RequestID: "r1",
		Type:      models.GoalPlan,
		Content:   "what is love",
		Metadata:  map[string]string{models.MetaGoalType: string(models.GoalPlan)},
	})

	assert.Equal(t, models.ThoughtResolved, thought.Type)
	assert.Equal(t, string(models.GoalPlan), thought.Metadata[models.MetaGoalType])
	assert.Contains(t, thought.Content, "terminal_node: n1")
	assert.NotContains(t, thought.Content, "```")
}

func TestPlanner_InvalidPlanFallsBackToFixedPlan(t *testing.T) {
	cfg := testConfig(t)
	llm := &stubLLM{fn: func(models.AgentType, string) (string, error) {
		return "this is not yaml at all {", nil
	}}
	p := NewPlanner(llm, cfg)

	thought := p.Handle(context.Background(), models.AgentGoal{RequestID: "r1", Type: models.GoalPlan, Content: "q"})

	assert.Equal(t, models.ThoughtResolved, thought.Type)
	assert.Equal(t, cfg.FixedPlan, thought.Content)
}

func TestPlanner_TransportErrorFails(t *testing.T) {
	cfg := testConfig(t)
	llm := &stubLLM{fn: func(models.AgentType, string) (string, error) {
		return "", context.DeadlineExceeded
	}}
	p := NewPlanner(llm, cfg)

	thought := p.Handle(context.Background(), models.AgentGoal{RequestID: "r1", Type: models.GoalPlan, Content: "q"})

	assert.Equal(t, models.ThoughtFailed, thought.Type)
	assert.Contains(t, thought.Content, "planning failed")
	assert.Equal(t, string(models.GoalPlan), thought.Metadata[models.MetaGoalType])
}

func TestPlanner_ReplanUsesReplanPrompt(t *testing.T) {
	cfg := testConfig(t)
	llm := &stubLLM{fn: func(models.AgentType, string) (string, error) {
		return validPlanYAML, nil
	}}
	p := NewPlanner(llm, cfg)

	p.Handle(context.Background(), models.AgentGoal{
		RequestID: "r1",
		Type:      models.GoalPlan,
		Content:   "q",
		Metadata:  map[string]string{models.MetaReplan: "true"},
	})

	require.Len(t, llm.calls, 1)
	assert.Contains(t, llm.calls[0], "stalled")
}

func TestStripCodeFences(t *testing.T) {
	assert.Equal(t, "graph: {}", stripCodeFences("```yaml\ngraph: {}\n```"))
	assert.Equal(t, "graph: {}", stripCodeFences("```\ngraph: {}\n```"))
	assert.Equal(t, "graph: {}", stripCodeFences("graph: {}"))
}

type fakeSearch struct {
	urls []string
	err  error
	got  string
}

func (f *fakeSearch) Search(_ context.Context, query string, _ int) ([]string, error) {
	f.got = query
	return f.urls, f.err
}

type fakeRenderer struct {
	pages map[string]string
}

func (f *fakeRenderer) Render(_ context.Context, url string, _ time.Duration) (*perceptor.RenderResult, error) {
	return &perceptor.RenderResult{URL: url, Body: f.pages[url]}, nil
}

func TestScout_DropsEmptyBodies(t *testing.T) {
	cfg := testConfig(t)
	mem := memory.New()
	mem.Set(models.QueryKey("r1"), "foo")

	llm := &stubLLM{fn: func(models.AgentType, string) (string, error) { return "foo search", nil }}
	search := &fakeSearch{urls: []string{"http://a.test/", "http://b.test/", "http://c.test/"}}
	renderer := &fakeRenderer{pages: map[string]string{
		"http://a.test/": "<html><body><p>alpha text</p></body></html>",
		"http://b.test/": "",
		"http://c.test/": "<html><body><p>charlie text</p></body></html>",
	}}
	s := NewScout(llm, search, renderer, mem, cfg)

	thought := s.Handle(context.Background(), taskGoal("r1", []string{models.QueryKey("r1")}))

	require.Equal(t, models.ThoughtResolved, thought.Type)
	assert.Equal(t, "foo search", search.got)
	require.Len(t, thought.Impressions, 1)

	value, ok := mem.Get(thought.Impressions[0])
	require.True(t, ok)
	var texts []string
	require.NoError(t, json.Unmarshal([]byte(value), &texts))
	assert.Equal(t, []string{"alpha text", "charlie text"}, texts)
}

func TestScout_RewriteFailureUsesRawQuery(t *testing.T) {
	cfg := testConfig(t)
	mem := memory.New()
	mem.Set(models.QueryKey("r1"), "raw question")

	llm := &stubLLM{fn: func(models.AgentType, string) (string, error) {
		return "", context.DeadlineExceeded
	}}
	search := &fakeSearch{urls: []string{"http://a.test/"}}
	renderer := &fakeRenderer{pages: map[string]string{"http://a.test/": "<p>body</p>"}}
	s := NewScout(llm, search, renderer, mem, cfg)

	thought := s.Handle(context.Background(), taskGoal("r1", []string{models.QueryKey("r1")}))

	assert.Equal(t, models.ThoughtResolved, thought.Type)
	assert.Equal(t, "raw question", search.got)
}

func TestScout_NoResultsFails(t *testing.T) {
	cfg := testConfig(t)
	mem := memory.New()
	mem.Set(models.QueryKey("r1"), "foo")

	llm := &stubLLM{fn: func(models.AgentType, string) (string, error) { return "foo", nil }}
	s := NewScout(llm, &fakeSearch{}, &fakeRenderer{}, mem, cfg)

	thought := s.Handle(context.Background(), taskGoal("r1", []string{models.QueryKey("r1")}))
	assert.Equal(t, models.ThoughtFailed, thought.Type)
}

type fakeVectorStore struct {
	results []vectorstore.QueryResult
	got     string
}

func (f *fakeVectorStore) Query(_ context.Context, _, query string, _ int) ([]vectorstore.QueryResult, error) {
	f.got = query
	return f.results, nil
}

func TestRetrieve_ReturnsDocumentTexts(t *testing.T) {
	cfg := testConfig(t)
	mem := memory.New()
	mem.Set(models.QueryKey("r1"), "question")

	store := &fakeVectorStore{results: []vectorstore.QueryResult{
		{Document: vectorstore.Document{ID: "a", Text: "doc a"}},
		{Document: vectorstore.Document{ID: "b", Text: "doc b"}},
	}}
	llm := &stubLLM{fn: func(models.AgentType, string) (string, error) { return "unused", nil }}
	r := NewRetrieve(llm, store, "test.collection", mem, cfg)

	thought := r.Handle(context.Background(), taskGoal("r1", []string{models.QueryKey("r1")}))

	require.Equal(t, models.ThoughtResolved, thought.Type)
	// No optimizer prompt is configured by default, so the raw query is used
	// and the model is never called.
	assert.Equal(t, "question", store.got)
	assert.Empty(t, llm.calls)

	value, _ := mem.Get(thought.Impressions[0])
	var texts []string
	require.NoError(t, json.Unmarshal([]byte(value), &texts))
	assert.Equal(t, []string{"doc a", "doc b"}, texts)
}

func TestRetrieve_OptimizerRewritesQuery(t *testing.T) {
	cfg := testConfig(t)
	cfg.Prompts[config.PromptOptimizer] = "optimize: %s"
	mem := memory.New()
	mem.Set(models.QueryKey("r1"), "question")

	store := &fakeVectorStore{}
	llm := &stubLLM{fn: func(models.AgentType, string) (string, error) { return "better question", nil }}
	r := NewRetrieve(llm, store, "test.collection", mem, cfg)

	r.Handle(context.Background(), taskGoal("r1", []string{models.QueryKey("r1")}))
	assert.Equal(t, "better question", store.got)
}

func TestArchitect_SynthesizesAnswer(t *testing.T) {
	cfg := testConfig(t)
	mem := memory.New()
	mem.Set(models.QueryKey("r1"), "what is alpha")
	docs, _ := json.Marshal([]string{"alpha is the first letter", "beta is the second"})
	mem.Set("r1:1:clean_text_bodies", string(docs))

	llm := &stubLLM{fn: func(_ models.AgentType, prompt string) (string, error) {
		if strings.Contains(prompt, "final answer") {
			return "Alpha is the first letter.", nil
		}
		return "note", nil
	}}
	a := NewArchitect(llm, mem, cfg)

	thought := a.Handle(context.Background(), taskGoal("r1", []string{"r1:1:clean_text_bodies"}))

	require.Equal(t, models.ThoughtResolved, thought.Type)
	value, ok := mem.Get(thought.Impressions[0])
	require.True(t, ok)
	assert.Equal(t, "Alpha is the first letter.", value)
	assert.True(t, strings.HasSuffix(thought.Impressions[0], ":final_answer"))
}

func TestArchitect_ToleratesChunkFailures(t *testing.T) {
	cfg := testConfig(t)
	cfg.Synthesis.ChunkSize = 20
	cfg.Synthesis.ChunkOverlap = 5
	mem := memory.New()
	mem.Set(models.QueryKey("r1"), "q")
	mem.Set("r1:1:text", "a long enough document that splits into several overlapping chunks for mapping")

	var n int
	var mu sync.Mutex
	llm := &stubLLM{fn: func(_ models.AgentType, prompt string) (string, error) {
		if strings.Contains(prompt, "final answer") {
			return "answer", nil
		}
		mu.Lock()
		n++
		fail := n == 1
		mu.Unlock()
		if fail {
			return "", context.DeadlineExceeded
		}
		return "note", nil
	}}
	a := NewArchitect(llm, mem, cfg)

	thought := a.Handle(context.Background(), taskGoal("r1", []string{"r1:1:text"}))
	assert.Equal(t, models.ThoughtResolved, thought.Type)
}

func TestArchitect_CondenseBoundTruncates(t *testing.T) {
	cfg := testConfig(t)
	cfg.Synthesis.ChunkSize = 50
	cfg.Synthesis.ChunkOverlap = 10
	cfg.Synthesis.CondenseThreshold = 40
	cfg.Synthesis.MaxCondenseRounds = 2
	mem := memory.New()
	mem.Set(models.QueryKey("r1"), "q")
	mem.Set("r1:1:text", strings.Repeat("lorem ipsum dolor sit amet ", 20))

	var finalPrompt string
	var mu sync.Mutex
	llm := &stubLLM{fn: func(_ models.AgentType, prompt string) (string, error) {
		if strings.Contains(prompt, "final answer") {
			mu.Lock()
			finalPrompt = prompt
			mu.Unlock()
			return "answer", nil
		}
		// Notes never shrink, forcing the round bound to trigger.
		return strings.Repeat("x", 60), nil
	}}
	a := NewArchitect(llm, mem, cfg)

	thought := a.Handle(context.Background(), taskGoal("r1", []string{"r1:1:text"}))
	require.Equal(t, models.ThoughtResolved, thought.Type)
	assert.LessOrEqual(t, len(finalPrompt), 40+len("final answer")+200)
}

func TestArchitect_NoInputsFails(t *testing.T) {
	cfg := testConfig(t)
	mem := memory.New()
	llm := &stubLLM{fn: func(models.AgentType, string) (string, error) { return "x", nil }}
	a := NewArchitect(llm, mem, cfg)

	thought := a.Handle(context.Background(), taskGoal("r1", []string{"missing:key"}))
	assert.Equal(t, models.ThoughtFailed, thought.Type)
}

func TestCompute_RunsGeneratedProgram(t *testing.T) {
	cfg := testConfig(t)
	cfg.Compute.Interpreter = "/bin/sh"
	mem := memory.New()
	mem.Set(models.QueryKey("r1"), "What is 2+2?")

	llm := &stubLLM{fn: func(models.AgentType, string) (string, error) {
		return "echo 4", nil
	}}
	c := NewCompute(llm, mem, cfg)

	thought := c.Handle(context.Background(), taskGoal("r1", []string{models.QueryKey("r1")}))

	require.Equal(t, models.ThoughtResolved, thought.Type)
	assert.Equal(t, "0", thought.Metadata[models.MetaExitCode])
	value, ok := mem.Get(thought.Impressions[0])
	require.True(t, ok)
	assert.Equal(t, "4\n", value)
}

func TestCompute_NonZeroExitFailsWithStderr(t *testing.T) {
	cfg := testConfig(t)
	cfg.Compute.Interpreter = "/bin/sh"
	mem := memory.New()
	mem.Set(models.QueryKey("r1"), "task")

	llm := &stubLLM{fn: func(models.AgentType, string) (string, error) {
		return "echo boom >&2; exit 3", nil
	}}
	c := NewCompute(llm, mem, cfg)

	thought := c.Handle(context.Background(), taskGoal("r1", []string{models.QueryKey("r1")}))

	require.Equal(t, models.ThoughtFailed, thought.Type)
	assert.Equal(t, "3", thought.Metadata[models.MetaExitCode])
	assert.Contains(t, thought.Content, "boom")
}

func TestCompute_TimeoutFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Compute.Interpreter = "/bin/sh"
	cfg.Compute.Timeout = 100 * time.Millisecond
	mem := memory.New()
	mem.Set(models.QueryKey("r1"), "task")

	llm := &stubLLM{fn: func(models.AgentType, string) (string, error) {
		return "sleep 5", nil
	}}
	c := NewCompute(llm, mem, cfg)

	thought := c.Handle(context.Background(), taskGoal("r1", []string{models.QueryKey("r1")}))

	require.Equal(t, models.ThoughtFailed, thought.Type)
	assert.Equal(t, "-1", thought.Metadata[models.MetaExitCode])
	assert.Contains(t, thought.Content, "timed out")
}

func TestCompute_GoalMetadataOverridesTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Compute.Interpreter = "/bin/sh"
	cfg.Compute.Timeout = time.Minute
	mem := memory.New()
	mem.Set(models.QueryKey("r1"), "task")

	llm := &stubLLM{fn: func(models.AgentType, string) (string, error) {
		return "sleep 30", nil
	}}
	c := NewCompute(llm, mem, cfg)

	goal := taskGoal("r1", []string{models.QueryKey("r1")})
	goal.Metadata[models.MetaTimeout] = "1"

	start := time.Now()
	thought := c.Handle(context.Background(), goal)

	require.Equal(t, models.ThoughtFailed, thought.Type)
	assert.Equal(t, "-1", thought.Metadata[models.MetaExitCode])
	assert.Contains(t, thought.Content, "timed out")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestCompute_BadTimeoutMetadataFallsBack(t *testing.T) {
	cfg := testConfig(t)
	cfg.Compute.Interpreter = "/bin/sh"
	cfg.Compute.Timeout = 100 * time.Millisecond
	mem := memory.New()
	mem.Set(models.QueryKey("r1"), "task")

	llm := &stubLLM{fn: func(models.AgentType, string) (string, error) {
		return "sleep 5", nil
	}}
	c := NewCompute(llm, mem, cfg)

	goal := taskGoal("r1", []string{models.QueryKey("r1")})
	goal.Metadata[models.MetaTimeout] = "not-a-number"

	thought := c.Handle(context.Background(), goal)
	require.Equal(t, models.ThoughtFailed, thought.Type)
	assert.Contains(t, thought.Content, "100ms")
}

func TestReason_AnswersOverInputs(t *testing.T) {
	cfg := testConfig(t)
	mem := memory.New()
	mem.Set(models.QueryKey("r1"), "why")
	mem.Set("r1:1:reasoning", "because of gravity")

	llm := &stubLLM{fn: func(_ models.AgentType, prompt string) (string, error) {
		assert.Contains(t, prompt, "because of gravity")
		assert.Contains(t, prompt, "why")
		return "Gravity.", nil
	}}
	r := NewReason(llm, mem, cfg)

	thought := r.Handle(context.Background(), taskGoal("r1", []string{"r1:1:reasoning"}))
	require.Equal(t, models.ThoughtResolved, thought.Type)
	value, _ := mem.Get(thought.Impressions[0])
	assert.Equal(t, "Gravity.", value)
}
