package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/memory"
	"github.com/agentmesh/agentmesh/pkg/models"
	"github.com/agentmesh/agentmesh/pkg/vectorstore"
)

// VectorSearcher is the similarity-search slice of the vector store.
type VectorSearcher interface {
	Query(ctx context.Context, collection, query string, topK int) ([]vectorstore.QueryResult, error)
}

// retrieveTopK is the number of documents one retrieval returns.
const retrieveTopK = 5

// Retrieve answers a goal from the indexed knowledge base. The query is
// optionally rewritten through the optimizer prompt first; an absent prompt
// means pass-through.
type Retrieve struct {
	llm        LLM
	store      VectorSearcher
	collection string
	memory     *memory.SharedMemory
	cfg        *config.Config
	logger     *slog.Logger
}

func NewRetrieve(client LLM, store VectorSearcher, collection string, mem *memory.SharedMemory, cfg *config.Config) *Retrieve {
	return &Retrieve{
		llm:        client,
		store:      store,
		collection: collection,
		memory:     mem,
		cfg:        cfg,
		logger:     slog.Default().With("component", "retrieve"),
	}
}

func (r *Retrieve) AgentType() models.AgentType { return models.AgentTypeRetrieve }

func (r *Retrieve) Handle(ctx context.Context, goal models.AgentGoal) models.Thought {
	query := readFirstInput(r.memory, goal)
	if query == "" {
		return failed(goal, "retrieve: no query in shared memory")
	}

	query = r.optimizeQuery(ctx, goal.RequestID, query)

	results, err := r.store.Query(ctx, r.collection, query, retrieveTopK)
	if err != nil {
		return failed(goal, fmt.Sprintf("vector query failed: %v", err))
	}

	texts := make([]string, 0, len(results))
	for _, res := range results {
		if res.Document.Text != "" {
			texts = append(texts, res.Document.Text)
		}
	}

	payload, err := json.Marshal(texts)
	if err != nil {
		return failed(goal, fmt.Sprintf("encode documents: %v", err))
	}
	key := models.ImpressionKey(goal.RequestID, stepID(goal), "retrieved_context")
	r.memory.Set(key, string(payload))
	r.logger.Info("Retrieve resolved", "request_id", goal.RequestID, "documents", len(texts))
	return resolved(goal, []string{key})
}

func (r *Retrieve) optimizeQuery(ctx context.Context, requestID, query string) string {
	tmpl, ok := r.cfg.Prompt(config.PromptOptimizer)
	if !ok {
		return query
	}
	out, err := r.llm.Complete(ctx, models.AgentTypeRetrieve, fmt.Sprintf(tmpl, query))
	if err != nil {
		r.logger.Warn("Query optimization failed, using raw query", "request_id", requestID, "error", err)
		return query
	}
	if out = strings.TrimSpace(out); out == "" {
		return query
	}
	return out
}
