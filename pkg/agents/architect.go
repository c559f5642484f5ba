package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/memory"
	"github.com/agentmesh/agentmesh/pkg/models"
	"github.com/agentmesh/agentmesh/pkg/textproc"
)

// Architect condenses many input documents into one answer by map-reduce:
// split every document into overlapping chunks, extract the relevant facts
// from each chunk, and recursively condense until the combined context fits
// under the configured character threshold. Chunk-level model failures are
// skipped; exceeding the condense-round bound truncates instead of recursing
// further.
type Architect struct {
	llm    LLM
	memory *memory.SharedMemory
	cfg    *config.Config
	logger *slog.Logger
}

func NewArchitect(client LLM, mem *memory.SharedMemory, cfg *config.Config) *Architect {
	return &Architect{
		llm:    client,
		memory: mem,
		cfg:    cfg,
		logger: slog.Default().With("component", "architect"),
	}
}

func (a *Architect) AgentType() models.AgentType { return models.AgentTypeSynthesize }

func (a *Architect) Handle(ctx context.Context, goal models.AgentGoal) models.Thought {
	question, _ := a.memory.Get(models.QueryKey(goal.RequestID))

	docs := a.collectInputs(goal)
	if len(docs) == 0 {
		return failed(goal, "architect: no input documents in shared memory")
	}

	sy := a.cfg.Synthesis
	notes := a.mapChunks(ctx, goal.RequestID, question, chunkDocuments(docs, sy))
	if len(notes) == 0 {
		return failed(goal, "architect: every extraction failed")
	}

	combined := strings.Join(notes, "\n\n")
	for round := 0; len(combined) > sy.CondenseThreshold; round++ {
		if round >= sy.MaxCondenseRounds {
			a.logger.Warn("Condense bound reached, truncating context",
				"request_id", goal.RequestID, "length", len(combined))
			combined = combined[:sy.CondenseThreshold]
			break
		}
		notes = a.mapChunks(ctx, goal.RequestID, question, chunkDocuments([]string{combined}, sy))
		if len(notes) == 0 {
			combined = combined[:min(len(combined), sy.CondenseThreshold)]
			break
		}
		combined = strings.Join(notes, "\n\n")
	}

	tmpl, _ := a.cfg.Prompt(config.PromptSynthesisFinal)
	answer, err := a.llm.Complete(ctx, models.AgentTypeSynthesize, fmt.Sprintf(tmpl, question, combined))
	if err != nil {
		return failed(goal, fmt.Sprintf("final synthesis failed: %v", err))
	}

	key := models.ImpressionKey(goal.RequestID, stepID(goal), "final_answer")
	a.memory.Set(key, strings.TrimSpace(answer))
	a.logger.Info("Architect resolved", "request_id", goal.RequestID, "documents", len(docs))
	return resolved(goal, []string{key})
}

// collectInputs reads every input key from shared memory. Each value is a
// JSON list of texts or, failing that, one plain text.
func (a *Architect) collectInputs(goal models.AgentGoal) []string {
	var docs []string
	for _, key := range models.DecodeKeys(goal.Content) {
		value, ok := a.memory.Get(key)
		if !ok || value == "" {
			continue
		}
		var list []string
		if err := json.Unmarshal([]byte(value), &list); err == nil {
			for _, text := range list {
				if text != "" {
					docs = append(docs, text)
				}
			}
			continue
		}
		docs = append(docs, value)
	}
	return docs
}

// mapChunks runs the extraction prompt over every chunk with bounded
// concurrency. Failed chunks are dropped; surviving notes keep chunk order.
func (a *Architect) mapChunks(ctx context.Context, requestID, question string, chunks []string) []string {
	tmpl, _ := a.cfg.Prompt(config.PromptSynthesisMap)

	notes := make([]string, len(chunks))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Synthesis.MapConcurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			out, err := a.llm.Complete(gctx, models.AgentTypeSynthesize, fmt.Sprintf(tmpl, question, chunk))
			if err != nil {
				a.logger.Warn("Chunk extraction failed, skipping",
					"request_id", requestID, "chunk", i, "error", err)
				return nil
			}
			mu.Lock()
			notes[i] = strings.TrimSpace(out)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	kept := make([]string, 0, len(notes))
	for _, n := range notes {
		if n != "" {
			kept = append(kept, n)
		}
	}
	return kept
}

func chunkDocuments(docs []string, sy *config.SynthesisConfig) []string {
	var chunks []string
	for _, doc := range docs {
		chunks = append(chunks, textproc.SplitText(doc, sy.ChunkSize, sy.ChunkOverlap)...)
	}
	return chunks
}
