package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/pkg/config"
	"github.com/agentmesh/agentmesh/pkg/memory"
	"github.com/agentmesh/agentmesh/pkg/models"
	"github.com/agentmesh/agentmesh/pkg/perceptor"
	"github.com/agentmesh/agentmesh/pkg/textproc"
)

// Searcher finds result URLs for a query.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]string, error)
}

// PageRenderer fetches a fully rendered page.
type PageRenderer interface {
	Render(ctx context.Context, url string, timeout time.Duration) (*perceptor.RenderResult, error)
}

// scoutMaxResults is how many result URLs one scout pass fetches.
const scoutMaxResults = 5

// Scout answers a goal by searching the live web: it rewrites the query for
// a search engine, fetches the result pages concurrently, and stores the
// clean text bodies. Pages that render to nothing are dropped.
type Scout struct {
	llm      LLM
	search   Searcher
	renderer PageRenderer
	memory   *memory.SharedMemory
	cfg      *config.Config
	logger   *slog.Logger
}

func NewScout(client LLM, search Searcher, renderer PageRenderer, mem *memory.SharedMemory, cfg *config.Config) *Scout {
	return &Scout{
		llm:      client,
		search:   search,
		renderer: renderer,
		memory:   mem,
		cfg:      cfg,
		logger:   slog.Default().With("component", "scout"),
	}
}

func (s *Scout) AgentType() models.AgentType { return models.AgentTypeScout }

func (s *Scout) Handle(ctx context.Context, goal models.AgentGoal) models.Thought {
	query := readFirstInput(s.memory, goal)
	if query == "" {
		return failed(goal, "scout: no query in shared memory")
	}

	searchQuery := s.rewriteQuery(ctx, goal.RequestID, query)
	urls, err := s.search.Search(ctx, searchQuery, scoutMaxResults)
	if err != nil {
		return failed(goal, fmt.Sprintf("web search failed: %v", err))
	}
	if len(urls) == 0 {
		return failed(goal, "web search returned no results")
	}

	bodies := make([]string, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			res, err := s.renderer.Render(gctx, u, s.cfg.Crawler.RenderTimeout)
			if err != nil {
				// One bad page must not sink the rest.
				s.logger.Warn("Render failed", "request_id", goal.RequestID, "url", u, "error", err)
				return nil
			}
			bodies[i] = textproc.CollapseWhitespace(textproc.ExtractText(res.Body))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failed(goal, fmt.Sprintf("render pages: %v", err))
	}

	texts := make([]string, 0, len(bodies))
	for _, b := range bodies {
		if b != "" {
			texts = append(texts, b)
		}
	}
	if len(texts) == 0 {
		return failed(goal, "no page yielded usable text")
	}

	payload, err := json.Marshal(texts)
	if err != nil {
		return failed(goal, fmt.Sprintf("encode bodies: %v", err))
	}
	key := models.ImpressionKey(goal.RequestID, stepID(goal), "clean_text_bodies")
	s.memory.Set(key, string(payload))
	s.logger.Info("Scout resolved", "request_id", goal.RequestID, "urls", len(urls), "texts", len(texts))
	return resolved(goal, []string{key})
}

// rewriteQuery asks the model for a search-engine phrasing. Failures fall
// back to the raw query.
func (s *Scout) rewriteQuery(ctx context.Context, requestID, query string) string {
	tmpl, ok := s.cfg.Prompt(config.PromptSearch)
	if !ok {
		return query
	}
	out, err := s.llm.Complete(ctx, models.AgentTypeScout, fmt.Sprintf(tmpl, query))
	if err != nil {
		s.logger.Warn("Query rewrite failed, using raw query", "request_id", requestID, "error", err)
		return query
	}
	out = strings.TrimSpace(strings.Trim(strings.TrimSpace(out), `"`))
	if out == "" {
		return query
	}
	return out
}

// readFirstInput resolves the goal's input keys against shared memory and
// returns the first present value. Entry nodes receive the query key.
func readFirstInput(mem *memory.SharedMemory, goal models.AgentGoal) string {
	for _, key := range models.DecodeKeys(goal.Content) {
		if v, ok := mem.Get(key); ok {
			return v
		}
	}
	return ""
}
