// Package vectorstore is the HTTP client for the Chroma vector database:
// collection management, embedded document upsert, top-k similarity query,
// metadata-filtered reads, and deletes.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Embedder turns text into a vector. The LLM client's embeddings API
// satisfies this through a small adapter in the callers.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Document is one stored chunk with its metadata.
type Document struct {
	ID       string
	Text     string
	Metadata map[string]any
}

// QueryResult is one similarity hit.
type QueryResult struct {
	Document
	Distance float64
}

// Store is a Chroma REST client. Collection ids are resolved once and
// cached; collections are created on first use.
type Store struct {
	baseURL    string
	httpClient *http.Client
	embedder   Embedder
	batchSize  int
	logger     *slog.Logger

	mu          sync.Mutex
	collections map[string]string // name -> collection id
}

// New creates a Store. batchSize bounds documents per upsert call.
func New(baseURL string, embedder Embedder, batchSize int) *Store {
	if batchSize <= 0 {
		batchSize = 64
	}
	return &Store{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		embedder:    embedder,
		batchSize:   batchSize,
		logger:      slog.Default(),
		collections: make(map[string]string),
	}
}

// Heartbeat reports whether the store answers.
func (s *Store) Heartbeat(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/v1/heartbeat", nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// EnsureCollection resolves a collection name to its id, creating the
// collection if needed.
func (s *Store) EnsureCollection(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	if id, ok := s.collections[name]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	var created struct {
		ID string `json:"id"`
	}
	body := map[string]any{"name": name, "get_or_create": true}
	if err := s.post(ctx, "/api/v1/collections", body, &created); err != nil {
		return "", fmt.Errorf("ensure collection %s: %w", name, err)
	}

	s.mu.Lock()
	s.collections[name] = created.ID
	s.mu.Unlock()
	return created.ID, nil
}

// Upsert embeds and writes documents in batches. Documents with ids already
// present are overwritten.
func (s *Store) Upsert(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	id, err := s.EnsureCollection(ctx, collection)
	if err != nil {
		return err
	}

	for start := 0; start < len(docs); start += s.batchSize {
		end := min(start+s.batchSize, len(docs))
		batch := docs[start:end]

		ids := make([]string, len(batch))
		texts := make([]string, len(batch))
		metadatas := make([]map[string]any, len(batch))
		embeddings := make([][]float64, len(batch))
		for i, d := range batch {
			ids[i] = d.ID
			texts[i] = d.Text
			metadatas[i] = d.Metadata
			vec, err := s.embedder.Embed(ctx, d.Text)
			if err != nil {
				return fmt.Errorf("embed document %s: %w", d.ID, err)
			}
			embeddings[i] = vec
		}

		body := map[string]any{
			"ids":        ids,
			"documents":  texts,
			"metadatas":  metadatas,
			"embeddings": embeddings,
		}
		if err := s.post(ctx, "/api/v1/collections/"+id+"/upsert", body, nil); err != nil {
			return fmt.Errorf("upsert into %s: %w", collection, err)
		}
	}

	s.logger.Debug("Upserted documents", "collection", collection, "count", len(docs))
	return nil
}

type queryResponse struct {
	IDs       [][]string         `json:"ids"`
	Documents [][]string         `json:"documents"`
	Metadatas [][]map[string]any `json:"metadatas"`
	Distances [][]float64        `json:"distances"`
}

// Query embeds the query text and returns the topK nearest documents.
func (s *Store) Query(ctx context.Context, collection, query string, topK int) ([]QueryResult, error) {
	id, err := s.EnsureCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	body := map[string]any{
		"query_embeddings": [][]float64{vec},
		"n_results":        topK,
		"include":          []string{"documents", "metadatas", "distances"},
	}
	var resp queryResponse
	if err := s.post(ctx, "/api/v1/collections/"+id+"/query", body, &resp); err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	if len(resp.IDs) == 0 {
		return nil, nil
	}

	results := make([]QueryResult, 0, len(resp.IDs[0]))
	for i, docID := range resp.IDs[0] {
		r := QueryResult{Document: Document{ID: docID}}
		if len(resp.Documents) > 0 && i < len(resp.Documents[0]) {
			r.Text = resp.Documents[0][i]
		}
		if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
			r.Metadata = resp.Metadatas[0][i]
		}
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			r.Distance = resp.Distances[0][i]
		}
		results = append(results, r)
	}
	return results, nil
}

type getResponse struct {
	IDs       []string         `json:"ids"`
	Documents []string         `json:"documents"`
	Metadatas []map[string]any `json:"metadatas"`
}

// GetByMetadata returns all documents whose metadata matches the where
// filter exactly.
func (s *Store) GetByMetadata(ctx context.Context, collection string, where map[string]any) ([]Document, error) {
	id, err := s.EnsureCollection(ctx, collection)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"where":   where,
		"include": []string{"documents", "metadatas"},
	}
	var resp getResponse
	if err := s.post(ctx, "/api/v1/collections/"+id+"/get", body, &resp); err != nil {
		return nil, fmt.Errorf("get from %s: %w", collection, err)
	}

	docs := make([]Document, 0, len(resp.IDs))
	for i, docID := range resp.IDs {
		d := Document{ID: docID}
		if i < len(resp.Documents) {
			d.Text = resp.Documents[i]
		}
		if i < len(resp.Metadatas) {
			d.Metadata = resp.Metadatas[i]
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// Delete removes documents by id.
func (s *Store) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	id, err := s.EnsureCollection(ctx, collection)
	if err != nil {
		return err
	}
	if err := s.post(ctx, "/api/v1/collections/"+id+"/delete", map[string]any{"ids": ids}, nil); err != nil {
		return fmt.Errorf("delete from %s: %w", collection, err)
	}
	return nil
}

func (s *Store) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("vector store returned HTTP %d for %s: %s", resp.StatusCode, path, snippet)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
