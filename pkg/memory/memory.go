// Package memory implements the process-local shared working store for
// request-scoped impressions. Keys follow "{request_id}:{step_id}:{name}";
// the raw query lives under "{request_id}:query".
package memory

import (
	"strings"
	"sync"

	"github.com/agentmesh/agentmesh/pkg/models"
)

// SharedMemory is a concurrency-safe string map. Lifetime of entries is
// bounded by request completion; there is no TTL.
type SharedMemory struct {
	mu   sync.RWMutex
	data map[string]string
}

// New creates an empty store.
func New() *SharedMemory {
	return &SharedMemory{data: make(map[string]string)}
}

// Set stores a value.
func (m *SharedMemory) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

// Get retrieves a value. The second return reports presence.
func (m *SharedMemory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

// Delete removes a single key.
func (m *SharedMemory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
}

// Len reports the number of stored entries.
func (m *SharedMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// ClearSession removes every key belonging to the request. When
// preserveQuery is true the "{request_id}:query" entry survives so a
// re-plan can reuse it. The separator is part of the match: request ids
// that prefix one another never share keys.
func (m *SharedMemory) ClearSession(requestID string, preserveQuery bool) {
	queryKey := models.QueryKey(requestID)
	prefix := requestID + ":"
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if preserveQuery && key == queryKey {
			continue
		}
		delete(m.data, key)
	}
}
