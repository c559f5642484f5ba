// Package registry tracks which agent addresses serve each agent type.
// Workers keep their own FIFO ordering; the registry does no leasing.
package registry

import (
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/agentmesh/agentmesh/pkg/models"
)

// AgentRegistry maps agent types to registered addresses.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[models.AgentType][]string
}

// New creates an empty registry.
func New() *AgentRegistry {
	return &AgentRegistry{agents: make(map[models.AgentType][]string)}
}

// Register adds an address for a type. Registration is idempotent and
// preserves first-registration order.
func (r *AgentRegistry) Register(agentType models.AgentType, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.agents[agentType], address) {
		return
	}
	r.agents[agentType] = append(r.agents[agentType], address)
}

// Agent returns one address for a type by uniform random choice, or ""
// when none is registered.
func (r *AgentRegistry) Agent(agentType models.AgentType) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addrs := r.agents[agentType]
	if len(addrs) == 0 {
		return ""
	}
	return addrs[rand.IntN(len(addrs))]
}

// AgentType reverse-looks-up the type serving an address, or "" if the
// address is unknown.
func (r *AgentRegistry) AgentType(address string) models.AgentType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for agentType, addrs := range r.agents {
		if slices.Contains(addrs, address) {
			return agentType
		}
	}
	return ""
}

// Addresses returns a copy of all addresses for a type.
func (r *AgentRegistry) Addresses(agentType models.AgentType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.agents[agentType])
}
