package graph

import (
	"github.com/agentmesh/agentmesh/pkg/models"
)

// State is the per-request scheduling bookkeeping for one validated graph.
// It is not safe for concurrent use; the orchestrator serializes access by
// running on a single goroutine.
type State struct {
	graph       *Graph
	inDegree    map[string]int
	adjacency   map[string][]string
	queue       []string
	running     map[string]bool
	completed   int
	nodeOutputs map[string][]string
	stepCounter int
}

// NewState seeds the ready queue with the entry nodes in declaration order.
func NewState(g *Graph) *State {
	s := &State{
		graph:       g,
		inDegree:    make(map[string]int, len(g.Nodes)),
		adjacency:   make(map[string][]string, len(g.Nodes)),
		running:     make(map[string]bool),
		nodeOutputs: make(map[string][]string, len(g.Nodes)),
	}
	for _, n := range g.Nodes {
		s.inDegree[n.ID] = 0
	}
	for _, e := range g.Edges {
		s.adjacency[e.From] = append(s.adjacency[e.From], e.To)
		s.inDegree[e.To]++
	}
	s.queue = append(s.queue, g.EntryNodes...)
	return s
}

// Graph returns the underlying validated graph.
func (s *State) Graph() *Graph { return s.graph }

// Pop removes and returns the head of the ready queue.
func (s *State) Pop() (string, bool) {
	if len(s.queue) == 0 {
		return "", false
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	return id, true
}

// RequeueFront puts nodes back at the head of the queue, preserving their
// relative order, so an undispatchable node is retried first on the next tick.
func (s *State) RequeueFront(ids []string) {
	if len(ids) == 0 {
		return
	}
	s.queue = append(append([]string(nil), ids...), s.queue...)
}

// MarkRunning moves a popped node into the in-flight set and returns its
// step number. Step numbers count successful dispatches from 1.
func (s *State) MarkRunning(id string) int {
	s.running[id] = true
	s.stepCounter++
	return s.stepCounter
}

// Complete records a finished node's output keys and releases its
// successors. Unknown or not-running nodes are ignored (duplicate or stale
// thoughts).
func (s *State) Complete(id string, outputKeys []string) {
	if !s.running[id] {
		return
	}
	delete(s.running, id)
	s.completed++
	s.nodeOutputs[id] = append(s.nodeOutputs[id], outputKeys...)
	for _, next := range s.adjacency[id] {
		s.inDegree[next]--
		if s.inDegree[next] == 0 {
			s.queue = append(s.queue, next)
		}
	}
}

// Fail drops a node from the in-flight set without completing it. Its
// successors stay blocked, which drives the state toward Stalled and a
// re-plan.
func (s *State) Fail(id string) {
	delete(s.running, id)
}

// InputKeys returns the impression keys a node consumes: its predecessors'
// output keys concatenated in edge-declaration order (duplicates preserved),
// or the request's query key for entry nodes (no predecessors).
func (s *State) InputKeys(requestID, id string) []string {
	preds := s.graph.Predecessors(id)
	if len(preds) == 0 {
		return []string{models.QueryKey(requestID)}
	}
	var keys []string
	for _, p := range preds {
		keys = append(keys, s.nodeOutputs[p]...)
	}
	return keys
}

// OutputKeys returns the recorded output keys of a completed node.
func (s *State) OutputKeys(id string) ([]string, bool) {
	k, ok := s.nodeOutputs[id]
	return k, ok
}

// Running reports whether a node is currently in flight.
func (s *State) Running(id string) bool { return s.running[id] }

// Done reports whether every node in the graph has completed.
func (s *State) Done() bool { return s.completed == len(s.graph.Nodes) }

// Stalled reports the stuck condition: nothing ready, nothing running, and
// the graph not yet done. Possible when a failed node never completes.
func (s *State) Stalled() bool {
	return len(s.queue) == 0 && len(s.running) == 0 && !s.Done()
}

// QueueLen reports how many nodes are waiting to dispatch.
func (s *State) QueueLen() int { return len(s.queue) }
