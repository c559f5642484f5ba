// Package graph parses plan YAML into a validated execution DAG and tracks
// per-request scheduling state (Kahn's algorithm with in-flight tracking).
package graph

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/agentmesh/agentmesh/pkg/models"
)

// Node is one unit of work in a plan.
type Node struct {
	ID   string           `yaml:"id"`
	Type models.AgentType `yaml:"type"`
}

// Edge is a directed dependency between two nodes.
type Edge struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Graph is a validated plan. Edges keep YAML declaration order, which fixes
// the fan-in concatenation order for downstream inputs.
type Graph struct {
	Nodes        []Node   `yaml:"nodes"`
	Edges        []Edge   `yaml:"edges"`
	EntryNodes   []string `yaml:"entry_nodes"`
	TerminalNode string   `yaml:"terminal_node"`
}

type planDoc struct {
	Graph Graph `yaml:"graph"`
}

// ValidationError marks a plan that failed structural validation. The
// orchestrator treats it like a failed planning thought (triggering re-plan).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid plan: " + e.Reason }

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Parse decodes and fully validates plan YAML. The plan is untrusted input:
// node types must be known agent types, all edge endpoints must exist, every
// entry must have in-degree 0, the graph must be acyclic, and the terminal
// must exist and be reachable from at least one entry.
func Parse(planYAML string) (*Graph, error) {
	var doc planDoc
	if err := yaml.Unmarshal([]byte(planYAML), &doc); err != nil {
		return nil, invalid("yaml decode: %v", err)
	}
	g := doc.Graph
	if len(g.Nodes) == 0 {
		return nil, invalid("plan has no nodes")
	}

	known := make(map[string]bool, len(g.Nodes))
	for i, n := range g.Nodes {
		if n.ID == "" {
			return nil, invalid("node with empty id")
		}
		if known[n.ID] {
			return nil, invalid("duplicate node id %q", n.ID)
		}
		nodeType, err := models.ParseAgentType(string(n.Type))
		if err != nil {
			return nil, invalid("node %q: %v", n.ID, err)
		}
		g.Nodes[i].Type = nodeType
		known[n.ID] = true
	}

	inDegree := make(map[string]int, len(g.Nodes))
	adjacency := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		if !known[e.From] {
			return nil, invalid("edge references unknown node %q", e.From)
		}
		if !known[e.To] {
			return nil, invalid("edge references unknown node %q", e.To)
		}
		adjacency[e.From] = append(adjacency[e.From], e.To)
		inDegree[e.To]++
	}

	if g.TerminalNode == "" {
		return nil, invalid("terminal_node missing")
	}
	if !known[g.TerminalNode] {
		return nil, invalid("terminal_node %q not among nodes", g.TerminalNode)
	}

	if len(g.EntryNodes) == 0 {
		return nil, invalid("entry_nodes missing")
	}
	for _, id := range g.EntryNodes {
		if !known[id] {
			return nil, invalid("entry node %q not among nodes", id)
		}
		if inDegree[id] != 0 {
			return nil, invalid("entry node %q has incoming edges", id)
		}
	}

	if err := checkAcyclic(g.Nodes, adjacency, inDegree); err != nil {
		return nil, err
	}
	if !reachable(g.EntryNodes, adjacency, g.TerminalNode) {
		return nil, invalid("terminal_node %q unreachable from entry nodes", g.TerminalNode)
	}

	return &g, nil
}

// checkAcyclic runs a throwaway Kahn pass; leftovers mean a cycle.
func checkAcyclic(nodes []Node, adjacency map[string][]string, inDegree map[string]int) error {
	degree := make(map[string]int, len(nodes))
	var queue []string
	for _, n := range nodes {
		degree[n.ID] = inDegree[n.ID]
		if degree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adjacency[id] {
			degree[next]--
			if degree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(nodes) {
		return invalid("cycle detected")
	}
	return nil
}

func reachable(entries []string, adjacency map[string][]string, target string) bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), entries...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		if id == target {
			return true
		}
		stack = append(stack, adjacency[id]...)
	}
	return false
}

// NodeType returns the agent type of a node id.
func (g *Graph) NodeType(id string) (models.AgentType, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n.Type, true
		}
	}
	return "", false
}

// Predecessors returns the direct predecessors of a node in
// edge-declaration order. Duplicate edges are preserved.
func (g *Graph) Predecessors(id string) []string {
	var preds []string
	for _, e := range g.Edges {
		if e.To == id {
			preds = append(preds, e.From)
		}
	}
	return preds
}
