package graph

import (
	"fmt"

	"github.com/vk/gridflow/internal/node"
)

// Graph is the dependency structure over one job's nodes. Edges point from a
// dependency to its dependents.
type Graph struct {
	nodes      map[string]*node.Node
	order      []string
	deps       map[string][]string
	dependents map[string][]string
}

// New builds a Graph from the declared nodes. It assumes the node set has
// already passed Validate; unknown dependency references return an error.
func New(nodes []*node.Node) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]*node.Node, len(nodes)),
		order:      make([]string, 0, len(nodes)),
		deps:       make(map[string][]string, len(nodes)),
		dependents: make(map[string][]string, len(nodes)),
	}
	for _, n := range nodes {
		if _, ok := g.nodes[n.ID]; ok {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
	}
	for _, n := range nodes {
		for _, dep := range n.Depends {
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("node %q depends on undeclared node %q", n.ID, dep)
			}
			g.deps[n.ID] = append(g.deps[n.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], n.ID)
		}
	}
	return g, nil
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *node.Node {
	return g.nodes[id]
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	return len(g.order)
}

// Order returns node ids in declaration order.
func (g *Graph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Dependencies returns the ids the given node depends on.
func (g *Graph) Dependencies(id string) []string {
	return g.deps[id]
}

// Dependents returns the ids that depend on the given node.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// Roots returns the nodes with no dependencies, in declaration order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.order {
		if len(g.deps[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Descendants returns every node reachable downstream of id, in breadth-first
// order. Used to cascade skips through a failed branch.
func (g *Graph) Descendants(id string) []string {
	seen := map[string]bool{id: true}
	queue := append([]string(nil), g.dependents[id]...)
	var out []string
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.dependents[next]...)
	}
	return out
}
