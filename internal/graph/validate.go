package graph

import (
	"fmt"
	"strings"

	"github.com/vk/gridflow/internal/node"
)

// Violation is a single problem found in a submitted graph.
type Violation struct {
	Kind string // "duplicate-id", "dangling-reference", "self-reference", "cycle"
	// NodeID names the offending node; for cycles, the first cycle member.
	NodeID string
	// Cycle holds the full cycle path for cycle violations, ending where it
	// started, for diagnostics.
	Cycle   []string
	Message string
}

func (v Violation) String() string { return v.Message }

// ValidationError aggregates every violation found in one pass so callers
// see the full picture instead of fixing problems one at a time.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Message
	}
	return fmt.Sprintf("invalid graph: %s", strings.Join(msgs, "; "))
}

// Validate checks a submitted node set before any state is persisted:
// duplicate ids, dependency references to undeclared nodes, self references,
// and cycles. It is pure and synchronous. A nil return means the graph is a
// well-formed DAG.
func Validate(nodes []*node.Node) error {
	var violations []Violation

	declared := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if declared[n.ID] {
			violations = append(violations, Violation{
				Kind:    "duplicate-id",
				NodeID:  n.ID,
				Message: fmt.Sprintf("duplicate node id %q", n.ID),
			})
			continue
		}
		declared[n.ID] = true
	}

	deps := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		for _, dep := range n.Depends {
			if dep == n.ID {
				violations = append(violations, Violation{
					Kind:    "self-reference",
					NodeID:  n.ID,
					Message: fmt.Sprintf("node %q depends on itself", n.ID),
				})
				continue
			}
			if !declared[dep] {
				violations = append(violations, Violation{
					Kind:    "dangling-reference",
					NodeID:  n.ID,
					Message: fmt.Sprintf("node %q depends on undeclared node %q", n.ID, dep),
				})
				continue
			}
			deps[n.ID] = append(deps[n.ID], dep)
		}
	}

	if cycle := findCycle(nodes, deps); cycle != nil {
		violations = append(violations, Violation{
			Kind:    "cycle",
			NodeID:  cycle[0],
			Cycle:   cycle,
			Message: fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")),
		})
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// findCycle runs a depth-first search with an explicit recursion stack and
// returns one cycle path (closed: first element repeated at the end), or nil
// for an acyclic graph.
func findCycle(nodes []*node.Node, deps map[string][]string) []string {
	visited := make(map[string]bool, len(nodes))
	onStack := make(map[string]bool, len(nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		for _, dep := range deps[id] {
			if onStack[dep] {
				// Slice the stack from the first occurrence of dep to get
				// the full cycle path.
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), stack[start:]...), dep)
				return true
			}
			if !visited[dep] {
				if visit(dep) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		onStack[id] = false
		return false
	}

	for _, n := range nodes {
		if !visited[n.ID] {
			if visit(n.ID) {
				return cycle
			}
		}
	}
	return nil
}
