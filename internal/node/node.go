// Package node defines the static description of a single unit of work in a
// job's graph, together with the node state machine.
//
// A Node here is purely declarative: its mutable execution state (status,
// attempt count, output, error) is owned by the state tracker, never by the
// struct itself. This mirrors the separation between topology and execution
// state elsewhere in the engine.
package node

import (
	"time"

	"github.com/vk/gridflow/internal/retry"
)

// Node is one unit of work within a job's graph.
type Node struct {
	// ID is the node's unique name within its job.
	ID string
	// Type selects the registered handler that executes the node.
	Type string
	// Depends lists node IDs that must complete before this node may run.
	Depends []string
	// Priority orders dispatch when several nodes become ready at once.
	// Higher runs first.
	Priority int
	// Critical marks a node whose permanent failure halts the whole job.
	Critical bool
	// Input is the opaque payload handed to the handler.
	Input map[string]any
	// Retry overrides the job's default retry policy when non-nil.
	Retry *retry.Policy
	// Timeout bounds a single execution attempt. Zero means the engine
	// default applies.
	Timeout time.Duration
	// Index is the declaration position within the job, used as the
	// deterministic tie-break after Priority.
	Index int
}
