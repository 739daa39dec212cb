// Package job defines the orchestration request model: a Job owns a graph of
// nodes, a default retry policy, and the records derived from its execution
// (per-node state, snapshots, recovery audits).
package job

import (
	"time"

	"github.com/vk/gridflow/internal/node"
	"github.com/vk/gridflow/internal/retry"
)

// Status represents the lifecycle state of a job.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the job can never change state again on its own.
// Failed is not terminal: the recovery processor may re-enter a failed job
// into scheduling.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusAborted:
		return true
	}
	return false
}

// jobLegal mirrors node.CanTransition for the job-level state machine.
// failed->running covers recovery retry/requeue.
var jobLegal = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusAborted},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled, StatusAborted},
	StatusFailed:  {StatusRunning, StatusAborted},
}

// CanTransition reports whether the job state machine permits from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range jobLegal[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is one orchestration request: a DAG of nodes plus execution settings.
// It is created at submission, mutated only through the state tracker, and
// retained after reaching a terminal state until externally purged.
type Job struct {
	ID          string
	Name        string
	Priority    int
	Timeout     time.Duration
	Concurrency int
	// DefaultRetry applies to every node without its own policy.
	DefaultRetry retry.Policy
	Nodes        []*node.Node
	SubmittedAt  time.Time
}

// Node returns the node with the given id, or nil.
func (j *Job) Node(id string) *node.Node {
	for _, n := range j.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// PolicyFor resolves the effective retry policy for a node.
func (j *Job) PolicyFor(n *node.Node) retry.Policy {
	if n.Retry != nil {
		return *n.Retry
	}
	if j.DefaultRetry.MaxAttempts > 0 || j.DefaultRetry.BaseDelay > 0 {
		return j.DefaultRetry
	}
	return retry.DefaultPolicy()
}

// NodeState is the mutable execution record the state tracker keeps per
// node. The tracker is the single source of truth for these fields.
type NodeState struct {
	Status    node.Status
	Attempt   int
	LastError string
	Output    map[string]any
	StartedAt time.Time
	EndedAt   time.Time
}

// Snapshot is the externally visible view of one job's progress.
type Snapshot struct {
	JobID    string
	Name     string
	Status   Status
	Nodes    map[string]NodeState
	Running  []string
	Progress float64
}

// AuditRecord is one immutable entry in the recovery audit trail. Records
// are append-only; the engine never mutates or deletes them.
type AuditRecord struct {
	ID        string
	JobID     string
	NodeID    string
	Condition string
	Action    string
	Outcome   string
	At        time.Time
}
