// Package statestore defines the persistence contract for the execution
// state tracker: durable, race-free bookkeeping of job and node state.
//
// The store is the sole recovery source of truth. Every transition must be
// persisted before the caller treats it as committed: a crash between
// dispatch and persistence is observable as "still pending" on restart,
// which guarantees at-least-once re-dispatch rather than silent loss.
//
// Implementations must enforce the node and job state machines (rejecting
// illegal transitions with a TransitionError), provide read-after-write
// consistency per key, and never let two callers transition the same node
// concurrently.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vk/gridflow/internal/job"
	"github.com/vk/gridflow/internal/node"
	"github.com/vk/gridflow/internal/retry"
)

// Sentinel errors shared by all store implementations.
var (
	ErrJobNotFound  = errors.New("job not found")
	ErrNodeNotFound = errors.New("node not found")
	ErrJobExists    = errors.New("job already exists")
	// ErrJobTerminal is returned for operations that conflict with a job
	// already in a terminal state, such as cancelling a completed job.
	ErrJobTerminal = errors.New("job is in a terminal state")
)

// TransitionError reports an attempted illegal state transition. It is an
// internal invariant violation: the store rejects the change and leaves
// existing state untouched.
type TransitionError struct {
	JobID   string
	NodeID  string // empty for job-level transitions
	Current string
	Attempt string
}

func (e *TransitionError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("job %s: illegal transition %s -> %s", e.JobID, e.Current, e.Attempt)
	}
	return fmt.Sprintf("job %s node %s: illegal transition %s -> %s", e.JobID, e.NodeID, e.Current, e.Attempt)
}

// TransitionMeta carries the optional payload of a node transition.
type TransitionMeta struct {
	// Err is recorded as the node's last error when non-empty.
	Err string
	// Output is recorded on successful completion.
	Output map[string]any
}

// Store is the persistence contract consumed by the engine, the recovery
// processor, and the status query surface.
type Store interface {
	// CreateJob persists a validated job with every node pending. It fails
	// with ErrJobExists if the id is taken.
	CreateJob(ctx context.Context, j *job.Job) error

	// Job returns the stored job definition.
	Job(ctx context.Context, jobID string) (*job.Job, error)

	// JobStatus returns the job's current lifecycle state.
	JobStatus(ctx context.Context, jobID string) (job.Status, error)

	// SetJobStatus transitions the job, enforcing the job state machine.
	SetJobStatus(ctx context.Context, jobID string, to job.Status) error

	// TransitionNode atomically moves a node to a new status, enforcing the
	// node state machine, and returns the state it moved from. A transition
	// to running increments the node's attempt counter and stamps
	// StartedAt; terminal transitions stamp EndedAt.
	TransitionNode(ctx context.Context, jobID, nodeID string, to node.Status, meta TransitionMeta) (node.Status, error)

	// NodeState returns the node's current execution record.
	NodeState(ctx context.Context, jobID, nodeID string) (job.NodeState, error)

	// ReadyNodes returns ids of nodes that are pending and whose
	// dependencies have all completed, in declaration order.
	ReadyNodes(ctx context.Context, jobID string) ([]string, error)

	// Snapshot returns the job's externally visible progress view.
	Snapshot(ctx context.Context, jobID string) (*job.Snapshot, error)

	// DetectStalled returns ids of jobs that are not terminal and have had
	// no state change within the window.
	DetectStalled(ctx context.Context, olderThan time.Duration) ([]string, error)

	// AppendAudit appends one immutable recovery audit record.
	AppendAudit(ctx context.Context, rec job.AuditRecord) error

	// Audits returns the job's audit trail in append order.
	Audits(ctx context.Context, jobID string) ([]job.AuditRecord, error)

	// SaveBreakers persists circuit breaker snapshots, replacing previous
	// state per target.
	SaveBreakers(ctx context.Context, snaps []retry.BreakerSnapshot) error

	// LoadBreakers returns all persisted circuit breaker snapshots.
	LoadBreakers(ctx context.Context) ([]retry.BreakerSnapshot, error)
}
