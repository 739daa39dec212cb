package node

// Status represents the execution state of a node within a job's graph.
type Status int

const (
	// StatusPending indicates the node is waiting for its dependencies.
	StatusPending Status = iota
	// StatusReady indicates all dependencies are satisfied and the node is
	// eligible for dispatch.
	StatusReady
	// StatusRunning indicates a worker is currently executing the node.
	StatusRunning
	// StatusCompleted indicates the node finished successfully.
	StatusCompleted
	// StatusFailed indicates the node's handler returned an error.
	StatusFailed
	// StatusTimeout indicates the node's handler exceeded its deadline.
	StatusTimeout
	// StatusRetrying indicates a failed attempt is waiting out its backoff
	// delay before being re-dispatched.
	StatusRetrying
	// StatusCancelled indicates the node was cancelled before or during
	// execution as part of job cancellation or a graph halt.
	StatusCancelled
	// StatusSkipped indicates the node was taken out of scheduling, either
	// because a non-critical failure exhausted its retries or because an
	// upstream dependency failed.
	StatusSkipped
	// StatusAborted indicates a recovery action forced the node to stop.
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusTimeout:
		return "timeout"
	case StatusRetrying:
		return "retrying"
	case StatusCancelled:
		return "cancelled"
	case StatusSkipped:
		return "skipped"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a state a node can never leave.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusSkipped, StatusAborted:
		return true
	}
	return false
}

// SuccessTerminal reports whether s unblocks dependents. Only a completed
// dependency makes a dependent eligible for dispatch; skipped nodes cascade
// the skip downstream instead.
func (s Status) SuccessTerminal() bool {
	return s == StatusCompleted
}

// Resting reports whether s is a failure state that the scheduler has stopped
// acting on. Resting nodes are left for the recovery processor, which may
// re-enter them into scheduling, skip them, or abort the job.
func (s Status) Resting() bool {
	return s == StatusFailed || s == StatusTimeout
}

// legal maps each status to the set of statuses it may transition into.
// Terminal states have no successors. The pending->skipped edge covers
// upstream-failure cascades; failed/timeout->pending covers recovery requeue.
var legal = map[Status][]Status{
	StatusPending:  {StatusReady, StatusSkipped, StatusCancelled, StatusAborted},
	StatusReady:    {StatusRunning, StatusSkipped, StatusCancelled, StatusAborted},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled, StatusAborted},
	StatusFailed:   {StatusRetrying, StatusSkipped, StatusPending, StatusAborted},
	StatusTimeout:  {StatusRetrying, StatusSkipped, StatusPending, StatusAborted},
	StatusRetrying: {StatusReady, StatusCancelled, StatusAborted},
}

// CanTransition reports whether the state machine permits moving a node from
// one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range legal[from] {
		if next == to {
			return true
		}
	}
	return false
}
