package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vk/gridflow/internal/ctxlog"
	"github.com/vk/gridflow/internal/events"
	"github.com/vk/gridflow/internal/graph"
	"github.com/vk/gridflow/internal/job"
	"github.com/vk/gridflow/internal/node"
	"github.com/vk/gridflow/internal/registry"
	"github.com/vk/gridflow/internal/retry"
	"github.com/vk/gridflow/internal/runner"
	"github.com/vk/gridflow/internal/statestore"
)

// Config carries the engine's collaborators and tuning knobs.
type Config struct {
	Store    statestore.Store
	Registry *registry.Registry
	Runner   *runner.Runner
	Retry    *retry.Manager
	Bus      *events.Bus

	// Workers is the per-job worker pool size. A job's own Concurrency
	// setting lowers it further. Defaults to 4.
	Workers int
	// GlobalLimit caps concurrently running nodes across all jobs. Zero
	// means unlimited.
	GlobalLimit int
}

// Engine accepts jobs and executes their graphs.
type Engine struct {
	store    statestore.Store
	registry *registry.Registry
	runner   *runner.Runner
	retry    *retry.Manager
	bus      *events.Bus
	workers  int
	sem      chan struct{}

	mu         sync.Mutex
	executions map[string]*execution
}

// New creates an Engine from its configuration.
func New(cfg Config) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	var sem chan struct{}
	if cfg.GlobalLimit > 0 {
		sem = make(chan struct{}, cfg.GlobalLimit)
	}
	return &Engine{
		store:      cfg.Store,
		registry:   cfg.Registry,
		runner:     cfg.Runner,
		retry:      cfg.Retry,
		bus:        cfg.Bus,
		workers:    workers,
		sem:        sem,
		executions: make(map[string]*execution),
	}
}

// HaltError reports that a job was halted by the permanent failure of a
// critical node.
type HaltError struct {
	JobID  string
	NodeID string
	Cause  error
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("job %s halted: critical node %s failed permanently: %v", e.JobID, e.NodeID, e.Cause)
}

func (e *HaltError) Unwrap() error { return e.Cause }

// Submit validates a job and persists it in pending state. Validation is
// all-or-nothing: a job with any graph violation or unknown node type leaves
// no trace in the store.
func (e *Engine) Submit(ctx context.Context, j *job.Job) error {
	log := ctxlog.FromContext(ctx)

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	for i, n := range j.Nodes {
		n.Index = i
	}

	if err := graph.Validate(j.Nodes); err != nil {
		return fmt.Errorf("job %s rejected: %w", j.ID, err)
	}
	if err := e.registry.ValidateTypes(j.Nodes); err != nil {
		return fmt.Errorf("job %s rejected: %w", j.ID, err)
	}

	if j.SubmittedAt.IsZero() {
		j.SubmittedAt = time.Now()
	}
	if err := e.store.CreateJob(ctx, j); err != nil {
		return err
	}
	log.Info("📥 Job accepted.", "job_id", j.ID, "name", j.Name, "nodes", len(j.Nodes))
	return nil
}

// Run executes a submitted job to a terminal state, blocking until the graph
// settles. It also resumes jobs a recovery action moved back under the
// scheduler: any node left pending by a requeue is picked up again.
func (e *Engine) Run(ctx context.Context, jobID string) error {
	j, err := e.store.Job(ctx, jobID)
	if err != nil {
		return err
	}

	status, err := e.store.JobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return statestore.ErrJobTerminal
	}
	if status != job.StatusRunning {
		if err := e.store.SetJobStatus(ctx, jobID, job.StatusRunning); err != nil {
			return err
		}
	}

	g, err := graph.New(j.Nodes)
	if err != nil {
		return err
	}

	x := newExecution(e, j, g)
	e.mu.Lock()
	if _, exists := e.executions[jobID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("job %s is already executing", jobID)
	}
	e.executions[jobID] = x
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.executions, jobID)
		e.mu.Unlock()
	}()

	return x.run(ctx)
}

// Cancel stops a job. A job executing in this process is wound down
// cooperatively; a dormant pending or running job (a scheduler that died
// mid-flight) is settled directly in the store. Cancelling a job already in
// a terminal state fails with ErrJobTerminal.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	status, err := e.store.JobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return statestore.ErrJobTerminal
	}

	e.mu.Lock()
	x := e.executions[jobID]
	e.mu.Unlock()
	if x != nil {
		x.requestCancel()
		return nil
	}

	if status != job.StatusPending && status != job.StatusRunning {
		return fmt.Errorf("job %s is %s and has no live execution to cancel", jobID, status)
	}
	j, err := e.store.Job(ctx, jobID)
	if err != nil {
		return err
	}
	for _, n := range j.Nodes {
		st, err := e.store.NodeState(ctx, jobID, n.ID)
		if err != nil {
			return err
		}
		if st.Status.Terminal() || st.Status.Resting() {
			continue
		}
		if err := e.transition(ctx, j, n.ID, node.StatusCancelled, statestore.TransitionMeta{}, 0); err != nil {
			return err
		}
	}
	return e.store.SetJobStatus(ctx, jobID, job.StatusCancelled)
}

// Snapshot returns the job's current progress view.
func (e *Engine) Snapshot(ctx context.Context, jobID string) (*job.Snapshot, error) {
	return e.store.Snapshot(ctx, jobID)
}

// transition persists one node state change and publishes it on the bus.
func (e *Engine) transition(ctx context.Context, j *job.Job, nodeID string, to node.Status, meta statestore.TransitionMeta, attempt int) error {
	from, err := e.store.TransitionNode(ctx, j.ID, nodeID, to, meta)
	if err != nil {
		return err
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			JobID:     j.ID,
			NodeID:    nodeID,
			From:      from,
			To:        to,
			Attempt:   attempt,
			Err:       meta.Err,
			Timestamp: time.Now(),
		})
	}
	return nil
}
