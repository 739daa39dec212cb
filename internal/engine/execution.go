package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vk/gridflow/internal/ctxlog"
	"github.com/vk/gridflow/internal/graph"
	"github.com/vk/gridflow/internal/job"
	"github.com/vk/gridflow/internal/node"
	"github.com/vk/gridflow/internal/runner"
	"github.com/vk/gridflow/internal/statestore"
)

// nodeResult is what a worker reports back for one dispatched node.
type nodeResult struct {
	n       *node.Node
	attempt int
	res     runner.Result
	// abandoned is set when the worker observed the halt before executing;
	// the node is still in ready state.
	abandoned bool
	// shortCircuit is set when the node type's circuit breaker refused the
	// call; the node is still in ready state.
	shortCircuit bool
	// infraErr is set when the ready->running transition itself failed.
	infraErr error
}

// execution is the live state of one running job: a scheduler goroutine plus
// its worker pool. All fields below the channels are owned by the scheduler
// loop except timers, which AfterFunc callbacks also touch.
type execution struct {
	eng *Engine
	job *job.Job
	g   *graph.Graph

	ctx    context.Context
	cancel context.CancelFunc
	// sctx survives cancellation so halt settlement can still reach the
	// store.
	sctx context.Context
	log  *slog.Logger

	dispatch chan *node.Node
	results  chan nodeResult
	wake     chan string
	wg       sync.WaitGroup

	inflight int
	waiting  int

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	halting         bool
	cancelRequested bool
	haltCause       error
}

func newExecution(e *Engine, j *job.Job, g *graph.Graph) *execution {
	size := g.Len()
	if size < 1 {
		size = 1
	}
	return &execution{
		eng:      e,
		job:      j,
		g:        g,
		dispatch: make(chan *node.Node, size),
		results:  make(chan nodeResult, size),
		wake:     make(chan string, size),
		timers:   make(map[string]*time.Timer),
	}
}

// requestCancel asks the scheduler to wind the job down. Safe to call from
// any goroutine; the scheduler observes it through its context.
func (x *execution) requestCancel() {
	x.timersMu.Lock()
	x.cancelRequested = true
	cancel := x.cancel
	x.timersMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// run is the scheduler loop. It returns once the job reached a terminal
// state or halted.
func (x *execution) run(parent context.Context) error {
	x.log = ctxlog.FromContext(parent).With("job_id", x.job.ID)
	ctx := ctxlog.WithLogger(parent, x.log)
	x.sctx = context.WithoutCancel(ctx)
	var cancel context.CancelFunc
	if x.job.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, x.job.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	x.ctx = ctx
	defer cancel()

	// A cancel request can arrive between registration and this point.
	x.timersMu.Lock()
	x.cancel = cancel
	cancelledEarly := x.cancelRequested
	x.timersMu.Unlock()
	if cancelledEarly {
		cancel()
	}

	workers := x.eng.workers
	if x.job.Concurrency > 0 && x.job.Concurrency < workers {
		workers = x.job.Concurrency
	}
	for i := 0; i < workers; i++ {
		x.wg.Add(1)
		go x.worker(i)
	}
	x.log.Info("🚀 Job execution started.", "nodes", x.g.Len(), "workers", workers)

	if err := x.resume(); err != nil {
		x.beginHalt(err)
	}
	if !x.halting {
		if err := x.pump(); err != nil {
			x.beginHalt(err)
		}
	}

	done := x.ctx.Done()
	for x.inflight > 0 || x.waiting > 0 {
		select {
		case r := <-x.results:
			x.inflight--
			x.handleResult(r)
		case id := <-x.wake:
			x.waiting--
			x.handleWake(id)
		case <-done:
			done = nil
			x.onContextDone()
		}
	}

	close(x.dispatch)
	x.wg.Wait()

	return x.finalize()
}

// onContextDone turns a context expiry into a halt, distinguishing an
// explicit cancel request from the job deadline.
func (x *execution) onContextDone() {
	x.timersMu.Lock()
	cancelled := x.cancelRequested
	x.timersMu.Unlock()
	if cancelled {
		x.log.Info("🛑 Job cancellation requested.")
		x.beginHalt(nil)
		return
	}
	if x.ctx.Err() == context.DeadlineExceeded {
		x.log.Warn("⏱️ Job deadline exceeded.", "timeout", x.job.Timeout)
		x.beginHalt(fmt.Errorf("job deadline exceeded after %s: %w", x.job.Timeout, context.DeadlineExceeded))
		return
	}
	// Parent shutdown behaves like a cancel.
	x.timersMu.Lock()
	x.cancelRequested = true
	x.timersMu.Unlock()
	x.beginHalt(nil)
}

// resume re-adopts nodes a previous process left mid-flight. Ready nodes are
// dispatched again, a node stuck in running is treated as an interrupted
// attempt and handed to the failure path, and a node parked in retrying goes
// straight back to ready. Re-running a crashed dispatch is at-least-once by
// design: the store only records completion after the handler returned.
func (x *execution) resume() error {
	for _, id := range x.g.Order() {
		st, err := x.eng.store.NodeState(x.sctx, x.job.ID, id)
		if err != nil {
			return err
		}
		switch st.Status {
		case node.StatusReady:
			x.log.Info("↩️ Re-dispatching node left ready by a previous run.", "node_id", id)
			x.inflight++
			x.dispatch <- x.g.Node(id)

		case node.StatusRunning:
			x.log.Warn("↩️ Node was left running by a previous run, treating the attempt as lost.",
				"node_id", id, "attempt", st.Attempt)
			interrupted := errors.New("attempt interrupted before completion")
			meta := statestore.TransitionMeta{Err: interrupted.Error()}
			if err := x.eng.transition(x.sctx, x.job, id, node.StatusFailed, meta, st.Attempt); err != nil {
				return err
			}
			x.handleFailure(nodeResult{
				n:       x.g.Node(id),
				attempt: st.Attempt,
				res:     runner.Result{Status: node.StatusFailed, Err: interrupted},
			})

		case node.StatusRetrying:
			x.log.Info("↩️ Re-dispatching node left retrying by a previous run.", "node_id", id)
			if err := x.eng.transition(x.sctx, x.job, id, node.StatusReady, statestore.TransitionMeta{}, st.Attempt); err != nil {
				return err
			}
			x.inflight++
			x.dispatch <- x.g.Node(id)
		}
	}
	return nil
}

// pump moves every newly eligible node from pending to ready and dispatches
// the batch, highest priority first, declaration order breaking ties.
func (x *execution) pump() error {
	ids, err := x.eng.store.ReadyNodes(x.sctx, x.job.ID)
	if err != nil {
		return fmt.Errorf("querying ready nodes: %w", err)
	}
	batch := make([]*node.Node, 0, len(ids))
	for _, id := range ids {
		if err := x.eng.transition(x.sctx, x.job, id, node.StatusReady, statestore.TransitionMeta{}, 0); err != nil {
			return err
		}
		batch = append(batch, x.g.Node(id))
	}
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority > batch[j].Priority
		}
		return batch[i].Index < batch[j].Index
	})
	for _, n := range batch {
		x.inflight++
		x.dispatch <- n
	}
	return nil
}

// handleResult applies one worker report to the graph.
func (x *execution) handleResult(r nodeResult) {
	switch {
	case r.abandoned:
		x.settle(r.n.ID, node.StatusCancelled, "")
		return

	case r.infraErr != nil:
		x.log.Error("🔥 State store rejected a dispatch.", "node_id", r.n.ID, "error", r.infraErr)
		x.beginHalt(fmt.Errorf("dispatching node %s: %w", r.n.ID, r.infraErr))
		return

	case r.shortCircuit:
		if x.halting {
			x.settle(r.n.ID, node.StatusCancelled, "")
			return
		}
		wait := x.eng.retry.Cooldown(r.n.Type)
		if wait <= 0 {
			wait = time.Second
		}
		x.log.Warn("🩺 Circuit breaker open, deferring node.", "node_id", r.n.ID, "target", r.n.Type, "wait", wait)
		x.armTimer(r.n.ID, wait)
		return
	}

	switch r.res.Status {
	case node.StatusCompleted:
		if err := x.eng.transition(x.sctx, x.job, r.n.ID, node.StatusCompleted, statestore.TransitionMeta{Output: r.res.Output}, r.attempt); err != nil {
			x.beginHalt(err)
			return
		}
		x.log.Info("✅ Node completed.", "node_id", r.n.ID, "attempt", r.attempt)
		if x.halting {
			return
		}
		if err := x.pump(); err != nil {
			x.beginHalt(err)
		}

	case node.StatusFailed, node.StatusTimeout:
		if x.halting {
			// The failure was induced by the halt's cancellation.
			x.settle(r.n.ID, node.StatusCancelled, "")
			return
		}
		errMsg := ""
		if r.res.Err != nil {
			errMsg = r.res.Err.Error()
		}
		if err := x.eng.transition(x.sctx, x.job, r.n.ID, r.res.Status, statestore.TransitionMeta{Err: errMsg}, r.attempt); err != nil {
			x.beginHalt(err)
			return
		}
		x.handleFailure(r)

	default:
		x.log.Error("🔥 Worker reported an unexpected node status.", "node_id", r.n.ID, "status", r.res.Status)
	}
}

// handleFailure decides between a backoff retry and settling the failure.
func (x *execution) handleFailure(r nodeResult) {
	policy := x.job.PolicyFor(r.n)
	decision := x.eng.retry.Decide(policy, r.res.Err, r.attempt)
	if decision.Retry {
		if err := x.eng.transition(x.sctx, x.job, r.n.ID, node.StatusRetrying, statestore.TransitionMeta{}, r.attempt); err != nil {
			x.beginHalt(err)
			return
		}
		x.log.Warn("🔁 Node failed, retrying after backoff.",
			"node_id", r.n.ID, "attempt", r.attempt, "delay", decision.Delay, "error", r.res.Err)
		x.armTimer(r.n.ID, decision.Delay)
		return
	}

	if r.n.Critical {
		x.log.Error("🔥 Critical node failed permanently, halting graph.",
			"node_id", r.n.ID, "attempt", r.attempt, "reason", decision.Reason, "error", r.res.Err)
		x.beginHalt(&HaltError{JobID: x.job.ID, NodeID: r.n.ID, Cause: r.res.Err})
		return
	}

	x.log.Warn("⏭️ Node failed permanently, skipping it and its descendants.",
		"node_id", r.n.ID, "attempt", r.attempt, "reason", decision.Reason, "error", r.res.Err)
	x.settle(r.n.ID, node.StatusSkipped, "")
	for _, desc := range x.g.Descendants(r.n.ID) {
		st, err := x.eng.store.NodeState(x.sctx, x.job.ID, desc)
		if err != nil {
			x.beginHalt(err)
			return
		}
		if st.Status != node.StatusPending {
			continue
		}
		x.settle(desc, node.StatusSkipped, fmt.Sprintf("dependency %s was skipped", r.n.ID))
	}
}

// handleWake re-dispatches a node whose backoff delay or breaker cool-down
// elapsed.
func (x *execution) handleWake(id string) {
	x.timersMu.Lock()
	delete(x.timers, id)
	x.timersMu.Unlock()

	st, err := x.eng.store.NodeState(x.sctx, x.job.ID, id)
	if err != nil {
		x.beginHalt(err)
		return
	}

	if x.halting {
		if st.Status == node.StatusRetrying || st.Status == node.StatusReady {
			x.settle(id, node.StatusCancelled, "")
		}
		return
	}

	switch st.Status {
	case node.StatusRetrying:
		if err := x.eng.transition(x.sctx, x.job, id, node.StatusReady, statestore.TransitionMeta{}, st.Attempt); err != nil {
			x.beginHalt(err)
			return
		}
		x.inflight++
		x.dispatch <- x.g.Node(id)
	case node.StatusReady:
		// Breaker wait: the node never left ready.
		x.inflight++
		x.dispatch <- x.g.Node(id)
	}
}

// armTimer schedules a wake for the node. The scheduler only counts the
// waiter; the AfterFunc goroutine delivers the wake through the channel.
func (x *execution) armTimer(id string, d time.Duration) {
	x.waiting++
	x.timersMu.Lock()
	x.timers[id] = time.AfterFunc(d, func() {
		x.wake <- id
	})
	x.timersMu.Unlock()
}

// beginHalt switches the execution into wind-down mode: the run context is
// cancelled, armed timers are stopped, and their nodes settled. Nodes already
// dispatched drain through the workers as abandoned results.
func (x *execution) beginHalt(cause error) {
	if x.halting {
		return
	}
	x.halting = true
	if cause != nil && x.haltCause == nil {
		x.haltCause = cause
	}
	x.cancel()

	x.timersMu.Lock()
	stopped := make([]string, 0, len(x.timers))
	for id, tm := range x.timers {
		if tm.Stop() {
			delete(x.timers, id)
			stopped = append(stopped, id)
		}
		// A timer that already fired delivers its wake; handleWake settles
		// the node then.
	}
	x.timersMu.Unlock()

	for _, id := range stopped {
		x.waiting--
		x.settle(id, node.StatusCancelled, "")
	}
}

// settle moves a node to a terminal state, tolerating races where the node
// already settled.
func (x *execution) settle(id string, to node.Status, reason string) {
	st, err := x.eng.store.NodeState(x.sctx, x.job.ID, id)
	if err != nil {
		x.log.Error("🔥 Failed to read node state while settling.", "node_id", id, "error", err)
		return
	}
	if st.Status.Terminal() {
		return
	}
	meta := statestore.TransitionMeta{Err: reason}
	if err := x.eng.transition(x.sctx, x.job, id, to, meta, st.Attempt); err != nil {
		x.log.Error("🔥 Failed to settle node.", "node_id", id, "to", to, "error", err)
	}
}

// finalize settles leftover pending nodes and records the job's terminal
// state.
func (x *execution) finalize() error {
	if x.halting {
		for _, id := range x.g.Order() {
			st, err := x.eng.store.NodeState(x.sctx, x.job.ID, id)
			if err != nil {
				continue
			}
			if st.Status == node.StatusPending || st.Status == node.StatusReady {
				x.settle(id, node.StatusCancelled, "")
			}
		}
	}

	x.timersMu.Lock()
	cancelled := x.cancelRequested
	x.timersMu.Unlock()

	switch {
	case cancelled && x.haltCause == nil:
		if err := x.eng.store.SetJobStatus(x.sctx, x.job.ID, job.StatusCancelled); err != nil {
			return err
		}
		x.log.Info("🏁 Job cancelled.")
		return nil
	case x.haltCause != nil:
		if err := x.eng.store.SetJobStatus(x.sctx, x.job.ID, job.StatusFailed); err != nil {
			return err
		}
		x.log.Error("🏁 Job failed.", "error", x.haltCause)
		return x.haltCause
	default:
		// A drained loop is not proof of success: a resume gap or a node
		// settled outside the completed/skipped pair must not report a
		// finished job. Leave it failed for the recovery processor.
		if unsettled := x.unsettledNodes(); len(unsettled) > 0 {
			err := fmt.Errorf("job %s settled with nodes neither completed nor skipped: %v", x.job.ID, unsettled)
			if serr := x.eng.store.SetJobStatus(x.sctx, x.job.ID, job.StatusFailed); serr != nil {
				return serr
			}
			x.log.Error("🏁 Job failed.", "error", err)
			return err
		}
		if err := x.eng.store.SetJobStatus(x.sctx, x.job.ID, job.StatusCompleted); err != nil {
			return err
		}
		snap, err := x.eng.store.Snapshot(x.sctx, x.job.ID)
		if err == nil {
			x.log.Info("🏁 Job completed.", "progress", snap.Progress)
		} else {
			x.log.Info("🏁 Job completed.")
		}
		return nil
	}
}

// unsettledNodes returns ids of nodes that did not end completed or skipped.
func (x *execution) unsettledNodes() []string {
	var out []string
	for _, id := range x.g.Order() {
		st, err := x.eng.store.NodeState(x.sctx, x.job.ID, id)
		if err != nil {
			out = append(out, id)
			continue
		}
		if st.Status == node.StatusCompleted || st.Status == node.StatusSkipped {
			continue
		}
		out = append(out, id)
	}
	return out
}
