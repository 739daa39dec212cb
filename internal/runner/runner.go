// Package runner executes a single node attempt: handler resolution, the
// per-attempt timeout, and panic isolation. It never touches persisted state;
// the engine owns all transitions and feeds the attempt outcome back into
// them.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vk/gridflow/internal/ctxlog"
	"github.com/vk/gridflow/internal/job"
	"github.com/vk/gridflow/internal/node"
	"github.com/vk/gridflow/internal/registry"
	"github.com/vk/gridflow/internal/retry"
)

// DefaultTimeout bounds an attempt when neither the node nor the runner
// configures one.
const DefaultTimeout = 5 * time.Minute

// Result is the outcome of one execution attempt. Status is one of
// completed, failed, or timeout.
type Result struct {
	Status node.Status
	Output map[string]any
	Err    error
}

// Runner resolves handlers from the registry and executes node attempts.
type Runner struct {
	registry       *registry.Registry
	defaultTimeout time.Duration
}

// New creates a Runner. A non-positive defaultTimeout falls back to
// DefaultTimeout.
func New(reg *registry.Registry, defaultTimeout time.Duration) *Runner {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Runner{registry: reg, defaultTimeout: defaultTimeout}
}

// Run executes one attempt of the node and reports how it ended. The
// attempt is bounded by the node's timeout (or the runner default); an
// expired deadline yields StatusTimeout, every other failure StatusFailed.
func (r *Runner) Run(ctx context.Context, j *job.Job, n *node.Node, attempt int) Result {
	log := ctxlog.FromContext(ctx).With("job_id", j.ID, "node_id", n.ID, "attempt", attempt)

	handler := r.registry.Handler(n.Type)
	if handler == nil {
		// Submission validation makes this unreachable in practice.
		return Result{
			Status: node.StatusFailed,
			Err:    retry.Fatal(fmt.Errorf("no handler registered for node type %q", n.Type)),
		}
	}

	timeout := n.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Debug("▶️ Executing node handler.", "type", n.Type, "timeout", timeout)

	output, err := safeExecute(attemptCtx, handler, registry.Input{
		JobID:   j.ID,
		NodeID:  n.ID,
		Attempt: attempt,
		Payload: n.Input,
	})

	switch {
	case err == nil:
		log.Debug("✅ Node handler finished.", "type", n.Type)
		return Result{Status: node.StatusCompleted, Output: output}
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		log.Warn("⏱️ Node handler exceeded its deadline.", "type", n.Type, "timeout", timeout)
		return Result{Status: node.StatusTimeout, Err: err}
	default:
		log.Warn("🔥 Node handler failed.", "type", n.Type, "error", err)
		return Result{Status: node.StatusFailed, Err: err}
	}
}

// Compensate undoes a completed node during a rollback, when its handler
// supports compensation. Nodes without a Compensator are silently skipped.
func (r *Runner) Compensate(ctx context.Context, j *job.Job, n *node.Node, output map[string]any) error {
	comp, ok := r.registry.Handler(n.Type).(registry.Compensator)
	if !ok {
		return nil
	}
	log := ctxlog.FromContext(ctx).With("job_id", j.ID, "node_id", n.ID)
	log.Info("↩️ Compensating completed node.", "type", n.Type)
	return comp.Compensate(ctx, registry.Input{
		JobID:   j.ID,
		NodeID:  n.ID,
		Payload: n.Input,
	}, output)
}

// safeExecute calls the handler and converts a panic into a fatal error, so
// one misbehaving handler cannot take the worker pool down.
func safeExecute(ctx context.Context, h registry.Handler, in registry.Input) (output map[string]any, err error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				err = retry.Fatal(fmt.Errorf("handler panic: %v", rec))
			}
		}()
		output, err = h.Execute(ctx, in)
	}()

	select {
	case <-done:
		return output, err
	case <-ctx.Done():
		// The handler goroutine is abandoned; a well-behaved handler returns
		// shortly after its context is cancelled.
		return nil, ctx.Err()
	}
}
