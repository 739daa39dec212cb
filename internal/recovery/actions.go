package recovery

import (
	"context"
	"fmt"

	"github.com/vk/gridflow/internal/ctxlog"
	"github.com/vk/gridflow/internal/graph"
	"github.com/vk/gridflow/internal/job"
	"github.com/vk/gridflow/internal/node"
	"github.com/vk/gridflow/internal/statestore"
)

// apply executes one recovery action against the job.
func (p *Processor) apply(ctx context.Context, j *job.Job, action Action, restingID string) error {
	switch action {
	case ActionRetry:
		return p.applyRetry(ctx, j, restingID)
	case ActionSkip:
		return p.applySkip(ctx, j)
	case ActionRequeue:
		return p.applyRequeue(ctx, j)
	case ActionRollback:
		return p.applyRollback(ctx, j)
	case ActionEscalate:
		return p.applyEscalate(ctx, j)
	case ActionAbort:
		return p.applyAbort(ctx, j)
	default:
		return fmt.Errorf("unknown recovery action %q", action)
	}
}

// applyRetry re-enters a single resting node into scheduling.
func (p *Processor) applyRetry(ctx context.Context, j *job.Job, restingID string) error {
	if restingID == "" {
		return fmt.Errorf("job %s has no resting node to retry", j.ID)
	}
	if _, err := p.store.TransitionNode(ctx, j.ID, restingID, node.StatusPending, statestore.TransitionMeta{}); err != nil {
		return err
	}
	return p.resume(ctx, j.ID)
}

// applySkip settles every resting node as skipped, cascades the skip through
// its descendants, and resumes the rest of the graph.
func (p *Processor) applySkip(ctx context.Context, j *job.Job) error {
	g, err := graph.New(j.Nodes)
	if err != nil {
		return err
	}
	for _, n := range j.Nodes {
		st, err := p.store.NodeState(ctx, j.ID, n.ID)
		if err != nil {
			return err
		}
		if !st.Status.Resting() {
			continue
		}
		if _, err := p.store.TransitionNode(ctx, j.ID, n.ID, node.StatusSkipped, statestore.TransitionMeta{}); err != nil {
			return err
		}
		for _, desc := range g.Descendants(n.ID) {
			dst, err := p.store.NodeState(ctx, j.ID, desc)
			if err != nil {
				return err
			}
			if dst.Status != node.StatusPending {
				continue
			}
			meta := statestore.TransitionMeta{Err: fmt.Sprintf("dependency %s was skipped by recovery", n.ID)}
			if _, err := p.store.TransitionNode(ctx, j.ID, desc, node.StatusSkipped, meta); err != nil {
				return err
			}
		}
	}
	return p.resume(ctx, j.ID)
}

// applyRequeue resets every resting node to pending and restarts scheduling
// from the last consistent state; completed work is kept.
func (p *Processor) applyRequeue(ctx context.Context, j *job.Job) error {
	requeued := 0
	for _, n := range j.Nodes {
		st, err := p.store.NodeState(ctx, j.ID, n.ID)
		if err != nil {
			return err
		}
		if !st.Status.Resting() {
			continue
		}
		if _, err := p.store.TransitionNode(ctx, j.ID, n.ID, node.StatusPending, statestore.TransitionMeta{}); err != nil {
			return err
		}
		requeued++
	}
	if requeued == 0 {
		return fmt.Errorf("job %s has no resting node to requeue", j.ID)
	}
	return p.resume(ctx, j.ID)
}

// applyRollback compensates completed nodes in reverse declaration order,
// then aborts the job.
func (p *Processor) applyRollback(ctx context.Context, j *job.Job) error {
	for i := len(j.Nodes) - 1; i >= 0; i-- {
		n := j.Nodes[i]
		st, err := p.store.NodeState(ctx, j.ID, n.ID)
		if err != nil {
			return err
		}
		if st.Status != node.StatusCompleted {
			continue
		}
		if err := p.runner.Compensate(ctx, j, n, st.Output); err != nil {
			return fmt.Errorf("compensating node %s: %w", n.ID, err)
		}
	}
	return p.applyAbort(ctx, j)
}

// applyEscalate notifies operators and deliberately changes no state; the
// audit pair is the escalation's durable trace.
func (p *Processor) applyEscalate(ctx context.Context, j *job.Job) error {
	ctxlog.FromContext(ctx).Error("🚨 Job escalated for manual intervention.",
		"job_id", j.ID, "name", j.Name)
	return nil
}

// applyAbort forces every unfinished node and the job itself to aborted.
func (p *Processor) applyAbort(ctx context.Context, j *job.Job) error {
	for _, n := range j.Nodes {
		st, err := p.store.NodeState(ctx, j.ID, n.ID)
		if err != nil {
			return err
		}
		if st.Status.Terminal() {
			continue
		}
		if _, err := p.store.TransitionNode(ctx, j.ID, n.ID, node.StatusAborted, statestore.TransitionMeta{}); err != nil {
			return err
		}
	}
	return p.store.SetJobStatus(ctx, j.ID, job.StatusAborted)
}
