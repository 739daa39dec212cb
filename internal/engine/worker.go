package engine

import (
	"github.com/vk/gridflow/internal/ctxlog"
	"github.com/vk/gridflow/internal/node"
	"github.com/vk/gridflow/internal/statestore"
)

// worker is the processing loop for a single concurrent worker. It owns
// exactly one transition, ready->running, bracketing the handler call;
// everything else it reports back to the scheduler.
func (x *execution) worker(workerID int) {
	defer x.wg.Done()
	log := ctxlog.FromContext(x.ctx).With("worker_id", workerID)
	log.Debug("Worker started.")

	for n := range x.dispatch {
		if x.ctx.Err() != nil {
			x.results <- nodeResult{n: n, abandoned: true}
			continue
		}

		if !x.eng.retry.Allow(n.Type) {
			x.results <- nodeResult{n: n, shortCircuit: true}
			continue
		}

		if x.eng.sem != nil {
			select {
			case x.eng.sem <- struct{}{}:
			case <-x.ctx.Done():
				x.eng.retry.ReleaseProbe(n.Type)
				x.results <- nodeResult{n: n, abandoned: true}
				continue
			}
		}

		if err := x.eng.transition(x.sctx, x.job, n.ID, node.StatusRunning, statestore.TransitionMeta{}, 0); err != nil {
			if x.eng.sem != nil {
				<-x.eng.sem
			}
			x.eng.retry.ReleaseProbe(n.Type)
			x.results <- nodeResult{n: n, infraErr: err}
			continue
		}
		st, err := x.eng.store.NodeState(x.sctx, x.job.ID, n.ID)
		if err != nil {
			st.Attempt = 1
		}

		log.Debug("Worker picked up node for execution.", "node_id", n.ID, "attempt", st.Attempt)
		res := x.eng.runner.Run(x.ctx, x.job, n, st.Attempt)

		// A failure induced by the halt's own cancellation says nothing
		// about the target's health, so keep it out of the breaker. The
		// probe slot still has to come back if this call held it.
		if res.Status == node.StatusCompleted || x.ctx.Err() == nil {
			x.eng.retry.RecordOutcome(n.Type, res.Status == node.StatusCompleted)
		} else {
			x.eng.retry.ReleaseProbe(n.Type)
		}

		if x.eng.sem != nil {
			<-x.eng.sem
		}
		x.results <- nodeResult{n: n, attempt: st.Attempt, res: res}
	}
	log.Debug("Worker finished.")
}
