// Package recovery implements the background watcher that remediates jobs
// the engine's own loop cannot self-heal: stalled graphs, crash leftovers,
// and jobs resting in failed state.
//
// Every sweep diagnoses each affected job, looks the remediation up in a
// decision table, and brackets its execution with a pair of immutable audit
// records. A failed remediation is retried on the processor's own backoff;
// a job is never left silently unattended.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vk/gridflow/internal/ctxlog"
	"github.com/vk/gridflow/internal/job"
	"github.com/vk/gridflow/internal/retry"
	"github.com/vk/gridflow/internal/runner"
	"github.com/vk/gridflow/internal/statestore"
)

// Starter re-enters a job into scheduling after a recovery action made it
// runnable again. The engine satisfies this.
type Starter interface {
	Run(ctx context.Context, jobID string) error
}

// Config carries the processor's collaborators and tuning knobs.
type Config struct {
	Store   statestore.Store
	Runner  *runner.Runner
	Starter Starter
	// Interval is the sweep period. Defaults to 10s.
	Interval time.Duration
	// StallThreshold is the no-progress window handed to DetectStalled.
	// Defaults to 30s.
	StallThreshold time.Duration
	// Rules is the decision table; DefaultRules when zero.
	Rules Rules
	// Backoff paces repeated attempts at a recovery action that itself
	// failed. Defaults to the engine default policy.
	Backoff retry.Policy
}

// Processor is the background recovery loop.
type Processor struct {
	store   statestore.Store
	runner  *runner.Runner
	starter Starter

	interval  time.Duration
	threshold time.Duration
	rules     Rules
	backoff   retry.Policy

	// now is the clock; replaceable in tests.
	now func() time.Time

	failures    map[string]int
	nextAttempt map[string]time.Time
}

// New creates a Processor from its configuration.
func New(cfg Config) *Processor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 30 * time.Second
	}
	if cfg.Rules.table == nil {
		cfg.Rules = DefaultRules()
	}
	if cfg.Backoff.MaxAttempts == 0 && cfg.Backoff.BaseDelay == 0 {
		cfg.Backoff = retry.DefaultPolicy()
	}
	return &Processor{
		store:       cfg.Store,
		runner:      cfg.Runner,
		starter:     cfg.Starter,
		interval:    cfg.Interval,
		threshold:   cfg.StallThreshold,
		rules:       cfg.Rules,
		backoff:     cfg.Backoff,
		now:         time.Now,
		failures:    make(map[string]int),
		nextAttempt: make(map[string]time.Time),
	}
}

// Start runs the sweep loop until the context is cancelled.
func (p *Processor) Start(ctx context.Context) {
	log := ctxlog.FromContext(ctx)
	log.Info("🩺 Recovery processor started.", "interval", p.interval, "stall_threshold", p.threshold)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Recovery processor stopped.")
			return
		case <-ticker.C:
			if err := p.Sweep(ctx); err != nil {
				log.Error("🔥 Recovery sweep failed.", "error", err)
			}
		}
	}
}

// Sweep performs one pass over every stalled or failed job.
func (p *Processor) Sweep(ctx context.Context) error {
	ids, err := p.store.DetectStalled(ctx, p.threshold)
	if err != nil {
		return fmt.Errorf("detecting stalled jobs: %w", err)
	}
	now := p.now()
	for _, id := range ids {
		if next, ok := p.nextAttempt[id]; ok && now.Before(next) {
			continue
		}
		p.process(ctx, id)
	}
	return nil
}

// process diagnoses one job and applies the configured remediation,
// recording an audit pair around it.
func (p *Processor) process(ctx context.Context, jobID string) {
	log := ctxlog.FromContext(ctx).With("job_id", jobID)

	status, err := p.store.JobStatus(ctx, jobID)
	if err != nil {
		log.Error("🔥 Cannot diagnose job.", "error", err)
		return
	}
	if status.Terminal() {
		return
	}

	condition := ConditionStalled
	if status == job.StatusFailed {
		condition = ConditionFailed
	}

	j, err := p.store.Job(ctx, jobID)
	if err != nil {
		log.Error("🔥 Cannot load job definition.", "error", err)
		return
	}
	critical, restingID := p.diagnoseNodes(ctx, j)
	action := p.rules.Lookup(condition, critical)

	log.Warn("🩺 Applying recovery action.",
		"condition", condition, "critical", critical, "action", action, "node_id", restingID)

	p.audit(ctx, jobID, restingID, condition, action, "started")
	err = p.apply(ctx, j, action, restingID)
	if err != nil {
		p.failures[jobID]++
		delay := p.backoff.Delay(p.failures[jobID])
		p.nextAttempt[jobID] = p.now().Add(delay)
		p.audit(ctx, jobID, restingID, condition, action, "failed: "+err.Error())
		log.Error("🔥 Recovery action failed, will retry.",
			"action", action, "attempt", p.failures[jobID], "next_in", delay, "error", err)
		return
	}
	delete(p.failures, jobID)
	delete(p.nextAttempt, jobID)
	p.audit(ctx, jobID, restingID, condition, action, "succeeded")
	log.Info("✅ Recovery action applied.", "action", action)
}

// diagnoseNodes reports whether any unfinished node is critical and names
// the first resting node, when there is exactly one branch to point at.
func (p *Processor) diagnoseNodes(ctx context.Context, j *job.Job) (critical bool, restingID string) {
	for _, n := range j.Nodes {
		st, err := p.store.NodeState(ctx, j.ID, n.ID)
		if err != nil {
			continue
		}
		if st.Status.Resting() {
			if restingID == "" {
				restingID = n.ID
			}
			if n.Critical {
				critical = true
			}
			continue
		}
		if !st.Status.Terminal() && n.Critical {
			critical = true
		}
	}
	return critical, restingID
}

func (p *Processor) audit(ctx context.Context, jobID, nodeID string, c Condition, a Action, outcome string) {
	rec := job.AuditRecord{
		ID:        uuid.NewString(),
		JobID:     jobID,
		NodeID:    nodeID,
		Condition: string(c),
		Action:    string(a),
		Outcome:   outcome,
		At:        p.now(),
	}
	if err := p.store.AppendAudit(ctx, rec); err != nil {
		ctxlog.FromContext(ctx).Error("🔥 Failed to append audit record.", "job_id", jobID, "error", err)
	}
}

// resume hands the job back to the scheduler.
func (p *Processor) resume(ctx context.Context, jobID string) error {
	if err := p.store.SetJobStatus(ctx, jobID, job.StatusRunning); err != nil {
		var te *statestore.TransitionError
		// A transition error means another resume already moved the job on;
		// resuming twice must not corrupt anything.
		if !errors.As(err, &te) {
			return err
		}
	}
	if p.starter == nil {
		return nil
	}
	go func() {
		if err := p.starter.Run(context.WithoutCancel(ctx), jobID); err != nil {
			ctxlog.FromContext(ctx).Error("🔥 Resumed job ended with error.", "job_id", jobID, "error", err)
		}
	}()
	return nil
}
