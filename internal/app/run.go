package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vk/gridflow/internal/ctxlog"
	"github.com/vk/gridflow/internal/engine"
	"github.com/vk/gridflow/internal/events"
	"github.com/vk/gridflow/internal/inmemorystore"
	"github.com/vk/gridflow/internal/job"
	"github.com/vk/gridflow/internal/jobspec"
	"github.com/vk/gridflow/internal/notifier"
	"github.com/vk/gridflow/internal/pgstore"
	"github.com/vk/gridflow/internal/recovery"
	"github.com/vk/gridflow/internal/retry"
	"github.com/vk/gridflow/internal/runner"
	"github.com/vk/gridflow/internal/statestore"
)

// Run executes the main application logic: assemble the engine, load the
// job files, run every job to settlement, then shut the stack down in
// reverse order.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if a.opts.HealthcheckPort > 0 {
		stop := a.startHealthcheckServer(a.opts.HealthcheckPort)
		defer stop()
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	mgr := retry.NewManager(
		retry.WithBreakerThreshold(a.cfg.Breaker.Threshold),
		retry.WithBreakerCoolDown(a.cfg.Breaker.CoolDown.Std()),
	)
	if snaps, err := store.LoadBreakers(ctx); err != nil {
		a.logger.Warn("Failed to load breaker snapshots, starting closed.", "error", err)
	} else if len(snaps) > 0 {
		mgr.Restore(snaps)
		a.logger.Debug("Circuit breaker state restored.", "targets", len(snaps))
	}
	defer func() {
		if err := store.SaveBreakers(context.WithoutCancel(ctx), mgr.Export()); err != nil {
			a.logger.Warn("Failed to persist breaker snapshots.", "error", err)
		}
	}()

	bus := events.NewBus()
	defer bus.Close()

	run := runner.New(a.registry, a.cfg.NodeTimeout.Std())
	eng := engine.New(engine.Config{
		Store:       store,
		Registry:    a.registry,
		Runner:      run,
		Retry:       mgr,
		Bus:         bus,
		Workers:     a.cfg.Workers,
		GlobalLimit: a.cfg.GlobalLimit,
	})

	if a.cfg.Notifier.URL != "" {
		ntf, err := notifier.New(ctx, notifier.Config{
			URL:       a.cfg.Notifier.URL,
			Namespace: a.cfg.Notifier.Namespace,
			Event:     a.cfg.Notifier.Event,
		})
		if err != nil {
			return fmt.Errorf("failed to start notifier: %w", err)
		}
		defer ntf.Close()
		go ntf.Start(ctx, bus.Subscribe(64))
	}

	proc := recovery.New(recovery.Config{
		Store:          store,
		Runner:         run,
		Starter:        eng,
		Interval:       a.cfg.Recovery.Interval.Std(),
		StallThreshold: a.cfg.Recovery.StallThreshold.Std(),
	})
	recoveryCtx, stopRecovery := context.WithCancel(ctx)
	defer stopRecovery()
	go proc.Start(recoveryCtx)

	jobs, err := jobspec.Load(ctx, a.opts.JobPath)
	if err != nil {
		return fmt.Errorf("failed to load job files: %w", err)
	}
	if len(jobs) == 0 {
		a.logger.Warn("No jobs found, execution not required.", "path", a.opts.JobPath)
		return nil
	}
	a.logger.Info("🚀 Starting execution.", "jobs", len(jobs), "workers", a.cfg.Workers)

	return a.runJobs(ctx, eng, jobs)
}

// runJobs submits every job, runs them concurrently, and joins their
// results. One job failing does not stop the others.
func (a *App) runJobs(ctx context.Context, eng *engine.Engine, jobs []*job.Job) error {
	for _, j := range jobs {
		if err := eng.Submit(ctx, j); err != nil {
			return fmt.Errorf("failed to submit job %s: %w", j.Name, err)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, len(jobs))
	for i, j := range jobs {
		wg.Add(1)
		go func(i int, j *job.Job) {
			defer wg.Done()
			if err := eng.Run(ctx, j.ID); err != nil {
				errs[i] = fmt.Errorf("job %s: %w", j.Name, err)
			}
		}(i, j)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.logger.Info("🏁 Execution finished.")
	return nil
}

// openStore picks the state store backend from configuration.
func (a *App) openStore(ctx context.Context) (statestore.Store, func(), error) {
	switch a.cfg.Store.Driver {
	case "postgres":
		a.logger.Debug("Opening postgres state store.")
		st, err := pgstore.Open(ctx, pgstore.Config{URL: a.cfg.Store.URL})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open state store: %w", err)
		}
		return st, func() {
			if err := st.Close(); err != nil {
				a.logger.Warn("State store close failed.", "error", err)
			}
		}, nil
	default:
		a.logger.Debug("Using in-memory state store.")
		return inmemorystore.New(), func() {}, nil
	}
}
