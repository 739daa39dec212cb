package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/gridflow/internal/events"
	"github.com/vk/gridflow/internal/graph"
	"github.com/vk/gridflow/internal/inmemorystore"
	"github.com/vk/gridflow/internal/job"
	"github.com/vk/gridflow/internal/node"
	"github.com/vk/gridflow/internal/registry"
	"github.com/vk/gridflow/internal/retry"
	"github.com/vk/gridflow/internal/runner"
	"github.com/vk/gridflow/internal/statestore"
)

type funcHandler func(ctx context.Context, in registry.Input) (map[string]any, error)

func (f funcHandler) Execute(ctx context.Context, in registry.Input) (map[string]any, error) {
	return f(ctx, in)
}

type harness struct {
	store *inmemorystore.Store
	reg   *registry.Registry
	eng   *Engine
	bus   *events.Bus
}

func newHarness(t *testing.T, opts ...retry.Option) *harness {
	t.Helper()
	store := inmemorystore.New()
	reg := registry.New()
	bus := events.NewBus()
	eng := New(Config{
		Store:    store,
		Registry: reg,
		Runner:   runner.New(reg, time.Second),
		Retry:    retry.NewManager(opts...),
		Bus:      bus,
		Workers:  4,
	})
	return &harness{store: store, reg: reg, eng: eng, bus: bus}
}

// fastPolicy keeps backoff delays negligible in tests.
func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{
		Strategy:    retry.StrategyFixed,
		BaseDelay:   time.Millisecond,
		MaxAttempts: attempts,
	}
}

func (h *harness) nodeStatus(t *testing.T, jobID, nodeID string) node.Status {
	t.Helper()
	st, err := h.store.NodeState(context.Background(), jobID, nodeID)
	require.NoError(t, err)
	return st.Status
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)
	h.reg.RegisterHandler("print", funcHandler(func(ctx context.Context, in registry.Input) (map[string]any, error) {
		return nil, nil
	}))
	ctx := context.Background()

	t.Run("cycle is rejected before any state is persisted", func(t *testing.T) {
		j := &job.Job{
			ID: "cyclic",
			Nodes: []*node.Node{
				{ID: "a", Type: "print", Depends: []string{"b"}},
				{ID: "b", Type: "print", Depends: []string{"a"}},
			},
		}
		err := h.eng.Submit(ctx, j)
		var ve *graph.ValidationError
		require.ErrorAs(t, err, &ve)

		_, err = h.store.JobStatus(ctx, "cyclic")
		assert.ErrorIs(t, err, statestore.ErrJobNotFound)
	})

	t.Run("unknown handler type is rejected", func(t *testing.T) {
		j := &job.Job{
			ID:    "badtype",
			Nodes: []*node.Node{{ID: "a", Type: "ghost"}},
		}
		err := h.eng.Submit(ctx, j)
		assert.ErrorContains(t, err, "unregistered handler type")
	})

	t.Run("submit assigns an id when missing", func(t *testing.T) {
		j := &job.Job{Nodes: []*node.Node{{ID: "a", Type: "print"}}}
		require.NoError(t, h.eng.Submit(ctx, j))
		assert.NotEmpty(t, j.ID)
	})
}

func TestRunDiamond(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var order []string
	h.reg.RegisterHandler("record", funcHandler(func(ctx context.Context, in registry.Input) (map[string]any, error) {
		mu.Lock()
		order = append(order, in.NodeID)
		mu.Unlock()
		return map[string]any{"node": in.NodeID}, nil
	}))

	ctx := context.Background()
	j := &job.Job{
		ID: "diamond",
		Nodes: []*node.Node{
			{ID: "a", Type: "record"},
			{ID: "b", Type: "record", Depends: []string{"a"}},
			{ID: "c", Type: "record", Depends: []string{"a"}},
			{ID: "d", Type: "record", Depends: []string{"b", "c"}},
		},
	}
	require.NoError(t, h.eng.Submit(ctx, j))
	require.NoError(t, h.eng.Run(ctx, "diamond"))

	status, err := h.store.JobStatus(ctx, "diamond")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 4)
	assert.Equal(t, "a", order[0], "root runs first")
	assert.Equal(t, "d", order[3], "join runs last")

	snap, err := h.eng.Snapshot(ctx, "diamond")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, snap.Progress, 0.01)
	assert.Equal(t, map[string]any{"node": "d"}, snap.Nodes["d"].Output)
}

func TestRunPriorityOrdersDispatch(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var order []string
	h.reg.RegisterHandler("record", funcHandler(func(ctx context.Context, in registry.Input) (map[string]any, error) {
		mu.Lock()
		order = append(order, in.NodeID)
		mu.Unlock()
		return nil, nil
	}))

	ctx := context.Background()
	j := &job.Job{
		ID:          "prio",
		Concurrency: 1,
		Nodes: []*node.Node{
			{ID: "low", Type: "record", Priority: 1},
			{ID: "high", Type: "record", Priority: 10},
			{ID: "mid", Type: "record", Priority: 5},
		},
	}
	require.NoError(t, h.eng.Submit(ctx, j))
	require.NoError(t, h.eng.Run(ctx, "prio"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestRunConcurrencyBound(t *testing.T) {
	h := newHarness(t)
	var current, peak atomic.Int32
	h.reg.RegisterHandler("busy", funcHandler(func(ctx context.Context, in registry.Input) (map[string]any, error) {
		c := current.Add(1)
		for {
			p := peak.Load()
			if c <= p || peak.CompareAndSwap(p, c) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return nil, nil
	}))

	ctx := context.Background()
	nodes := make([]*node.Node, 8)
	for i, id := range []string{"n1", "n2", "n3", "n4", "n5", "n6", "n7", "n8"} {
		nodes[i] = &node.Node{ID: id, Type: "busy"}
	}
	j := &job.Job{ID: "bounded", Concurrency: 2, Nodes: nodes}
	require.NoError(t, h.eng.Submit(ctx, j))
	require.NoError(t, h.eng.Run(ctx, "bounded"))

	assert.LessOrEqual(t, peak.Load(), int32(2), "no more nodes in flight than the job allows")
}

func TestRunRetriesTransientFailure(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.reg.RegisterHandler("flaky", funcHandler(func(ctx context.Context, in registry.Input) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient glitch")
		}
		return nil, nil
	}))

	ctx := context.Background()
	policy := fastPolicy(3)
	j := &job.Job{
		ID:    "flaky-job",
		Nodes: []*node.Node{{ID: "a", Type: "flaky", Retry: &policy}},
	}
	require.NoError(t, h.eng.Submit(ctx, j))
	require.NoError(t, h.eng.Run(ctx, "flaky-job"))

	assert.Equal(t, int32(3), calls.Load())
	st, err := h.store.NodeState(ctx, "flaky-job", "a")
	require.NoError(t, err)
	assert.Equal(t, node.StatusCompleted, st.Status)
	assert.Equal(t, 3, st.Attempt)
}

func TestRunFatalErrorIsNotRetried(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.reg.RegisterHandler("broken", funcHandler(func(ctx context.Context, in registry.Input) (map[string]any, error) {
		calls.Add(1)
		return nil, retry.Fatal(errors.New("bad input"))
	}))

	ctx := context.Background()
	policy := fastPolicy(5)
	j := &job.Job{
		ID:    "fatal-job",
		Nodes: []*node.Node{{ID: "a", Type: "broken", Retry: &policy}},
	}
	require.NoError(t, h.eng.Submit(ctx, j))
	require.NoError(t, h.eng.Run(ctx, "fatal-job"))

	assert.Equal(t, int32(1), calls.Load(), "fatal errors settle on the first attempt")
	assert.Equal(t, node.StatusSkipped, h.nodeStatus(t, "fatal-job", "a"))
}

func TestRunNonCriticalFailureSkipsDescendants(t *testing.T) {
	h := newHarness(t)
	h.reg.RegisterHandler("ok", funcHandler(func(ctx context.Context, in registry.Input) (map[string]any, error) {
		return nil, nil
	}))
	h.reg.RegisterHandler("fail", funcHandler(func(ctx context.Context, in registry.Input) (map[string]any, error) {
		return nil, errors.New("boom")
	}))

	ctx := context.Background()
	policy := fastPolicy(2)
	j := &job.Job{
		ID:           "branchy",
		DefaultRetry: policy,
		Nodes: []*node.Node{
			{ID: "root", Type: "ok"},
			{ID: "bad", Type: "fail", Depends: []string{"root"}},
			{ID: "child", Type: "ok", Depends: []string{"bad"}},
			{ID: "grandchild", Type: "ok", Depends: []string{"child"}},
			{ID: "healthy", Type: "ok", Depends: []string{"root"}},
		},
	}
	require.NoError(t, h.eng.Submit(ctx, j))
	require.NoError(t, h.eng.Run(ctx, "branchy"))

	status, err := h.store.JobStatus(ctx, "branchy")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, status, "non-critical failures do not fail the job")

	assert.Equal(t, node.StatusCompleted, h.nodeStatus(t, "branchy", "root"))
	assert.Equal(t, node.StatusSkipped, h.nodeStatus(t, "branchy", "bad"))
	assert.Equal(t, node.StatusSkipped, h.nodeStatus(t, "branchy", "child"))
	assert.Equal(t, node.StatusSkipped, h.nodeStatus(t, "branchy", "grandchild"))
	assert.Equal(t, node.StatusCompleted, h.nodeStatus(t, "branchy", "healthy"))

	st, err := h.store.NodeState(ctx, "branchy", "bad")
	require.NoError(t, err)
	assert.Contains(t, st.LastError, "boom", "the settled failure keeps its error")
}

func TestRunCriticalFailureHaltsJob(t *testing.T) {
	h := newHarness(t)
	h.reg.RegisterHandler("ok", funcHandler(func(ctx context.Context, in registry.Input) (map[string]any, error) {
		return nil, nil
	}))
	h.reg.RegisterHandler("fail", funcHandler(func(ctx context.Context, in registry.Input) (map[string]any, error) {
		return nil, errors.New("disk on fire")
	}))

	ctx := context.Background()
	policy := fastPolicy(2)
	j := &job.Job{
		ID:           "critical-job",
		DefaultRetry: policy,
		Nodes: []*node.Node{
			{ID: "root", Type: "ok"},
			{ID: "vital", Type: "fail", Depends: []string{"root"}, Critical: true},
			{ID: "after", Type: "ok", Depends: []string{"vital"}},
			{ID: "side", Type: "ok", Depends: []string{"after"}},
		},
	}
	require.NoError(t, h.eng.Submit(ctx, j))

	err := h.eng.Run(ctx, "critical-job")
	var he *HaltError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "critical-job", he.JobID)
	assert.Equal(t, "vital", he.NodeID)
	assert.ErrorContains(t, he.Cause, "disk on fire")

	status, serr := h.store.JobStatus(ctx, "critical-job")
	require.NoError(t, serr)
	assert.Equal(t, job.StatusFailed, status)

	assert.Equal(t, node.StatusFailed, h.nodeStatus(t, "critical-job", "vital"),
		"the critical node rests in failed for recovery")
	assert.Equal(t, node.StatusCancelled, h.nodeStatus(t, "critical-job", "after"))
	assert.Equal(t, node.StatusCancelled, h.nodeStatus(t, "critical-job", "side"))
}

func TestCancelRunningJob(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.reg.RegisterHandler("slow", funcHandler(func(ctx context.Context, in registry.Input) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	h.reg.RegisterHandler("ok", funcHandler(func(ctx context.Context, in registry.Input) (map[string]any, error) {
		return nil, nil
	}))

	ctx := context.Background()
	j := &job.Job{
		ID: "cancel-me",
		Nodes: []*node.Node{
			{ID: "long", Type: "slow", Timeout: time.Minute},
			{ID: "later", Type: "ok", Depends: []string{"long"}},
		},
	}
	require.NoError(t, h.eng.Submit(ctx, j))

	runErr := make(chan error, 1)
	go func() { runErr <- h.eng.Run(ctx, "cancel-me") }()

	<-started
	require.NoError(t, h.eng.Cancel(ctx, "cancel-me"))
	require.NoError(t, <-runErr)

	status, err := h.store.JobStatus(ctx, "cancel-me")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, status)
	assert.Equal(t, node.StatusCancelled, h.nodeStatus(t, "cancel-me", "long"))
	assert.Equal(t, node.StatusCancelled, h.nodeStatus(t, "cancel-me", "later"))

	t.Run("cancelling a terminal job conflicts", func(t *testing.T) {
		err := h.eng.Cancel(ctx, "cancel-me")
		assert.ErrorIs(t, err, statestore.ErrJobTerminal)
	})
}

func TestCancelOrphanedRunningJob(t *testing.T) {
	h := newHarness(t)
	h.reg.RegisterHandler("ok", funcHandler(func(ctx context.Context, in registry.Input) (map[string]any, error) {
		return nil, nil
	}))

	ctx := context.Background()
	j := &job.Job{
		ID: "orphan-cancel",
		Nodes: []*node.Node{
			{ID: "a", Type: "ok"},
			{ID: "b", Type: "ok", Depends: []string{"a"}},
		},
	}
	require.NoError(t, h.eng.Submit(ctx, j))

	// A previous process moved the job to running and died; no execution is
	// registered here, so the cancel settles state directly.
	require.NoError(t, h.store.SetJobStatus(ctx, "orphan-cancel", job.StatusRunning))
	_, err := h.store.TransitionNode(ctx, "orphan-cancel", "a", node.StatusReady, statestore.TransitionMeta{})
	require.NoError(t, err)

	require.NoError(t, h.eng.Cancel(ctx, "orphan-cancel"))

	status, err := h.store.JobStatus(ctx, "orphan-cancel")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, status)
	assert.Equal(t, node.StatusCancelled, h.nodeStatus(t, "orphan-cancel", "a"))
	assert.Equal(t, node.StatusCancelled, h.nodeStatus(t, "orphan-cancel", "b"))
}

func TestCancelPendingJob(t *testing.T) {
	h := newHarness(t)
	h.reg.RegisterHandler("ok", funcHandler(func(ctx context.Context, in registry.Input) (map[string]any, error) {
		return nil, nil
	}))

	ctx := context.Background()
	j := &job.Job{ID: "dormant", Nodes: []*node.Node{{ID: "a", Type: "ok"}}}
	require.NoError(t, h.eng.Submit(ctx, j))
	require.NoError(t, h.eng.Cancel(ctx, "dormant"))

	status, err := h.store.JobStatus(ctx, "dormant")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, status)
	assert.Equal(t, node.StatusCancelled, h.nodeStatus(t, "dormant", "a"))
}

func TestRunResumesNodeLeftReady(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.reg.RegisterHandler("ok", funcHandler(func(ctx context.Context, in registry.Input) (map[string]any, error) {
		calls.Add(1)
		return nil, nil
	}))

	ctx := context.Background()
	j := &job.Job{
		ID: "orphaned-ready",
		Nodes: []*node.Node{
			{ID: "a", Type: "ok"},
			{ID: "b", Type: "ok", Depends: []string{"a"}},
		},
	}
	require.NoError(t, h.eng.Submit(ctx, j))

	// A previous process readied the root and died before dispatching it.
	_, err := h.store.TransitionNode(ctx, "orphaned-ready", "a", node.StatusReady, statestore.TransitionMeta{})
	require.NoError(t, err)

	require.NoError(t, h.eng.Run(ctx, "orphaned-ready"))

	assert.Equal(t, int32(2), calls.Load(), "the orphaned node and its dependent both executed")
	assert.Equal(t, node.StatusCompleted, h.nodeStatus(t, "orphaned-ready", "a"))
	assert.Equal(t, node.StatusCompleted, h.nodeStatus(t, "orphaned-ready", "b"))

	status, err := h.store.JobStatus(ctx, "orphaned-ready")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, status)

	snap, err := h.eng.Snapshot(ctx, "orphaned-ready")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, snap.Progress, 0.01)
}

func TestRunRetriesNodeLeftRunning(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.reg.RegisterHandler("ok", funcHandler(func(ctx context.Context, in registry.Input) (map[string]any, error) {
		calls.Add(1)
		return nil, nil
	}))

	ctx := context.Background()
	policy := fastPolicy(3)
	j := &job.Job{
		ID:    "orphaned-running",
		Nodes: []*node.Node{{ID: "a", Type: "ok", Retry: &policy}},
	}
	require.NoError(t, h.eng.Submit(ctx, j))

	// A previous process dispatched the node and died mid-execution.
	_, err := h.store.TransitionNode(ctx, "orphaned-running", "a", node.StatusReady, statestore.TransitionMeta{})
	require.NoError(t, err)
	_, err = h.store.TransitionNode(ctx, "orphaned-running", "a", node.StatusRunning, statestore.TransitionMeta{})
	require.NoError(t, err)

	require.NoError(t, h.eng.Run(ctx, "orphaned-running"))

	assert.Equal(t, int32(1), calls.Load(), "the lost attempt was run again exactly once")
	st, err := h.store.NodeState(ctx, "orphaned-running", "a")
	require.NoError(t, err)
	assert.Equal(t, node.StatusCompleted, st.Status)
	assert.Equal(t, 2, st.Attempt, "the interrupted attempt still counts")

	status, err := h.store.JobStatus(ctx, "orphaned-running")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, status)
}

func TestRunDoesNotCompleteOverUnfinishedNodes(t *testing.T) {
	h := newHarness(t)
	h.reg.RegisterHandler("ok", funcHandler(func(ctx context.Context, in registry.Input) (map[string]any, error) {
		return nil, nil
	}))

	ctx := context.Background()
	j := &job.Job{
		ID: "half-done",
		Nodes: []*node.Node{
			{ID: "a", Type: "ok"},
			{ID: "b", Type: "ok", Depends: []string{"a"}},
		},
	}
	require.NoError(t, h.eng.Submit(ctx, j))

	// An earlier halt left the dependent cancelled; a later requeue made the
	// job runnable again, but a cancelled node can never be work again.
	_, err := h.store.TransitionNode(ctx, "half-done", "b", node.StatusCancelled, statestore.TransitionMeta{})
	require.NoError(t, err)

	err = h.eng.Run(ctx, "half-done")
	require.Error(t, err)
	assert.ErrorContains(t, err, "neither completed nor skipped")

	assert.Equal(t, node.StatusCompleted, h.nodeStatus(t, "half-done", "a"))
	status, serr := h.store.JobStatus(ctx, "half-done")
	require.NoError(t, serr)
	assert.Equal(t, job.StatusFailed, status, "a drained loop alone must not report success")
}

func TestJobTimeout(t *testing.T) {
	h := newHarness(t)
	h.reg.RegisterHandler("slow", funcHandler(func(ctx context.Context, in registry.Input) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx := context.Background()
	j := &job.Job{
		ID:      "deadline",
		Timeout: 30 * time.Millisecond,
		Nodes:   []*node.Node{{ID: "a", Type: "slow", Timeout: time.Minute}},
	}
	require.NoError(t, h.eng.Submit(ctx, j))

	err := h.eng.Run(ctx, "deadline")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	status, serr := h.store.JobStatus(ctx, "deadline")
	require.NoError(t, serr)
	assert.Equal(t, job.StatusFailed, status)
}

func TestBreakerShortCircuitsThenRecovers(t *testing.T) {
	h := newHarness(t,
		retry.WithBreakerThreshold(1),
		retry.WithBreakerCoolDown(20*time.Millisecond),
	)
	var calls atomic.Int32
	h.reg.RegisterHandler("flaky", funcHandler(func(ctx context.Context, in registry.Input) (map[string]any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("first call fails")
		}
		return nil, nil
	}))

	ctx := context.Background()
	policy := fastPolicy(3)
	j := &job.Job{
		ID:    "breaker-job",
		Nodes: []*node.Node{{ID: "a", Type: "flaky", Retry: &policy}},
	}
	require.NoError(t, h.eng.Submit(ctx, j))
	require.NoError(t, h.eng.Run(ctx, "breaker-job"))

	assert.Equal(t, node.StatusCompleted, h.nodeStatus(t, "breaker-job", "a"))
	assert.Equal(t, retry.BreakerClosed, h.eng.retry.BreakerStatus("flaky"),
		"the successful trial call closed the breaker")
}

func TestTransitionEventsArePublished(t *testing.T) {
	h := newHarness(t)
	h.reg.RegisterHandler("ok", funcHandler(func(ctx context.Context, in registry.Input) (map[string]any, error) {
		return nil, nil
	}))
	sub := h.bus.Subscribe(64)

	ctx := context.Background()
	j := &job.Job{ID: "observed", Nodes: []*node.Node{{ID: "a", Type: "ok"}}}
	require.NoError(t, h.eng.Submit(ctx, j))
	require.NoError(t, h.eng.Run(ctx, "observed"))
	h.bus.Close()

	var transitions []string
	for ev := range sub {
		transitions = append(transitions, ev.From.String()+"->"+ev.To.String())
	}
	assert.Equal(t, []string{"pending->ready", "ready->running", "running->completed"}, transitions)
}
