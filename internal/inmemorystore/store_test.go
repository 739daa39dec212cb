package inmemorystore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/gridflow/internal/job"
	"github.com/vk/gridflow/internal/node"
	"github.com/vk/gridflow/internal/retry"
	"github.com/vk/gridflow/internal/statestore"
)

func testJob() *job.Job {
	return &job.Job{
		ID:   "job-1",
		Name: "deploy",
		Nodes: []*node.Node{
			{ID: "a", Type: "print", Index: 0},
			{ID: "b", Type: "print", Depends: []string{"a"}, Index: 1},
			{ID: "c", Type: "print", Depends: []string{"a"}, Index: 2},
			{ID: "d", Type: "print", Depends: []string{"b", "c"}, Index: 3},
		},
	}
}

func TestCreateJob(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, testJob()))

	status, err := s.JobStatus(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, status)

	ns, err := s.NodeState(ctx, "job-1", "a")
	require.NoError(t, err)
	assert.Equal(t, node.StatusPending, ns.Status)
	assert.Zero(t, ns.Attempt)

	t.Run("duplicate id is rejected", func(t *testing.T) {
		err := s.CreateJob(ctx, testJob())
		assert.ErrorIs(t, err, statestore.ErrJobExists)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := s.JobStatus(ctx, "nope")
		assert.ErrorIs(t, err, statestore.ErrJobNotFound)
	})
}

func TestTransitionNode(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, testJob()))

	t.Run("running increments attempt and stamps start", func(t *testing.T) {
		from, err := s.TransitionNode(ctx, "job-1", "a", node.StatusReady, statestore.TransitionMeta{})
		require.NoError(t, err)
		assert.Equal(t, node.StatusPending, from)

		_, err = s.TransitionNode(ctx, "job-1", "a", node.StatusRunning, statestore.TransitionMeta{})
		require.NoError(t, err)

		ns, err := s.NodeState(ctx, "job-1", "a")
		require.NoError(t, err)
		assert.Equal(t, 1, ns.Attempt)
		assert.False(t, ns.StartedAt.IsZero())
		assert.True(t, ns.EndedAt.IsZero())
	})

	t.Run("completion records output and end time", func(t *testing.T) {
		out := map[string]any{"exit": 0}
		_, err := s.TransitionNode(ctx, "job-1", "a", node.StatusCompleted, statestore.TransitionMeta{Output: out})
		require.NoError(t, err)

		ns, err := s.NodeState(ctx, "job-1", "a")
		require.NoError(t, err)
		assert.Equal(t, node.StatusCompleted, ns.Status)
		assert.Equal(t, out, ns.Output)
		assert.False(t, ns.EndedAt.IsZero())
	})

	t.Run("illegal transition leaves state untouched", func(t *testing.T) {
		from, err := s.TransitionNode(ctx, "job-1", "a", node.StatusRunning, statestore.TransitionMeta{})
		assert.Equal(t, node.StatusCompleted, from)

		var te *statestore.TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "completed", te.Current)
		assert.Equal(t, "running", te.Attempt)

		ns, err := s.NodeState(ctx, "job-1", "a")
		require.NoError(t, err)
		assert.Equal(t, node.StatusCompleted, ns.Status)
	})

	t.Run("failure records the error", func(t *testing.T) {
		_, err := s.TransitionNode(ctx, "job-1", "b", node.StatusReady, statestore.TransitionMeta{})
		require.NoError(t, err)
		_, err = s.TransitionNode(ctx, "job-1", "b", node.StatusRunning, statestore.TransitionMeta{})
		require.NoError(t, err)
		_, err = s.TransitionNode(ctx, "job-1", "b", node.StatusFailed, statestore.TransitionMeta{Err: "boom"})
		require.NoError(t, err)

		ns, err := s.NodeState(ctx, "job-1", "b")
		require.NoError(t, err)
		assert.Equal(t, "boom", ns.LastError)
		assert.False(t, ns.EndedAt.IsZero())
	})

	t.Run("unknown node", func(t *testing.T) {
		_, err := s.TransitionNode(ctx, "job-1", "zz", node.StatusReady, statestore.TransitionMeta{})
		assert.ErrorIs(t, err, statestore.ErrNodeNotFound)
	})
}

func TestReadyNodes(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, testJob()))

	ready, err := s.ReadyNodes(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ready, "only the root is ready at submission")

	complete := func(id string) {
		t.Helper()
		_, err := s.TransitionNode(ctx, "job-1", id, node.StatusReady, statestore.TransitionMeta{})
		require.NoError(t, err)
		_, err = s.TransitionNode(ctx, "job-1", id, node.StatusRunning, statestore.TransitionMeta{})
		require.NoError(t, err)
		_, err = s.TransitionNode(ctx, "job-1", id, node.StatusCompleted, statestore.TransitionMeta{})
		require.NoError(t, err)
	}

	complete("a")
	ready, err = s.ReadyNodes(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, ready, "declaration order")

	complete("b")
	ready, err = s.ReadyNodes(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ready, "d still blocked on c")

	complete("c")
	complete("d")
	ready, err = s.ReadyNodes(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestSkippedDependencyBlocksDependent(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, testJob()))

	_, err := s.TransitionNode(ctx, "job-1", "a", node.StatusSkipped, statestore.TransitionMeta{})
	require.NoError(t, err)

	ready, err := s.ReadyNodes(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, ready, "a skipped dependency never satisfies a dependent")
}

func TestSnapshot(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, testJob()))
	require.NoError(t, s.SetJobStatus(ctx, "job-1", job.StatusRunning))

	_, err := s.TransitionNode(ctx, "job-1", "a", node.StatusReady, statestore.TransitionMeta{})
	require.NoError(t, err)
	_, err = s.TransitionNode(ctx, "job-1", "a", node.StatusRunning, statestore.TransitionMeta{})
	require.NoError(t, err)
	_, err = s.TransitionNode(ctx, "job-1", "a", node.StatusCompleted, statestore.TransitionMeta{})
	require.NoError(t, err)
	_, err = s.TransitionNode(ctx, "job-1", "b", node.StatusReady, statestore.TransitionMeta{})
	require.NoError(t, err)
	_, err = s.TransitionNode(ctx, "job-1", "b", node.StatusRunning, statestore.TransitionMeta{})
	require.NoError(t, err)

	snap, err := s.Snapshot(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", snap.JobID)
	assert.Equal(t, "deploy", snap.Name)
	assert.Equal(t, job.StatusRunning, snap.Status)
	assert.Equal(t, []string{"b"}, snap.Running)
	assert.InDelta(t, 25.0, snap.Progress, 0.01, "1 of 4 nodes settled")
	assert.Len(t, snap.Nodes, 4)
}

func TestSetJobStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, testJob()))

	require.NoError(t, s.SetJobStatus(ctx, "job-1", job.StatusRunning))
	require.NoError(t, s.SetJobStatus(ctx, "job-1", job.StatusRunning), "idempotent same-state set")
	require.NoError(t, s.SetJobStatus(ctx, "job-1", job.StatusCompleted))

	err := s.SetJobStatus(ctx, "job-1", job.StatusRunning)
	var te *statestore.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Empty(t, te.NodeID)
}

func TestDetectStalled(t *testing.T) {
	s := New()
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	now := base
	s.Now = func() time.Time { return now }

	require.NoError(t, s.CreateJob(ctx, testJob()))
	require.NoError(t, s.SetJobStatus(ctx, "job-1", job.StatusRunning))

	other := testJob()
	other.ID = "job-2"
	require.NoError(t, s.CreateJob(ctx, other))

	now = base.Add(10 * time.Minute)
	require.NoError(t, s.SetJobStatus(ctx, "job-2", job.StatusRunning))

	stalled, err := s.DetectStalled(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, stalled, "job-2 changed state inside the window")

	t.Run("terminal jobs are never stalled", func(t *testing.T) {
		require.NoError(t, s.SetJobStatus(ctx, "job-1", job.StatusCompleted))
		now = base.Add(time.Hour)
		require.NoError(t, s.SetJobStatus(ctx, "job-2", job.StatusCompleted))

		stalled, err := s.DetectStalled(ctx, 5*time.Minute)
		require.NoError(t, err)
		assert.Empty(t, stalled)
	})
}

func TestAudits(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, testJob()))

	first := job.AuditRecord{ID: "r1", JobID: "job-1", NodeID: "a", Condition: "failed", Action: "retry", Outcome: "started"}
	second := job.AuditRecord{ID: "r2", JobID: "job-1", NodeID: "a", Condition: "failed", Action: "retry", Outcome: "succeeded"}
	require.NoError(t, s.AppendAudit(ctx, first))
	require.NoError(t, s.AppendAudit(ctx, second))

	audits, err := s.Audits(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, audits, 2)
	assert.Equal(t, "r1", audits[0].ID)
	assert.Equal(t, "r2", audits[1].ID)
}

func TestBreakers(t *testing.T) {
	s := New()
	ctx := context.Background()

	snaps := []retry.BreakerSnapshot{
		{Target: "http", State: retry.BreakerOpen, Failures: 5, CoolDown: 30 * time.Second},
		{Target: "exec", State: retry.BreakerClosed},
	}
	require.NoError(t, s.SaveBreakers(ctx, snaps))

	// Second save replaces per target.
	require.NoError(t, s.SaveBreakers(ctx, []retry.BreakerSnapshot{
		{Target: "http", State: retry.BreakerHalfOpen, Failures: 5},
	}))

	loaded, err := s.LoadBreakers(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	byTarget := make(map[string]retry.BreakerSnapshot, len(loaded))
	for _, snap := range loaded {
		byTarget[snap.Target] = snap
	}
	assert.Equal(t, retry.BreakerHalfOpen, byTarget["http"].State)
	assert.Equal(t, retry.BreakerClosed, byTarget["exec"].State)
}
