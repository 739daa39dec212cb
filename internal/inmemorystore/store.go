// Package inmemorystore provides an ephemeral, thread-safe, in-memory
// implementation of the statestore.Store contract.
//
// It serves local single-process runs and tests. Unlike the Postgres store
// it keeps everything behind one RWMutex: transitions need cross-record
// atomicity (legality check + write + job clock update), which per-key
// locking cannot give without extra machinery.
package inmemorystore

import (
	"context"
	"sync"
	"time"

	"github.com/vk/gridflow/internal/job"
	"github.com/vk/gridflow/internal/node"
	"github.com/vk/gridflow/internal/retry"
	"github.com/vk/gridflow/internal/statestore"
)

type jobRecord struct {
	def        *job.Job
	status     job.Status
	nodes      map[string]*job.NodeState
	audits     []job.AuditRecord
	lastChange time.Time
}

// Store is the in-memory statestore.Store implementation.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]*jobRecord
	breakers map[string]retry.BreakerSnapshot

	// Now is the store's clock; replaceable in tests to age jobs for stall
	// detection.
	Now func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]*jobRecord),
		breakers: make(map[string]retry.BreakerSnapshot),
		Now:      time.Now,
	}
}

var _ statestore.Store = (*Store)(nil)

// CreateJob persists a job with every node pending.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return statestore.ErrJobExists
	}
	rec := &jobRecord{
		def:        j,
		status:     job.StatusPending,
		nodes:      make(map[string]*job.NodeState, len(j.Nodes)),
		lastChange: s.Now(),
	}
	for _, n := range j.Nodes {
		rec.nodes[n.ID] = &job.NodeState{Status: node.StatusPending}
	}
	s.jobs[j.ID] = rec
	return nil
}

// Job returns the stored job definition.
func (s *Store) Job(ctx context.Context, jobID string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, statestore.ErrJobNotFound
	}
	return rec.def, nil
}

// JobStatus returns the job's current lifecycle state.
func (s *Store) JobStatus(ctx context.Context, jobID string) (job.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return 0, statestore.ErrJobNotFound
	}
	return rec.status, nil
}

// SetJobStatus transitions the job, enforcing the job state machine.
func (s *Store) SetJobStatus(ctx context.Context, jobID string, to job.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return statestore.ErrJobNotFound
	}
	if rec.status == to {
		return nil
	}
	if !job.CanTransition(rec.status, to) {
		return &statestore.TransitionError{
			JobID:   jobID,
			Current: rec.status.String(),
			Attempt: to.String(),
		}
	}
	rec.status = to
	rec.lastChange = s.Now()
	return nil
}

// TransitionNode atomically moves a node to a new status.
func (s *Store) TransitionNode(ctx context.Context, jobID, nodeID string, to node.Status, meta statestore.TransitionMeta) (node.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return 0, statestore.ErrJobNotFound
	}
	ns, ok := rec.nodes[nodeID]
	if !ok {
		return 0, statestore.ErrNodeNotFound
	}
	from := ns.Status
	if !node.CanTransition(from, to) {
		return from, &statestore.TransitionError{
			JobID:   jobID,
			NodeID:  nodeID,
			Current: from.String(),
			Attempt: to.String(),
		}
	}
	now := s.Now()
	ns.Status = to
	if to == node.StatusRunning {
		ns.Attempt++
		ns.StartedAt = now
	}
	if to.Terminal() || to.Resting() {
		ns.EndedAt = now
	}
	if meta.Err != "" {
		ns.LastError = meta.Err
	}
	if meta.Output != nil {
		ns.Output = meta.Output
	}
	rec.lastChange = now
	return from, nil
}

// NodeState returns a copy of the node's execution record.
func (s *Store) NodeState(ctx context.Context, jobID, nodeID string) (job.NodeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return job.NodeState{}, statestore.ErrJobNotFound
	}
	ns, ok := rec.nodes[nodeID]
	if !ok {
		return job.NodeState{}, statestore.ErrNodeNotFound
	}
	return *ns, nil
}

// ReadyNodes returns pending nodes whose dependencies have all completed,
// in declaration order.
func (s *Store) ReadyNodes(ctx context.Context, jobID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, statestore.ErrJobNotFound
	}
	var ready []string
	for _, n := range rec.def.Nodes {
		if rec.nodes[n.ID].Status != node.StatusPending {
			continue
		}
		satisfied := true
		for _, dep := range n.Depends {
			depState, ok := rec.nodes[dep]
			if !ok || !depState.Status.SuccessTerminal() {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, n.ID)
		}
	}
	return ready, nil
}

// Snapshot returns the job's progress view.
func (s *Store) Snapshot(ctx context.Context, jobID string) (*job.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, statestore.ErrJobNotFound
	}
	snap := &job.Snapshot{
		JobID:  jobID,
		Name:   rec.def.Name,
		Status: rec.status,
		Nodes:  make(map[string]job.NodeState, len(rec.nodes)),
	}
	settled := 0
	for id, ns := range rec.nodes {
		snap.Nodes[id] = *ns
		if ns.Status == node.StatusRunning {
			snap.Running = append(snap.Running, id)
		}
		if ns.Status.Terminal() {
			settled++
		}
	}
	if len(rec.nodes) > 0 {
		snap.Progress = float64(settled) / float64(len(rec.nodes)) * 100
	}
	return snap, nil
}

// DetectStalled returns non-terminal jobs with no state change within the
// window.
func (s *Store) DetectStalled(ctx context.Context, olderThan time.Duration) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.Now().Add(-olderThan)
	var stalled []string
	for id, rec := range s.jobs {
		if rec.status.Terminal() {
			continue
		}
		if rec.lastChange.Before(cutoff) {
			stalled = append(stalled, id)
		}
	}
	return stalled, nil
}

// AppendAudit appends one immutable audit record.
func (s *Store) AppendAudit(ctx context.Context, audit job.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[audit.JobID]
	if !ok {
		return statestore.ErrJobNotFound
	}
	rec.audits = append(rec.audits, audit)
	return nil
}

// Audits returns the job's audit trail in append order.
func (s *Store) Audits(ctx context.Context, jobID string) ([]job.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, statestore.ErrJobNotFound
	}
	out := make([]job.AuditRecord, len(rec.audits))
	copy(out, rec.audits)
	return out, nil
}

// SaveBreakers replaces persisted breaker state per target.
func (s *Store) SaveBreakers(ctx context.Context, snaps []retry.BreakerSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range snaps {
		s.breakers[snap.Target] = snap
	}
	return nil
}

// LoadBreakers returns all persisted breaker snapshots.
func (s *Store) LoadBreakers(ctx context.Context) ([]retry.BreakerSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]retry.BreakerSnapshot, 0, len(s.breakers))
	for _, snap := range s.breakers {
		out = append(out, snap)
	}
	return out, nil
}
