// Package pgstore implements the statestore.Store contract on PostgreSQL,
// via database/sql with the pgx stdlib driver.
//
// Node transitions run inside a transaction with the row locked, so the
// state machine check and the update are atomic even with several engine
// processes pointed at the same database.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vk/gridflow/internal/job"
	"github.com/vk/gridflow/internal/node"
	"github.com/vk/gridflow/internal/retry"
	"github.com/vk/gridflow/internal/statestore"
)

// Config tunes the database pool.
type Config struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store is the PostgreSQL statestore.Store implementation.
type Store struct {
	db *sql.DB
}

var _ statestore.Store = (*Store)(nil)

// Open connects to the database, verifies the connection, and ensures the
// schema exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("database url is required")
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database pool.
func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	status      INT NOT NULL,
	definition  JSONB NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	last_change  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS job_nodes (
	job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	node_id    TEXT NOT NULL,
	status     INT NOT NULL,
	attempt    INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	output     JSONB,
	started_at TIMESTAMPTZ,
	ended_at   TIMESTAMPTZ,
	PRIMARY KEY (job_id, node_id)
);

CREATE TABLE IF NOT EXISTS recovery_audits (
	seq       BIGSERIAL PRIMARY KEY,
	id        TEXT NOT NULL,
	job_id    TEXT NOT NULL,
	node_id   TEXT NOT NULL DEFAULT '',
	condition TEXT NOT NULL,
	action    TEXT NOT NULL,
	outcome   TEXT NOT NULL,
	at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS breakers (
	target    TEXT PRIMARY KEY,
	state     INT NOT NULL,
	failures  INT NOT NULL,
	opened_at TIMESTAMPTZ,
	cool_down BIGINT NOT NULL
);
`

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

// infra wraps a database error so the retry classifier treats it as an
// infrastructure failure rather than a node fault.
func infra(err error) error {
	if err == nil {
		return nil
	}
	return retry.Infra(err)
}

// CreateJob persists a validated job with every node pending.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	definition, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encoding job definition: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return infra(err)
	}
	defer tx.Rollback()

	now := time.Now()
	submitted := j.SubmittedAt
	if submitted.IsZero() {
		submitted = now
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, name, status, definition, submitted_at, last_change)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		j.ID, j.Name, int(job.StatusPending), definition, submitted, now)
	if err != nil {
		if isUniqueViolation(err) {
			return statestore.ErrJobExists
		}
		return infra(err)
	}
	for _, n := range j.Nodes {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_nodes (job_id, node_id, status) VALUES ($1, $2, $3)`,
			j.ID, n.ID, int(node.StatusPending))
		if err != nil {
			return infra(err)
		}
	}
	return infra(tx.Commit())
}

// isUniqueViolation matches the Postgres unique_violation SQLSTATE without
// depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var c coder
	if errors.As(err, &c) {
		return c.SQLState() == "23505"
	}
	return false
}

// Job returns the stored job definition.
func (s *Store) Job(ctx context.Context, jobID string) (*job.Job, error) {
	var definition []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM jobs WHERE id = $1`, jobID).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, statestore.ErrJobNotFound
	}
	if err != nil {
		return nil, infra(err)
	}
	var j job.Job
	if err := json.Unmarshal(definition, &j); err != nil {
		return nil, fmt.Errorf("decoding job definition: %w", err)
	}
	return &j, nil
}

// JobStatus returns the job's current lifecycle state.
func (s *Store) JobStatus(ctx context.Context, jobID string) (job.Status, error) {
	var status int
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, statestore.ErrJobNotFound
	}
	if err != nil {
		return 0, infra(err)
	}
	return job.Status(status), nil
}

// SetJobStatus transitions the job, enforcing the job state machine.
func (s *Store) SetJobStatus(ctx context.Context, jobID string, to job.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return infra(err)
	}
	defer tx.Rollback()

	var current int
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return statestore.ErrJobNotFound
	}
	if err != nil {
		return infra(err)
	}
	from := job.Status(current)
	if from == to {
		return nil
	}
	if !job.CanTransition(from, to) {
		return &statestore.TransitionError{
			JobID:   jobID,
			Current: from.String(),
			Attempt: to.String(),
		}
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = $1, last_change = $2 WHERE id = $3`,
		int(to), time.Now(), jobID)
	if err != nil {
		return infra(err)
	}
	return infra(tx.Commit())
}

// TransitionNode atomically moves a node to a new status.
func (s *Store) TransitionNode(ctx context.Context, jobID, nodeID string, to node.Status, meta statestore.TransitionMeta) (node.Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, infra(err)
	}
	defer tx.Rollback()

	var current int
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM job_nodes WHERE job_id = $1 AND node_id = $2 FOR UPDATE`,
		jobID, nodeID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		if _, jerr := s.JobStatus(ctx, jobID); errors.Is(jerr, statestore.ErrJobNotFound) {
			return 0, statestore.ErrJobNotFound
		}
		return 0, statestore.ErrNodeNotFound
	}
	if err != nil {
		return 0, infra(err)
	}

	from := node.Status(current)
	if !node.CanTransition(from, to) {
		return from, &statestore.TransitionError{
			JobID:   jobID,
			NodeID:  nodeID,
			Current: from.String(),
			Attempt: to.String(),
		}
	}

	now := time.Now()
	query := `UPDATE job_nodes SET status = $1`
	args := []any{int(to)}
	idx := 2
	if to == node.StatusRunning {
		query += fmt.Sprintf(`, attempt = attempt + 1, started_at = $%d`, idx)
		args = append(args, now)
		idx++
	}
	if to.Terminal() || to.Resting() {
		query += fmt.Sprintf(`, ended_at = $%d`, idx)
		args = append(args, now)
		idx++
	}
	if meta.Err != "" {
		query += fmt.Sprintf(`, last_error = $%d`, idx)
		args = append(args, meta.Err)
		idx++
	}
	if meta.Output != nil {
		encoded, merr := json.Marshal(meta.Output)
		if merr != nil {
			return from, fmt.Errorf("encoding node output: %w", merr)
		}
		query += fmt.Sprintf(`, output = $%d`, idx)
		args = append(args, encoded)
		idx++
	}
	query += fmt.Sprintf(` WHERE job_id = $%d AND node_id = $%d`, idx, idx+1)
	args = append(args, jobID, nodeID)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return from, infra(err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET last_change = $1 WHERE id = $2`, now, jobID); err != nil {
		return from, infra(err)
	}
	return from, infra(tx.Commit())
}

// NodeState returns the node's current execution record.
func (s *Store) NodeState(ctx context.Context, jobID, nodeID string) (job.NodeState, error) {
	var (
		status    int
		attempt   int
		lastError string
		output    []byte
		startedAt sql.NullTime
		endedAt   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, attempt, last_error, output, started_at, ended_at
		 FROM job_nodes WHERE job_id = $1 AND node_id = $2`,
		jobID, nodeID).Scan(&status, &attempt, &lastError, &output, &startedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if _, jerr := s.JobStatus(ctx, jobID); errors.Is(jerr, statestore.ErrJobNotFound) {
			return job.NodeState{}, statestore.ErrJobNotFound
		}
		return job.NodeState{}, statestore.ErrNodeNotFound
	}
	if err != nil {
		return job.NodeState{}, infra(err)
	}

	st := job.NodeState{
		Status:    node.Status(status),
		Attempt:   attempt,
		LastError: lastError,
		StartedAt: startedAt.Time,
		EndedAt:   endedAt.Time,
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &st.Output); err != nil {
			return job.NodeState{}, fmt.Errorf("decoding node output: %w", err)
		}
	}
	return st, nil
}

// ReadyNodes returns pending nodes whose dependencies have all completed,
// in declaration order.
func (s *Store) ReadyNodes(ctx context.Context, jobID string) ([]string, error) {
	j, err := s.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	statuses, err := s.nodeStatuses(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var ready []string
	for _, n := range j.Nodes {
		if statuses[n.ID] != node.StatusPending {
			continue
		}
		satisfied := true
		for _, dep := range n.Depends {
			if !statuses[dep].SuccessTerminal() {
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

func (s *Store) nodeStatuses(ctx context.Context, jobID string) (map[string]node.Status, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, status FROM job_nodes WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, infra(err)
	}
	defer rows.Close()

	statuses := make(map[string]node.Status)
	for rows.Next() {
		var id string
		var status int
		if err := rows.Scan(&id, &status); err != nil {
			return nil, infra(err)
		}
		statuses[id] = node.Status(status)
	}
	return statuses, infra(rows.Err())
}

// Snapshot returns the job's externally visible progress view.
func (s *Store) Snapshot(ctx context.Context, jobID string) (*job.Snapshot, error) {
	j, err := s.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	status, err := s.JobStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}

	snap := &job.Snapshot{
		JobID:  jobID,
		Name:   j.Name,
		Status: status,
		Nodes:  make(map[string]job.NodeState, len(j.Nodes)),
	}
	settled := 0
	for _, n := range j.Nodes {
		st, err := s.NodeState(ctx, jobID, n.ID)
		if err != nil {
			return nil, err
		}
		snap.Nodes[n.ID] = st
		if st.Status == node.StatusRunning {
			snap.Running = append(snap.Running, n.ID)
		}
		if st.Status.Terminal() {
			settled++
		}
	}
	if len(j.Nodes) > 0 {
		snap.Progress = float64(settled) / float64(len(j.Nodes)) * 100
	}
	return snap, nil
}

// DetectStalled returns non-terminal jobs with no state change within the
// window.
func (s *Store) DetectStalled(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE status NOT IN ($1, $2, $3) AND last_change < $4 ORDER BY last_change`,
		int(job.StatusCompleted), int(job.StatusCancelled), int(job.StatusAborted), cutoff)
	if err != nil {
		return nil, infra(err)
	}
	defer rows.Close()

	var stalled []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, infra(err)
		}
		stalled = append(stalled, id)
	}
	return stalled, infra(rows.Err())
}

// AppendAudit appends one immutable audit record.
func (s *Store) AppendAudit(ctx context.Context, rec job.AuditRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recovery_audits (id, job_id, node_id, condition, action, outcome, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.JobID, rec.NodeID, rec.Condition, rec.Action, rec.Outcome, rec.At)
	return infra(err)
}

// Audits returns the job's audit trail in append order.
func (s *Store) Audits(ctx context.Context, jobID string) ([]job.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, node_id, condition, action, outcome, at
		 FROM recovery_audits WHERE job_id = $1 ORDER BY seq`, jobID)
	if err != nil {
		return nil, infra(err)
	}
	defer rows.Close()

	var audits []job.AuditRecord
	for rows.Next() {
		var rec job.AuditRecord
		if err := rows.Scan(&rec.ID, &rec.JobID, &rec.NodeID, &rec.Condition, &rec.Action, &rec.Outcome, &rec.At); err != nil {
			return nil, infra(err)
		}
		audits = append(audits, rec)
	}
	return audits, infra(rows.Err())
}

// SaveBreakers persists circuit breaker snapshots, replacing previous state
// per target.
func (s *Store) SaveBreakers(ctx context.Context, snaps []retry.BreakerSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return infra(err)
	}
	defer tx.Rollback()

	for _, snap := range snaps {
		var openedAt sql.NullTime
		if !snap.OpenedAt.IsZero() {
			openedAt = sql.NullTime{Time: snap.OpenedAt, Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO breakers (target, state, failures, opened_at, cool_down)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (target) DO UPDATE SET
				state = EXCLUDED.state,
				failures = EXCLUDED.failures,
				opened_at = EXCLUDED.opened_at,
				cool_down = EXCLUDED.cool_down`,
			snap.Target, int(snap.State), snap.Failures, openedAt, int64(snap.CoolDown))
		if err != nil {
			return infra(err)
		}
	}
	return infra(tx.Commit())
}

// LoadBreakers returns all persisted circuit breaker snapshots.
func (s *Store) LoadBreakers(ctx context.Context) ([]retry.BreakerSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT target, state, failures, opened_at, cool_down FROM breakers`)
	if err != nil {
		return nil, infra(err)
	}
	defer rows.Close()

	var snaps []retry.BreakerSnapshot
	for rows.Next() {
		var (
			snap     retry.BreakerSnapshot
			state    int
			openedAt sql.NullTime
			coolDown int64
		)
		if err := rows.Scan(&snap.Target, &state, &snap.Failures, &openedAt, &coolDown); err != nil {
			return nil, infra(err)
		}
		snap.State = retry.BreakerState(state)
		snap.OpenedAt = openedAt.Time
		snap.CoolDown = time.Duration(coolDown)
		snaps = append(snaps, snap)
	}
	return snaps, infra(rows.Err())
}
