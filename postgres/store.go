// Package postgres implements the dagflow Store and Locker on PostgreSQL.
// Workflow records and jobs are JSONB rows; locks are transaction-scoped
// advisory locks.
//
// Usage:
//
//	db, err := sqlx.Open("postgres", connStr)
//	if err := postgres.Migrate(db.DB); err != nil { ... }
//	store := postgres.NewStore(db)
//	locker := postgres.NewLocker(db)
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/deepnoodle-ai/dagflow"
)

var (
	_ dagflow.Store       = (*Store)(nil)
	_ dagflow.RecordSaver = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store persists workflows and jobs in PostgreSQL. Expired workflows are
// hidden from reads and removed by PurgeExpired.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewStore(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open connects to the database and applies migrations.
func Open(ctx context.Context, connStr string, opts ...Option) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("dagflow/postgres: connect: %w", err)
	}
	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return NewStore(db, opts...), nil
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

const upsertWorkflow = `
INSERT INTO dagflow_workflows (id, name, record)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name, record = EXCLUDED.record, updated_at = now()`

const upsertJob = `
INSERT INTO dagflow_jobs (workflow_id, name, klass, data)
VALUES ($1, $2, $3, $4)
ON CONFLICT (workflow_id, name) DO UPDATE
SET klass = EXCLUDED.klass, data = EXCLUDED.data, updated_at = now()`

// notExpired filters out workflows past their expiry.
const notExpired = `(expires_at IS NULL OR expires_at > now())`

func (s *Store) SaveWorkflow(ctx context.Context, w *dagflow.Workflow) error {
	if w.ID == "" {
		return errors.New("dagflow/postgres: workflow id required")
	}
	record, err := json.Marshal(w.Record())
	if err != nil {
		return fmt.Errorf("dagflow/postgres: marshal workflow: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dagflow/postgres: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upsertWorkflow, w.ID, w.Name, string(record)); err != nil {
		return fmt.Errorf("dagflow/postgres: save workflow: %w", err)
	}
	for _, job := range w.Jobs {
		job.WorkflowID = w.ID
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("dagflow/postgres: marshal job %s: %w", job.Name, err)
		}
		if _, err := tx.ExecContext(ctx, upsertJob, w.ID, job.Name, job.Type, string(data)); err != nil {
			return fmt.Errorf("dagflow/postgres: save job %s: %w", job.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dagflow/postgres: commit: %w", err)
	}
	return nil
}

// SaveWorkflowRecord saves the workflow's own fields without touching jobs.
func (s *Store) SaveWorkflowRecord(ctx context.Context, w *dagflow.Workflow) error {
	record, err := json.Marshal(w.Record())
	if err != nil {
		return fmt.Errorf("dagflow/postgres: marshal workflow: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, upsertWorkflow, w.ID, w.Name, string(record)); err != nil {
		return fmt.Errorf("dagflow/postgres: save workflow record: %w", err)
	}
	return nil
}

func (s *Store) LoadWorkflow(ctx context.Context, id string) (*dagflow.Workflow, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw,
		`SELECT record FROM dagflow_workflows WHERE id = $1 AND `+notExpired, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", dagflow.ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("dagflow/postgres: load workflow: %w", err)
	}
	var record dagflow.WorkflowRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("dagflow/postgres: unmarshal workflow: %w", err)
	}

	var rows [][]byte
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT data FROM dagflow_jobs WHERE workflow_id = $1 ORDER BY name`, id); err != nil {
		return nil, fmt.Errorf("dagflow/postgres: load jobs: %w", err)
	}
	jobs := make([]*dagflow.Job, 0, len(rows))
	for _, data := range rows {
		var job dagflow.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("dagflow/postgres: unmarshal job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return dagflow.RestoreWorkflow(record, jobs), nil
}

func (s *Store) SaveJob(ctx context.Context, workflowID string, job *dagflow.Job) error {
	job.WorkflowID = workflowID
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("dagflow/postgres: marshal job %s: %w", job.Name, err)
	}
	if _, err := s.db.ExecContext(ctx, upsertJob, workflowID, job.Name, job.Type, string(data)); err != nil {
		return fmt.Errorf("dagflow/postgres: save job %s: %w", job.Name, err)
	}
	return nil
}

func (s *Store) LoadJob(ctx context.Context, workflowID, name string) (*dagflow.Job, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, `
SELECT j.data
FROM dagflow_jobs j
JOIN dagflow_workflows w ON w.id = j.workflow_id
WHERE j.workflow_id = $1 AND j.name = $2 AND (w.expires_at IS NULL OR w.expires_at > now())`,
		workflowID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s in workflow %s", dagflow.ErrJobNotFound, name, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("dagflow/postgres: load job %s: %w", name, err)
	}
	var job dagflow.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("dagflow/postgres: unmarshal job %s: %w", name, err)
	}
	return &job, nil
}

// ExpireWorkflow sets expires_at to now plus ttl, or clears it when ttl is
// zero or less.
func (s *Store) ExpireWorkflow(ctx context.Context, id string, ttl time.Duration) error {
	var (
		res sql.Result
		err error
	)
	if ttl > 0 {
		res, err = s.db.ExecContext(ctx, `
UPDATE dagflow_workflows
SET expires_at = now() + $2 * interval '1 millisecond', updated_at = now()
WHERE id = $1 AND `+notExpired, id, ttl.Milliseconds())
	} else {
		res, err = s.db.ExecContext(ctx, `
UPDATE dagflow_workflows
SET expires_at = NULL, updated_at = now()
WHERE id = $1 AND `+notExpired, id)
	}
	if err != nil {
		return fmt.Errorf("dagflow/postgres: expire workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dagflow/postgres: expire workflow: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", dagflow.ErrWorkflowNotFound, id)
	}
	return nil
}

// DeleteWorkflow removes the workflow; its jobs are removed by cascade.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dagflow_workflows WHERE id = $1`, id); err != nil {
		return fmt.Errorf("dagflow/postgres: delete workflow: %w", err)
	}
	return nil
}

// PurgeExpired deletes every expired workflow and returns how many were
// removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dagflow_workflows WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("dagflow/postgres: purge expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("dagflow/postgres: purge expired: %w", err)
	}
	if n > 0 {
		s.logger.Info("purged expired workflows", slog.Int64("count", n))
	}
	return n, nil
}

// WorkflowExists reports whether a workflow row with the given id exists,
// expired or not.
func (s *Store) WorkflowExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM dagflow_workflows WHERE id = $1)`, id)
	return exists, err
}

// JobExists reports whether a job name is taken in a workflow.
func (s *Store) JobExists(ctx context.Context, workflowID, name string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM dagflow_jobs WHERE workflow_id = $1 AND name = $2)`, workflowID, name)
	return exists, err
}
