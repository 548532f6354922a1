// Package redis implements the dagflow collaborators on Redis. Workflow
// records are JSON strings, jobs live in one Hash per workflow, queues are
// Lists fed from Sorted Sets of delayed deliveries, and locks are keys set
// with NX and a millisecond expiry.
//
// Usage:
//
//	rdb := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	store := redis.NewStore(rdb)
//	queue := redis.NewQueue(rdb)
//	locker := redis.NewLocker(rdb)
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

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

// Store persists workflows and jobs in Redis. The caller owns the client.
type Store struct {
	client goredis.Cmdable
	logger *slog.Logger
}

func NewStore(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) SaveWorkflow(ctx context.Context, w *dagflow.Workflow) error {
	if w.ID == "" {
		return errors.New("dagflow/redis: workflow id required")
	}
	record, err := json.Marshal(w.Record())
	if err != nil {
		return fmt.Errorf("dagflow/redis: marshal workflow: %w", err)
	}
	fields := make(map[string]any, len(w.Jobs))
	for _, job := range w.Jobs {
		job.WorkflowID = w.ID
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("dagflow/redis: marshal job %s: %w", job.Name, err)
		}
		fields[job.Name] = data
	}

	pipe := s.client.TxPipeline()
	pipe.SetArgs(ctx, workflowKey(w.ID), record, goredis.SetArgs{KeepTTL: true})
	if len(fields) > 0 {
		pipe.HSet(ctx, jobsKey(w.ID), fields)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dagflow/redis: save workflow: %w", err)
	}
	return nil
}

// SaveWorkflowRecord saves the workflow's own fields without touching jobs.
func (s *Store) SaveWorkflowRecord(ctx context.Context, w *dagflow.Workflow) error {
	record, err := json.Marshal(w.Record())
	if err != nil {
		return fmt.Errorf("dagflow/redis: marshal workflow: %w", err)
	}
	if err := s.client.SetArgs(ctx, workflowKey(w.ID), record, goredis.SetArgs{KeepTTL: true}).Err(); err != nil {
		return fmt.Errorf("dagflow/redis: save workflow record: %w", err)
	}
	return nil
}

func (s *Store) LoadWorkflow(ctx context.Context, id string) (*dagflow.Workflow, error) {
	data, err := s.client.Get(ctx, workflowKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("%w: %s", dagflow.ErrWorkflowNotFound, id)
		}
		return nil, fmt.Errorf("dagflow/redis: load workflow: %w", err)
	}
	var record dagflow.WorkflowRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("dagflow/redis: unmarshal workflow: %w", err)
	}

	fields, err := s.client.HGetAll(ctx, jobsKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("dagflow/redis: load jobs: %w", err)
	}
	jobs := make([]*dagflow.Job, 0, len(fields))
	for name, raw := range fields {
		var job dagflow.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("dagflow/redis: unmarshal job %s: %w", name, err)
		}
		jobs = append(jobs, &job)
	}
	return dagflow.RestoreWorkflow(record, jobs), nil
}

func (s *Store) SaveJob(ctx context.Context, workflowID string, job *dagflow.Job) error {
	job.WorkflowID = workflowID
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("dagflow/redis: marshal job %s: %w", job.Name, err)
	}
	if err := s.client.HSet(ctx, jobsKey(workflowID), job.Name, data).Err(); err != nil {
		return fmt.Errorf("dagflow/redis: save job %s: %w", job.Name, err)
	}
	return nil
}

func (s *Store) LoadJob(ctx context.Context, workflowID, name string) (*dagflow.Job, error) {
	data, err := s.client.HGet(ctx, jobsKey(workflowID), name).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("%w: %s in workflow %s", dagflow.ErrJobNotFound, name, workflowID)
		}
		return nil, fmt.Errorf("dagflow/redis: load job %s: %w", name, err)
	}
	var job dagflow.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("dagflow/redis: unmarshal job %s: %w", name, err)
	}
	return &job, nil
}

// ExpireWorkflow sets a TTL on the workflow and its jobs, or removes it when
// ttl is zero or less.
func (s *Store) ExpireWorkflow(ctx context.Context, id string, ttl time.Duration) error {
	exists, err := s.client.Exists(ctx, workflowKey(id)).Result()
	if err != nil {
		return fmt.Errorf("dagflow/redis: expire check exists: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", dagflow.ErrWorkflowNotFound, id)
	}

	pipe := s.client.TxPipeline()
	if ttl > 0 {
		pipe.PExpire(ctx, workflowKey(id), ttl)
		pipe.PExpire(ctx, jobsKey(id), ttl)
	} else {
		pipe.Persist(ctx, workflowKey(id))
		pipe.Persist(ctx, jobsKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dagflow/redis: expire workflow: %w", err)
	}
	s.logger.Debug("workflow expiry set", slog.String("workflow_id", id), slog.Duration("ttl", ttl))
	return nil
}

// DeleteWorkflow removes the workflow and its jobs.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, workflowKey(id), jobsKey(id)).Err(); err != nil {
		return fmt.Errorf("dagflow/redis: delete workflow: %w", err)
	}
	return nil
}
