// Package memory provides in-process implementations of the dagflow
// collaborators. They are safe for concurrent use by many coordinators in one
// process and are intended for tests, demos and single-node deployments.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/dagflow"
)

type entry struct {
	record    []byte
	jobs      map[string][]byte
	expiresAt time.Time
}

// Store keeps workflows and jobs as JSON documents in maps, so every load
// returns an independent copy.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]*entry
	now       func() time.Time
}

var _ dagflow.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		workflows: map[string]*entry{},
		now:       time.Now,
	}
}

// live returns the entry for id, dropping it if it has expired. The caller
// must hold the write lock.
func (s *Store) live(id string) (*entry, bool) {
	e, ok := s.workflows[id]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.workflows, id)
		return nil, false
	}
	return e, true
}

func (s *Store) entryFor(id string) *entry {
	e, ok := s.live(id)
	if !ok {
		e = &entry{jobs: map[string][]byte{}}
		s.workflows[id] = e
	}
	return e
}

func (s *Store) SaveWorkflow(ctx context.Context, w *dagflow.Workflow) error {
	if w.ID == "" {
		return fmt.Errorf("workflow id required")
	}
	record, err := json.Marshal(w.Record())
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	jobs := make(map[string][]byte, len(w.Jobs))
	for _, job := range w.Jobs {
		job.WorkflowID = w.ID
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", job.Name, err)
		}
		jobs[job.Name] = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entryFor(w.ID)
	e.record = record
	for name, data := range jobs {
		e.jobs[name] = data
	}
	return nil
}

// SaveWorkflowRecord saves the workflow's own fields without touching jobs.
func (s *Store) SaveWorkflowRecord(ctx context.Context, w *dagflow.Workflow) error {
	record, err := json.Marshal(w.Record())
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryFor(w.ID).record = record
	return nil
}

func (s *Store) LoadWorkflow(ctx context.Context, id string) (*dagflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(id)
	if !ok || e.record == nil {
		return nil, fmt.Errorf("%w: %s", dagflow.ErrWorkflowNotFound, id)
	}
	var record dagflow.WorkflowRecord
	if err := json.Unmarshal(e.record, &record); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	jobs := make([]*dagflow.Job, 0, len(e.jobs))
	for name, data := range e.jobs {
		var job dagflow.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("unmarshal job %s: %w", name, err)
		}
		jobs = append(jobs, &job)
	}
	return dagflow.RestoreWorkflow(record, jobs), nil
}

func (s *Store) SaveJob(ctx context.Context, workflowID string, job *dagflow.Job) error {
	job.WorkflowID = workflowID
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryFor(workflowID).jobs[job.Name] = data
	return nil
}

func (s *Store) LoadJob(ctx context.Context, workflowID, name string) (*dagflow.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(workflowID)
	if !ok {
		return nil, fmt.Errorf("%w: %s in workflow %s", dagflow.ErrJobNotFound, name, workflowID)
	}
	data, ok := e.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s in workflow %s", dagflow.ErrJobNotFound, name, workflowID)
	}
	var job dagflow.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", name, err)
	}
	return &job, nil
}

func (s *Store) ExpireWorkflow(ctx context.Context, id string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(id)
	if !ok {
		return fmt.Errorf("%w: %s", dagflow.ErrWorkflowNotFound, id)
	}
	if ttl <= 0 {
		e.expiresAt = time.Time{}
		return nil
	}
	e.expiresAt = s.now().Add(ttl)
	return nil
}

// JobExists reports whether a job name is taken in a workflow.
func (s *Store) JobExists(workflowID, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(workflowID)
	if !ok {
		return false
	}
	_, ok = e.jobs[name]
	return ok
}

// WorkflowExists reports whether a workflow id is taken.
func (s *Store) WorkflowExists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(id)
	return ok
}
