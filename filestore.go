package dagflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore is a Store that keeps each workflow in its own directory: a
// workflow.json record plus one JSON file per job. Writes go through a
// temporary file and a rename so readers never see a partial record.
type FileStore struct {
	dataDir string
	mu      sync.RWMutex
}

type fileRecord struct {
	WorkflowRecord
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NewFileStore creates a store rooted at dataDir, defaulting to
// ~/.dagflow/workflows.
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".dagflow", "workflows")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileStore{dataDir: dataDir}, nil
}

func (s *FileStore) workflowDir(id string) string {
	return filepath.Join(s.dataDir, id)
}

func (s *FileStore) recordPath(id string) string {
	return filepath.Join(s.workflowDir(id), "workflow.json")
}

func (s *FileStore) jobPath(workflowID, name string) string {
	return filepath.Join(s.workflowDir(workflowID), "jobs", name+".json")
}

func (s *FileStore) SaveWorkflow(ctx context.Context, w *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeRecord(w); err != nil {
		return err
	}
	for _, job := range w.Jobs {
		if err := s.writeJob(w.ID, job); err != nil {
			return err
		}
	}
	return nil
}

// SaveWorkflowRecord saves the workflow's own fields, leaving job files as
// they are.
func (s *FileStore) SaveWorkflowRecord(ctx context.Context, w *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeRecord(w)
}

func (s *FileStore) writeRecord(w *Workflow) error {
	if w.ID == "" {
		return fmt.Errorf("workflow id required")
	}
	rec := fileRecord{WorkflowRecord: w.Record()}
	if existing, err := s.readRecord(w.ID); err == nil {
		rec.ExpiresAt = existing.ExpiresAt
	}
	return writeJSONFile(s.recordPath(w.ID), rec)
}

func (s *FileStore) writeJob(workflowID string, job *Job) error {
	if strings.ContainsAny(job.Name, `/\`) {
		return fmt.Errorf("invalid job name %q", job.Name)
	}
	job.WorkflowID = workflowID
	return writeJSONFile(s.jobPath(workflowID, job.Name), job)
}

func (s *FileStore) readRecord(id string) (*fileRecord, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
		}
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	return &rec, nil
}

// liveRecord returns the record unless it has expired, in which case the
// workflow directory is removed.
func (s *FileStore) liveRecord(id string) (*fileRecord, error) {
	rec, err := s.readRecord(id)
	if err != nil {
		return nil, err
	}
	if rec.ExpiresAt != nil && !time.Now().Before(*rec.ExpiresAt) {
		if err := os.RemoveAll(s.workflowDir(id)); err != nil {
			return nil, fmt.Errorf("failed to delete expired workflow: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return rec, nil
}

func (s *FileStore) LoadWorkflow(ctx context.Context, id string) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.liveRecord(id)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.workflowDir(id), "jobs"))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read jobs directory: %w", err)
	}
	jobs := make([]*Job, 0, len(entries))
	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), ".json")
		if !ok || entry.IsDir() {
			continue
		}
		job, err := s.readJob(id, name)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return RestoreWorkflow(rec.WorkflowRecord, jobs), nil
}

func (s *FileStore) SaveJob(ctx context.Context, workflowID string, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJob(workflowID, job)
}

func (s *FileStore) LoadJob(ctx context.Context, workflowID, name string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.liveRecord(workflowID); err != nil {
		if errors.Is(err, ErrWorkflowNotFound) {
			return nil, fmt.Errorf("%w: %s in workflow %s", ErrJobNotFound, name, workflowID)
		}
		return nil, err
	}
	return s.readJob(workflowID, name)
}

func (s *FileStore) readJob(workflowID, name string) (*Job, error) {
	data, err := os.ReadFile(s.jobPath(workflowID, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s in workflow %s", ErrJobNotFound, name, workflowID)
		}
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (s *FileStore) ExpireWorkflow(ctx context.Context, id string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.liveRecord(id)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		rec.ExpiresAt = nil
	} else {
		at := time.Now().Add(ttl).UTC()
		rec.ExpiresAt = &at
	}
	return writeJSONFile(s.recordPath(id), rec)
}

// DeleteWorkflow removes all data for a workflow.
func (s *FileStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.workflowDir(id)); err != nil {
		return fmt.Errorf("failed to delete workflow directory: %w", err)
	}
	return nil
}

// ListWorkflows returns summaries of every stored workflow, newest first.
func (s *FileStore) ListWorkflows(ctx context.Context) ([]WorkflowSummary, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []WorkflowSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	summaries := []WorkflowSummary{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		w, err := s.LoadWorkflow(ctx, entry.Name())
		if err != nil {
			// Skip workflows we can't read
			continue
		}
		summaries = append(summaries, w.Summary())
	}
	sortSummaries(summaries)
	return summaries, nil
}

func sortSummaries(summaries []WorkflowSummary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		return startedBefore(summaries[j], summaries[i])
	})
}

func startedBefore(a, b WorkflowSummary) bool {
	if a.StartedAt == nil {
		return b.StartedAt != nil
	}
	return b.StartedAt != nil && a.StartedAt.Before(*b.StartedAt)
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
