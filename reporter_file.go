package dagflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileReporter appends reports to one newline-delimited JSON file per
// workflow.
type FileReporter struct {
	directory string
	mu        sync.Mutex
}

// ReportEntry is one line of a FileReporter log. Exactly one of Job and
// Workflow is set.
type ReportEntry struct {
	Job      *JobReport      `json:"job,omitempty"`
	Workflow *WorkflowReport `json:"workflow,omitempty"`
}

func NewFileReporter(directory string) *FileReporter {
	return &FileReporter{directory: directory}
}

func (r *FileReporter) path(workflowID string) string {
	return filepath.Join(r.directory, fmt.Sprintf("%s.jsonl", workflowID))
}

func (r *FileReporter) ReportJob(ctx context.Context, report *JobReport) error {
	return r.append(report.WorkflowID, ReportEntry{Job: report})
}

func (r *FileReporter) ReportWorkflow(ctx context.Context, report *WorkflowReport) error {
	return r.append(report.WorkflowID, ReportEntry{Workflow: report})
}

// History returns every entry recorded for a workflow, oldest first.
func (r *FileReporter) History(ctx context.Context, workflowID string) ([]*ReportEntry, error) {
	data, err := os.ReadFile(r.path(workflowID))
	if err != nil {
		return nil, err
	}
	var entries []*ReportEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry ReportEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (r *FileReporter) append(workflowID string, entry ReportEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	filePath := r.path(workflowID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
