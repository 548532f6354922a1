package dagflow

import (
	"context"
	"log/slog"
	"time"
)

// Job report statuses.
const (
	ReportStarted  = "started"
	ReportFinished = "finished"
	ReportFailed   = "failed"
)

// JobReport describes one job lifecycle event.
type JobReport struct {
	Status     string    `json:"status"`
	WorkflowID string    `json:"workflow_id"`
	JobName    string    `json:"job"`
	JobType    string    `json:"klass"`
	Duration   float64   `json:"duration"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// WorkflowReport describes a workflow that reached a terminal status.
type WorkflowReport struct {
	WorkflowID string         `json:"workflow_id"`
	Name       string         `json:"name"`
	Status     WorkflowStatus `json:"status"`
	StartedAt  *time.Time     `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Reporter receives lifecycle events. Errors returned by a reporter are
// logged by the coordinator and never change a job's outcome.
type Reporter interface {
	ReportJob(ctx context.Context, report *JobReport) error
	ReportWorkflow(ctx context.Context, report *WorkflowReport) error
}

// NullReporter discards all reports.
type NullReporter struct{}

func NewNullReporter() *NullReporter {
	return &NullReporter{}
}

func (r *NullReporter) ReportJob(ctx context.Context, report *JobReport) error {
	return nil
}

func (r *NullReporter) ReportWorkflow(ctx context.Context, report *WorkflowReport) error {
	return nil
}

// LogReporter writes reports to a structured logger.
type LogReporter struct {
	logger *slog.Logger
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = NewLogger()
	}
	return &LogReporter{logger: logger}
}

func (r *LogReporter) ReportJob(ctx context.Context, report *JobReport) error {
	attrs := []any{
		slog.String("workflow_id", report.WorkflowID),
		slog.String("job", report.JobName),
		slog.String("status", report.Status),
		slog.Float64("duration", report.Duration),
	}
	if report.Error != "" {
		attrs = append(attrs, slog.String("error", report.Error))
		r.logger.WarnContext(ctx, "job report", attrs...)
		return nil
	}
	r.logger.InfoContext(ctx, "job report", attrs...)
	return nil
}

func (r *LogReporter) ReportWorkflow(ctx context.Context, report *WorkflowReport) error {
	r.logger.InfoContext(ctx, "workflow report",
		slog.String("workflow_id", report.WorkflowID),
		slog.String("name", report.Name),
		slog.String("status", string(report.Status)),
	)
	return nil
}

// ReporterChain fans reports out to several reporters. Every reporter is
// called; the first error is returned.
type ReporterChain struct {
	reporters []Reporter
}

func NewReporterChain(reporters ...Reporter) *ReporterChain {
	return &ReporterChain{reporters: reporters}
}

// Add adds a reporter to the chain
func (c *ReporterChain) Add(reporter Reporter) {
	c.reporters = append(c.reporters, reporter)
}

func (c *ReporterChain) ReportJob(ctx context.Context, report *JobReport) error {
	var first error
	for _, r := range c.reporters {
		if err := r.ReportJob(ctx, report); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *ReporterChain) ReportWorkflow(ctx context.Context, report *WorkflowReport) error {
	var first error
	for _, r := range c.reporters {
		if err := r.ReportWorkflow(ctx, report); err != nil && first == nil {
			first = err
		}
	}
	return first
}
