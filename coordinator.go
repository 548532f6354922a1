package dagflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/deepnoodle-ai/dagflow/retry"
)

// Coordinator runs one job attempt and enqueues the successors that became
// ready. Any number of coordinators may run concurrently against the same
// store; the only shared critical section is the per-successor readiness
// check, which runs under Locker.
type Coordinator struct {
	client *Client
	logger *slog.Logger
}

// jobSet resolves job names against records loaded from the store.
type jobSet map[string]*Job

func (s jobSet) FindJob(name string) *Job {
	return s[name]
}

// Execute runs the named job. It returns nil when the job succeeded and its
// successors were handled, a *FailureError when the job's own logic failed,
// and a *JobError for fatal or coordination problems.
func (c *Coordinator) Execute(ctx context.Context, workflowID, jobName string) error {
	store := c.client.store
	logger := c.logger.With(
		slog.String("workflow_id", workflowID),
		slog.String("job", jobName),
	)

	job, err := store.LoadJob(ctx, workflowID, jobName)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return fatalError(err, "job %s not found in workflow %s", jobName, workflowID)
		}
		return fmt.Errorf("load job %s: %w", jobName, err)
	}
	job.WorkflowID = workflowID
	if job.Succeeded() {
		// A redelivery re-runs the fan-out only; successors already enqueued
		// fail ReadyToStart under their lock.
		logger.Warn("job already succeeded, re-checking successors")
		_, err := c.enqueueOutgoing(ctx, logger, workflowID, job)
		return err
	}

	payloads, err := c.gatherPayloads(ctx, workflowID, job)
	if err != nil {
		return err
	}
	job.Payloads = payloads

	// A failed job is only delivered again for a retry.
	if job.Failed() {
		job.Enqueue()
	}

	performer, err := c.client.registry.New(job.Type, job.Params)
	if err != nil {
		job.Fail(err.Error())
		if saveErr := store.SaveJob(ctx, workflowID, job); saveErr != nil {
			return fmt.Errorf("save job %s: %w", jobName, saveErr)
		}
		c.reportJob(ctx, logger, job, ReportFailed, 0)
		return fatalError(err, "job %s cannot be constructed", jobName)
	}

	start := time.Now()
	job.Start()
	if err := store.SaveJob(ctx, workflowID, job); err != nil {
		return fmt.Errorf("save job %s: %w", jobName, err)
	}
	c.reportJob(ctx, logger, job, ReportStarted, 0)

	result := c.perform(WithLogger(ctx, logger), performer, job)
	elapsed := time.Since(start)

	if result.Failed() {
		failure := &FailureError{
			WorkflowID: workflowID,
			JobName:    jobName,
			Message:    result.Message,
			Retryable:  result.Outcome == OutcomeFailedRetryable,
		}
		job.Fail(result.Message)
		c.decideRetry(ctx, job, failure)
		if err := store.SaveJob(ctx, workflowID, job); err != nil {
			return fmt.Errorf("save job %s: %w", jobName, err)
		}
		c.reportJob(ctx, logger, job, ReportFailed, elapsed)
		logger.Info("job failed",
			slog.String("error", result.Message),
			slog.Bool("retryable", failure.Retryable),
			slog.Bool("retry_scheduled", failure.RetryScheduled),
			slog.Duration("duration", elapsed),
		)
		if !failure.RetryScheduled {
			c.reportWorkflow(ctx, logger, workflowID)
		}
		return failure
	}

	job.Output(result.Output)
	job.Finish()
	if err := store.SaveJob(ctx, workflowID, job); err != nil {
		return fmt.Errorf("save job %s: %w", jobName, err)
	}
	c.reportJob(ctx, logger, job, ReportFinished, elapsed)
	logger.Debug("job finished", slog.Duration("duration", elapsed))

	w, err := c.enqueueOutgoing(ctx, logger, workflowID, job)
	if err != nil {
		return err
	}
	if len(job.Outgoing) == 0 && w.Finished() {
		c.sendWorkflowReport(ctx, logger, w)
	}
	return nil
}

// decideRetry asks the RetryDecider carried by ctx whether a retryable
// failure will be redelivered, and if so marks the job as retrying before it
// is saved.
func (c *Coordinator) decideRetry(ctx context.Context, job *Job, failure *FailureError) {
	if !failure.Retryable {
		return
	}
	decide, ok := GetRetryDeciderFromContext(ctx)
	if !ok {
		return
	}
	attempt := 1
	if d, ok := GetDeliveryFromContext(ctx); ok && d.Attempt > 1 {
		attempt = d.Attempt
	}
	delay, scheduled := decide(attempt, failure)
	if !scheduled {
		return
	}
	job.ScheduleRetry(timestamp().Add(delay))
	failure.RetryScheduled = true
	failure.RetryDelay = delay
}

func (c *Coordinator) gatherPayloads(ctx context.Context, workflowID string, job *Job) ([]Payload, error) {
	payloads := make([]Payload, 0, len(job.Incoming))
	for _, name := range job.Incoming {
		parent, err := c.client.store.LoadJob(ctx, workflowID, name)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				return nil, fatalError(err, "predecessor %s of %s not found", name, job.Name)
			}
			return nil, fmt.Errorf("load predecessor %s: %w", name, err)
		}
		payloads = append(payloads, Payload{
			Name:   parent.Name,
			Type:   parent.Type,
			Output: parent.OutputPayload,
		})
	}
	return payloads, nil
}

func (c *Coordinator) perform(ctx context.Context, performer Performer, job *Job) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("job panicked",
				slog.String("job", job.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result = FailedTerminal(fmt.Sprintf("panic: %v", r))
		}
	}()
	return performer.Perform(ctx, job)
}

// enqueueOutgoing checks every successor of job. A failure for one successor
// does not stop the others; all failures are joined.
func (c *Coordinator) enqueueOutgoing(ctx context.Context, logger *slog.Logger, workflowID string, job *Job) (*Workflow, error) {
	w, err := c.client.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
	if w.Stopped {
		logger.Info("workflow stopped, not enqueuing successors")
		return w, nil
	}
	var errs []error
	for _, name := range job.Outgoing {
		if err := c.enqueueIfReady(ctx, logger, workflowID, name); err != nil {
			errs = append(errs, err)
		}
	}
	return w, errors.Join(errs...)
}

// enqueueIfReady checks one successor under its lock and enqueues it if every
// predecessor has succeeded and it has not been enqueued yet.
func (c *Coordinator) enqueueIfReady(ctx context.Context, logger *slog.Logger, workflowID, name string) error {
	key := LockKey(workflowID, name)
	attempts := 0
	err := retry.Do(ctx, func() error {
		attempts++
		return c.client.locker.WithLock(ctx, key, c.client.lockWait, c.client.lockHold, func(ctx context.Context) error {
			return c.checkAndEnqueue(ctx, logger, workflowID, name)
		})
	},
		retry.WithMaxRetries(c.client.lockAttempts-1),
		retry.WithStrategy(retry.NewConstant(c.client.lockWait/10)),
		retry.WithRetryIf(func(err error) bool { return errors.Is(err, ErrLockTimeout) }),
	)
	if err != nil && errors.Is(err, ErrLockTimeout) {
		logger.Error("successor lock not acquired",
			slog.String("successor", name),
			slog.Int("attempts", attempts),
		)
		return &JobError{
			Type:    ErrorTypeCoordination,
			Cause:   fmt.Sprintf("lock %s not acquired after %d attempts", key, attempts),
			Details: map[string]any{"workflow_id": workflowID, "successor": name},
			Wrapped: err,
		}
	}
	return err
}

func (c *Coordinator) checkAndEnqueue(ctx context.Context, logger *slog.Logger, workflowID, name string) error {
	store := c.client.store
	successor, err := store.LoadJob(ctx, workflowID, name)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return fatalError(err, "successor %s not found", name)
		}
		return fmt.Errorf("load successor %s: %w", name, err)
	}
	snapshot := jobSet{successor.Name: successor}
	for _, parentName := range successor.Incoming {
		parent, err := store.LoadJob(ctx, workflowID, parentName)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				return fatalError(err, "predecessor %s of %s not found", parentName, name)
			}
			return fmt.Errorf("load predecessor %s: %w", parentName, err)
		}
		snapshot[parent.Name] = parent
	}
	if !successor.ReadyToStart(snapshot) {
		logger.Debug("successor not ready", slog.String("successor", name))
		return nil
	}
	return c.client.enqueueJob(ctx, workflowID, successor)
}

func (c *Coordinator) reportJob(ctx context.Context, logger *slog.Logger, job *Job, status string, elapsed time.Duration) {
	report := &JobReport{
		Status:     status,
		WorkflowID: job.WorkflowID,
		JobName:    job.Name,
		JobType:    job.Type,
		Duration:   elapsed.Round(time.Millisecond).Seconds(),
		Timestamp:  timestamp(),
	}
	if status == ReportFailed {
		report.Error = job.Error
	}
	if err := c.client.reporter.ReportJob(ctx, report); err != nil {
		logger.Warn("job report failed", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) reportWorkflow(ctx context.Context, logger *slog.Logger, workflowID string) {
	w, err := c.client.store.LoadWorkflow(ctx, workflowID)
	if err != nil {
		logger.Warn("workflow report skipped", slog.String("error", err.Error()))
		return
	}
	c.sendWorkflowReport(ctx, logger, w)
}

func (c *Coordinator) sendWorkflowReport(ctx context.Context, logger *slog.Logger, w *Workflow) {
	report := &WorkflowReport{
		WorkflowID: w.ID,
		Name:       w.Name,
		Status:     w.Status(),
		StartedAt:  w.StartedAt(),
		FinishedAt: w.FinishedAt(),
		Timestamp:  timestamp(),
	}
	if err := c.client.reporter.ReportWorkflow(ctx, report); err != nil {
		logger.Warn("workflow report failed", slog.String("error", err.Error()))
	}
}
