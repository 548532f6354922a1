package dagflow

import (
	"context"
	"time"
)

// Store persists workflows and jobs. Implementations must give
// read-your-writes consistency for a single job record.
type Store interface {
	// SaveWorkflow writes the workflow record and every job in it.
	SaveWorkflow(ctx context.Context, workflow *Workflow) error

	// LoadWorkflow returns ErrWorkflowNotFound if the id is unknown.
	LoadWorkflow(ctx context.Context, id string) (*Workflow, error)

	SaveJob(ctx context.Context, workflowID string, job *Job) error

	// LoadJob returns ErrJobNotFound if the job is unknown.
	LoadJob(ctx context.Context, workflowID, name string) (*Job, error)

	// ExpireWorkflow schedules removal of the workflow and its jobs after
	// ttl. A ttl of zero or less removes any scheduled expiry.
	ExpireWorkflow(ctx context.Context, id string, ttl time.Duration) error
}

// Dispatcher schedules job executions and allocates identifiers.
type Dispatcher interface {
	IDGenerator

	// Enqueue schedules exactly one future execution of the job.
	Enqueue(ctx context.Context, workflowID string, job *Job) error
}

// Locker provides mutual exclusion on arbitrary string keys. WithLock waits
// at most maxWait to acquire the lock, returning ErrLockTimeout otherwise.
// fn runs with a context bounded by maxHold, and the lock is released when
// fn returns.
type Locker interface {
	WithLock(ctx context.Context, key string, maxWait, maxHold time.Duration, fn func(ctx context.Context) error) error
}

// LockKey is the key guarding the readiness check of one successor job.
func LockKey(workflowID, jobName string) string {
	return "enqueue:" + workflowID + ":" + jobName
}

// Delivery is the message a dispatch backend carries for one scheduled
// execution.
type Delivery struct {
	WorkflowID string    `json:"workflow_id"`
	JobName    string    `json:"job_name"`
	Queue      string    `json:"queue"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DefaultQueue is used for jobs with no queue override.
const DefaultQueue = "default"

// QueueName returns the job's queue, or DefaultQueue.
func QueueName(job *Job) string {
	if job.Queue == "" {
		return DefaultQueue
	}
	return job.Queue
}
