package dagflow

import (
	"fmt"
	"strings"
	"time"
)

// timestamp returns the current time for lifecycle fields. Times are stored in
// UTC with microsecond precision so they survive every store round trip.
var timestamp = func() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Payload is the output of one predecessor, gathered before a job runs.
type Payload struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Output any    `json:"output"`
}

// Job is a single node of a workflow graph. Edges are held as job names and
// resolved against the owning workflow (or a store snapshot) on demand.
//
// Params, OutputPayload and Payload.Output are persisted as JSON. After a
// store round trip they hold JSON values: numbers decode as float64, objects
// as map[string]any and arrays as []any. Performers should convert with a
// type switch or re-decode into their own struct rather than asserting the
// type they originally stored.
type Job struct {
	Name          string         `json:"name"`
	Type          string         `json:"klass"`
	WorkflowID    string         `json:"workflow_id"`
	Queue         string         `json:"queue"`
	Params        map[string]any `json:"params"`
	Incoming      []string       `json:"incoming"`
	Outgoing      []string       `json:"outgoing"`
	EnqueuedAt    *time.Time     `json:"enqueued_at"`
	StartedAt     *time.Time     `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at"`
	FailedAt      *time.Time     `json:"failed_at"`
	RetryAt       *time.Time     `json:"retry_at"`
	OutputPayload any            `json:"output_payload"`
	Error         string         `json:"error"`

	// Payloads is rebuilt on every execution and never persisted.
	Payloads []Payload `json:"-"`
}

// JobFinder resolves job names to jobs.
type JobFinder interface {
	FindJob(identifier string) *Job
}

// NewJob returns a pending job with empty edge sets.
func NewJob(name, jobType string) *Job {
	return &Job{
		Name:     name,
		Type:     jobType,
		Params:   map[string]any{},
		Incoming: []string{},
		Outgoing: []string{},
	}
}

// Enqueue marks the start of a fresh attempt.
func (j *Job) Enqueue() {
	now := timestamp()
	j.EnqueuedAt = &now
	j.StartedAt = nil
	j.FinishedAt = nil
	j.FailedAt = nil
	j.RetryAt = nil
}

// Start records that business logic is about to run.
func (j *Job) Start() {
	now := timestamp()
	j.StartedAt = &now
}

// Finish records a successful attempt.
func (j *Job) Finish() {
	now := timestamp()
	j.FinishedAt = &now
}

// Fail records a failed attempt and its message.
func (j *Job) Fail(message string) {
	now := timestamp()
	j.FinishedAt = &now
	j.FailedAt = &now
	j.Error = message
}

// ScheduleRetry records that the dispatch backend will re-run this failed job
// at the given time.
func (j *Job) ScheduleRetry(at time.Time) {
	at = at.UTC().Truncate(time.Microsecond)
	j.RetryAt = &at
}

// Output sets the job's declared result.
func (j *Job) Output(data any) {
	j.OutputPayload = data
}

// Enqueued is true while the job waits in a queue for its attempt to start.
func (j *Job) Enqueued() bool {
	return j.EnqueuedAt != nil && j.StartedAt == nil
}

func (j *Job) Started() bool {
	return j.StartedAt != nil
}

func (j *Job) Finished() bool {
	return j.FinishedAt != nil
}

func (j *Job) Failed() bool {
	return j.FailedAt != nil
}

func (j *Job) Succeeded() bool {
	return j.Finished() && !j.Failed()
}

func (j *Job) Running() bool {
	return j.Started() && !j.Finished()
}

// Retrying is true while the job is failed and a backend retry is scheduled.
func (j *Job) Retrying() bool {
	return j.Failed() && j.RetryAt != nil
}

func (j *Job) HasNoDependencies() bool {
	return len(j.Incoming) == 0
}

// ReadyToStart reports whether the job is idle and every predecessor, as
// resolved by the finder, has succeeded.
func (j *Job) ReadyToStart(finder JobFinder) bool {
	if j.Running() || j.Enqueued() || j.Finished() || j.Failed() {
		return false
	}
	return j.parentsSucceeded(finder)
}

func (j *Job) parentsSucceeded(finder JobFinder) bool {
	for _, name := range j.Incoming {
		parent := finder.FindJob(name)
		if parent == nil || !parent.Succeeded() {
			return false
		}
	}
	return true
}

// Payload returns the output of the predecessor with the given job type.
// Asking for a type that is not a declared predecessor is a programming error.
func (j *Job) Payload(jobType string) (any, error) {
	for _, p := range j.Payloads {
		if p.Type == jobType {
			return p.Output, nil
		}
	}
	available := make([]string, 0, len(j.Payloads))
	for _, p := range j.Payloads {
		available = append(available, p.Type)
	}
	return nil, &JobError{
		Type:    ErrorTypeFatal,
		Cause:   fmt.Sprintf("unable to find payload for %s, available: [%s]", jobType, strings.Join(available, ", ")),
		Wrapped: ErrPayloadNotFound,
	}
}

// Clone returns a deep copy of the job's edge lists and params. Output and
// payload values are shared.
func (j *Job) Clone() *Job {
	c := *j
	c.Params = copyMap(j.Params)
	c.Incoming = append([]string{}, j.Incoming...)
	c.Outgoing = append([]string{}, j.Outgoing...)
	c.Payloads = append([]Payload(nil), j.Payloads...)
	return &c
}

// JobName builds the "<type>-<suffix>" name used to address a job.
func JobName(jobType, suffix string) string {
	return jobType + "-" + suffix
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

// copyMap creates a shallow copy of a map
func copyMap(m map[string]any) map[string]any {
	copy := make(map[string]any, len(m))
	for k, v := range m {
		copy[k] = v
	}
	return copy
}
