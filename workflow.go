package dagflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowStatus is the aggregate status derived from a workflow's jobs.
type WorkflowStatus string

const (
	StatusSucceeded WorkflowStatus = "succeeded"
	StatusRetrying  WorkflowStatus = "retrying"
	StatusFailed    WorkflowStatus = "failed"
	StatusStopped   WorkflowStatus = "stopped"
	StatusEnqueued  WorkflowStatus = "enqueued"
	StatusRunning   WorkflowStatus = "running"
	StatusPending   WorkflowStatus = "pending"
)

// Terminal reports whether no further job will run without intervention.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusStopped
}

// Dependency is one declared edge, exactly as given to Run.
type Dependency struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RunOptions configures a job added with Workflow.Run.
type RunOptions struct {
	Params map[string]any
	Queue  string
	After  []string
	Before []string
}

// IDGenerator allocates workflow ids and job names that are not in use.
type IDGenerator interface {
	NextFreeJobID(ctx context.Context, workflowID, jobType string) (string, error)
	NextFreeWorkflowID(ctx context.Context) (string, error)
}

// Workflow is a DAG of jobs. Edges are declared with Run, kept in
// Dependencies, and copied into each job's Incoming/Outgoing lists by
// ResolveDependencies.
type Workflow struct {
	ID           string
	Name         string
	Jobs         []*Job
	Dependencies []Dependency
	Stopped      bool
	Persisted    bool
	Arguments    map[string]any

	index map[string]int
	ids   IDGenerator
}

// NewWorkflow returns an empty workflow of the given kind. A nil generator
// falls back to TypeIDGenerator.
func NewWorkflow(name string, args map[string]any, ids IDGenerator) *Workflow {
	if args == nil {
		args = map[string]any{}
	}
	return &Workflow{
		Name:         name,
		Jobs:         []*Job{},
		Dependencies: []Dependency{},
		Arguments:    args,
		index:        map[string]int{},
		ids:          ids,
	}
}

// AssignID returns the workflow id, allocating one on first use.
func (w *Workflow) AssignID(ctx context.Context) (string, error) {
	if w.ID != "" {
		return w.ID, nil
	}
	id, err := w.generator().NextFreeWorkflowID(ctx)
	if err != nil {
		return "", fmt.Errorf("allocate workflow id: %w", err)
	}
	w.ID = id
	for _, job := range w.Jobs {
		job.WorkflowID = id
	}
	return id, nil
}

// Run appends a job of the given type and records the requested edges. The
// edges are not resolved until ResolveDependencies is called. It returns the
// new job's name.
func (w *Workflow) Run(ctx context.Context, jobType string, opts RunOptions) (string, error) {
	if jobType == "" {
		return "", fmt.Errorf("job type required")
	}
	id, err := w.AssignID(ctx)
	if err != nil {
		return "", err
	}
	var name string
	for attempt := 0; ; attempt++ {
		name, err = w.generator().NextFreeJobID(ctx, id, jobType)
		if err != nil {
			return "", fmt.Errorf("allocate job name: %w", err)
		}
		if w.findByName(name) == nil {
			break
		}
		if attempt >= 10 {
			return "", fmt.Errorf("allocate job name: %q already in workflow", name)
		}
	}

	job := NewJob(name, jobType)
	job.WorkflowID = id
	job.Queue = opts.Queue
	if opts.Params != nil {
		job.Params = copyMap(opts.Params)
	}
	w.addJob(job)

	for _, dep := range opts.After {
		w.Dependencies = append(w.Dependencies, Dependency{From: dep, To: name})
	}
	for _, dep := range opts.Before {
		w.Dependencies = append(w.Dependencies, Dependency{From: name, To: dep})
	}
	return name, nil
}

// SetIDGenerator replaces the generator used by AssignID and Run.
func (w *Workflow) SetIDGenerator(ids IDGenerator) {
	w.ids = ids
}

func (w *Workflow) generator() IDGenerator {
	if w.ids == nil {
		w.ids = NewTypeIDGenerator()
	}
	return w.ids
}

func (w *Workflow) addJob(job *Job) {
	if w.index == nil {
		w.reindex()
	}
	w.Jobs = append(w.Jobs, job)
	w.index[job.Name] = len(w.Jobs) - 1
}

func (w *Workflow) reindex() {
	w.index = make(map[string]int, len(w.Jobs))
	for i, job := range w.Jobs {
		w.index[job.Name] = i
	}
}

func (w *Workflow) findByName(name string) *Job {
	if i, ok := w.index[name]; ok && i < len(w.Jobs) && w.Jobs[i].Name == name {
		return w.Jobs[i]
	}
	// The index is stale if Jobs was modified directly.
	w.reindex()
	if i, ok := w.index[name]; ok {
		return w.Jobs[i]
	}
	return nil
}

// FindJob resolves an identifier to a job: first as an exact job name, then
// as a job type, returning the first job of that type in declaration order.
func (w *Workflow) FindJob(identifier string) *Job {
	if job := w.findByName(identifier); job != nil {
		return job
	}
	for _, job := range w.Jobs {
		if job.Type == identifier {
			return job
		}
	}
	return nil
}

// ResolveDependencies copies every declared edge into the jobs' Incoming and
// Outgoing lists. Calling it again does not duplicate entries.
func (w *Workflow) ResolveDependencies() error {
	for _, dep := range w.Dependencies {
		from := w.FindJob(dep.From)
		if from == nil {
			return fmt.Errorf("%w: dependency from %q", ErrJobNotFound, dep.From)
		}
		to := w.FindJob(dep.To)
		if to == nil {
			return fmt.Errorf("%w: dependency to %q", ErrJobNotFound, dep.To)
		}
		if !contains(to.Incoming, from.Name) {
			to.Incoming = append(to.Incoming, from.Name)
		}
		if !contains(from.Outgoing, to.Name) {
			from.Outgoing = append(from.Outgoing, to.Name)
		}
	}
	return nil
}

// Validate checks that job names are unique, that every edge points at a job
// in the workflow, and that the graph has no cycles.
func (w *Workflow) Validate() error {
	seen := make(map[string]bool, len(w.Jobs))
	for _, job := range w.Jobs {
		if job.Name == "" {
			return fmt.Errorf("job name required")
		}
		if seen[job.Name] {
			return fmt.Errorf("duplicate job name %q", job.Name)
		}
		seen[job.Name] = true
	}
	for _, job := range w.Jobs {
		for _, name := range job.Incoming {
			if !seen[name] {
				return fmt.Errorf("%w: %q is a predecessor of %q", ErrJobNotFound, name, job.Name)
			}
		}
		for _, name := range job.Outgoing {
			if !seen[name] {
				return fmt.Errorf("%w: %q is a successor of %q", ErrJobNotFound, name, job.Name)
			}
		}
	}
	for _, dep := range w.Dependencies {
		if w.FindJob(dep.From) == nil || w.FindJob(dep.To) == nil {
			return fmt.Errorf("%w: dependency %s -> %s", ErrJobNotFound, dep.From, dep.To)
		}
	}

	// Kahn's algorithm over the resolved edges.
	inDegree := make(map[string]int, len(w.Jobs))
	for _, job := range w.Jobs {
		inDegree[job.Name] = len(job.Incoming)
	}
	queue := make([]*Job, 0, len(w.Jobs))
	for _, job := range w.Jobs {
		if inDegree[job.Name] == 0 {
			queue = append(queue, job)
		}
	}
	visited := 0
	for len(queue) > 0 {
		job := queue[0]
		queue = queue[1:]
		visited++
		for _, name := range job.Outgoing {
			inDegree[name]--
			if inDegree[name] == 0 {
				queue = append(queue, w.findByName(name))
			}
		}
	}
	if visited != len(w.Jobs) {
		return ErrCycle
	}
	return nil
}

// InitialJobs returns the jobs with no predecessors.
func (w *Workflow) InitialJobs() []*Job {
	var jobs []*Job
	for _, job := range w.Jobs {
		if job.HasNoDependencies() {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// Status derives the workflow status from its jobs and the stopped flag.
// The first matching state wins, so a completed workflow reports succeeded
// even if a job failed on an earlier attempt.
func (w *Workflow) Status() WorkflowStatus {
	switch {
	case w.Succeeded():
		return StatusSucceeded
	case w.Retrying():
		return StatusRetrying
	case w.Failed():
		return StatusFailed
	case w.Stopped:
		return StatusStopped
	case w.Enqueued():
		return StatusEnqueued
	case w.Started():
		return StatusRunning
	default:
		return StatusPending
	}
}

func (w *Workflow) Finished() bool {
	for _, job := range w.Jobs {
		if !job.Finished() {
			return false
		}
	}
	return true
}

// Succeeded is true when the workflow has jobs and all of them succeeded.
func (w *Workflow) Succeeded() bool {
	if len(w.Jobs) == 0 {
		return false
	}
	for _, job := range w.Jobs {
		if !job.Succeeded() {
			return false
		}
	}
	return true
}

func (w *Workflow) Failed() bool {
	return w.anyJob((*Job).Failed)
}

func (w *Workflow) Retrying() bool {
	return w.anyJob((*Job).Retrying)
}

func (w *Workflow) Enqueued() bool {
	return w.anyJob((*Job).Enqueued)
}

func (w *Workflow) Started() bool {
	return w.StartedAt() != nil
}

func (w *Workflow) Running() bool {
	return w.Started() && !w.Finished()
}

func (w *Workflow) anyJob(pred func(*Job) bool) bool {
	for _, job := range w.Jobs {
		if pred(job) {
			return true
		}
	}
	return false
}

// StartedAt is the earliest job start time, or nil if no job has started.
func (w *Workflow) StartedAt() *time.Time {
	var earliest *time.Time
	for _, job := range w.Jobs {
		if job.StartedAt != nil && (earliest == nil || job.StartedAt.Before(*earliest)) {
			earliest = job.StartedAt
		}
	}
	return earliest
}

// FinishedAt is the latest job finish time once every job has finished.
func (w *Workflow) FinishedAt() *time.Time {
	if len(w.Jobs) == 0 || !w.Finished() {
		return nil
	}
	var latest *time.Time
	for _, job := range w.Jobs {
		if latest == nil || job.FinishedAt.After(*latest) {
			latest = job.FinishedAt
		}
	}
	return latest
}

func (w *Workflow) MarkAsStopped() {
	w.Stopped = true
}

// MarkAsStarted clears the stopped flag.
func (w *Workflow) MarkAsStarted() {
	w.Stopped = false
}

func (w *Workflow) MarkAsPersisted() {
	w.Persisted = true
}

// WorkflowRecord is the workflow without its jobs, for stores that keep job
// records separately.
type WorkflowRecord struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Dependencies []Dependency   `json:"dependencies"`
	JobNames     []string       `json:"job_names"`
	Stopped      bool           `json:"stopped"`
	Persisted    bool           `json:"persisted"`
	Arguments    map[string]any `json:"arguments"`
}

// Record returns the workflow's own fields and the ordered job names.
func (w *Workflow) Record() WorkflowRecord {
	names := make([]string, 0, len(w.Jobs))
	for _, job := range w.Jobs {
		names = append(names, job.Name)
	}
	deps := append([]Dependency{}, w.Dependencies...)
	return WorkflowRecord{
		ID:           w.ID,
		Name:         w.Name,
		Dependencies: deps,
		JobNames:     names,
		Stopped:      w.Stopped,
		Persisted:    w.Persisted,
		Arguments:    copyMap(w.Arguments),
	}
}

// RestoreWorkflow rebuilds a workflow from its record and job records. Jobs
// are ordered as listed in the record; jobs missing from the record's list
// are appended in the order given.
func RestoreWorkflow(record WorkflowRecord, jobs []*Job) *Workflow {
	byName := make(map[string]*Job, len(jobs))
	for _, job := range jobs {
		byName[job.Name] = job
	}
	ordered := make([]*Job, 0, len(jobs))
	for _, name := range record.JobNames {
		if job, ok := byName[name]; ok {
			ordered = append(ordered, job)
			delete(byName, name)
		}
	}
	for _, job := range jobs {
		if _, ok := byName[job.Name]; ok {
			ordered = append(ordered, job)
		}
	}
	w := &Workflow{
		ID:           record.ID,
		Name:         record.Name,
		Jobs:         ordered,
		Dependencies: record.Dependencies,
		Stopped:      record.Stopped,
		Persisted:    record.Persisted,
		Arguments:    record.Arguments,
	}
	if w.Dependencies == nil {
		w.Dependencies = []Dependency{}
	}
	if w.Arguments == nil {
		w.Arguments = map[string]any{}
	}
	w.reindex()
	return w
}

type workflowJSON struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Jobs         []*Job         `json:"jobs"`
	Dependencies []Dependency   `json:"dependencies"`
	Stopped      bool           `json:"stopped"`
	Persisted    bool           `json:"persisted"`
	Arguments    map[string]any `json:"arguments"`
}

func (w *Workflow) MarshalJSON() ([]byte, error) {
	jobs := w.Jobs
	if jobs == nil {
		jobs = []*Job{}
	}
	deps := w.Dependencies
	if deps == nil {
		deps = []Dependency{}
	}
	return json.Marshal(workflowJSON{
		ID:           w.ID,
		Name:         w.Name,
		Jobs:         jobs,
		Dependencies: deps,
		Stopped:      w.Stopped,
		Persisted:    w.Persisted,
		Arguments:    w.Arguments,
	})
}

func (w *Workflow) UnmarshalJSON(data []byte) error {
	var v workflowJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	w.ID = v.ID
	w.Name = v.Name
	w.Jobs = v.Jobs
	w.Dependencies = v.Dependencies
	w.Stopped = v.Stopped
	w.Persisted = v.Persisted
	w.Arguments = v.Arguments
	if w.Jobs == nil {
		w.Jobs = []*Job{}
	}
	if w.Dependencies == nil {
		w.Dependencies = []Dependency{}
	}
	w.reindex()
	return nil
}

// WorkflowSummary is a compact view of a workflow's progress.
type WorkflowSummary struct {
	Name       string         `json:"name"`
	ID         string         `json:"id"`
	Arguments  map[string]any `json:"arguments"`
	Total      int            `json:"total"`
	Finished   int            `json:"finished"`
	Status     WorkflowStatus `json:"status"`
	Stopped    bool           `json:"stopped"`
	StartedAt  *time.Time     `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at"`
}

func (w *Workflow) Summary() WorkflowSummary {
	finished := 0
	for _, job := range w.Jobs {
		if job.Finished() {
			finished++
		}
	}
	return WorkflowSummary{
		Name:       w.Name,
		ID:         w.ID,
		Arguments:  w.Arguments,
		Total:      len(w.Jobs),
		Finished:   finished,
		Status:     w.Status(),
		Stopped:    w.Stopped,
		StartedAt:  w.StartedAt(),
		FinishedAt: w.FinishedAt(),
	}
}

// Clone returns a deep copy of the workflow and its jobs.
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.Jobs = make([]*Job, len(w.Jobs))
	for i, job := range w.Jobs {
		c.Jobs[i] = job.Clone()
	}
	c.Dependencies = append([]Dependency{}, w.Dependencies...)
	c.Arguments = copyMap(w.Arguments)
	c.reindex()
	return &c
}
