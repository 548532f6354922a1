package dagflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Options configures a Client.
type Options struct {
	Store      Store
	Dispatcher Dispatcher
	Locker     Locker
	Reporter   Reporter
	Registry   *Registry
	Logger     *slog.Logger

	// LockWait bounds how long a coordinator waits for a successor lock.
	LockWait time.Duration

	// LockHold bounds how long a successor lock may be held.
	LockHold time.Duration

	// LockAttempts is how many times lock acquisition is tried before the
	// coordinator gives up with a coordination error.
	LockAttempts int

	// PollInterval is used by WaitForWorkflow.
	PollInterval time.Duration
}

// Client ties a store, a dispatcher and a lock service together. It is the
// coordination context passed to everything that reads or drives workflows.
type Client struct {
	store        Store
	dispatcher   Dispatcher
	locker       Locker
	reporter     Reporter
	registry     *Registry
	logger       *slog.Logger
	lockWait     time.Duration
	lockHold     time.Duration
	lockAttempts int
	pollInterval time.Duration
}

// NewClient validates the options and fills defaults.
func NewClient(opts Options) (*Client, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher required")
	}
	if opts.Locker == nil {
		return nil, fmt.Errorf("locker required")
	}
	if opts.Reporter == nil {
		opts.Reporter = NewNullReporter()
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 2 * time.Second
	}
	if opts.LockHold <= 0 {
		opts.LockHold = 5 * time.Second
	}
	if opts.LockAttempts <= 0 {
		opts.LockAttempts = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &Client{
		store:        opts.Store,
		dispatcher:   opts.Dispatcher,
		locker:       opts.Locker,
		reporter:     opts.Reporter,
		registry:     opts.Registry,
		logger:       opts.Logger,
		lockWait:     opts.LockWait,
		lockHold:     opts.LockHold,
		lockAttempts: opts.LockAttempts,
		pollInterval: opts.PollInterval,
	}, nil
}

func (c *Client) Registry() *Registry {
	return c.registry
}

func (c *Client) Store() Store {
	return c.store
}

func (c *Client) Logger() *slog.Logger {
	return c.logger
}

// Coordinator returns a coordinator bound to this client.
func (c *Client) Coordinator() *Coordinator {
	return &Coordinator{client: c, logger: c.logger}
}

// NewWorkflow returns an empty workflow whose ids come from the dispatcher.
func (c *Client) NewWorkflow(name string, args map[string]any) *Workflow {
	return NewWorkflow(name, args, c.dispatcher)
}

// CreateWorkflow resolves and validates the workflow, then persists it.
func (c *Client) CreateWorkflow(ctx context.Context, w *Workflow) error {
	if err := w.ResolveDependencies(); err != nil {
		return fmt.Errorf("resolve dependencies: %w", err)
	}
	if err := w.Validate(); err != nil {
		return fmt.Errorf("invalid workflow: %w", err)
	}
	return c.PersistWorkflow(ctx, w)
}

// PersistWorkflow saves the workflow and all of its jobs.
func (c *Client) PersistWorkflow(ctx context.Context, w *Workflow) error {
	id, err := w.AssignID(ctx)
	if err != nil {
		return err
	}
	for _, job := range w.Jobs {
		job.WorkflowID = id
	}
	w.MarkAsPersisted()
	if err := c.store.SaveWorkflow(ctx, w); err != nil {
		return fmt.Errorf("save workflow %s: %w", id, err)
	}
	return nil
}

// StartWorkflow clears the stopped flag, persists the workflow and enqueues
// the named jobs, or every job without predecessors if none are named.
func (c *Client) StartWorkflow(ctx context.Context, w *Workflow, jobNames ...string) error {
	w.MarkAsStarted()
	if err := c.PersistWorkflow(ctx, w); err != nil {
		return err
	}
	jobs := w.InitialJobs()
	if len(jobNames) > 0 {
		jobs = make([]*Job, 0, len(jobNames))
		for _, name := range jobNames {
			job := w.FindJob(name)
			if job == nil {
				return fmt.Errorf("%w: %q in workflow %s", ErrJobNotFound, name, w.ID)
			}
			jobs = append(jobs, job)
		}
	}
	for _, job := range jobs {
		if err := c.enqueueJob(ctx, w.ID, job); err != nil {
			return err
		}
	}
	c.logger.Info("workflow started",
		slog.String("workflow_id", w.ID),
		slog.String("name", w.Name),
		slog.Int("initial_jobs", len(jobs)),
	)
	return nil
}

// FindWorkflow loads a workflow and binds it to this client's dispatcher.
func (c *Client) FindWorkflow(ctx context.Context, id string) (*Workflow, error) {
	w, err := c.store.LoadWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	w.SetIDGenerator(c.dispatcher)
	return w, nil
}

func (c *Client) LoadJob(ctx context.Context, workflowID, name string) (*Job, error) {
	return c.store.LoadJob(ctx, workflowID, name)
}

// EnqueueJob starts a fresh attempt of the job. A job whose stored record is
// running is rejected with ErrJobRunning.
func (c *Client) EnqueueJob(ctx context.Context, workflowID string, job *Job) error {
	current, err := c.store.LoadJob(ctx, workflowID, job.Name)
	switch {
	case err == nil:
		if current.Running() {
			return fmt.Errorf("%w: %s", ErrJobRunning, job.Name)
		}
	case !errors.Is(err, ErrJobNotFound):
		return fmt.Errorf("load job %s: %w", job.Name, err)
	}
	if job.Running() {
		return fmt.Errorf("%w: %s", ErrJobRunning, job.Name)
	}
	return c.enqueueJob(ctx, workflowID, job)
}

func (c *Client) enqueueJob(ctx context.Context, workflowID string, job *Job) error {
	job.Enqueue()
	if err := c.store.SaveJob(ctx, workflowID, job); err != nil {
		return fmt.Errorf("save job %s: %w", job.Name, err)
	}
	if err := c.dispatcher.Enqueue(ctx, workflowID, job); err != nil {
		return fmt.Errorf("dispatch job %s: %w", job.Name, err)
	}
	c.logger.Debug("job enqueued",
		slog.String("workflow_id", workflowID),
		slog.String("job", job.Name),
		slog.String("queue", QueueName(job)),
	)
	return nil
}

// ContinueWorkflow re-enqueues every failed job of the workflow, and every
// pending job whose predecessors have all succeeded but which was never
// enqueued, such as a successor whose fan-out hit a lock timeout.
func (c *Client) ContinueWorkflow(ctx context.Context, id string) error {
	w, err := c.FindWorkflow(ctx, id)
	if err != nil {
		return err
	}
	coordinator := c.Coordinator()
	logger := c.logger.With(slog.String("workflow_id", id))
	var errs []error
	for _, job := range w.Jobs {
		switch {
		case job.Failed():
			if err := c.EnqueueJob(ctx, id, job); err != nil {
				errs = append(errs, err)
			}
		case !job.HasNoDependencies() && job.ReadyToStart(w):
			// Rechecked under the successor lock against fresh records.
			if err := coordinator.enqueueIfReady(ctx, logger, id, job.Name); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// StopWorkflow sets the stopped flag. In-flight jobs finish, but no further
// successors are enqueued.
func (c *Client) StopWorkflow(ctx context.Context, id string) error {
	w, err := c.FindWorkflow(ctx, id)
	if err != nil {
		return err
	}
	w.MarkAsStopped()
	return c.saveWorkflowRecord(ctx, w)
}

// RecordSaver is implemented by stores that can save a workflow's own fields
// without rewriting its jobs.
type RecordSaver interface {
	SaveWorkflowRecord(ctx context.Context, w *Workflow) error
}

func (c *Client) saveWorkflowRecord(ctx context.Context, w *Workflow) error {
	if saver, ok := c.store.(RecordSaver); ok {
		return saver.SaveWorkflowRecord(ctx, w)
	}
	return c.store.SaveWorkflow(ctx, w)
}

// ExpireWorkflow schedules the workflow for removal after ttl. A ttl of zero
// or less keeps it indefinitely.
func (c *Client) ExpireWorkflow(ctx context.Context, id string, ttl time.Duration) error {
	return c.store.ExpireWorkflow(ctx, id, ttl)
}

// WaitForWorkflow polls until the workflow has settled: every job finished,
// or a terminal status with nothing left enqueued or running.
func (c *Client) WaitForWorkflow(ctx context.Context, id string) (*Workflow, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		w, err := c.FindWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		if settled(w) {
			return w, nil
		}
		select {
		case <-ctx.Done():
			return w, ctx.Err()
		case <-ticker.C:
		}
	}
}

func settled(w *Workflow) bool {
	if w.Finished() {
		return true
	}
	if !w.Status().Terminal() {
		return false
	}
	return !w.anyJob((*Job).Running) && !w.anyJob((*Job).Enqueued)
}
