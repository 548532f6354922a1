// Package worker runs coordinators against a dispatch backend. A Pool
// dequeues deliveries, executes them through a dagflow.Coordinator and maps
// job failures onto the backend's delayed retries according to a
// retry.Policy.
package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepnoodle-ai/dagflow"
	"github.com/deepnoodle-ai/dagflow/retry"
)

// Source is the consuming side of a dispatch backend.
type Source interface {
	// Dequeue returns the next delivery from the first non-empty queue, or
	// nil if none arrived within timeout.
	Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*dagflow.Delivery, error)

	// Retry schedules the delivery to become visible again after delay.
	Retry(ctx context.Context, delivery dagflow.Delivery, delay time.Duration) error
}

// Executor runs one job. *dagflow.Coordinator implements it.
type Executor interface {
	Execute(ctx context.Context, workflowID, jobName string) error
}

// Stats counts deliveries handled by a pool.
type Stats struct {
	Succeeded int64
	Failed    int64
	Retried   int64
	Errored   int64
}

// Pool manages a set of worker goroutines that dequeue deliveries and
// execute them.
type Pool struct {
	executor    Executor
	source      Source
	store       dagflow.Store
	policy      retry.Policy
	concurrency int
	queues      []string
	pollTimeout time.Duration
	logger      *slog.Logger

	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	dequeueCtx  context.Context
	stopDequeue context.CancelFunc
	execCtx     context.Context
	cancelExec  context.CancelFunc

	succeeded atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	errored   atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(n int) Option {
	return func(p *Pool) { p.concurrency = n }
}

// WithQueues sets the queues to consume, in priority order.
func WithQueues(queues ...string) Option {
	return func(p *Pool) { p.queues = queues }
}

// WithPollTimeout sets how long one Dequeue call may block.
func WithPollTimeout(d time.Duration) Option {
	return func(p *Pool) { p.pollTimeout = d }
}

// WithPolicy sets the retry policy for failed jobs.
func WithPolicy(policy retry.Policy) Option {
	return func(p *Pool) { p.policy = policy }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithStore lets the pool mark jobs as retrying for executors that do not
// consult the RetryDecider in their context. The coordinator does consult
// it and records the retry itself.
func WithStore(store dagflow.Store) Option {
	return func(p *Pool) { p.store = store }
}

// NewPool creates a worker pool.
func NewPool(executor Executor, source Source, opts ...Option) *Pool {
	p := &Pool{
		executor:    executor,
		source:      source,
		policy:      retry.DefaultPolicy(),
		concurrency: 4,
		queues:      []string{dagflow.DefaultQueue},
		pollTimeout: time.Second,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	return p
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	base := context.WithoutCancel(ctx)
	p.dequeueCtx, p.stopDequeue = context.WithCancel(base)
	p.execCtx, p.cancelExec = context.WithCancel(base)

	p.logger.Info("worker pool starting",
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
	)
	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}
	return nil
}

// Stop signals all workers to stop and waits for in-flight jobs to finish.
// If ctx is done first, in-flight jobs are canceled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")
	close(p.stopCh)
	p.stopDequeue()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelExec()
		<-done
	}
	p.cancelExec()
	return nil
}

// Stats returns counts of handled deliveries.
func (p *Pool) Stats() Stats {
	return Stats{
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Retried:   p.retried.Load(),
		Errored:   p.errored.Load(),
	}
}

func (p *Pool) dequeueLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		delivery, err := p.source.Dequeue(p.dequeueCtx, p.queues, p.pollTimeout)
		if err != nil {
			if p.dequeueCtx.Err() != nil {
				return
			}
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}
		if delivery == nil {
			continue
		}
		p.Handle(p.execCtx, *delivery)
	}
}

// Handle executes one delivery and applies the retry policy to its outcome.
func (p *Pool) Handle(ctx context.Context, d dagflow.Delivery) {
	if d.Attempt < 1 {
		d.Attempt = 1
	}
	logger := p.logger.With(
		slog.String("workflow_id", d.WorkflowID),
		slog.String("job", d.JobName),
		slog.Int("attempt", d.Attempt),
	)
	consulted := false
	decider := func(attempt int, err error) (time.Duration, bool) {
		consulted = true
		return p.decide(attempt, err)
	}
	execCtx := dagflow.WithRetryDecider(dagflow.WithDelivery(ctx, d), decider)
	err := p.executor.Execute(execCtx, d.WorkflowID, d.JobName)
	if err == nil {
		p.succeeded.Add(1)
		return
	}

	var failure *dagflow.FailureError
	switch {
	case errors.As(err, &failure):
		switch {
		case failure.RetryScheduled:
			// The executor already saved the job as retrying.
			p.redeliver(ctx, logger, d, failure.RetryDelay)
			return
		case failure.Retryable && !consulted && p.policy.ShouldRetry(d.Attempt, err):
			p.scheduleRetry(ctx, logger, d, true)
			return
		}
		p.failed.Add(1)
		logger.Warn("job failed permanently", slog.String("error", failure.Message))
	case dagflow.IsFatal(err):
		p.errored.Add(1)
		logger.Error("job could not be executed", slog.String("error", err.Error()))
	case dagflow.MatchesErrorType(err, dagflow.ErrorTypeCoordination):
		// The job itself succeeded; a redelivery only re-runs the fan-out.
		if ctx.Err() == nil && p.policy.ShouldRetry(d.Attempt, err) {
			logger.Warn("successor coordination failed, retrying", slog.String("error", err.Error()))
			p.scheduleRetry(ctx, logger, d, false)
			return
		}
		p.errored.Add(1)
		logger.Error("successor coordination failed", slog.String("error", err.Error()))
	default:
		// Store or dispatch failures; the delivery is retried as a whole.
		if ctx.Err() == nil && p.policy.ShouldRetry(d.Attempt, err) {
			logger.Warn("job execution errored, retrying", slog.String("error", err.Error()))
			p.scheduleRetry(ctx, logger, d, false)
			return
		}
		p.errored.Add(1)
		logger.Error("job execution errored", slog.String("error", err.Error()))
	}
}

// decide is the RetryDecider handed to the executor.
func (p *Pool) decide(attempt int, err error) (time.Duration, bool) {
	if !p.policy.ShouldRetry(attempt, err) {
		return 0, false
	}
	return p.policy.Delay(attempt), true
}

// scheduleRetry computes the delay itself, for executors that did not use
// the RetryDecider. markJob records the pending retry on the job when the
// pool has a store.
func (p *Pool) scheduleRetry(ctx context.Context, logger *slog.Logger, d dagflow.Delivery, markJob bool) {
	delay := p.policy.Delay(d.Attempt)
	if markJob && p.store != nil {
		if err := p.markRetrying(ctx, d, delay); err != nil {
			logger.Warn("failed to mark job as retrying", slog.String("error", err.Error()))
		}
	}
	p.redeliver(ctx, logger, d, delay)
}

func (p *Pool) redeliver(ctx context.Context, logger *slog.Logger, d dagflow.Delivery, delay time.Duration) {
	next := d
	next.Attempt++
	if err := p.source.Retry(ctx, next, delay); err != nil {
		p.errored.Add(1)
		logger.Error("failed to schedule retry", slog.String("error", err.Error()))
		return
	}
	p.retried.Add(1)
	logger.Info("job scheduled for retry",
		slog.Int("next_attempt", next.Attempt),
		slog.Int("max_attempts", p.policy.MaxAttempts),
		slog.Duration("delay", delay),
	)
}

func (p *Pool) markRetrying(ctx context.Context, d dagflow.Delivery, delay time.Duration) error {
	job, err := p.store.LoadJob(ctx, d.WorkflowID, d.JobName)
	if err != nil {
		return err
	}
	job.ScheduleRetry(time.Now().Add(delay))
	return p.store.SaveJob(ctx, d.WorkflowID, job)
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollTimeout):
	case <-p.stopCh:
	}
}
