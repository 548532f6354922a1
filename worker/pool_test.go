package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/dagflow"
	"github.com/deepnoodle-ai/dagflow/memory"
	"github.com/deepnoodle-ai/dagflow/retry"
)

type executorFunc func(ctx context.Context, workflowID, jobName string) error

func (f executorFunc) Execute(ctx context.Context, workflowID, jobName string) error {
	return f(ctx, workflowID, jobName)
}

type retryCall struct {
	delivery dagflow.Delivery
	delay    time.Duration
}

type recordingSource struct {
	mu      sync.Mutex
	retries []retryCall
}

func (s *recordingSource) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*dagflow.Delivery, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *recordingSource) Retry(ctx context.Context, delivery dagflow.Delivery, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries = append(s.retries, retryCall{delivery: delivery, delay: delay})
	return nil
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, Backoff: retry.NewLinear(time.Second, time.Minute)}
}

func TestHandle(t *testing.T) {
	ctx := context.Background()
	delivery := dagflow.Delivery{WorkflowID: "wf_1", JobName: "a-1", Queue: dagflow.DefaultQueue}

	t.Run("success", func(t *testing.T) {
		source := &recordingSource{}
		var got dagflow.Delivery
		pool := NewPool(executorFunc(func(ctx context.Context, workflowID, jobName string) error {
			got, _ = dagflow.GetDeliveryFromContext(ctx)
			return nil
		}), source)
		pool.Handle(ctx, delivery)
		require.Equal(t, Stats{Succeeded: 1}, pool.Stats())
		require.Equal(t, 1, got.Attempt)
		require.Empty(t, source.retries)
	})

	t.Run("retryable failure", func(t *testing.T) {
		source := &recordingSource{}
		pool := NewPool(executorFunc(func(ctx context.Context, workflowID, jobName string) error {
			return &dagflow.FailureError{WorkflowID: workflowID, JobName: jobName, Message: "flaky", Retryable: true}
		}), source, WithPolicy(testPolicy()))

		pool.Handle(ctx, delivery)
		require.Len(t, source.retries, 1)
		require.Equal(t, 2, source.retries[0].delivery.Attempt)
		require.Equal(t, time.Second, source.retries[0].delay)

		next := source.retries[0].delivery
		pool.Handle(ctx, next)
		require.Len(t, source.retries, 2)
		require.Equal(t, 3, source.retries[1].delivery.Attempt)
		require.Equal(t, 2*time.Second, source.retries[1].delay)

		// The third attempt is the last one.
		pool.Handle(ctx, source.retries[1].delivery)
		require.Len(t, source.retries, 2)
		require.Equal(t, Stats{Retried: 2, Failed: 1}, pool.Stats())
	})

	t.Run("terminal failure", func(t *testing.T) {
		source := &recordingSource{}
		pool := NewPool(executorFunc(func(ctx context.Context, workflowID, jobName string) error {
			return &dagflow.FailureError{Message: "bad input"}
		}), source, WithPolicy(testPolicy()))
		pool.Handle(ctx, delivery)
		require.Empty(t, source.retries)
		require.Equal(t, Stats{Failed: 1}, pool.Stats())
	})

	t.Run("halt", func(t *testing.T) {
		source := &recordingSource{}
		policy := testPolicy()
		policy.Halt = func(attempt int, err error) bool { return true }
		pool := NewPool(executorFunc(func(ctx context.Context, workflowID, jobName string) error {
			return &dagflow.FailureError{Message: "flaky", Retryable: true}
		}), source, WithPolicy(policy))
		pool.Handle(ctx, delivery)
		require.Empty(t, source.retries)
		require.Equal(t, Stats{Failed: 1}, pool.Stats())
	})

	t.Run("fatal", func(t *testing.T) {
		source := &recordingSource{}
		pool := NewPool(executorFunc(func(ctx context.Context, workflowID, jobName string) error {
			return &dagflow.JobError{Type: dagflow.ErrorTypeFatal, Cause: "job not found", Wrapped: dagflow.ErrJobNotFound}
		}), source, WithPolicy(testPolicy()))
		pool.Handle(ctx, delivery)
		require.Empty(t, source.retries)
		require.Equal(t, Stats{Errored: 1}, pool.Stats())
	})

	t.Run("decider consulted", func(t *testing.T) {
		source := &recordingSource{}
		var attempts []int
		pool := NewPool(executorFunc(func(ctx context.Context, workflowID, jobName string) error {
			decide, ok := dagflow.GetRetryDeciderFromContext(ctx)
			require.True(t, ok)
			d, _ := dagflow.GetDeliveryFromContext(ctx)
			attempts = append(attempts, d.Attempt)
			failure := &dagflow.FailureError{Message: "flaky", Retryable: true}
			failure.RetryDelay, failure.RetryScheduled = decide(d.Attempt, failure)
			return failure
		}), source, WithPolicy(testPolicy()))

		pool.Handle(ctx, delivery)
		require.Len(t, source.retries, 1)
		require.Equal(t, time.Second, source.retries[0].delay)
		pool.Handle(ctx, source.retries[0].delivery)
		require.Len(t, source.retries, 2)
		require.Equal(t, 2*time.Second, source.retries[1].delay)

		// The decider declines the last attempt, and the pool must not
		// second-guess it.
		pool.Handle(ctx, source.retries[1].delivery)
		require.Len(t, source.retries, 2)
		require.Equal(t, []int{1, 2, 3}, attempts)
		require.Equal(t, Stats{Retried: 2, Failed: 1}, pool.Stats())
	})

	t.Run("coordination", func(t *testing.T) {
		source := &recordingSource{}
		pool := NewPool(executorFunc(func(ctx context.Context, workflowID, jobName string) error {
			return &dagflow.JobError{Type: dagflow.ErrorTypeCoordination, Cause: "lock", Wrapped: dagflow.ErrLockTimeout}
		}), source, WithPolicy(testPolicy()))
		pool.Handle(ctx, delivery)
		require.Len(t, source.retries, 1)
		require.Equal(t, 2, source.retries[0].delivery.Attempt)

		pool.Handle(ctx, source.retries[0].delivery)
		pool.Handle(ctx, source.retries[1].delivery)
		require.Len(t, source.retries, 2)
		require.Equal(t, Stats{Retried: 2, Errored: 1}, pool.Stats())
	})

	t.Run("store error", func(t *testing.T) {
		source := &recordingSource{}
		pool := NewPool(executorFunc(func(ctx context.Context, workflowID, jobName string) error {
			return errors.New("connection reset")
		}), source, WithPolicy(testPolicy()))
		pool.Handle(ctx, delivery)
		require.Len(t, source.retries, 1)
		require.Equal(t, Stats{Retried: 1}, pool.Stats())
	})
}

func TestHandleMarksJobRetrying(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	w := dagflow.NewWorkflow("one", nil, nil)
	name, err := w.Run(ctx, "a", dagflow.RunOptions{})
	require.NoError(t, err)
	job := w.FindJob(name)
	job.Enqueue()
	job.Start()
	job.Fail("flaky")
	require.NoError(t, store.SaveWorkflow(ctx, w))

	source := &recordingSource{}
	pool := NewPool(executorFunc(func(ctx context.Context, workflowID, jobName string) error {
		return &dagflow.FailureError{WorkflowID: workflowID, JobName: jobName, Message: "flaky", Retryable: true}
	}), source, WithPolicy(testPolicy()), WithStore(store))

	before := time.Now()
	pool.Handle(ctx, dagflow.Delivery{WorkflowID: w.ID, JobName: name, Queue: dagflow.DefaultQueue, Attempt: 1})

	stored, err := store.LoadJob(ctx, w.ID, name)
	require.NoError(t, err)
	require.True(t, stored.Retrying())
	require.WithinDuration(t, before.Add(time.Second), *stored.RetryAt, 500*time.Millisecond)

	loaded, err := store.LoadWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, dagflow.StatusRetrying, loaded.Status())
}

func TestPoolStartStop(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	queue := memory.NewQueue(store)
	w := dagflow.NewWorkflow("batch", nil, queue)

	var mu sync.Mutex
	seen := map[string]bool{}
	pool := NewPool(executorFunc(func(ctx context.Context, workflowID, jobName string) error {
		mu.Lock()
		defer mu.Unlock()
		seen[jobName] = true
		return nil
	}), queue, WithConcurrency(3), WithPollTimeout(10*time.Millisecond), WithQueues("high", dagflow.DefaultQueue))

	require.NoError(t, pool.Start(ctx))
	require.NoError(t, pool.Start(ctx))

	for i := 0; i < 6; i++ {
		opts := dagflow.RunOptions{}
		if i%2 == 0 {
			opts.Queue = "high"
		}
		name, err := w.Run(ctx, "x", opts)
		require.NoError(t, err)
		require.NoError(t, queue.Enqueue(ctx, w.ID, w.FindJob(name)))
	}

	require.Eventually(t, func() bool {
		return pool.Stats().Succeeded == 6
	}, 5*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(stopCtx))
	require.NoError(t, pool.Stop(stopCtx))

	mu.Lock()
	require.Len(t, seen, 6)
	mu.Unlock()
}

func TestPoolStopCancelsInFlight(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	queue := memory.NewQueue(store)
	w := dagflow.NewWorkflow("slow", nil, queue)
	name, err := w.Run(ctx, "x", dagflow.RunOptions{})
	require.NoError(t, err)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	pool := NewPool(executorFunc(func(ctx context.Context, workflowID, jobName string) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}), queue, WithConcurrency(1), WithPollTimeout(10*time.Millisecond))
	require.NoError(t, pool.Start(ctx))
	require.NoError(t, queue.Enqueue(ctx, w.ID, w.FindJob(name)))
	<-started

	stopCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.NoError(t, pool.Stop(stopCtx))

	select {
	case <-cancelled:
	default:
		t.Fatal("in-flight job was not cancelled")
	}
	require.Equal(t, int64(1), pool.Stats().Errored)
}
