package redis

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/dagflow"
	"github.com/deepnoodle-ai/dagflow/worker"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func buildWorkflow(t *testing.T, ids dagflow.IDGenerator) *dagflow.Workflow {
	t.Helper()
	ctx := context.Background()
	w := dagflow.NewWorkflow("pipeline", map[string]any{"region": "eu"}, ids)
	a, err := w.Run(ctx, "fetch", dagflow.RunOptions{})
	require.NoError(t, err)
	_, err = w.Run(ctx, "persist", dagflow.RunOptions{After: []string{a}})
	require.NoError(t, err)
	require.NoError(t, w.ResolveDependencies())
	_, err = w.AssignID(ctx)
	require.NoError(t, err)
	return w
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	_, rdb := setupRedis(t)
	store := NewStore(rdb)
	require.NoError(t, store.Ping(ctx))

	w := buildWorkflow(t, NewQueue(rdb))
	require.NoError(t, store.SaveWorkflow(ctx, w))

	loaded, err := store.LoadWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, w.ID, loaded.ID)
	require.Equal(t, "pipeline", loaded.Name)
	require.Equal(t, "eu", loaded.Arguments["region"])
	require.Len(t, loaded.Jobs, 2)
	require.Equal(t, w.Jobs[0].Name, loaded.Jobs[0].Name)
	require.Equal(t, w.Jobs[0].Outgoing, loaded.Jobs[0].Outgoing)

	job := loaded.Jobs[0]
	job.Enqueue()
	job.Start()
	job.Output(map[string]any{"rows": 3})
	job.Finish()
	require.NoError(t, store.SaveJob(ctx, w.ID, job))

	reloaded, err := store.LoadJob(ctx, w.ID, job.Name)
	require.NoError(t, err)
	require.True(t, reloaded.Succeeded())
	require.Equal(t, w.ID, reloaded.WorkflowID)
	require.Equal(t, map[string]any{"rows": float64(3)}, reloaded.OutputPayload)

	_, err = store.LoadJob(ctx, w.ID, "missing-job")
	require.ErrorIs(t, err, dagflow.ErrJobNotFound)
	_, err = store.LoadWorkflow(ctx, "wf_missing")
	require.ErrorIs(t, err, dagflow.ErrWorkflowNotFound)
}

func TestStoreSaveWorkflowRecordKeepsJobs(t *testing.T) {
	ctx := context.Background()
	_, rdb := setupRedis(t)
	store := NewStore(rdb)

	w := buildWorkflow(t, NewQueue(rdb))
	require.NoError(t, store.SaveWorkflow(ctx, w))

	job, err := store.LoadJob(ctx, w.ID, w.Jobs[0].Name)
	require.NoError(t, err)
	job.Enqueue()
	require.NoError(t, store.SaveJob(ctx, w.ID, job))

	// w still holds the pending copy of the job.
	w.MarkAsStopped()
	require.NoError(t, store.SaveWorkflowRecord(ctx, w))

	loaded, err := store.LoadWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, loaded.Stopped)
	require.True(t, loaded.FindJob(job.Name).Enqueued())
}

func TestStoreExpire(t *testing.T) {
	ctx := context.Background()
	mr, rdb := setupRedis(t)
	store := NewStore(rdb)

	w := buildWorkflow(t, NewQueue(rdb))
	require.NoError(t, store.SaveWorkflow(ctx, w))

	require.NoError(t, store.ExpireWorkflow(ctx, w.ID, time.Minute))
	require.Greater(t, mr.TTL(workflowKey(w.ID)), time.Duration(0))
	require.Greater(t, mr.TTL(jobsKey(w.ID)), time.Duration(0))

	// Saving again keeps the expiry.
	require.NoError(t, store.SaveWorkflow(ctx, w))
	require.Greater(t, mr.TTL(workflowKey(w.ID)), time.Duration(0))

	require.NoError(t, store.ExpireWorkflow(ctx, w.ID, 0))
	require.Equal(t, time.Duration(0), mr.TTL(workflowKey(w.ID)))

	require.NoError(t, store.ExpireWorkflow(ctx, w.ID, time.Second))
	mr.FastForward(2 * time.Second)
	_, err := store.LoadWorkflow(ctx, w.ID)
	require.ErrorIs(t, err, dagflow.ErrWorkflowNotFound)

	require.ErrorIs(t, store.ExpireWorkflow(ctx, "wf_missing", time.Second), dagflow.ErrWorkflowNotFound)
}

func TestQueue(t *testing.T) {
	ctx := context.Background()
	_, rdb := setupRedis(t)
	queue := NewQueue(rdb)

	first := dagflow.NewJob("a-1", "a")
	second := dagflow.NewJob("b-1", "b")
	second.Queue = "critical"
	require.NoError(t, queue.Enqueue(ctx, "wf_1", first))
	require.NoError(t, queue.Enqueue(ctx, "wf_1", second))

	n, err := queue.Len(ctx, dagflow.DefaultQueue)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// Queues are consumed in the order given.
	d, err := queue.Dequeue(ctx, []string{"critical", dagflow.DefaultQueue}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, "b-1", d.JobName)
	require.Equal(t, "critical", d.Queue)
	require.Equal(t, 1, d.Attempt)

	d, err = queue.Dequeue(ctx, []string{"critical", dagflow.DefaultQueue}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, "a-1", d.JobName)
	require.Equal(t, "wf_1", d.WorkflowID)
}

func TestQueueRetryDelay(t *testing.T) {
	ctx := context.Background()
	_, rdb := setupRedis(t)
	queue := NewQueue(rdb)
	start := time.Now()
	queue.now = func() time.Time { return start }

	delivery := dagflow.Delivery{WorkflowID: "wf_1", JobName: "a-1", Queue: dagflow.DefaultQueue, Attempt: 2}
	require.NoError(t, queue.Retry(ctx, delivery, time.Minute))

	n, err := queue.Len(ctx, dagflow.DefaultQueue)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	queue.now = func() time.Time { return start.Add(2 * time.Minute) }
	d, err := queue.Dequeue(ctx, []string{dagflow.DefaultQueue}, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, "a-1", d.JobName)
	require.Equal(t, 2, d.Attempt)
}

func TestQueueDequeueTimeout(t *testing.T) {
	_, rdb := setupRedis(t)
	queue := NewQueue(rdb)
	d, err := queue.Dequeue(context.Background(), []string{dagflow.DefaultQueue}, time.Second)
	require.NoError(t, err)
	require.Nil(t, d)
}

func TestQueueIDs(t *testing.T) {
	ctx := context.Background()
	_, rdb := setupRedis(t)
	queue := NewQueue(rdb)

	id, err := queue.NextFreeWorkflowID(ctx)
	require.NoError(t, err)
	require.Regexp(t, `^wf_`, id)

	name, err := queue.NextFreeJobID(ctx, id, "fetch")
	require.NoError(t, err)
	require.Regexp(t, `^fetch-`, name)
}

func TestLocker(t *testing.T) {
	ctx := context.Background()
	_, rdb := setupRedis(t)
	locker := NewLocker(rdb)

	acquired := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- locker.WithLock(ctx, "k", time.Second, 5*time.Second, func(ctx context.Context) error {
			close(acquired)
			<-release
			return nil
		})
	}()
	<-acquired

	err := locker.WithLock(ctx, "k", 50*time.Millisecond, time.Second, func(ctx context.Context) error {
		return nil
	})
	require.ErrorIs(t, err, dagflow.ErrLockTimeout)

	close(release)
	require.NoError(t, <-done)

	ran := false
	err = locker.WithLock(ctx, "k", 50*time.Millisecond, time.Second, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestLockerReturnsFnError(t *testing.T) {
	_, rdb := setupRedis(t)
	locker := NewLocker(rdb)
	boom := errors.New("boom")
	err := locker.WithLock(context.Background(), "k", time.Second, time.Second, func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The lock was released despite the error.
	err = locker.WithLock(context.Background(), "k", 10*time.Millisecond, time.Second, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
}

func TestLockerExpiredHolder(t *testing.T) {
	ctx := context.Background()
	mr, rdb := setupRedis(t)
	locker := NewLocker(rdb)

	// A holder that crashed leaves its key behind until it expires.
	require.NoError(t, rdb.SetNX(ctx, lockKey("k"), "stale", time.Second).Err())
	mr.FastForward(2 * time.Second)

	err := locker.WithLock(ctx, "k", 50*time.Millisecond, time.Second, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
}

func TestRedisBackedWorkflow(t *testing.T) {
	ctx := context.Background()
	_, rdb := setupRedis(t)
	queue := NewQueue(rdb)
	store := NewStore(rdb)

	var performed atomic.Int32
	registry := dagflow.NewRegistry()
	registry.RegisterFunc("fetch", func(ctx context.Context, job *dagflow.Job) dagflow.Result {
		performed.Add(1)
		return dagflow.Succeeded(map[string]any{"rows": 2})
	})
	registry.RegisterFunc("persist", func(ctx context.Context, job *dagflow.Job) dagflow.Result {
		performed.Add(1)
		payload, err := job.Payload("fetch")
		if err != nil {
			return dagflow.FailedTerminal(err.Error())
		}
		return dagflow.Succeeded(payload)
	})

	client, err := dagflow.NewClient(dagflow.Options{
		Store:        store,
		Dispatcher:   queue,
		Locker:       NewLocker(rdb),
		Registry:     registry,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	w := client.NewWorkflow("pipeline", nil)
	fetch, err := w.Run(ctx, "fetch", dagflow.RunOptions{})
	require.NoError(t, err)
	_, err = w.Run(ctx, "persist", dagflow.RunOptions{After: []string{fetch}})
	require.NoError(t, err)
	require.NoError(t, client.CreateWorkflow(ctx, w))
	require.NoError(t, client.StartWorkflow(ctx, w))

	pool := worker.NewPool(client.Coordinator(), queue, worker.WithConcurrency(2), worker.WithStore(store))
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	done, err := client.WaitForWorkflow(waitCtx, w.ID)
	require.NoError(t, err)
	require.Equal(t, dagflow.StatusSucceeded, done.Status())
	require.Equal(t, int32(2), performed.Load())

	persist := done.FindJob("persist")
	require.Equal(t, map[string]any{"rows": float64(2)}, persist.OutputPayload)
}
