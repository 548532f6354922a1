package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/deepnoodle-ai/dagflow"
)

type delayed struct {
	at       time.Time
	delivery dagflow.Delivery
}

// Queue is an in-process dispatch backend: a FIFO per queue name plus a set
// of delayed deliveries that become visible once due.
type Queue struct {
	mu      sync.Mutex
	ready   map[string][]dagflow.Delivery
	delayed []delayed
	notify  chan struct{}
	store   *Store
	ids     *dagflow.TypeIDGenerator
	now     func() time.Time
}

var _ dagflow.Dispatcher = (*Queue)(nil)

// NewQueue returns an empty queue. When store is non-nil, generated ids are
// checked against it for collisions.
func NewQueue(store *Store) *Queue {
	return &Queue{
		ready:  map[string][]dagflow.Delivery{},
		notify: make(chan struct{}),
		store:  store,
		ids:    dagflow.NewTypeIDGenerator(),
		now:    time.Now,
	}
}

// Enqueue schedules one execution of the job on its queue.
func (q *Queue) Enqueue(ctx context.Context, workflowID string, job *dagflow.Job) error {
	q.push(dagflow.Delivery{
		WorkflowID: workflowID,
		JobName:    job.Name,
		Queue:      dagflow.QueueName(job),
		Attempt:    1,
		EnqueuedAt: q.now().UTC(),
	})
	return nil
}

// Retry schedules the delivery again after delay.
func (q *Queue) Retry(ctx context.Context, delivery dagflow.Delivery, delay time.Duration) error {
	if delay <= 0 {
		q.push(delivery)
		return nil
	}
	q.mu.Lock()
	q.delayed = append(q.delayed, delayed{at: q.now().Add(delay), delivery: delivery})
	sort.Slice(q.delayed, func(i, j int) bool { return q.delayed[i].at.Before(q.delayed[j].at) })
	q.wake()
	q.mu.Unlock()
	return nil
}

func (q *Queue) push(d dagflow.Delivery) {
	q.mu.Lock()
	q.ready[d.Queue] = append(q.ready[d.Queue], d)
	q.wake()
	q.mu.Unlock()
}

// wake releases every waiting Dequeue. The caller must hold mu.
func (q *Queue) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// promote moves due delayed deliveries to their ready queues and returns the
// time the next one becomes due. The caller must hold mu.
func (q *Queue) promote() time.Time {
	now := q.now()
	i := 0
	for ; i < len(q.delayed) && !q.delayed[i].at.After(now); i++ {
		d := q.delayed[i].delivery
		q.ready[d.Queue] = append(q.ready[d.Queue], d)
	}
	q.delayed = q.delayed[i:]
	if len(q.delayed) == 0 {
		return time.Time{}
	}
	return q.delayed[0].at
}

// Dequeue returns the next delivery from the first non-empty queue in the
// given order, waiting up to timeout. It returns nil, nil on timeout.
func (q *Queue) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*dagflow.Delivery, error) {
	deadline := q.now().Add(timeout)
	for {
		q.mu.Lock()
		next := q.promote()
		for _, name := range queues {
			if pending := q.ready[name]; len(pending) > 0 {
				d := pending[0]
				q.ready[name] = pending[1:]
				q.mu.Unlock()
				return &d, nil
			}
		}
		notify := q.notify
		q.mu.Unlock()

		wait := deadline.Sub(q.now())
		if wait <= 0 {
			return nil, nil
		}
		if !next.IsZero() {
			if untilDue := next.Sub(q.now()); untilDue < wait {
				wait = untilDue
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Len returns the number of ready deliveries on a queue.
func (q *Queue) Len(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promote()
	return len(q.ready[queue])
}

func (q *Queue) NextFreeWorkflowID(ctx context.Context) (string, error) {
	for i := 0; i < 10; i++ {
		id, err := q.ids.NextFreeWorkflowID(ctx)
		if err != nil {
			return "", err
		}
		if q.store == nil || !q.store.WorkflowExists(id) {
			return id, nil
		}
	}
	return "", fmt.Errorf("no free workflow id")
}

func (q *Queue) NextFreeJobID(ctx context.Context, workflowID, jobType string) (string, error) {
	for i := 0; i < 10; i++ {
		name, err := q.ids.NextFreeJobID(ctx, workflowID, jobType)
		if err != nil {
			return "", err
		}
		if q.store == nil || !q.store.JobExists(workflowID, name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("no free job id for %s", jobType)
}
