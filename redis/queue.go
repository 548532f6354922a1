package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/deepnoodle-ai/dagflow"
)

// promoteScript moves due members of a delayed Sorted Set onto the ready
// List in one step.
var promoteScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, item in ipairs(due) do
	redis.call('LPUSH', KEYS[2], item)
	redis.call('ZREM', KEYS[1], item)
end
return #due
`)

// Queue is a Redis dispatch backend. Deliveries are JSON documents pushed to
// one List per queue and popped with BRPOP; retries wait in a Sorted Set
// until due.
type Queue struct {
	client goredis.Cmdable
	ids    *dagflow.TypeIDGenerator
	now    func() time.Time
}

var _ dagflow.Dispatcher = (*Queue)(nil)

func NewQueue(client goredis.Cmdable) *Queue {
	return &Queue{
		client: client,
		ids:    dagflow.NewTypeIDGenerator(),
		now:    time.Now,
	}
}

// Enqueue schedules one execution of the job on its queue.
func (q *Queue) Enqueue(ctx context.Context, workflowID string, job *dagflow.Job) error {
	delivery := dagflow.Delivery{
		WorkflowID: workflowID,
		JobName:    job.Name,
		Queue:      dagflow.QueueName(job),
		Attempt:    1,
		EnqueuedAt: q.now().UTC(),
	}
	data, err := json.Marshal(delivery)
	if err != nil {
		return fmt.Errorf("dagflow/redis: marshal delivery: %w", err)
	}
	if err := q.client.LPush(ctx, queueKey(delivery.Queue), data).Err(); err != nil {
		return fmt.Errorf("dagflow/redis: enqueue: %w", err)
	}
	return nil
}

// Retry schedules the delivery again after delay.
func (q *Queue) Retry(ctx context.Context, delivery dagflow.Delivery, delay time.Duration) error {
	data, err := json.Marshal(delivery)
	if err != nil {
		return fmt.Errorf("dagflow/redis: marshal delivery: %w", err)
	}
	if delay <= 0 {
		if err := q.client.LPush(ctx, queueKey(delivery.Queue), data).Err(); err != nil {
			return fmt.Errorf("dagflow/redis: retry: %w", err)
		}
		return nil
	}
	due := q.now().Add(delay).UnixMilli()
	err = q.client.ZAdd(ctx, delayedKey(delivery.Queue), goredis.Z{Score: float64(due), Member: data}).Err()
	if err != nil {
		return fmt.Errorf("dagflow/redis: schedule retry: %w", err)
	}
	return nil
}

// promote moves due retries onto their ready lists and returns the earliest
// remaining due time, or zero if none are waiting.
func (q *Queue) promote(ctx context.Context, queues []string) (time.Time, error) {
	now := q.now().UnixMilli()
	var next time.Time
	for _, name := range queues {
		keys := []string{delayedKey(name), queueKey(name)}
		if err := promoteScript.Run(ctx, q.client, keys, strconv.FormatInt(now, 10)).Err(); err != nil {
			return time.Time{}, fmt.Errorf("dagflow/redis: promote delayed: %w", err)
		}
		first, err := q.client.ZRangeWithScores(ctx, delayedKey(name), 0, 0).Result()
		if err != nil {
			return time.Time{}, fmt.Errorf("dagflow/redis: peek delayed: %w", err)
		}
		if len(first) == 0 {
			continue
		}
		due := time.UnixMilli(int64(first[0].Score))
		if next.IsZero() || due.Before(next) {
			next = due
		}
	}
	return next, nil
}

// Dequeue pops the next delivery from the first non-empty queue in order. It
// blocks for at least one second, since BRPOP timeouts have second
// granularity, and returns nil, nil when nothing arrived.
func (q *Queue) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*dagflow.Delivery, error) {
	if len(queues) == 0 {
		return nil, errors.New("dagflow/redis: no queues to dequeue from")
	}
	next, err := q.promote(ctx, queues)
	if err != nil {
		return nil, err
	}
	if !next.IsZero() {
		if untilDue := next.Sub(q.now()); untilDue < timeout {
			timeout = untilDue
		}
	}
	timeout = timeout.Truncate(time.Second)
	if timeout < time.Second {
		timeout = time.Second
	}

	keys := make([]string, len(queues))
	for i, name := range queues {
		keys[i] = queueKey(name)
	}
	result, err := q.client.BRPop(ctx, timeout, keys...).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dagflow/redis: dequeue: %w", err)
	}
	// result is [key, value]
	var delivery dagflow.Delivery
	if err := json.Unmarshal([]byte(result[1]), &delivery); err != nil {
		return nil, fmt.Errorf("dagflow/redis: unmarshal delivery: %w", err)
	}
	return &delivery, nil
}

// Len returns the number of ready deliveries on a queue.
func (q *Queue) Len(ctx context.Context, queue string) (int64, error) {
	return q.client.LLen(ctx, queueKey(queue)).Result()
}

func (q *Queue) NextFreeWorkflowID(ctx context.Context) (string, error) {
	for i := 0; i < 10; i++ {
		id, err := q.ids.NextFreeWorkflowID(ctx)
		if err != nil {
			return "", err
		}
		exists, err := q.client.Exists(ctx, workflowKey(id)).Result()
		if err != nil {
			return "", fmt.Errorf("dagflow/redis: check workflow id: %w", err)
		}
		if exists == 0 {
			return id, nil
		}
	}
	return "", errors.New("dagflow/redis: no free workflow id")
}

func (q *Queue) NextFreeJobID(ctx context.Context, workflowID, jobType string) (string, error) {
	for i := 0; i < 10; i++ {
		name, err := q.ids.NextFreeJobID(ctx, workflowID, jobType)
		if err != nil {
			return "", err
		}
		taken, err := q.client.HExists(ctx, jobsKey(workflowID), name).Result()
		if err != nil {
			return "", fmt.Errorf("dagflow/redis: check job id: %w", err)
		}
		if !taken {
			return name, nil
		}
	}
	return "", fmt.Errorf("dagflow/redis: no free job id for %s", jobType)
}
