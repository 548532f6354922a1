package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.jetify.com/typeid"

	"github.com/deepnoodle-ai/dagflow"
)

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker is a single-instance Redis lock. Locks expire after maxHold, so a
// crashed holder cannot block a key forever.
type Locker struct {
	client       goredis.Cmdable
	pollInterval time.Duration
}

var _ dagflow.Locker = (*Locker)(nil)

func NewLocker(client goredis.Cmdable) *Locker {
	return &Locker{client: client, pollInterval: 10 * time.Millisecond}
}

// WithLock acquires key, runs fn with a context bounded by maxHold and
// releases the key. It returns dagflow.ErrLockTimeout if the key stayed taken
// for maxWait.
func (l *Locker) WithLock(ctx context.Context, key string, maxWait, maxHold time.Duration, fn func(ctx context.Context) error) error {
	id, err := typeid.WithPrefix("lock")
	if err != nil {
		return fmt.Errorf("dagflow/redis: lock token: %w", err)
	}
	token := id.String()
	if err := l.acquire(ctx, lockKey(key), token, maxWait, maxHold); err != nil {
		return err
	}
	defer func() {
		// Release even if ctx was canceled while fn ran.
		_ = releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{lockKey(key)}, token).Err()
	}()

	holdCtx, cancel := context.WithTimeout(ctx, maxHold)
	defer cancel()
	return fn(holdCtx)
}

func (l *Locker) acquire(ctx context.Context, key, token string, maxWait, maxHold time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, maxHold).Result()
		if err != nil {
			return fmt.Errorf("dagflow/redis: acquire lock: %w", err)
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %s", dagflow.ErrLockTimeout, key)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}
