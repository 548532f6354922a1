package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deepnoodle-ai/dagflow"
)

// Locker is a per-key mutex with bounded waits.
type Locker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

var _ dagflow.Locker = (*Locker)(nil)

func NewLocker() *Locker {
	return &Locker{slots: map[string]chan struct{}{}}
}

func (l *Locker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// WithLock runs fn while holding key. The context passed to fn is canceled
// after maxHold; the lock is released only once fn returns.
func (l *Locker) WithLock(ctx context.Context, key string, maxWait, maxHold time.Duration, fn func(ctx context.Context) error) error {
	ch := l.slot(key)
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
	case <-timer.C:
		return fmt.Errorf("%w: %s", dagflow.ErrLockTimeout, key)
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-ch }()

	holdCtx, cancel := context.WithTimeout(ctx, maxHold)
	defer cancel()
	return fn(holdCtx)
}
