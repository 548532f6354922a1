package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/deepnoodle-ai/dagflow"
)

// Locker uses transaction-scoped advisory locks. A lock is held by an open
// transaction and released when it ends, so a crashed holder releases its
// locks when its connection drops.
type Locker struct {
	db           *sqlx.DB
	pollInterval time.Duration
}

var _ dagflow.Locker = (*Locker)(nil)

func NewLocker(db *sqlx.DB) *Locker {
	return &Locker{db: db, pollInterval: 10 * time.Millisecond}
}

// WithLock acquires key, runs fn with a context bounded by maxHold and
// releases the key. It returns dagflow.ErrLockTimeout if the key stayed taken
// for maxWait.
func (l *Locker) WithLock(ctx context.Context, key string, maxWait, maxHold time.Duration, fn func(ctx context.Context) error) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dagflow/postgres: begin lock transaction: %w", err)
	}
	// Rolling back ends the transaction and with it the lock.
	defer tx.Rollback()

	deadline := time.Now().Add(maxWait)
	for {
		var acquired bool
		err := tx.GetContext(ctx, &acquired, `SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))`, key)
		if err != nil {
			return fmt.Errorf("dagflow/postgres: acquire lock: %w", err)
		}
		if acquired {
			break
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

	holdCtx, cancel := context.WithTimeout(ctx, maxHold)
	defer cancel()
	return fn(holdCtx)
}
