package retry

import (
	"context"
	"errors"
	"time"
)

type options struct {
	maxRetries int
	strategy   Strategy
	retryable  func(error) bool
}

// Option configures Do.
type Option func(*options)

// WithMaxRetries sets how many times fn is re-invoked after the first
// failure. The total number of calls is at most n+1.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithBaseWait uses an exponential backoff starting at d.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) { o.strategy = NewExponential(d, 0) }
}

// WithStrategy sets the delay strategy used between attempts.
func WithStrategy(s Strategy) Option {
	return func(o *options) { o.strategy = s }
}

// WithRetryIf overrides the predicate that decides whether an error is
// retried. By default only recoverable errors are retried.
func WithRetryIf(fn func(error) bool) Option {
	return func(o *options) { o.retryable = fn }
}

// Do calls fn until it succeeds, returns an error that is not retryable, the
// retry budget is exhausted, or ctx is done. The last error from fn is
// returned unwrapped.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := options{
		maxRetries: 3,
		strategy:   NewExponential(100*time.Millisecond, 5*time.Second),
		retryable:  IsRecoverable,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= o.maxRetries || !o.retryable(err) {
			return unwrapMarker(err)
		}
		timer := time.NewTimer(o.strategy.Delay(attempt + 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), unwrapMarker(err))
		case <-timer.C:
		}
	}
}

// unwrapMarker strips the recoverable wrapper so callers see the error that
// fn actually produced.
func unwrapMarker(err error) error {
	if r, ok := err.(*recoverableError); ok {
		return r.err
	}
	return err
}
