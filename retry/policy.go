package retry

import "time"

// Policy is the dispatch backend's retry schedule for failed jobs: how many
// attempts a job gets, how long to wait between them, and an optional halt
// predicate that stops retrying early.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Backoff computes the delay before the next attempt.
	Backoff Strategy

	// Halt, when set and returning true, prevents any further attempt.
	Halt func(attempt int, err error) bool
}

// DefaultPolicy allows five attempts with jittered exponential backoff
// starting at one second and capped at one minute.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Backoff:     NewExponentialWithJitter(time.Second, time.Minute),
	}
}

// ShouldRetry reports whether a job that failed on the given 1-indexed
// attempt may be attempted again.
func (p Policy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	if p.Halt != nil && p.Halt(attempt, err) {
		return false
	}
	return true
}

// Delay returns the wait before the attempt following the given one.
func (p Policy) Delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff.Delay(attempt)
}
