package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/dagflow"
)

// SleepJob waits for a fixed duration.
type SleepJob struct {
	Duration time.Duration
}

func newSleepJob(params map[string]any) (dagflow.Performer, error) {
	duration, ok, err := durationParam(params, "duration")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("duration parameter is required")
	}
	if duration <= 0 {
		return nil, errors.New("duration must be positive")
	}
	return &SleepJob{Duration: duration}, nil
}

func (s *SleepJob) Perform(ctx context.Context, job *dagflow.Job) dagflow.Result {
	timer := time.NewTimer(s.Duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return dagflow.FailedRetryable(ctx.Err().Error())
	case <-timer.C:
		return dagflow.Succeeded(fmt.Sprintf("slept for %s", s.Duration))
	}
}
