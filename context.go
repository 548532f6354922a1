package dagflow

import (
	"context"
	"log/slog"
	"time"
)

type ContextKey string

const (
	LoggerContextKey   ContextKey = "logger"
	DeliveryContextKey ContextKey = "delivery"
	RetryContextKey    ContextKey = "retry"
)

// RetryDecider reports whether a job that failed retryably on the given
// 1-indexed attempt will be delivered again, and after how long.
type RetryDecider func(attempt int, err error) (time.Duration, bool)

// WithLogger attaches a logger for performers to pick up.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

// WithDelivery attaches the delivery being executed.
func WithDelivery(ctx context.Context, delivery Delivery) context.Context {
	return context.WithValue(ctx, DeliveryContextKey, delivery)
}

func GetLoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger)
	return logger, ok
}

// LoggerFromContext returns the attached logger or a logger that discards
// everything.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := GetLoggerFromContext(ctx); ok && logger != nil {
		return logger
	}
	return discardLogger()
}

func GetDeliveryFromContext(ctx context.Context) (Delivery, bool) {
	delivery, ok := ctx.Value(DeliveryContextKey).(Delivery)
	return delivery, ok
}

// WithRetryDecider lets the coordinator record a pending retry in the same
// save that records the failure.
func WithRetryDecider(ctx context.Context, decider RetryDecider) context.Context {
	return context.WithValue(ctx, RetryContextKey, decider)
}

func GetRetryDeciderFromContext(ctx context.Context) (RetryDecider, bool) {
	decider, ok := ctx.Value(RetryContextKey).(RetryDecider)
	return decider, ok && decider != nil
}
