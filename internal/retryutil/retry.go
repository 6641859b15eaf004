// Package retryutil schedules one-shot background retries for work
// that failed in the foreground, such as reopening a realtime session.
package retryutil

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultDelay   = 2 * time.Second
	defaultTimeout = 12 * time.Second
)

// AsyncRetry runs fn once in the background after delay, bounded by
// timeout. The outcome is only logged; callers that need the result
// should not be using a fire-and-forget retry.
func AsyncRetry(logger *slog.Logger, name string, delay, timeout time.Duration, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	if delay <= 0 {
		delay = defaultDelay
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger.Info(name+"_retry_scheduled", "delay", delay.String(), "timeout", timeout.String())

	go func() {
		time.Sleep(delay)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			logger.Warn(name+"_retry_failed", "error", err.Error())
			return
		}
		logger.Info(name + "_retry_ok")
	}()
}
