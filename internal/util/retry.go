package util

import (
	"context"
	"log/slog"
	"time"
)

// Retry runs fn until it succeeds, making at most maxAttempts calls and
// sleeping an exponentially growing delay between failures. It returns nil
// on the first success, the last error when every attempt fails, or ctx.Err
// when the context is cancelled during a wait. Failed attempts are logged at
// debug level.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		delay := baseDelay << (attempt - 1)
		slog.Debug("retrying after failure",
			"attempt", attempt, "max", maxAttempts, "delay", delay, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
