package transport

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Bridge delivery is fire-and-forget from the engine's point of view, so
// transient failures are absorbed here with a short bounded retry instead of
// surfacing into the conversation.
const (
	deliveryAttempts  = 3
	deliveryBaseDelay = 250 * time.Millisecond
)

// isRetryable classifies whether a delivery error is worth retrying.
// Cancellation is not: it means the caller is shutting down.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// backoff returns the delay before retry number attempt (0-based), doubling
// from the base each time.
func backoff(attempt int) time.Duration {
	delay := deliveryBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// waitBackoff sleeps for the delay or returns early when ctx is cancelled.
func waitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
