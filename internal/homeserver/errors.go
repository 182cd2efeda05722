package homeserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Error is a non-2xx API response.
type Error struct {
	Status  int
	Code    string `json:"errcode"`
	Message string `json:"error"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("homeserver: HTTP %d", e.Status)
	}
	return fmt.Sprintf("homeserver: HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// RateLimitError is a 429 response. RetryAfter is the server-provided delay,
// zero when the server did not send one.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("homeserver: rate limited (retry after %s)", e.RetryAfter)
}

// IsRetryable reports whether an error is transient: rate limits, server-side
// failures and network timeouts. Client errors (4xx) are permanent.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var he *Error
	if errors.As(err, &he) {
		return he.Status >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	// Connection resets and other transport-level failures come through as
	// *url.Error wrapping syscall errors; treat anything that is not an API
	// error as transient and let the retry budget decide.
	return err != nil
}
