package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error is a typed publish failure carrying the platform, the HTTP status
// (0 for transport-level failures), and whether a retry can succeed.
// Terminal errors (bad credentials, rejected content) must not consume
// retry budget.
type Error struct {
	Platform   string
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s publish failed (%d): %s", e.Platform, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s publish failed: %s", e.Platform, e.Message)
}

// newAPIError classifies an HTTP failure from a platform API. Rate limiting
// and server-side failures are transient; every other 4xx is terminal.
func newAPIError(platform string, statusCode int, message string) *Error {
	retryable := statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError
	return &Error{
		Platform:   platform,
		StatusCode: statusCode,
		Message:    message,
		Retryable:  retryable,
	}
}

// newTransportError wraps a network-level failure, which is always retryable.
func newTransportError(platform string, err error) *Error {
	return &Error{
		Platform:  platform,
		Message:   err.Error(),
		Retryable: true,
	}
}

// IsRetryable reports whether a publish error is worth retrying. Unknown
// error shapes (storage failures, encoding problems) default to retryable so
// transient infrastructure trouble is not turned into a permanent target
// failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return true
}
