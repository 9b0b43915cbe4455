package oauth

import (
	"errors"
	"fmt"
)

// Sentinel errors for the authorization flow. All of them are terminal:
// the user has to restart authorization, the service never retries these.
var (
	// ErrInvalidState is returned when the state token fails signature or
	// claim validation, or its timestamp is older than the state TTL.
	ErrInvalidState = errors.New("invalid or expired state")

	// ErrVerifierNotFound is returned when no stored code verifier exists
	// for the callback, either because it expired or was already consumed.
	ErrVerifierNotFound = errors.New("invalid or expired code verifier")
)

// Error is a typed failure from a provider endpoint, distinguishing
// transient network trouble from terminal credential problems so callers
// know whether to prompt re-authorization.
type Error struct {
	Platform  string
	Op        string // "token_exchange", "refresh" or "profile"
	Status    int    // 0 for transport failures
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s %s failed (%d): %s", e.Platform, e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Platform, e.Op, e.Message)
}

// IsRetryable reports whether an OAuth failure is transient. State and
// verifier failures are never retryable.
func IsRetryable(err error) bool {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Retryable
	}
	return false
}
