package gateway

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind tags a gateway failure so callers can dispatch on it
// without inspecting server message strings.
type ErrorKind string

const (
	// KindAuthExpired means the session could not be recovered: the
	// refresh failed or no refresh token was available. Local tokens
	// have been purged by the time the caller sees this.
	KindAuthExpired ErrorKind = "auth_expired"

	// KindCSRFInvalid means the server rejected the CSRF token even
	// after a one-shot token refresh and replay.
	KindCSRFInvalid ErrorKind = "csrf_invalid"

	// KindRateLimited means the server returned 429. Never retried.
	KindRateLimited ErrorKind = "rate_limited"

	// KindNetwork means no response was received. Never retried.
	KindNetwork ErrorKind = "network"

	// KindRejected covers every other 4xx/5xx.
	KindRejected ErrorKind = "rejected"
)

// APIError is the tagged error returned by the gateway after its local
// recovery attempts (token refresh, CSRF replay) are exhausted.
type APIError struct {
	Kind       ErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// IsKind reports whether err is an APIError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}
