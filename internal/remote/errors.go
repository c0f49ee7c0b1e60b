package remote

import (
	"errors"
	"fmt"
)

// ErrUnauthorized indicates the token was rejected. Callers route this into
// the session-expired path (logout and credential re-prompt), never a crash.
var ErrUnauthorized = errors.New("remote unauthorized")

// RejectedError is a 4xx-equivalent payload rejection. Not retryable: the
// item needs operator or payload correction.
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote rejected request (status %d)", e.Status)
	}
	return fmt.Sprintf("remote rejected request (status %d): %s", e.Status, e.Message)
}

// NetworkError wraps transient transport failures, including timeouts and
// 5xx responses. Retry-eligible with bounded attempts.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure on %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable reports whether a failed push may be attempted again.
func Retryable(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
