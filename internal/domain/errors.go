package domain

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied is returned when usage-access permission has not
// been granted. Not retryable by this component; the caller surfaces it
// upward so the user can grant permission.
var ErrPermissionDenied = errors.New("usage access permission not granted")

// ErrNoPolicy is returned when no policy has ever been cached.
var ErrNoPolicy = errors.New("no cached policy")

// TransportError wraps a network or HTTP failure. Always retryable:
// the scheduler's next trigger provides the retry.
type TransportError struct {
	Op  string // "get policy", "report usage", ...
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should be retried on the next
// scheduled run rather than surfaced to the user.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
