package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass separates remote failures the engine should retry from
// failures it must surface to the user.
type ErrorClass int

const (
	// Transient failures (network, timeout, server overload) are
	// retried with backoff; the record stays pending.
	Transient ErrorClass = iota
	// Permanent failures (not found, validation rejection) are not
	// retried indefinitely; the record is surfaced as needing manual
	// attention.
	Permanent
)

// String returns a human-readable class name.
func (c ErrorClass) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// RemoteError is a classified failure from the remote store.
type RemoteError struct {
	Op     string     // "fetch", "create", "update", "delete"
	ID     string     // record id, if the operation targets one
	Class  ErrorClass
	Status int        // HTTP status, 0 for transport-level failures
	Err    error
}

func (e *RemoteError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("remote %s %s failed (%s): %v", e.Op, e.ID, e.Class, e.Err)
	}
	return fmt.Sprintf("remote %s failed (%s): %v", e.Op, e.Class, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable remote failure.
// Unclassified errors count as transient so an unexpected failure is
// retried rather than dropped.
func IsTransient(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Class == Transient
	}
	return true
}

// IsPermanent reports whether err is a non-retryable remote failure.
func IsPermanent(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Class == Permanent
	}
	return false
}

// classifyStatus maps an HTTP status code to an error class.
// Timeouts and server-side overload are worth retrying; everything
// else in the 4xx range means the request itself is bad.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return Transient
	case status >= 500:
		return Transient
	default:
		return Permanent
	}
}
