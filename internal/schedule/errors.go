package schedule

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies downstream failures so the resilience layer
// can decide whether a failure is retry-worthy.
type ErrorCategory string

const (
	// CategoryUnauthorized covers auth failures (expired or rejected
	// credentials). Not retried.
	CategoryUnauthorized ErrorCategory = "unauthorized"
	// CategoryBadRequest covers validation-shaped rejections from the
	// remote system. Not retried; surfaced as a validation failure.
	CategoryBadRequest ErrorCategory = "bad_request"
	// CategoryUnavailable covers transient failures: network errors,
	// timeouts, 5xx responses. Retried and fed to the circuit breaker.
	CategoryUnavailable ErrorCategory = "unavailable"
)

// RemoteError is a categorized failure from the calendar records system.
type RemoteError struct {
	Category ErrorCategory
	Status   int // HTTP status when known, 0 for network errors
	Message  string
}

func (e *RemoteError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("calendar: %s (status %d): %s", e.Category, e.Status, e.Message)
	}
	return fmt.Sprintf("calendar: %s: %s", e.Category, e.Message)
}

// CategoryOf extracts the error category from err. Uncategorized errors
// are treated as unavailable so the caller errs toward retrying
// transient faults.
func CategoryOf(err error) ErrorCategory {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Category
	}
	return CategoryUnavailable
}

// IsUnavailable reports whether err is a transient downstream failure.
func IsUnavailable(err error) bool {
	return CategoryOf(err) == CategoryUnavailable
}

// IsBadRequest reports whether err is a permanent validation-shaped
// rejection.
func IsBadRequest(err error) bool {
	return CategoryOf(err) == CategoryBadRequest
}

// IsUnauthorized reports whether err is an auth failure.
func IsUnauthorized(err error) bool {
	return CategoryOf(err) == CategoryUnauthorized
}
