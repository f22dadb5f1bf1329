package ledger

import (
	"errors"
	"fmt"
	"time"
)

// UnavailableError means the ledger could not be reached. The operation was
// not delivered and retrying is safe.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("ledger unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// RejectedError means the ledger refused the operation under its own rules.
// Retrying the same operation will not succeed.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "ledger rejected operation: " + e.Reason
}

// TimeoutError means acceptance was not observed within the bounded wait.
// The operation may still land; callers must Lookup the request id before
// assuming it failed.
type TimeoutError struct {
	RequestID string
	Waited    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ledger acceptance of request %s not observed within %s", e.RequestID, e.Waited)
}

// IsRetryable reports whether err is a ledger failure that a caller may retry
// with the same request id.
func IsRetryable(err error) bool {
	var unavailable *UnavailableError
	var timeout *TimeoutError
	return errors.As(err, &unavailable) || errors.As(err, &timeout)
}
