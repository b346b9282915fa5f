package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error wraps provider errors with status metadata so callers can tell a
// timed-out invocation from an unavailable provider.
type Error struct {
	Provider  string
	Status    int
	Timeout   bool
	Temporary bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return "adapter error"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s error (status=%d)", e.Provider, e.Status)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTimeout reports whether an invocation failed by exceeding its time
// budget. Cancellation is not a timeout.
func IsTimeout(err error) bool {
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
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var aerr *Error
	if errors.As(err, &aerr) && aerr.Timeout {
		return true
	}
	return false
}

// IsUnavailable reports whether the provider could not serve the
// invocation at all: rate limited, erroring, or unreachable.
func IsUnavailable(err error) bool {
	if err == nil || IsTimeout(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var aerr *Error
	if errors.As(err, &aerr) {
		if aerr.Temporary {
			return true
		}
		if aerr.Status == 429 || (aerr.Status >= 500 && aerr.Status <= 599) {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// IsTransient reports whether an error is safe for a caller to retry.
func IsTransient(err error) bool {
	return IsTimeout(err) || IsUnavailable(err)
}
