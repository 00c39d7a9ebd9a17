// ABOUTME: Status codes shared across the presentation-timing packages
// ABOUTME: Sentinel errors plus their numeric codes for the calling boundary
package status

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported means the active backend lacks the feature. Callers
	// must use a fallback timestamping path.
	ErrUnsupported = errors.New("unsupported")

	// ErrQueryFailed is a transient failure while querying backend state.
	// Callers may retry on the next frame.
	ErrQueryFailed = errors.New("query failed")

	// ErrInvalidState is invalid caller usage: waiting on a sequence number
	// that was never submitted, resolving a record twice, or a stale handle.
	ErrInvalidState = errors.New("invalid state")

	// ErrDiscarded means the swap never became visible.
	ErrDiscarded = errors.New("presentation discarded")

	// ErrInvalidConstraint means a divisor/remainder/flags combination
	// that can never be satisfied.
	ErrInvalidConstraint = errors.New("invalid constraint")

	// ErrTimeout means a wait for swap completion gave up. It wraps
	// ErrUnsupported so callers take the same fallback path.
	ErrTimeout = fmt.Errorf("swap completion wait timed out: %w", ErrUnsupported)
)

// Numeric codes returned across the calling boundary.
const (
	CodeOK                = 0
	CodeUnsupported       = -1
	CodeQueryFailed       = -2
	CodeInvalidState      = -3
	CodeDiscarded         = -4
	CodeInvalidConstraint = -5
)

// Code maps an error chain to its numeric status code.
func Code(err error) int {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrUnsupported):
		return CodeUnsupported
	case errors.Is(err, ErrQueryFailed):
		return CodeQueryFailed
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrDiscarded):
		return CodeDiscarded
	case errors.Is(err, ErrInvalidConstraint):
		return CodeInvalidConstraint
	}
	return CodeQueryFailed
}
