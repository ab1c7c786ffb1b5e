// Package domain provides the event, engagement, and identity types shared by
// the relay components, along with the error taxonomy they report.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotInitialized is returned when an operation runs against a relay that
	// was never set up or has already been closed.
	ErrNotInitialized = errors.New("relay not initialized")

	// ErrStoreFull is returned when the event queue is at capacity.
	ErrStoreFull = errors.New("event store full")

	// ErrNetworkFailure matches every *NetworkError via errors.Is.
	ErrNetworkFailure = errors.New("network failure")

	// ErrSerialization is returned when an event or request cannot be encoded.
	ErrSerialization = errors.New("serialization failed")

	// ErrIdentityUnavailable is returned when no user id could be resolved.
	ErrIdentityUnavailable = errors.New("user id unavailable")

	// ErrUploadInProgress is returned when an upload is already running.
	ErrUploadInProgress = errors.New("upload already in progress")

	// ErrEngagementInProgress is returned when an engagement request is already in flight.
	ErrEngagementInProgress = errors.New("engagement request already in progress")

	// ErrInvalidDecisionPoint is returned for an empty decision point name.
	ErrInvalidDecisionPoint = errors.New("invalid decision point")
)

// NetworkError describes a failed exchange with a remote endpoint.
// StatusCode is zero when no response was received at all.
type NetworkError struct {
	StatusCode int
	Attempts   int
	Err        error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Attempts > 1:
		return fmt.Sprintf("network failure: status %d after %d attempts", e.StatusCode, e.Attempts)
	case e.StatusCode != 0:
		return fmt.Sprintf("network failure: status %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("network failure: %v", e.Err)
	default:
		return "network failure"
	}
}

// Unwrap returns the underlying transport error, if any.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrNetworkFailure.
func (e *NetworkError) Is(target error) bool {
	return target == ErrNetworkFailure
}

// HasStatus reports whether the remote end answered at all.
func (e *NetworkError) HasStatus() bool {
	return e.StatusCode != 0
}

// NewStatusError builds a NetworkError for a non-200 response.
func NewStatusError(status, attempts int) *NetworkError {
	return &NetworkError{StatusCode: status, Attempts: attempts, Err: errors.New(http.StatusText(status))}
}
