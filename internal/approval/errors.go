package approval

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for an unknown approval id.
	ErrNotFound = errors.New("approval not found")
	// ErrInvalidStatus is returned when a decision is made on a record that
	// is no longer pending. The concrete error is a *StatusError.
	ErrInvalidStatus = errors.New("invalid approval status")
	// ErrUnsupported is returned for an unknown platform or action.
	ErrUnsupported = errors.New("unsupported platform or action")
	// ErrNotConfigured is returned when the platform client has no credentials.
	ErrNotConfigured = errors.New("platform client not configured")
	// ErrInvalidRequest is returned for empty text, text carrying a
	// credential, or a reply without a parent.
	ErrInvalidRequest = errors.New("invalid approval request")
)

// StatusError reports the status that blocked a decision.
type StatusError struct {
	ID     string
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("invalid_status:%s (approval %s)", e.Status, e.ID)
}

func (e *StatusError) Unwrap() error { return ErrInvalidStatus }
