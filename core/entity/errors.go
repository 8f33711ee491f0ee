package entity

import (
	"errors"
	"fmt"
)

var (
	// ErrActivationFailed wraps a journal failure during activation. The
	// registry entry is rolled back, so a later command may retry.
	ErrActivationFailed = errors.New("entity activation failed")

	// ErrQuarantined marks an entity whose activation failed repeatedly.
	// Routes fail fast until Manager.Forget clears the entry.
	ErrQuarantined = errors.New("entity quarantined")

	// ErrUnknownEntityType is returned by System.Route for a type no manager
	// was registered for.
	ErrUnknownEntityType = errors.New("unknown entity type")

	// ErrManagerClosed is returned by Route after Close.
	ErrManagerClosed = errors.New("entity manager closed")
)

// CommandError is a business-rule rejection: an ordinary negative result,
// not an infrastructure failure. No event was persisted and the entity state
// is unchanged.
type CommandError struct {
	Reason string
}

func (e *CommandError) Error() string { return "command rejected: " + e.Reason }

// Reject returns a CommandError with the given reason. Protocols use it in
// Validate.
func Reject(reason string) error { return &CommandError{Reason: reason} }

// Rejectf is Reject with formatting.
func Rejectf(format string, args ...any) error {
	return &CommandError{Reason: fmt.Sprintf(format, args...)}
}

// IsRejected reports whether err is a business-rule rejection.
func IsRejected(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}
