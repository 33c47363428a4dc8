package campaign

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrQueuePaused is returned by sendCampaign when the dispatch queue is
// paused. The campaign is left untouched.
var ErrQueuePaused = errors.New("dispatch queue is paused")

// ErrNotFound is the generic missing-entity sentinel
var ErrNotFound = errors.New("not found")

// ValidationError rejects a request synchronously; nothing is queued.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// NewValidationError builds a field-scoped validation error
func NewValidationError(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransportError is a per-recipient send failure. It is recorded on the
// Job and rolled into failed_count; the campaign still completes.
type TransportError struct {
	Recipient string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport send to %s: %v", e.Recipient, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SystemicTransportError means the whole dispatch run cannot reach the
// transport. The campaign is marked failed wholesale, counts-so-far
// preserved, and the send is retryable.
type SystemicTransportError struct {
	Err error
}

func (e *SystemicTransportError) Error() string {
	return fmt.Sprintf("transport unreachable: %v", e.Err)
}

func (e *SystemicTransportError) Unwrap() error { return e.Err }

// IsSystemic reports whether err indicates a transport-wide outage
func IsSystemic(err error) bool {
	var se *SystemicTransportError
	return errors.As(err, &se)
}

// InvalidTransitionError rejects an illegal status transition on a
// campaign or job state machine.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s cannot move from %s to %s", e.Entity, e.From, e.To)
}

// ConsistencyError records cached-count drift found during a list audit.
// It is corrected in place and logged; callers never see it as a failure.
type ConsistencyError struct {
	ListID uuid.UUID
	Cached int
	Actual int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("list %s count drift: cached %d, actual %d", e.ListID, e.Cached, e.Actual)
}
