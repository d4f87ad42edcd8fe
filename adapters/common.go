package adapters

import (
	"fmt"
)

// Version constants for optimistic concurrency control.
const (
	// AnyVersion skips version checking.
	AnyVersion int64 = -1

	// NoStream requires the aggregate to have no stored events.
	NoStream int64 = 0

	// StreamExists requires the aggregate to have at least one stored event.
	StreamExists int64 = -2
)

// ConcurrencyError provides details about a concurrency conflict.
// It is returned when an optimistic concurrency check fails during Append.
type ConcurrencyError struct {
	AggregateID     string
	ExpectedVersion int64
	ActualVersion   int64
}

// NewConcurrencyError creates a new ConcurrencyError.
func NewConcurrencyError(aggregateID string, expected, actual int64) *ConcurrencyError {
	return &ConcurrencyError{
		AggregateID:     aggregateID,
		ExpectedVersion: expected,
		ActualVersion:   actual,
	}
}

// Error implements the error interface.
func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("kestrel: concurrency conflict on aggregate %q: expected version %d, got %d",
		e.AggregateID, e.ExpectedVersion, e.ActualVersion)
}

// Is implements errors.Is compatibility.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// SequenceError reports an append whose sequence numbers do not continue the
// stored log.
type SequenceError struct {
	AggregateID string
	Expected    int64
	Actual      int64
}

// NewSequenceError creates a new SequenceError.
func NewSequenceError(aggregateID string, expected, actual int64) *SequenceError {
	return &SequenceError{AggregateID: aggregateID, Expected: expected, Actual: actual}
}

// Error implements the error interface.
func (e *SequenceError) Error() string {
	return fmt.Sprintf("kestrel: sequence mismatch on aggregate %q: expected %d, got %d",
		e.AggregateID, e.Expected, e.Actual)
}

// Is implements errors.Is compatibility.
func (e *SequenceError) Is(target error) bool {
	return target == ErrDataIntegrity
}

// StreamNotFoundError provides details about a missing aggregate log.
type StreamNotFoundError struct {
	AggregateID string
}

// NewStreamNotFoundError creates a new StreamNotFoundError.
func NewStreamNotFoundError(aggregateID string) *StreamNotFoundError {
	return &StreamNotFoundError{AggregateID: aggregateID}
}

// Error implements the error interface.
func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("kestrel: stream for aggregate %q not found", e.AggregateID)
}

// Is implements errors.Is compatibility.
func (e *StreamNotFoundError) Is(target error) bool {
	return target == ErrStreamNotFound
}

// CheckVersion validates the expected version against the current version.
// This is the optimistic concurrency logic shared by all adapters.
func CheckVersion(aggregateID string, expected, current int64, exists bool) error {
	switch expected {
	case AnyVersion:
		return nil
	case NoStream:
		if exists {
			return NewConcurrencyError(aggregateID, expected, current)
		}
		return nil
	case StreamExists:
		if !exists {
			return NewStreamNotFoundError(aggregateID)
		}
		return nil
	default:
		if expected < 0 {
			return ErrInvalidVersion
		}
		if current != expected {
			return NewConcurrencyError(aggregateID, expected, current)
		}
		return nil
	}
}

// CheckSequence verifies that records continue a log currently at version
// current: the i-th record must carry sequence current+i+1.
func CheckSequence(aggregateID string, current int64, records []EventRecord) error {
	for i, record := range records {
		want := current + int64(i) + 1
		if record.Sequence != want {
			return NewSequenceError(aggregateID, want, record.Sequence)
		}
	}
	return nil
}

// ValidateAppend performs the argument checks every adapter runs before
// touching storage.
func ValidateAppend(aggregateID string, events []EventRecord) error {
	if aggregateID == "" {
		return ErrEmptyAggregateID
	}
	if len(events) == 0 {
		return ErrNoEvents
	}
	return nil
}
