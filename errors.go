package kestrel

import (
	"errors"
	"fmt"

	"github.com/kestrel-es/kestrel/adapters"
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these errors.
// Store-level sentinels are aliases to the adapters package errors so a check
// against either matches.
var (
	// ErrInvariantViolation indicates a command was rejected by a business rule.
	ErrInvariantViolation = errors.New("kestrel: invariant violation")

	// ErrConcurrencyConflict indicates an optimistic concurrency violation.
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict

	// ErrDataIntegrity indicates the stored log or snapshot cannot be trusted.
	ErrDataIntegrity = adapters.ErrDataIntegrity

	// ErrSerializationFailed indicates event serialization/deserialization failed.
	ErrSerializationFailed = errors.New("kestrel: serialization failed")

	// ErrEventTypeNotRegistered indicates an unknown discriminator was encountered.
	ErrEventTypeNotRegistered = errors.New("kestrel: event type not registered")

	// ErrHandlerNotRegistered indicates an event variant has no dispatch handler.
	ErrHandlerNotRegistered = errors.New("kestrel: handler not registered")

	// ErrNilEvent indicates a nil event was passed where an event was required.
	ErrNilEvent = errors.New("kestrel: nil event")

	// ErrMissingHeader indicates an event type does not embed EventHeader.
	ErrMissingHeader = errors.New("kestrel: event does not embed EventHeader")

	// ErrStreamNotFound indicates the aggregate has no stored events.
	ErrStreamNotFound = adapters.ErrStreamNotFound

	// ErrEmptyAggregateID indicates an empty aggregate ID was provided.
	ErrEmptyAggregateID = adapters.ErrEmptyAggregateID

	// ErrNoEvents indicates no events were provided for append.
	ErrNoEvents = adapters.ErrNoEvents

	// ErrInvalidVersion indicates an invalid version number was provided.
	ErrInvalidVersion = adapters.ErrInvalidVersion

	// ErrAdapterClosed indicates the adapter has been closed.
	ErrAdapterClosed = adapters.ErrAdapterClosed

	// ErrNilRoot indicates a nil aggregate root was passed.
	ErrNilRoot = errors.New("kestrel: nil aggregate root")

	// ErrSnapshotsNotSupported indicates the adapter cannot store snapshots.
	ErrSnapshotsNotSupported = errors.New("kestrel: adapter does not support snapshots")

	// ErrSnapshotsDisabled indicates a snapshot was requested from a repository without a codec.
	ErrSnapshotsDisabled = errors.New("kestrel: snapshots are not enabled")

	// ErrUncommittedEvents indicates an operation needs a root with no pending events.
	ErrUncommittedEvents = errors.New("kestrel: aggregate has uncommitted events")

	// ErrPublishFailed indicates committed events could not be published.
	// The events are already stored when this is returned.
	ErrPublishFailed = errors.New("kestrel: publish failed")
)

// InvariantViolation reports a command rejected by a business rule.
// Code is stable and machine-readable; Message is for humans.
type InvariantViolation struct {
	Code    string
	Message string
}

// Error returns the error message.
func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("kestrel: invariant %s violated: %s", e.Code, e.Message)
}

// Is reports whether this error matches the target error.
func (e *InvariantViolation) Is(target error) bool {
	return target == ErrInvariantViolation
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *InvariantViolation) Unwrap() error {
	return ErrInvariantViolation
}

// NewInvariantViolation creates a new InvariantViolation.
func NewInvariantViolation(code, message string) *InvariantViolation {
	return &InvariantViolation{Code: code, Message: message}
}

// ViolationCode returns the invariant code carried by err, or "" if err is
// not an InvariantViolation.
func ViolationCode(err error) string {
	var violation *InvariantViolation
	if errors.As(err, &violation) {
		return violation.Code
	}
	return ""
}

// ConcurrencyError provides detailed information about a concurrency conflict.
type ConcurrencyError = adapters.ConcurrencyError

// NewConcurrencyError creates a new ConcurrencyError.
func NewConcurrencyError(aggregateID string, expected, actual int64) *ConcurrencyError {
	return adapters.NewConcurrencyError(aggregateID, expected, actual)
}

// IntegrityKind classifies a DataIntegrityError.
type IntegrityKind int

const (
	// SequenceGap means a sequence number was skipped.
	SequenceGap IntegrityKind = iota + 1

	// SequenceDuplicate means a sequence number repeated or went backwards.
	SequenceDuplicate

	// UnknownVariant means an event had no registered type or handler.
	UnknownVariant

	// SnapshotSchema means a snapshot was written with an unrecognized schema version.
	SnapshotSchema

	// SnapshotMismatch means a snapshot belongs to a different aggregate.
	SnapshotMismatch
)

// String returns the kind name.
func (k IntegrityKind) String() string {
	switch k {
	case SequenceGap:
		return "sequence_gap"
	case SequenceDuplicate:
		return "sequence_duplicate"
	case UnknownVariant:
		return "unknown_variant"
	case SnapshotSchema:
		return "snapshot_schema"
	case SnapshotMismatch:
		return "snapshot_mismatch"
	default:
		return "unknown"
	}
}

// DataIntegrityError reports a stored log or snapshot that cannot be replayed
// faithfully. It is fatal for the affected aggregate and is never skipped.
type DataIntegrityError struct {
	AggregateID string
	Kind        IntegrityKind
	EventType   string

	// Expected and Actual hold sequence numbers for sequence kinds and
	// schema versions for SnapshotSchema.
	Expected int64
	Actual   int64

	Cause error
}

// Error returns the error message.
func (e *DataIntegrityError) Error() string {
	switch e.Kind {
	case SequenceGap, SequenceDuplicate:
		return fmt.Sprintf("kestrel: %s on aggregate %q: expected sequence %d, got %d",
			e.Kind, e.AggregateID, e.Expected, e.Actual)
	case UnknownVariant:
		return fmt.Sprintf("kestrel: unknown event variant %q on aggregate %q: %v",
			e.EventType, e.AggregateID, e.Cause)
	case SnapshotSchema:
		return fmt.Sprintf("kestrel: unrecognized snapshot schema version %d for aggregate %q",
			e.Actual, e.AggregateID)
	case SnapshotMismatch:
		return fmt.Sprintf("kestrel: snapshot_mismatch on aggregate %q: %v", e.AggregateID, e.Cause)
	default:
		return fmt.Sprintf("kestrel: data integrity violation on aggregate %q", e.AggregateID)
	}
}

// Is reports whether this error matches the target error.
func (e *DataIntegrityError) Is(target error) bool {
	return target == ErrDataIntegrity
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *DataIntegrityError) Unwrap() error {
	return e.Cause
}

func newSequenceError(aggregateID, eventType string, expected, actual int64) *DataIntegrityError {
	kind := SequenceGap
	if actual < expected {
		kind = SequenceDuplicate
	}
	return &DataIntegrityError{
		AggregateID: aggregateID,
		Kind:        kind,
		EventType:   eventType,
		Expected:    expected,
		Actual:      actual,
	}
}

// SerializationError provides detailed information about a serialization failure.
type SerializationError struct {
	EventType string
	Operation string // "serialize" or "deserialize"
	Cause     error
}

// Error returns the error message.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("kestrel: failed to %s event type %q: %v",
		e.Operation, e.EventType, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *SerializationError) Is(target error) bool {
	return target == ErrSerializationFailed
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// NewSerializationError creates a new SerializationError.
func NewSerializationError(eventType, operation string, cause error) *SerializationError {
	return &SerializationError{
		EventType: eventType,
		Operation: operation,
		Cause:     cause,
	}
}

// EventTypeNotRegisteredError provides detailed information about an unregistered event type.
type EventTypeNotRegisteredError struct {
	EventType string
}

// Error returns the error message.
func (e *EventTypeNotRegisteredError) Error() string {
	return fmt.Sprintf("kestrel: event type %q not registered", e.EventType)
}

// Is reports whether this error matches the target error.
func (e *EventTypeNotRegisteredError) Is(target error) bool {
	return target == ErrEventTypeNotRegistered
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *EventTypeNotRegisteredError) Unwrap() error {
	return ErrEventTypeNotRegistered
}

// NewEventTypeNotRegisteredError creates a new EventTypeNotRegisteredError.
func NewEventTypeNotRegisteredError(eventType string) *EventTypeNotRegisteredError {
	return &EventTypeNotRegisteredError{EventType: eventType}
}

// IsFatal reports whether err means the aggregate's stored history cannot be
// trusted: data integrity and serialization failures.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDataIntegrity) || errors.Is(err, ErrSerializationFailed)
}

// IntegrityKindOf returns the kind of the DataIntegrityError in err's chain.
func IntegrityKindOf(err error) (IntegrityKind, bool) {
	var integrity *DataIntegrityError
	if errors.As(err, &integrity) {
		return integrity.Kind, true
	}
	return 0, false
}

// translateAdapterError maps adapter-level sequence failures onto
// DataIntegrityError so callers see one taxonomy.
func translateAdapterError(err error) error {
	var seqErr *adapters.SequenceError
	if errors.As(err, &seqErr) {
		integrity := newSequenceError(seqErr.AggregateID, "", seqErr.Expected, seqErr.Actual)
		integrity.Cause = err
		return integrity
	}
	return err
}
