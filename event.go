package kestrel

import (
	"fmt"
	"reflect"
	"time"

	"github.com/kestrel-es/kestrel/adapters"
)

// Version constants for optimistic concurrency control.
const (
	// AnyVersion skips version checking, allowing append regardless of current version.
	AnyVersion int64 = adapters.AnyVersion

	// NoStream requires the aggregate to have no stored events.
	NoStream int64 = adapters.NoStream

	// StreamExists requires the aggregate to have at least one stored event.
	StreamExists int64 = adapters.StreamExists
)

// EventHeader carries the fields every event shares. Concrete event variants
// embed it by value.
//
// The header is not part of the serialized payload. Stores keep it in
// dedicated columns and the serializer restores it on load.
type EventHeader struct {
	// AggregateID identifies the aggregate that emitted the event.
	AggregateID string `json:"-" msgpack:"-"`

	// TenantID identifies the tenant owning the aggregate.
	TenantID string `json:"-" msgpack:"-"`

	// ActorID identifies who performed the action, if known.
	ActorID string `json:"-" msgpack:"-"`

	// Sequence is the 1-based position of the event in the aggregate's log.
	Sequence int64 `json:"-" msgpack:"-"`

	// OccurredAt is when the event was authored.
	OccurredAt time.Time `json:"-" msgpack:"-"`
}

// Header returns the header itself. Embedding EventHeader gives every
// variant this method.
func (h EventHeader) Header() EventHeader {
	return h
}

// Event is implemented by every concrete event variant.
type Event interface {
	Header() EventHeader
}

// TypedEvent lets a variant pick its own discriminator instead of its Go type name.
type TypedEvent interface {
	Event
	EventType() string
}

var headerType = reflect.TypeOf(EventHeader{})

// EventTypeOf returns the discriminator for the event: EventType() when the
// variant implements TypedEvent, otherwise the Go type name.
func EventTypeOf(event Event) string {
	if event == nil {
		return ""
	}
	if typed, ok := event.(TypedEvent); ok {
		return typed.EventType()
	}
	t := reflect.TypeOf(event)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// RestoreHeader returns a copy of event with its embedded header replaced.
// Pointer events yield a new pointer; the argument is never modified.
func RestoreHeader(event Event, header EventHeader) (Event, error) {
	if event == nil {
		return nil, fmt.Errorf("kestrel: cannot set header on nil event")
	}

	v := reflect.ValueOf(event)
	isPtr := v.Kind() == reflect.Ptr
	if isPtr {
		if v.IsNil() {
			return nil, fmt.Errorf("kestrel: cannot set header on nil %s", v.Type())
		}
		v = v.Elem()
	}

	t := v.Type()
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s is not a struct", ErrMissingHeader, t)
	}
	field, ok := t.FieldByName("EventHeader")
	if !ok || !field.Anonymous || field.Type != headerType {
		return nil, fmt.Errorf("%w: %s", ErrMissingHeader, t)
	}

	cp := reflect.New(t).Elem()
	cp.Set(v)
	cp.FieldByIndex(field.Index).Set(reflect.ValueOf(header))

	if isPtr {
		return cp.Addr().Interface().(Event), nil
	}
	return cp.Interface().(Event), nil
}

// isNilEvent reports whether event is nil or a typed nil pointer, neither of
// which has a header to read.
func isNilEvent(event Event) bool {
	if event == nil {
		return true
	}
	v := reflect.ValueOf(event)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

func nilEventError(aggregateID string, sequence int64) *DataIntegrityError {
	return &DataIntegrityError{
		AggregateID: aggregateID,
		Kind:        UnknownVariant,
		EventType:   "<nil>",
		Expected:    sequence,
		Cause:       ErrNilEvent,
	}
}

// ValidateSequence checks that events continue a log currently at version
// after: the i-th event must carry sequence after+i+1. A nil event is a
// DataIntegrityError wrapping ErrNilEvent.
func ValidateSequence(aggregateID string, events []Event, after int64) error {
	for i, event := range events {
		want := after + int64(i) + 1
		if isNilEvent(event) {
			return nilEventError(aggregateID, want)
		}
		got := event.Header().Sequence
		if got != want {
			return newSequenceError(aggregateID, EventTypeOf(event), want, got)
		}
	}
	return nil
}

// ValidateStoredSequence is ValidateSequence for raw stored records. It lets
// tooling check a log without registering its event types.
func ValidateStoredSequence(aggregateID string, stored []StoredEvent, after int64) error {
	for i, record := range stored {
		want := after + int64(i) + 1
		if record.Sequence != want {
			return newSequenceError(aggregateID, record.Type, want, record.Sequence)
		}
	}
	return nil
}

// Metadata contains contextual information about an event.
// It supports distributed tracing, multi-tenancy, and custom key-value pairs.
type Metadata struct {
	// CorrelationID links related events across services for distributed tracing.
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID identifies the event or command that caused this event.
	CausationID string `json:"causationId,omitempty"`

	// UserID identifies the user who triggered this event.
	UserID string `json:"userId,omitempty"`

	// TenantID identifies the tenant for multi-tenant applications.
	TenantID string `json:"tenantId,omitempty"`

	// Custom contains arbitrary key-value pairs for application-specific metadata.
	Custom map[string]string `json:"custom,omitempty"`
}

// WithCorrelationID returns a copy of Metadata with the correlation ID set.
func (m Metadata) WithCorrelationID(id string) Metadata {
	m.CorrelationID = id
	return m
}

// WithCausationID returns a copy of Metadata with the causation ID set.
func (m Metadata) WithCausationID(id string) Metadata {
	m.CausationID = id
	return m
}

// WithUserID returns a copy of Metadata with the user ID set.
func (m Metadata) WithUserID(id string) Metadata {
	m.UserID = id
	return m
}

// WithTenantID returns a copy of Metadata with the tenant ID set.
func (m Metadata) WithTenantID(id string) Metadata {
	m.TenantID = id
	return m
}

// WithCustom returns a copy of Metadata with a custom key-value pair added.
func (m Metadata) WithCustom(key, value string) Metadata {
	custom := make(map[string]string, len(m.Custom)+1)
	for k, v := range m.Custom {
		custom[k] = v
	}
	custom[key] = value
	m.Custom = custom
	return m
}

// IsEmpty reports whether no metadata field is set.
func (m Metadata) IsEmpty() bool {
	return m.CorrelationID == "" && m.CausationID == "" && m.UserID == "" &&
		m.TenantID == "" && len(m.Custom) == 0
}

// StoredEvent is a persisted event as returned by the adapter, before decoding.
type StoredEvent = adapters.StoredEvent

// StreamInfo contains metadata about an aggregate's log.
type StreamInfo = adapters.StreamInfo

func (m Metadata) toAdapter() adapters.Metadata {
	return adapters.Metadata{
		CorrelationID: m.CorrelationID,
		CausationID:   m.CausationID,
		UserID:        m.UserID,
		TenantID:      m.TenantID,
		Custom:        m.Custom,
	}
}

func metadataFromAdapter(m adapters.Metadata) Metadata {
	return Metadata{
		CorrelationID: m.CorrelationID,
		CausationID:   m.CausationID,
		UserID:        m.UserID,
		TenantID:      m.TenantID,
		Custom:        m.Custom,
	}
}

func headerFromStored(stored StoredEvent) EventHeader {
	return EventHeader{
		AggregateID: stored.AggregateID,
		TenantID:    stored.TenantID,
		ActorID:     stored.ActorID,
		Sequence:    stored.Sequence,
		OccurredAt:  stored.OccurredAt,
	}
}
