package kestrel

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Serializer handles event payload serialization and deserialization.
// Only the variant's own fields are encoded; the EventHeader travels
// separately in the stored record.
type Serializer interface {
	// Serialize converts an event to bytes.
	Serialize(event interface{}) ([]byte, error)

	// Deserialize converts bytes back to an event of the registered type.
	// An unregistered eventType must fail with ErrEventTypeNotRegistered.
	Deserialize(data []byte, eventType string) (interface{}, error)
}

// EventRegistry maps event type names to Go types.
type EventRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewEventRegistry creates a new empty EventRegistry.
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{
		types: make(map[string]reflect.Type),
	}
}

// Register adds a mapping from eventType to the Go type of the example.
// Pointer examples register their element type.
func (r *EventRegistry) Register(eventType string, example interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := reflect.TypeOf(example)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.types[eventType] = t
}

// RegisterAll registers events under their discriminators (see EventTypeOf).
func (r *EventRegistry) RegisterAll(examples ...interface{}) {
	for _, example := range examples {
		r.Register(discriminator(example), example)
	}
}

// Lookup returns the Go type for the given event type name.
func (r *EventRegistry) Lookup(eventType string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[eventType]
	return t, ok
}

// RegisteredTypes returns all registered event type names, sorted.
func (r *EventRegistry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.types))
	for t := range r.types {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Count returns the number of registered event types.
func (r *EventRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// JSONSerializer is the default Serializer implementation using JSON encoding.
type JSONSerializer struct {
	registry *EventRegistry
}

// NewJSONSerializer creates a new JSONSerializer with an empty registry.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{
		registry: NewEventRegistry(),
	}
}

// NewJSONSerializerWithRegistry creates a new JSONSerializer with the given registry.
func NewJSONSerializerWithRegistry(registry *EventRegistry) *JSONSerializer {
	if registry == nil {
		registry = NewEventRegistry()
	}
	return &JSONSerializer{
		registry: registry,
	}
}

// Register adds an event type to the serializer's registry.
func (s *JSONSerializer) Register(eventType string, example interface{}) {
	s.registry.Register(eventType, example)
}

// RegisterAll registers events under their discriminators.
func (s *JSONSerializer) RegisterAll(examples ...interface{}) {
	s.registry.RegisterAll(examples...)
}

// Registry returns the underlying EventRegistry.
func (s *JSONSerializer) Registry() *EventRegistry {
	return s.registry
}

// Serialize converts an event to JSON bytes.
func (s *JSONSerializer) Serialize(event interface{}) ([]byte, error) {
	if event == nil {
		return nil, NewSerializationError("nil", "serialize", fmt.Errorf("event cannot be nil"))
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, NewSerializationError(discriminator(event), "serialize", err)
	}

	return data, nil
}

// Deserialize converts JSON bytes back to a value of the registered type.
func (s *JSONSerializer) Deserialize(data []byte, eventType string) (interface{}, error) {
	t, ok := s.registry.Lookup(eventType)
	if !ok {
		return nil, NewEventTypeNotRegisteredError(eventType)
	}

	if len(data) == 0 {
		return nil, NewSerializationError(eventType, "deserialize", fmt.Errorf("data cannot be empty"))
	}

	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, NewSerializationError(eventType, "deserialize", err)
	}

	return ptr.Elem().Interface(), nil
}

func discriminator(example interface{}) string {
	if event, ok := example.(Event); ok {
		return EventTypeOf(event)
	}
	t := reflect.TypeOf(example)
	if t == nil {
		return ""
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// SerializeEvent converts an event into an adapter record. The header
// supplies sequence, actor and time; the serializer supplies the payload.
func SerializeEvent(serializer Serializer, event Event, metadata Metadata) (EventRecordData, error) {
	eventType := EventTypeOf(event)
	if eventType == "" {
		return EventRecordData{}, NewSerializationError("", "serialize", fmt.Errorf("cannot determine event type"))
	}

	data, err := serializer.Serialize(event)
	if err != nil {
		return EventRecordData{}, err
	}

	return EventRecordData{
		Type:     eventType,
		Data:     data,
		Header:   event.Header(),
		Metadata: metadata,
	}, nil
}

// EventRecordData is a serialized event ready to be appended.
type EventRecordData struct {
	Type     string
	Data     []byte
	Header   EventHeader
	Metadata Metadata
}

// DeserializeEvent decodes a stored record and restores its header verbatim.
// No authoring step runs: sequence and timestamp are those of the record.
// An unregistered discriminator is a DataIntegrityError of kind UnknownVariant.
func DeserializeEvent(serializer Serializer, stored StoredEvent) (Event, error) {
	payload, err := serializer.Deserialize(stored.Data, stored.Type)
	if err != nil {
		if isNotRegistered(err) {
			return nil, &DataIntegrityError{
				AggregateID: stored.AggregateID,
				Kind:        UnknownVariant,
				EventType:   stored.Type,
				Actual:      stored.Sequence,
				Cause:       err,
			}
		}
		return nil, err
	}

	event, ok := payload.(Event)
	if !ok {
		return nil, NewSerializationError(stored.Type, "deserialize",
			fmt.Errorf("%T does not implement Event", payload))
	}

	return RestoreHeader(event, headerFromStored(stored))
}

func isNotRegistered(err error) bool {
	return errors.Is(err, ErrEventTypeNotRegistered)
}
