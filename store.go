package kestrel

import (
	"context"
	"fmt"

	"github.com/kestrel-es/kestrel/adapters"
)

// EventStore turns typed events into adapter records and back.
// It validates outgoing sequences, serializes payloads and restores headers
// on load. Everything below it is storage; everything above it is replay.
type EventStore struct {
	adapter    adapters.EventStoreAdapter
	serializer Serializer
	logger     Logger
}

// Option configures an EventStore.
type Option func(*EventStore)

// WithSerializer sets a custom serializer.
func WithSerializer(s Serializer) Option {
	return func(es *EventStore) {
		es.serializer = s
	}
}

// WithLogger sets a custom logger.
func WithLogger(l Logger) Option {
	return func(es *EventStore) {
		es.logger = l
	}
}

// New creates a new EventStore with the given adapter and options.
func New(adapter adapters.EventStoreAdapter, opts ...Option) *EventStore {
	es := &EventStore{
		adapter:    adapter,
		serializer: NewJSONSerializer(),
		logger:     &noopLogger{},
	}

	for _, opt := range opts {
		opt(es)
	}

	return es
}

// Serializer returns the event store's serializer.
func (s *EventStore) Serializer() Serializer {
	return s.serializer
}

// Adapter returns the underlying adapter.
func (s *EventStore) Adapter() adapters.EventStoreAdapter {
	return s.adapter
}

// Logger returns the event store's logger.
func (s *EventStore) Logger() Logger {
	return s.logger
}

// RegisterEvents registers event types with the serializer so stored
// records can be decoded. Serializers without a RegisterAll method are
// expected to be configured by the caller.
func (s *EventStore) RegisterEvents(events ...Event) {
	registrar, ok := s.serializer.(interface{ RegisterAll(...interface{}) })
	if !ok {
		return
	}
	examples := make([]interface{}, len(events))
	for i, e := range events {
		examples[i] = e
	}
	registrar.RegisterAll(examples...)
}

// AppendOption configures an append operation.
type AppendOption func(*appendConfig)

type appendConfig struct {
	metadata        Metadata
	expectedVersion int64
}

// ExpectVersion sets the expected log version for optimistic concurrency.
func ExpectVersion(v int64) AppendOption {
	return func(c *appendConfig) {
		c.expectedVersion = v
	}
}

// WithAppendMetadata sets metadata for all events in the append operation.
func WithAppendMetadata(m Metadata) AppendOption {
	return func(c *appendConfig) {
		c.metadata = m
	}
}

// Append stores authored events for the aggregate.
// Events must already carry their sequence numbers, contiguous from the
// expected version (or from their first sequence when no concrete version is
// expected). A gap or duplicate is refused before the adapter is called.
func (s *EventStore) Append(ctx context.Context, aggregateID, tenantID string, events []Event, opts ...AppendOption) ([]StoredEvent, error) {
	if aggregateID == "" {
		return nil, ErrEmptyAggregateID
	}

	if len(events) == 0 {
		return nil, ErrNoEvents
	}

	config := &appendConfig{
		expectedVersion: AnyVersion,
	}

	for _, opt := range opts {
		opt(config)
	}

	after := config.expectedVersion
	if after < 0 {
		after = events[0].Header().Sequence - 1
		if after < 0 {
			after = 0
		}
	}
	if err := ValidateSequence(aggregateID, events, after); err != nil {
		return nil, err
	}

	records := make([]adapters.EventRecord, len(events))
	for i, event := range events {
		eventData, err := SerializeEvent(s.serializer, event, config.metadata)
		if err != nil {
			return nil, fmt.Errorf("kestrel: failed to serialize event %d: %w", i, err)
		}

		records[i] = adapters.EventRecord{
			Type:       eventData.Type,
			Data:       eventData.Data,
			Sequence:   eventData.Header.Sequence,
			ActorID:    eventData.Header.ActorID,
			OccurredAt: eventData.Header.OccurredAt,
			Metadata:   eventData.Metadata.toAdapter(),
		}
	}

	stored, err := s.adapter.Append(ctx, aggregateID, tenantID, records, config.expectedVersion)
	if err != nil {
		return nil, translateAdapterError(err)
	}
	return stored, nil
}

// LoadEvents returns the aggregate's events with sequence greater than
// fromSequence, decoded and with their stored headers restored.
func (s *EventStore) LoadEvents(ctx context.Context, aggregateID string, fromSequence int64) ([]Event, error) {
	storedEvents, err := s.LoadRaw(ctx, aggregateID, fromSequence)
	if err != nil {
		return nil, err
	}

	events := make([]Event, len(storedEvents))
	for i, stored := range storedEvents {
		event, err := DeserializeEvent(s.serializer, stored)
		if err != nil {
			return nil, fmt.Errorf("kestrel: failed to deserialize event at sequence %d: %w", stored.Sequence, err)
		}
		events[i] = event
	}

	return events, nil
}

// LoadRaw retrieves raw (non-deserialized) events for the aggregate.
func (s *EventStore) LoadRaw(ctx context.Context, aggregateID string, fromSequence int64) ([]StoredEvent, error) {
	if aggregateID == "" {
		return nil, ErrEmptyAggregateID
	}

	return s.adapter.Load(ctx, aggregateID, fromSequence)
}

// MetadataOf returns the metadata stored alongside an event record.
func MetadataOf(stored StoredEvent) Metadata {
	return metadataFromAdapter(stored.Metadata)
}

func (s *EventStore) snapshots() (adapters.SnapshotAdapter, error) {
	snapshotAdapter, ok := s.adapter.(adapters.SnapshotAdapter)
	if !ok {
		return nil, ErrSnapshotsNotSupported
	}
	return snapshotAdapter, nil
}

// LoadLatestSnapshot returns the aggregate's newest snapshot, or nil when
// there is none.
func (s *EventStore) LoadLatestSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error) {
	if aggregateID == "" {
		return nil, ErrEmptyAggregateID
	}

	snapshotAdapter, err := s.snapshots()
	if err != nil {
		return nil, err
	}

	record, err := snapshotAdapter.LoadSnapshot(ctx, aggregateID)
	if err != nil || record == nil {
		return nil, err
	}

	return &Snapshot{
		AggregateID:   record.AggregateID,
		TenantID:      record.TenantID,
		Sequence:      record.Sequence,
		SchemaVersion: record.SchemaVersion,
		Data:          record.Data,
		CreatedAt:     record.CreatedAt,
	}, nil
}

// SaveSnapshot stores a snapshot, replacing the previous one.
func (s *EventStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	if snapshot.AggregateID == "" {
		return ErrEmptyAggregateID
	}

	snapshotAdapter, err := s.snapshots()
	if err != nil {
		return err
	}

	return snapshotAdapter.SaveSnapshot(ctx, adapters.SnapshotRecord{
		AggregateID:   snapshot.AggregateID,
		TenantID:      snapshot.TenantID,
		Sequence:      snapshot.Sequence,
		SchemaVersion: snapshot.SchemaVersion,
		Data:          snapshot.Data,
		CreatedAt:     snapshot.CreatedAt,
	})
}

// DeleteSnapshot removes the aggregate's snapshot.
func (s *EventStore) DeleteSnapshot(ctx context.Context, aggregateID string) error {
	snapshotAdapter, err := s.snapshots()
	if err != nil {
		return err
	}
	return snapshotAdapter.DeleteSnapshot(ctx, aggregateID)
}

// GetStreamInfo returns metadata about the aggregate's log.
func (s *EventStore) GetStreamInfo(ctx context.Context, aggregateID string) (*StreamInfo, error) {
	if aggregateID == "" {
		return nil, ErrEmptyAggregateID
	}

	return s.adapter.GetStreamInfo(ctx, aggregateID)
}

// Initialize sets up the required storage schema.
func (s *EventStore) Initialize(ctx context.Context) error {
	return s.adapter.Initialize(ctx)
}

// Close releases resources held by the event store.
func (s *EventStore) Close() error {
	return s.adapter.Close()
}
