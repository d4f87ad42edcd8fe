// Package memory provides an in-memory implementation of the event store adapter.
// This adapter is primarily intended for testing and development purposes.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-es/kestrel/adapters"
)

// Version constants for optimistic concurrency control.
// These are re-exported from the adapters package for convenience.
const (
	AnyVersion   = adapters.AnyVersion
	NoStream     = adapters.NoStream
	StreamExists = adapters.StreamExists
)

// Ensure MemoryAdapter implements all required interfaces.
var (
	_ adapters.EventStoreAdapter = (*MemoryAdapter)(nil)
	_ adapters.SnapshotAdapter   = (*MemoryAdapter)(nil)
	_ adapters.HealthChecker     = (*MemoryAdapter)(nil)
)

// MemoryAdapter is an in-memory implementation of EventStoreAdapter.
// It is safe for concurrent use; appends to one aggregate are serialized.
type MemoryAdapter struct {
	mu             sync.RWMutex
	streams        map[string]*streamData
	globalPosition uint64
	snapshots      map[string]adapters.SnapshotRecord
	closed         bool
	now            func() time.Time
}

type streamData struct {
	info   adapters.StreamInfo
	events []adapters.StoredEvent
}

// Option configures a MemoryAdapter.
type Option func(*MemoryAdapter)

// WithClock sets the clock used for storage timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *MemoryAdapter) {
		a.now = now
	}
}

// NewAdapter creates a new in-memory event store adapter.
func NewAdapter(opts ...Option) *MemoryAdapter {
	adapter := &MemoryAdapter{
		streams:   make(map[string]*streamData),
		snapshots: make(map[string]adapters.SnapshotRecord),
		now:       func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// Initialize is a no-op for the memory adapter.
func (a *MemoryAdapter) Initialize(ctx context.Context) error {
	return nil
}

// Append stores events for the aggregate with optimistic concurrency control.
func (a *MemoryAdapter) Append(ctx context.Context, aggregateID, tenantID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := adapters.ValidateAppend(aggregateID, events); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	stream, exists := a.streams[aggregateID]
	currentVersion := int64(0)
	if exists {
		currentVersion = stream.info.Version
	}

	if err := adapters.CheckVersion(aggregateID, expectedVersion, currentVersion, exists); err != nil {
		return nil, err
	}
	if err := adapters.CheckSequence(aggregateID, currentVersion, events); err != nil {
		return nil, err
	}

	now := a.now()
	if !exists {
		stream = &streamData{
			info: adapters.StreamInfo{
				AggregateID: aggregateID,
				TenantID:    tenantID,
				CreatedAt:   now,
			},
		}
		a.streams[aggregateID] = stream
	}

	stored := make([]adapters.StoredEvent, len(events))
	for i, event := range events {
		a.globalPosition++
		stored[i] = adapters.StoredEvent{
			ID:             uuid.New().String(),
			AggregateID:    aggregateID,
			TenantID:       tenantID,
			Type:           event.Type,
			Data:           append([]byte(nil), event.Data...),
			Sequence:       event.Sequence,
			ActorID:        event.ActorID,
			OccurredAt:     event.OccurredAt,
			Metadata:       event.Metadata,
			GlobalPosition: a.globalPosition,
			StoredAt:       now,
		}
	}

	stream.events = append(stream.events, stored...)
	stream.info.Version = stored[len(stored)-1].Sequence
	stream.info.EventCount = int64(len(stream.events))
	stream.info.UpdatedAt = now

	return stored, nil
}

// Load retrieves the aggregate's events after fromSequence.
func (a *MemoryAdapter) Load(ctx context.Context, aggregateID string, fromSequence int64) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if aggregateID == "" {
		return nil, adapters.ErrEmptyAggregateID
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	stream, exists := a.streams[aggregateID]
	if !exists {
		return []adapters.StoredEvent{}, nil
	}

	events := make([]adapters.StoredEvent, 0, len(stream.events))
	for _, event := range stream.events {
		if event.Sequence > fromSequence {
			events = append(events, event)
		}
	}

	return events, nil
}

// GetStreamInfo returns metadata about the aggregate's log.
func (a *MemoryAdapter) GetStreamInfo(ctx context.Context, aggregateID string) (*adapters.StreamInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	stream, exists := a.streams[aggregateID]
	if !exists {
		return nil, adapters.NewStreamNotFoundError(aggregateID)
	}

	info := stream.info
	return &info, nil
}

// Close marks the adapter as closed.
func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	return nil
}

// SaveSnapshot stores a snapshot for the aggregate.
func (a *MemoryAdapter) SaveSnapshot(ctx context.Context, snapshot adapters.SnapshotRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snapshot.AggregateID == "" {
		return adapters.ErrEmptyAggregateID
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}

	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = a.now()
	}
	snapshot.Data = append([]byte(nil), snapshot.Data...)
	a.snapshots[snapshot.AggregateID] = snapshot

	return nil
}

// LoadSnapshot retrieves the latest snapshot for the aggregate.
func (a *MemoryAdapter) LoadSnapshot(ctx context.Context, aggregateID string) (*adapters.SnapshotRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	snapshot, exists := a.snapshots[aggregateID]
	if !exists {
		return nil, nil
	}

	snapshot.Data = append([]byte(nil), snapshot.Data...)
	return &snapshot, nil
}

// DeleteSnapshot removes the snapshot for the aggregate.
func (a *MemoryAdapter) DeleteSnapshot(ctx context.Context, aggregateID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}

	delete(a.snapshots, aggregateID)
	return nil
}

// Ping checks if the adapter is open.
func (a *MemoryAdapter) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}

	return nil
}

// Reset clears all data. Useful for testing.
func (a *MemoryAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.streams = make(map[string]*streamData)
	a.globalPosition = 0
	a.snapshots = make(map[string]adapters.SnapshotRecord)
}

// EventCount returns the total number of events stored.
func (a *MemoryAdapter) EventCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return int(a.globalPosition)
}

// StreamCount returns the number of aggregates with stored events.
func (a *MemoryAdapter) StreamCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.streams)
}

// InjectRaw appends stored events without any version or sequence checks.
// It exists so tests can reproduce corrupted logs (gaps, duplicates) that the
// regular append path refuses to write.
func (a *MemoryAdapter) InjectRaw(aggregateID string, events ...adapters.StoredEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stream, exists := a.streams[aggregateID]
	if !exists {
		stream = &streamData{info: adapters.StreamInfo{AggregateID: aggregateID, CreatedAt: a.now()}}
		a.streams[aggregateID] = stream
	}
	for _, event := range events {
		a.globalPosition++
		event.AggregateID = aggregateID
		event.GlobalPosition = a.globalPosition
		stream.events = append(stream.events, event)
		if event.Sequence > stream.info.Version {
			stream.info.Version = event.Sequence
		}
	}
	stream.info.EventCount = int64(len(stream.events))
}
