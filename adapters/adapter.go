// Package adapters provides interfaces for event store backends.
package adapters

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for adapter implementations.
// Adapters should return these (or errors that match via errors.Is)
// so the core can classify failures the same way for every backend.
var (
	// ErrConcurrencyConflict is returned when the optimistic concurrency check fails.
	ErrConcurrencyConflict = errors.New("kestrel: concurrency conflict")

	// ErrDataIntegrity is returned when an append would break the contiguous
	// sequence of an aggregate's log.
	ErrDataIntegrity = errors.New("kestrel: data integrity violation")

	// ErrStreamNotFound is returned when an aggregate has no stored events.
	ErrStreamNotFound = errors.New("kestrel: stream not found")

	// ErrEmptyAggregateID is returned when an empty aggregate ID is provided.
	ErrEmptyAggregateID = errors.New("kestrel: aggregate ID is required")

	// ErrNoEvents is returned when attempting to append zero events.
	ErrNoEvents = errors.New("kestrel: no events to append")

	// ErrInvalidVersion is returned when an invalid expected version is specified.
	ErrInvalidVersion = errors.New("kestrel: invalid version")

	// ErrAdapterClosed is returned when operations are attempted on a closed adapter.
	ErrAdapterClosed = errors.New("kestrel: adapter is closed")
)

// Metadata contains event context for tracing and multi-tenancy.
type Metadata struct {
	// CorrelationID links related events across services.
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID identifies the command or event that caused this event.
	CausationID string `json:"causationId,omitempty"`

	// UserID identifies who triggered this event.
	UserID string `json:"userId,omitempty"`

	// TenantID for multi-tenant applications.
	TenantID string `json:"tenantId,omitempty"`

	// Custom holds any additional metadata.
	Custom map[string]string `json:"custom,omitempty"`
}

// EventRecord is an event ready to be appended to an aggregate's log.
// Sequence is assigned by the aggregate root before the record reaches the
// adapter; adapters verify it, they never pick it.
type EventRecord struct {
	// Type is the discriminator identifying the concrete event variant.
	Type string

	// Data is the serialized event payload.
	Data []byte

	// Sequence is the 1-based position of the event in the aggregate's log.
	Sequence int64

	// ActorID identifies who performed the action, if known.
	ActorID string

	// OccurredAt is when the event was authored.
	OccurredAt time.Time

	// Metadata contains optional contextual information.
	Metadata Metadata
}

// StoredEvent is a persisted event with its storage metadata.
type StoredEvent struct {
	// ID is the unique event identifier.
	ID string

	// AggregateID is the aggregate this event belongs to.
	AggregateID string

	// TenantID is the tenant owning the aggregate.
	TenantID string

	// Type is the discriminator identifying the concrete event variant.
	Type string

	// Data is the serialized event payload.
	Data []byte

	// Sequence is the position within the aggregate's log (1-based).
	Sequence int64

	// ActorID identifies who performed the action, if known.
	ActorID string

	// OccurredAt is when the event was authored.
	OccurredAt time.Time

	// Metadata contains contextual information.
	Metadata Metadata

	// GlobalPosition is the ordering position across all aggregates.
	GlobalPosition uint64

	// StoredAt is when the event was persisted.
	StoredAt time.Time
}

// StreamInfo contains metadata about an aggregate's log.
type StreamInfo struct {
	// AggregateID is the aggregate identifier.
	AggregateID string

	// TenantID is the tenant owning the aggregate.
	TenantID string

	// Version is the highest stored sequence number.
	Version int64

	// EventCount is the number of stored events.
	EventCount int64

	// CreatedAt is when the first event was stored.
	CreatedAt time.Time

	// UpdatedAt is when the last event was stored.
	UpdatedAt time.Time
}

// EventStoreAdapter is the interface that storage backends must implement.
type EventStoreAdapter interface {
	// Append stores events for the aggregate with optimistic concurrency control.
	// expectedVersion specifies the expected current version of the log:
	//   - AnyVersion (-1): Skip version check
	//   - NoStream (0): Log must be empty
	//   - StreamExists (-2): Log must not be empty
	//   - Any positive number: Log must be at this exact version
	// Each record's Sequence must continue the log without gaps or duplicates.
	Append(ctx context.Context, aggregateID, tenantID string, events []EventRecord, expectedVersion int64) ([]StoredEvent, error)

	// Load retrieves the aggregate's events with a sequence greater than
	// fromSequence, ordered by sequence. Use fromSequence=0 to load everything.
	Load(ctx context.Context, aggregateID string, fromSequence int64) ([]StoredEvent, error)

	// GetStreamInfo returns metadata about the aggregate's log.
	// Returns ErrStreamNotFound if no events exist.
	GetStreamInfo(ctx context.Context, aggregateID string) (*StreamInfo, error)

	// Initialize sets up the required storage schema.
	Initialize(ctx context.Context) error

	// Close releases any resources held by the adapter.
	Close() error
}

// SnapshotRecord is a stored point-in-time serialization of aggregate state.
type SnapshotRecord struct {
	// AggregateID is the aggregate identifier.
	AggregateID string

	// TenantID is the tenant owning the aggregate.
	TenantID string

	// Sequence is the aggregate version the snapshot reflects.
	Sequence int64

	// SchemaVersion identifies the layout of Data.
	SchemaVersion int

	// Data is the serialized state.
	Data []byte

	// CreatedAt is when the snapshot was stored.
	CreatedAt time.Time
}

// SnapshotAdapter stores aggregate snapshots for faster loading.
type SnapshotAdapter interface {
	// SaveSnapshot stores a snapshot, replacing any previous one for the aggregate.
	SaveSnapshot(ctx context.Context, snapshot SnapshotRecord) error

	// LoadSnapshot retrieves the latest snapshot for the aggregate.
	// Returns nil, nil if no snapshot exists.
	LoadSnapshot(ctx context.Context, aggregateID string) (*SnapshotRecord, error)

	// DeleteSnapshot removes the snapshot for the aggregate.
	DeleteSnapshot(ctx context.Context, aggregateID string) error
}

// HealthChecker provides health check capabilities.
type HealthChecker interface {
	// Ping checks if the adapter can reach its backend.
	Ping(ctx context.Context) error
}
