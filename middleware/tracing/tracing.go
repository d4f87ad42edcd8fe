// Package tracing provides OpenTelemetry integration for kestrel.
//
// The middleware wraps an event store adapter so that every storage round
// trip of a repository Load or Update shows up as a client span:
//
//	tp := sdktrace.NewTracerProvider(...)
//	otel.SetTracerProvider(tp)
//
//	tracer := tracing.NewTracer()
//	store := kestrel.New(tracing.NewEventStoreMiddleware(adapter, tracer))
//
// Spans carry the aggregate id, the expected version and the number of events
// involved. Failed operations record the error and set an error status.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrel-es/kestrel"
	"github.com/kestrel-es/kestrel/adapters"
)

const (
	// TracerName is the instrumentation name of the kestrel tracer.
	TracerName = "github.com/kestrel-es/kestrel"

	// DefaultServiceName is the default service name for spans.
	DefaultServiceName = "kestrel"
)

// Span names.
const (
	SpanAppend         = "eventstore.append"
	SpanLoad           = "eventstore.load"
	SpanGetStreamInfo  = "eventstore.get_stream_info"
	SpanInitialize     = "eventstore.initialize"
	SpanSaveSnapshot   = "eventstore.save_snapshot"
	SpanLoadSnapshot   = "eventstore.load_snapshot"
	SpanDeleteSnapshot = "eventstore.delete_snapshot"
	SpanPing           = "eventstore.ping"
)

// Attribute keys.
const (
	AttrService         = attribute.Key("kestrel.service")
	AttrAggregateID     = attribute.Key("kestrel.aggregate_id")
	AttrTenantID        = attribute.Key("kestrel.tenant_id")
	AttrExpectedVersion = attribute.Key("kestrel.expected_version")
	AttrFromSequence    = attribute.Key("kestrel.from_sequence")
	AttrEventCount      = attribute.Key("kestrel.event_count")
	AttrEventTypes      = attribute.Key("kestrel.event_types")
	AttrCorrelationID   = attribute.Key("kestrel.correlation_id")
	AttrStoredVersion   = attribute.Key("kestrel.stored.version")
	AttrGlobalPosition  = attribute.Key("kestrel.stored.global_position")
	AttrStreamVersion   = attribute.Key("kestrel.stream.version")
	AttrSnapshotFound   = attribute.Key("kestrel.snapshot.found")
	AttrSnapshotSeq     = attribute.Key("kestrel.snapshot.sequence")
	AttrSnapshotSchema  = attribute.Key("kestrel.snapshot.schema_version")
)

// Tracer wraps an OpenTelemetry tracer for kestrel operations.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider sets a custom TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(TracerName)
	}
}

// WithServiceName sets the service name for spans.
func WithServiceName(name string) TracerOption {
	return func(t *Tracer) {
		t.serviceName = name
	}
}

// NewTracer creates a new Tracer with the global TracerProvider.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		tracer:      otel.Tracer(TracerName),
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Tracer returns the underlying OpenTelemetry tracer.
func (t *Tracer) Tracer() trace.Tracer {
	return t.tracer
}

// ServiceName returns the configured service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

// =============================================================================
// Event Store Middleware
// =============================================================================

// EventStoreMiddleware wraps an EventStoreAdapter with tracing.
// Snapshot and health-check calls are traced when the wrapped adapter
// supports them.
type EventStoreMiddleware struct {
	adapter adapters.EventStoreAdapter
	tracer  *Tracer
}

var (
	_ adapters.EventStoreAdapter = (*EventStoreMiddleware)(nil)
	_ adapters.SnapshotAdapter   = (*EventStoreMiddleware)(nil)
	_ adapters.HealthChecker     = (*EventStoreMiddleware)(nil)
)

// NewEventStoreMiddleware wraps an adapter with tracing.
func NewEventStoreMiddleware(adapter adapters.EventStoreAdapter, tracer *Tracer) *EventStoreMiddleware {
	if tracer == nil {
		tracer = NewTracer()
	}
	return &EventStoreMiddleware{
		adapter: adapter,
		tracer:  tracer,
	}
}

// Unwrap returns the wrapped adapter.
func (m *EventStoreMiddleware) Unwrap() adapters.EventStoreAdapter {
	return m.adapter
}

func (m *EventStoreMiddleware) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := m.tracer.StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(AttrService.String(m.tracer.serviceName))
	span.SetAttributes(attrs...)
	return ctx, span
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// Append stores events with tracing.
func (m *EventStoreMiddleware) Append(ctx context.Context, aggregateID, tenantID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, SpanAppend,
		AttrAggregateID.String(aggregateID),
		AttrTenantID.String(tenantID),
		AttrExpectedVersion.Int64(expectedVersion),
		AttrEventCount.Int(len(events)),
	)
	defer span.End()

	if len(events) > 0 {
		types := make([]string, len(events))
		for i, e := range events {
			types[i] = e.Type
		}
		span.SetAttributes(AttrEventTypes.StringSlice(types))
		if id := events[0].Metadata.CorrelationID; id != "" {
			span.SetAttributes(AttrCorrelationID.String(id))
		}
	}

	stored, err := m.adapter.Append(ctx, aggregateID, tenantID, events, expectedVersion)
	finish(span, err)
	if err == nil && len(stored) > 0 {
		last := stored[len(stored)-1]
		span.SetAttributes(
			AttrStoredVersion.Int64(last.Sequence),
			AttrGlobalPosition.Int64(int64(last.GlobalPosition)),
		)
	}
	return stored, err
}

// Load retrieves events with tracing.
func (m *EventStoreMiddleware) Load(ctx context.Context, aggregateID string, fromSequence int64) ([]adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, SpanLoad,
		AttrAggregateID.String(aggregateID),
		AttrFromSequence.Int64(fromSequence),
	)
	defer span.End()

	events, err := m.adapter.Load(ctx, aggregateID, fromSequence)
	finish(span, err)
	if err == nil {
		span.SetAttributes(AttrEventCount.Int(len(events)))
	}
	return events, err
}

// GetStreamInfo returns stream metadata with tracing.
func (m *EventStoreMiddleware) GetStreamInfo(ctx context.Context, aggregateID string) (*adapters.StreamInfo, error) {
	ctx, span := m.start(ctx, SpanGetStreamInfo, AttrAggregateID.String(aggregateID))
	defer span.End()

	info, err := m.adapter.GetStreamInfo(ctx, aggregateID)
	finish(span, err)
	if err == nil && info != nil {
		span.SetAttributes(AttrStreamVersion.Int64(info.Version))
	}
	return info, err
}

// Initialize initializes the adapter with tracing.
func (m *EventStoreMiddleware) Initialize(ctx context.Context) error {
	ctx, span := m.start(ctx, SpanInitialize)
	defer span.End()

	err := m.adapter.Initialize(ctx)
	finish(span, err)
	return err
}

// Close closes the wrapped adapter.
func (m *EventStoreMiddleware) Close() error {
	return m.adapter.Close()
}

// SaveSnapshot stores a snapshot with tracing.
func (m *EventStoreMiddleware) SaveSnapshot(ctx context.Context, snapshot adapters.SnapshotRecord) error {
	ctx, span := m.start(ctx, SpanSaveSnapshot,
		AttrAggregateID.String(snapshot.AggregateID),
		AttrSnapshotSeq.Int64(snapshot.Sequence),
		AttrSnapshotSchema.Int(snapshot.SchemaVersion),
	)
	defer span.End()

	sa, ok := m.adapter.(adapters.SnapshotAdapter)
	if !ok {
		finish(span, kestrel.ErrSnapshotsNotSupported)
		return kestrel.ErrSnapshotsNotSupported
	}
	err := sa.SaveSnapshot(ctx, snapshot)
	finish(span, err)
	return err
}

// LoadSnapshot loads a snapshot with tracing.
func (m *EventStoreMiddleware) LoadSnapshot(ctx context.Context, aggregateID string) (*adapters.SnapshotRecord, error) {
	ctx, span := m.start(ctx, SpanLoadSnapshot, AttrAggregateID.String(aggregateID))
	defer span.End()

	sa, ok := m.adapter.(adapters.SnapshotAdapter)
	if !ok {
		finish(span, kestrel.ErrSnapshotsNotSupported)
		return nil, kestrel.ErrSnapshotsNotSupported
	}
	snapshot, err := sa.LoadSnapshot(ctx, aggregateID)
	finish(span, err)
	if err == nil {
		span.SetAttributes(AttrSnapshotFound.Bool(snapshot != nil))
		if snapshot != nil {
			span.SetAttributes(
				AttrSnapshotSeq.Int64(snapshot.Sequence),
				AttrSnapshotSchema.Int(snapshot.SchemaVersion),
			)
		}
	}
	return snapshot, err
}

// DeleteSnapshot deletes a snapshot with tracing.
func (m *EventStoreMiddleware) DeleteSnapshot(ctx context.Context, aggregateID string) error {
	ctx, span := m.start(ctx, SpanDeleteSnapshot, AttrAggregateID.String(aggregateID))
	defer span.End()

	sa, ok := m.adapter.(adapters.SnapshotAdapter)
	if !ok {
		finish(span, kestrel.ErrSnapshotsNotSupported)
		return kestrel.ErrSnapshotsNotSupported
	}
	err := sa.DeleteSnapshot(ctx, aggregateID)
	finish(span, err)
	return err
}

// Ping forwards to the wrapped adapter. Adapters without health checks are
// reported healthy and produce no span.
func (m *EventStoreMiddleware) Ping(ctx context.Context) error {
	hc, ok := m.adapter.(adapters.HealthChecker)
	if !ok {
		return nil
	}
	ctx, span := m.start(ctx, SpanPing)
	defer span.End()

	err := hc.Ping(ctx)
	finish(span, err)
	return err
}

// =============================================================================
// Span Helpers
// =============================================================================

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, opts ...trace.EventOption) {
	trace.SpanFromContext(ctx).AddEvent(name, opts...)
}

// SetError records err on the current span and marks it failed.
func SetError(ctx context.Context, err error) {
	finish(trace.SpanFromContext(ctx), err)
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
