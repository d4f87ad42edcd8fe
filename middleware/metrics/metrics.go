// Package metrics provides Prometheus metrics for kestrel.
//
// Basic usage:
//
//	m := metrics.New(metrics.WithMetricsServiceName("accounts"))
//	m.MustRegister()
//
//	store := kestrel.New(m.WrapEventStore(adapter))
//	repo := kestrel.NewRepository(store, dispatcher, codec,
//		kestrel.WithReplayObserver(m))
//
// The metrics collected include:
//   - Event store operations (append, load, snapshots) with durations
//   - Events appended by type and events loaded
//   - Concurrency conflicts
//   - Aggregate reconstructions (replayed events, duration, snapshot hits)
//   - Integrity failures by kind
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrel-es/kestrel"
	"github.com/kestrel-es/kestrel/adapters"
)

// Default metric labels.
const (
	LabelEventType = "event_type"
	LabelOperation = "operation"
	LabelStatus    = "status"
	LabelErrorType = "error_type"
	LabelSource    = "source"
	LabelKind      = "kind"
	LabelService   = "service"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation values.
const (
	OperationAppend         = "append"
	OperationLoad           = "load"
	OperationGetStreamInfo  = "get_stream_info"
	OperationSaveSnapshot   = "save_snapshot"
	OperationLoadSnapshot   = "load_snapshot"
	OperationDeleteSnapshot = "delete_snapshot"
)

// Replay sources.
const (
	SourceSnapshot = "snapshot"
	SourceFull     = "full"
)

var _ kestrel.ReplayObserver = (*Metrics)(nil)

// Metrics holds all Prometheus metrics for kestrel.
type Metrics struct {
	namespace   string
	subsystem   string
	serviceName string

	// Event store metrics
	eventStoreOperationsTotal   *prometheus.CounterVec
	eventStoreOperationDuration *prometheus.HistogramVec
	eventsAppendedTotal         *prometheus.CounterVec
	eventsLoadedTotal           *prometheus.CounterVec
	conflictsTotal              *prometheus.CounterVec

	// Reconstruction metrics
	replaysTotal         *prometheus.CounterVec
	replayDuration       *prometheus.HistogramVec
	replayedEventsTotal  *prometheus.CounterVec
	integrityErrorsTotal *prometheus.CounterVec

	// Error metrics
	errorsTotal *prometheus.CounterVec
}

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithNamespace sets the Prometheus namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(m *Metrics) {
		m.namespace = namespace
	}
}

// WithSubsystem sets the Prometheus subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(m *Metrics) {
		m.subsystem = subsystem
	}
}

// WithMetricsServiceName sets the service name label.
func WithMetricsServiceName(name string) MetricsOption {
	return func(m *Metrics) {
		m.serviceName = name
	}
}

// New creates a new Metrics instance with default settings.
func New(opts ...MetricsOption) *Metrics {
	m := &Metrics{
		namespace:   "kestrel",
		serviceName: "unknown",
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initMetrics()
	return m
}

func (m *Metrics) counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) histogram(name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, append([]string{LabelService}, labels...))
}

// initMetrics initializes all Prometheus metrics.
func (m *Metrics) initMetrics() {
	m.eventStoreOperationsTotal = m.counter("eventstore_operations_total",
		"Total number of event store operations.", LabelOperation, LabelStatus)
	m.eventStoreOperationDuration = m.histogram("eventstore_operation_duration_seconds",
		"Duration of event store operations in seconds.", LabelOperation)
	m.eventsAppendedTotal = m.counter("events_appended_total",
		"Total number of events appended to aggregate logs.", LabelEventType)
	m.eventsLoadedTotal = m.counter("events_loaded_total",
		"Total number of events loaded from aggregate logs.")
	m.conflictsTotal = m.counter("concurrency_conflicts_total",
		"Total number of appends rejected by optimistic concurrency control.")

	m.replaysTotal = m.counter("replays_total",
		"Total number of aggregate reconstructions.", LabelSource)
	m.replayDuration = m.histogram("replay_duration_seconds",
		"Duration of aggregate reconstructions in seconds.", LabelSource)
	m.replayedEventsTotal = m.counter("replayed_events_total",
		"Total number of events applied during reconstructions.")
	m.integrityErrorsTotal = m.counter("integrity_errors_total",
		"Total number of histories rejected as corrupt.", LabelKind)

	m.errorsTotal = m.counter("errors_total",
		"Total number of errors by type.", LabelErrorType)
}

// Collectors returns all Prometheus collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.eventStoreOperationsTotal,
		m.eventStoreOperationDuration,
		m.eventsAppendedTotal,
		m.eventsLoadedTotal,
		m.conflictsTotal,
		m.replaysTotal,
		m.replayDuration,
		m.replayedEventsTotal,
		m.integrityErrorsTotal,
		m.errorsTotal,
	}
}

// MustRegister registers all collectors with the default registry.
// Panics if registration fails.
func (m *Metrics) MustRegister() {
	prometheus.MustRegister(m.Collectors()...)
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, collector := range m.Collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Replay observer
// =============================================================================

// ObserveReplay implements kestrel.ReplayObserver.
func (m *Metrics) ObserveReplay(events int, fromSnapshot bool, duration time.Duration) {
	source := SourceFull
	if fromSnapshot {
		source = SourceSnapshot
	}
	m.replaysTotal.WithLabelValues(m.serviceName, source).Inc()
	m.replayDuration.WithLabelValues(m.serviceName, source).Observe(duration.Seconds())
	m.replayedEventsTotal.WithLabelValues(m.serviceName).Add(float64(events))
}

// RecordIntegrityError implements kestrel.ReplayObserver.
func (m *Metrics) RecordIntegrityError(kind string) {
	m.integrityErrorsTotal.WithLabelValues(m.serviceName, kind).Inc()
}

// RecordError records a custom error.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.WithLabelValues(m.serviceName, errorType).Inc()
}

// errorTypeName extracts the error type name based on sentinel errors.
func errorTypeName(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, kestrel.ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, kestrel.ErrDataIntegrity):
		if kind, ok := kestrel.IntegrityKindOf(err); ok {
			return kind.String()
		}
		return "data_integrity"
	case errors.Is(err, kestrel.ErrStreamNotFound):
		return "stream_not_found"
	case errors.Is(err, kestrel.ErrSerializationFailed):
		return "serialization_failed"
	case errors.Is(err, kestrel.ErrEventTypeNotRegistered):
		return "event_type_not_registered"
	case errors.Is(err, kestrel.ErrSnapshotsNotSupported):
		return "snapshots_not_supported"
	case errors.Is(err, adapters.ErrEmptyAggregateID):
		return "empty_aggregate_id"
	case errors.Is(err, adapters.ErrNoEvents):
		return "no_events"
	case errors.Is(err, adapters.ErrInvalidVersion):
		return "invalid_version"
	case errors.Is(err, adapters.ErrAdapterClosed):
		return "adapter_closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "context"
	default:
		return "unknown"
	}
}

// =============================================================================
// Event Store Middleware
// =============================================================================

// EventStoreMiddleware wraps an EventStoreAdapter with metrics. It also
// implements SnapshotAdapter and HealthChecker, forwarding to the wrapped
// adapter when it supports them.
type EventStoreMiddleware struct {
	adapter adapters.EventStoreAdapter
	metrics *Metrics
}

var (
	_ adapters.EventStoreAdapter = (*EventStoreMiddleware)(nil)
	_ adapters.SnapshotAdapter   = (*EventStoreMiddleware)(nil)
	_ adapters.HealthChecker     = (*EventStoreMiddleware)(nil)
)

// WrapEventStore wraps an adapter with metrics collection.
func (m *Metrics) WrapEventStore(adapter adapters.EventStoreAdapter) *EventStoreMiddleware {
	return &EventStoreMiddleware{
		adapter: adapter,
		metrics: m,
	}
}

// Unwrap returns the wrapped adapter.
func (em *EventStoreMiddleware) Unwrap() adapters.EventStoreAdapter {
	return em.adapter
}

func (em *EventStoreMiddleware) observe(operation string, start time.Time, err error) {
	m := em.metrics
	m.eventStoreOperationDuration.WithLabelValues(m.serviceName, operation).Observe(time.Since(start).Seconds())

	status := StatusSuccess
	if err != nil {
		status = StatusError
		m.errorsTotal.WithLabelValues(m.serviceName, errorTypeName(err)).Inc()
	}
	m.eventStoreOperationsTotal.WithLabelValues(m.serviceName, operation, status).Inc()
}

// Append stores events with metrics.
func (em *EventStoreMiddleware) Append(ctx context.Context, aggregateID, tenantID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	start := time.Now()
	stored, err := em.adapter.Append(ctx, aggregateID, tenantID, events, expectedVersion)
	em.observe(OperationAppend, start, err)

	m := em.metrics
	switch {
	case err == nil:
		for _, e := range events {
			m.eventsAppendedTotal.WithLabelValues(m.serviceName, e.Type).Inc()
		}
	case errors.Is(err, adapters.ErrConcurrencyConflict):
		m.conflictsTotal.WithLabelValues(m.serviceName).Inc()
	}

	return stored, err
}

// Load retrieves events with metrics.
func (em *EventStoreMiddleware) Load(ctx context.Context, aggregateID string, fromSequence int64) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := em.adapter.Load(ctx, aggregateID, fromSequence)
	em.observe(OperationLoad, start, err)

	if err == nil {
		em.metrics.eventsLoadedTotal.WithLabelValues(em.metrics.serviceName).Add(float64(len(events)))
	}

	return events, err
}

// GetStreamInfo returns stream metadata with metrics.
func (em *EventStoreMiddleware) GetStreamInfo(ctx context.Context, aggregateID string) (*adapters.StreamInfo, error) {
	start := time.Now()
	info, err := em.adapter.GetStreamInfo(ctx, aggregateID)
	em.observe(OperationGetStreamInfo, start, err)
	return info, err
}

// Initialize initializes the wrapped adapter.
func (em *EventStoreMiddleware) Initialize(ctx context.Context) error {
	return em.adapter.Initialize(ctx)
}

// Close closes the wrapped adapter.
func (em *EventStoreMiddleware) Close() error {
	return em.adapter.Close()
}

// SaveSnapshot stores a snapshot with metrics.
func (em *EventStoreMiddleware) SaveSnapshot(ctx context.Context, snapshot adapters.SnapshotRecord) error {
	sa, ok := em.adapter.(adapters.SnapshotAdapter)
	if !ok {
		return kestrel.ErrSnapshotsNotSupported
	}

	start := time.Now()
	err := sa.SaveSnapshot(ctx, snapshot)
	em.observe(OperationSaveSnapshot, start, err)
	return err
}

// LoadSnapshot loads a snapshot with metrics.
func (em *EventStoreMiddleware) LoadSnapshot(ctx context.Context, aggregateID string) (*adapters.SnapshotRecord, error) {
	sa, ok := em.adapter.(adapters.SnapshotAdapter)
	if !ok {
		return nil, kestrel.ErrSnapshotsNotSupported
	}

	start := time.Now()
	snapshot, err := sa.LoadSnapshot(ctx, aggregateID)
	em.observe(OperationLoadSnapshot, start, err)
	return snapshot, err
}

// DeleteSnapshot deletes a snapshot with metrics.
func (em *EventStoreMiddleware) DeleteSnapshot(ctx context.Context, aggregateID string) error {
	sa, ok := em.adapter.(adapters.SnapshotAdapter)
	if !ok {
		return kestrel.ErrSnapshotsNotSupported
	}

	start := time.Now()
	err := sa.DeleteSnapshot(ctx, aggregateID)
	em.observe(OperationDeleteSnapshot, start, err)
	return err
}

// Ping forwards to the wrapped adapter. Adapters without health checks are
// reported healthy.
func (em *EventStoreMiddleware) Ping(ctx context.Context) error {
	if hc, ok := em.adapter.(adapters.HealthChecker); ok {
		return hc.Ping(ctx)
	}
	return nil
}

// =============================================================================
// Getters for testing
// =============================================================================

// EventStoreOperationsTotal returns the event store operations counter.
func (m *Metrics) EventStoreOperationsTotal() *prometheus.CounterVec {
	return m.eventStoreOperationsTotal
}

// EventStoreOperationDuration returns the event store duration histogram.
func (m *Metrics) EventStoreOperationDuration() *prometheus.HistogramVec {
	return m.eventStoreOperationDuration
}

// EventsAppendedTotal returns the events appended counter.
func (m *Metrics) EventsAppendedTotal() *prometheus.CounterVec {
	return m.eventsAppendedTotal
}

// EventsLoadedTotal returns the events loaded counter.
func (m *Metrics) EventsLoadedTotal() *prometheus.CounterVec {
	return m.eventsLoadedTotal
}

// ConflictsTotal returns the concurrency conflicts counter.
func (m *Metrics) ConflictsTotal() *prometheus.CounterVec {
	return m.conflictsTotal
}

// ReplaysTotal returns the reconstructions counter.
func (m *Metrics) ReplaysTotal() *prometheus.CounterVec {
	return m.replaysTotal
}

// ReplayDuration returns the reconstruction duration histogram.
func (m *Metrics) ReplayDuration() *prometheus.HistogramVec {
	return m.replayDuration
}

// ReplayedEventsTotal returns the replayed events counter.
func (m *Metrics) ReplayedEventsTotal() *prometheus.CounterVec {
	return m.replayedEventsTotal
}

// IntegrityErrorsTotal returns the integrity failures counter.
func (m *Metrics) IntegrityErrorsTotal() *prometheus.CounterVec {
	return m.integrityErrorsTotal
}

// ErrorsTotal returns the errors counter.
func (m *Metrics) ErrorsTotal() *prometheus.CounterVec {
	return m.errorsTotal
}
