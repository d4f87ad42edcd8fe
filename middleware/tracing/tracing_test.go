package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/kestrel-es/kestrel"
	"github.com/kestrel-es/kestrel/adapters"
	"github.com/kestrel-es/kestrel/adapters/memory"
)

// =============================================================================
// Test Helpers
// =============================================================================

type counter struct {
	N int `json:"n"`
}

type Incremented struct {
	kestrel.EventHeader
	By int `json:"by"`
}

// eventsOnly hides the memory adapter's snapshot and health-check support.
type eventsOnly struct {
	adapters.EventStoreAdapter
}

type failingAdapter struct {
	adapters.EventStoreAdapter
	err error
}

func (f failingAdapter) Load(context.Context, string, int64) ([]adapters.StoredEvent, error) {
	return nil, f.err
}

func setupTestTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return NewTracer(WithTracerProvider(tp)), exporter
}

func records(from int64, types ...string) []adapters.EventRecord {
	out := make([]adapters.EventRecord, len(types))
	for i, typ := range types {
		out[i] = adapters.EventRecord{Type: typ, Data: []byte(`{"by":1}`), Sequence: from + int64(i)}
	}
	return out
}

func attrs(span tracetest.SpanStub) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(span.Attributes))
	for _, kv := range span.Attributes {
		out[kv.Key] = kv.Value
	}
	return out
}

func spanNames(spans tracetest.SpanStubs) []string {
	names := make([]string, len(spans))
	for i, s := range spans {
		names[i] = s.Name
	}
	return names
}

// =============================================================================
// Tracer Tests
// =============================================================================

func TestNewTracer(t *testing.T) {
	t.Run("creates tracer with defaults", func(t *testing.T) {
		tracer := NewTracer()

		assert.NotNil(t, tracer)
		assert.Equal(t, DefaultServiceName, tracer.ServiceName())
		assert.NotNil(t, tracer.Tracer())
	})

	t.Run("with custom service name", func(t *testing.T) {
		tracer := NewTracer(WithServiceName("accounts"))

		assert.Equal(t, "accounts", tracer.ServiceName())
	})
}

func TestTracer_StartSpan(t *testing.T) {
	tracer, exporter := setupTestTracer(t)

	ctx, span := tracer.StartSpan(context.Background(), "test-span")
	span.End()

	assert.NotNil(t, ctx)
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "test-span", spans[0].Name)
}

// =============================================================================
// Event Store Middleware Tests
// =============================================================================

func TestEventStoreMiddleware_Append(t *testing.T) {
	ctx := context.Background()

	t.Run("records aggregate, version and event count", func(t *testing.T) {
		tracer, exporter := setupTestTracer(t)
		store := NewEventStoreMiddleware(memory.NewAdapter(), tracer)

		in := records(1, "Incremented", "Incremented")
		in[0].Metadata.CorrelationID = "corr-1"
		_, err := store.Append(ctx, "c-1", "tenant-a", in, adapters.NoStream)
		require.NoError(t, err)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		span := spans[0]
		assert.Equal(t, SpanAppend, span.Name)
		assert.Equal(t, codes.Ok, span.Status.Code)

		a := attrs(span)
		assert.Equal(t, "c-1", a[AttrAggregateID].AsString())
		assert.Equal(t, "tenant-a", a[AttrTenantID].AsString())
		assert.Equal(t, int64(0), a[AttrExpectedVersion].AsInt64())
		assert.Equal(t, int64(2), a[AttrEventCount].AsInt64())
		assert.Equal(t, []string{"Incremented", "Incremented"}, a[AttrEventTypes].AsStringSlice())
		assert.Equal(t, "corr-1", a[AttrCorrelationID].AsString())
		assert.Equal(t, int64(2), a[AttrStoredVersion].AsInt64())
		assert.Equal(t, DefaultServiceName, a[AttrService].AsString())
	})

	t.Run("marks conflicts as errors", func(t *testing.T) {
		tracer, exporter := setupTestTracer(t)
		store := NewEventStoreMiddleware(memory.NewAdapter(), tracer)

		_, err := store.Append(ctx, "c-1", "", records(1, "Incremented"), adapters.NoStream)
		require.NoError(t, err)
		_, err = store.Append(ctx, "c-1", "", records(2, "Incremented"), adapters.NoStream)
		require.ErrorIs(t, err, adapters.ErrConcurrencyConflict)

		spans := exporter.GetSpans()
		require.Len(t, spans, 2)
		failed := spans[1]
		assert.Equal(t, codes.Error, failed.Status.Code)
		require.Len(t, failed.Events, 1)
		assert.Equal(t, "exception", failed.Events[0].Name)
		_, stored := attrs(failed)[AttrStoredVersion]
		assert.False(t, stored)
	})
}

func TestEventStoreMiddleware_Load(t *testing.T) {
	ctx := context.Background()

	t.Run("records loaded count", func(t *testing.T) {
		tracer, exporter := setupTestTracer(t)
		adapter := memory.NewAdapter()
		_, err := adapter.Append(ctx, "c-1", "", records(1, "Incremented", "Incremented", "Incremented"), adapters.NoStream)
		require.NoError(t, err)
		store := NewEventStoreMiddleware(adapter, tracer)

		events, err := store.Load(ctx, "c-1", 1)
		require.NoError(t, err)
		assert.Len(t, events, 2)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		a := attrs(spans[0])
		assert.Equal(t, SpanLoad, spans[0].Name)
		assert.Equal(t, int64(1), a[AttrFromSequence].AsInt64())
		assert.Equal(t, int64(2), a[AttrEventCount].AsInt64())
	})

	t.Run("records failures", func(t *testing.T) {
		tracer, exporter := setupTestTracer(t)
		boom := errors.New("disk on fire")
		store := NewEventStoreMiddleware(failingAdapter{EventStoreAdapter: memory.NewAdapter(), err: boom}, tracer)

		_, err := store.Load(ctx, "c-1", 0)
		require.ErrorIs(t, err, boom)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status.Code)
		assert.Equal(t, "disk on fire", spans[0].Status.Description)
	})
}

func TestEventStoreMiddleware_StreamInfoAndInitialize(t *testing.T) {
	ctx := context.Background()
	tracer, exporter := setupTestTracer(t)
	store := NewEventStoreMiddleware(memory.NewAdapter(), tracer)

	require.NoError(t, store.Initialize(ctx))
	_, err := store.GetStreamInfo(ctx, "missing")
	require.ErrorIs(t, err, adapters.ErrStreamNotFound)

	spans := exporter.GetSpans()
	assert.Equal(t, []string{SpanInitialize, SpanGetStreamInfo}, spanNames(spans))
	assert.Equal(t, codes.Error, spans[1].Status.Code)
}

func TestEventStoreMiddleware_Snapshots(t *testing.T) {
	ctx := context.Background()

	t.Run("traces snapshot round trip", func(t *testing.T) {
		tracer, exporter := setupTestTracer(t)
		store := NewEventStoreMiddleware(memory.NewAdapter(), tracer)

		snap, err := store.LoadSnapshot(ctx, "c-1")
		require.NoError(t, err)
		assert.Nil(t, snap)

		require.NoError(t, store.SaveSnapshot(ctx, adapters.SnapshotRecord{
			AggregateID: "c-1", Sequence: 4, SchemaVersion: 2, Data: []byte(`{"n":4}`),
		}))
		snap, err = store.LoadSnapshot(ctx, "c-1")
		require.NoError(t, err)
		require.NotNil(t, snap)
		require.NoError(t, store.DeleteSnapshot(ctx, "c-1"))

		spans := exporter.GetSpans()
		assert.Equal(t, []string{SpanLoadSnapshot, SpanSaveSnapshot, SpanLoadSnapshot, SpanDeleteSnapshot}, spanNames(spans))
		assert.False(t, attrs(spans[0])[AttrSnapshotFound].AsBool())
		found := attrs(spans[2])
		assert.True(t, found[AttrSnapshotFound].AsBool())
		assert.Equal(t, int64(4), found[AttrSnapshotSeq].AsInt64())
		assert.Equal(t, int64(2), found[AttrSnapshotSchema].AsInt64())
	})

	t.Run("reports unsupported snapshots", func(t *testing.T) {
		tracer, exporter := setupTestTracer(t)
		store := NewEventStoreMiddleware(eventsOnly{memory.NewAdapter()}, tracer)

		_, err := store.LoadSnapshot(ctx, "c-1")
		assert.ErrorIs(t, err, kestrel.ErrSnapshotsNotSupported)
		assert.ErrorIs(t, store.SaveSnapshot(ctx, adapters.SnapshotRecord{AggregateID: "c-1"}), kestrel.ErrSnapshotsNotSupported)
		assert.ErrorIs(t, store.DeleteSnapshot(ctx, "c-1"), kestrel.ErrSnapshotsNotSupported)

		for _, span := range exporter.GetSpans() {
			assert.Equal(t, codes.Error, span.Status.Code, span.Name)
		}
	})
}

func TestEventStoreMiddleware_Ping(t *testing.T) {
	ctx := context.Background()

	t.Run("forwards to health checker", func(t *testing.T) {
		tracer, exporter := setupTestTracer(t)
		adapter := memory.NewAdapter()
		store := NewEventStoreMiddleware(adapter, tracer)

		require.NoError(t, store.Ping(ctx))
		require.NoError(t, adapter.Close())
		assert.ErrorIs(t, store.Ping(ctx), adapters.ErrAdapterClosed)
		assert.Equal(t, []string{SpanPing, SpanPing}, spanNames(exporter.GetSpans()))
	})

	t.Run("treats adapters without health check as healthy", func(t *testing.T) {
		tracer, exporter := setupTestTracer(t)
		store := NewEventStoreMiddleware(eventsOnly{memory.NewAdapter()}, tracer)

		require.NoError(t, store.Ping(ctx))
		assert.Empty(t, exporter.GetSpans())
	})
}

func TestEventStoreMiddleware_WithRepository(t *testing.T) {
	ctx := context.Background()
	tracer, exporter := setupTestTracer(t)
	adapter := memory.NewAdapter()

	d := kestrel.NewDispatcher[counter]()
	kestrel.On(d, func(s counter, e Incremented) (counter, error) {
		s.N += e.By
		return s, nil
	})
	store := kestrel.New(NewEventStoreMiddleware(adapter, tracer))
	store.RegisterEvents(Incremented{})
	repo := kestrel.NewRepository(store, d, kestrel.NewJSONSnapshotCodec[counter](1), kestrel.WithSnapshotEvery(2))

	root := repo.New("c-1")
	require.NoError(t, root.Execute(func(counter) ([]kestrel.Event, error) {
		return []kestrel.Event{Incremented{By: 2}, Incremented{By: 3}}, nil
	}))
	require.NoError(t, repo.Save(ctx, root))

	exporter.Reset()
	loaded, err := repo.Load(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.State().N)

	assert.Equal(t, []string{SpanLoadSnapshot, SpanLoad}, spanNames(exporter.GetSpans()))
}

func TestNewEventStoreMiddleware_NilTracer(t *testing.T) {
	store := NewEventStoreMiddleware(memory.NewAdapter(), nil)

	assert.NotNil(t, store.tracer)
	assert.IsType(t, &memory.MemoryAdapter{}, store.Unwrap())
}

// =============================================================================
// Span Helper Tests
// =============================================================================

func TestSpanHelpers(t *testing.T) {
	tracer, exporter := setupTestTracer(t)

	ctx, span := tracer.StartSpan(context.Background(), "helpers")
	assert.Equal(t, span, SpanFromContext(ctx))
	AddEvent(ctx, "checkpoint")
	SetAttributes(ctx, attribute.String("custom", "value"))
	SetError(ctx, errors.New("failed"))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	got := spans[0]
	assert.Equal(t, codes.Error, got.Status.Code)
	assert.Equal(t, "value", attrs(got)["custom"].AsString())
	require.Len(t, got.Events, 2)
	assert.Equal(t, "checkpoint", got.Events[0].Name)
}
