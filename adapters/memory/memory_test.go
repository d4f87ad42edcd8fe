package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-es/kestrel/adapters"
)

func records(from int64, types ...string) []adapters.EventRecord {
	out := make([]adapters.EventRecord, len(types))
	for i, typ := range types {
		out[i] = adapters.EventRecord{
			Type:     typ,
			Data:     []byte(`{}`),
			Sequence: from + int64(i),
		}
	}
	return out
}

func TestNewAdapter(t *testing.T) {
	t.Run("creates adapter with defaults", func(t *testing.T) {
		adapter := NewAdapter()

		assert.NotNil(t, adapter)
		assert.Equal(t, 0, adapter.EventCount())
		assert.Equal(t, 0, adapter.StreamCount())
	})

	t.Run("uses injected clock", func(t *testing.T) {
		fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		adapter := NewAdapter(WithClock(func() time.Time { return fixed }))

		stored, err := adapter.Append(context.Background(), "acc-1", "", records(1, "AccountCreated"), NoStream)

		require.NoError(t, err)
		assert.Equal(t, fixed, stored[0].StoredAt)
	})
}

func TestMemoryAdapter_Initialize(t *testing.T) {
	adapter := NewAdapter()

	assert.NoError(t, adapter.Initialize(context.Background()))
}

func TestMemoryAdapter_Append(t *testing.T) {
	ctx := context.Background()

	t.Run("append to new stream", func(t *testing.T) {
		adapter := NewAdapter()
		occurred := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		events := []adapters.EventRecord{{
			Type:       "AccountCreated",
			Data:       []byte(`{"email":"a@example.com"}`),
			Sequence:   1,
			ActorID:    "admin",
			OccurredAt: occurred,
		}}

		stored, err := adapter.Append(ctx, "acc-1", "tenant-a", events, NoStream)

		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.NotEmpty(t, stored[0].ID)
		assert.Equal(t, "acc-1", stored[0].AggregateID)
		assert.Equal(t, "tenant-a", stored[0].TenantID)
		assert.Equal(t, "AccountCreated", stored[0].Type)
		assert.Equal(t, int64(1), stored[0].Sequence)
		assert.Equal(t, "admin", stored[0].ActorID)
		assert.Equal(t, occurred, stored[0].OccurredAt)
		assert.Equal(t, uint64(1), stored[0].GlobalPosition)
	})

	t.Run("append continues an existing stream", func(t *testing.T) {
		adapter := NewAdapter()
		_, err := adapter.Append(ctx, "acc-1", "", records(1, "AccountCreated"), NoStream)
		require.NoError(t, err)

		stored, err := adapter.Append(ctx, "acc-1", "", records(2, "AccountActivated", "RoleAssigned"), 1)

		require.NoError(t, err)
		require.Len(t, stored, 2)
		assert.Equal(t, int64(2), stored[0].Sequence)
		assert.Equal(t, int64(3), stored[1].Sequence)
		assert.Equal(t, 3, adapter.EventCount())
	})

	t.Run("rejects empty aggregate ID", func(t *testing.T) {
		adapter := NewAdapter()

		_, err := adapter.Append(ctx, "", "", records(1, "AccountCreated"), NoStream)

		assert.ErrorIs(t, err, ErrEmptyAggregateID)
	})

	t.Run("rejects empty batch", func(t *testing.T) {
		adapter := NewAdapter()

		_, err := adapter.Append(ctx, "acc-1", "", nil, NoStream)

		assert.ErrorIs(t, err, ErrNoEvents)
	})

	t.Run("stale expected version is a concurrency conflict", func(t *testing.T) {
		adapter := NewAdapter()
		_, err := adapter.Append(ctx, "acc-1", "", records(1, "AccountCreated", "AccountActivated"), NoStream)
		require.NoError(t, err)

		_, err = adapter.Append(ctx, "acc-1", "", records(2, "AccountBlocked"), 1)

		assert.ErrorIs(t, err, ErrConcurrencyConflict)
		var concurrencyErr *adapters.ConcurrencyError
		require.True(t, errors.As(err, &concurrencyErr))
		assert.Equal(t, int64(1), concurrencyErr.ExpectedVersion)
		assert.Equal(t, int64(2), concurrencyErr.ActualVersion)
	})

	t.Run("NoStream on existing stream conflicts", func(t *testing.T) {
		adapter := NewAdapter()
		_, err := adapter.Append(ctx, "acc-1", "", records(1, "AccountCreated"), NoStream)
		require.NoError(t, err)

		_, err = adapter.Append(ctx, "acc-1", "", records(1, "AccountCreated"), NoStream)

		assert.ErrorIs(t, err, ErrConcurrencyConflict)
	})

	t.Run("StreamExists on missing stream", func(t *testing.T) {
		adapter := NewAdapter()

		_, err := adapter.Append(ctx, "acc-1", "", records(1, "AccountCreated"), StreamExists)

		assert.ErrorIs(t, err, ErrStreamNotFound)
	})

	t.Run("sequence gap is a data integrity error", func(t *testing.T) {
		adapter := NewAdapter()
		_, err := adapter.Append(ctx, "acc-1", "", records(1, "AccountCreated"), NoStream)
		require.NoError(t, err)

		_, err = adapter.Append(ctx, "acc-1", "", records(3, "AccountActivated"), AnyVersion)

		assert.ErrorIs(t, err, ErrDataIntegrity)
		assert.Equal(t, 1, adapter.EventCount())
	})

	t.Run("duplicate sequence is a data integrity error", func(t *testing.T) {
		adapter := NewAdapter()
		_, err := adapter.Append(ctx, "acc-1", "", records(1, "AccountCreated"), NoStream)
		require.NoError(t, err)

		_, err = adapter.Append(ctx, "acc-1", "", records(1, "AccountActivated"), AnyVersion)

		assert.ErrorIs(t, err, ErrDataIntegrity)
	})

	t.Run("closed adapter", func(t *testing.T) {
		adapter := NewAdapter()
		require.NoError(t, adapter.Close())

		_, err := adapter.Append(ctx, "acc-1", "", records(1, "AccountCreated"), NoStream)

		assert.ErrorIs(t, err, ErrAdapterClosed)
	})

	t.Run("cancelled context", func(t *testing.T) {
		adapter := NewAdapter()
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := adapter.Append(cancelled, "acc-1", "", records(1, "AccountCreated"), NoStream)

		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryAdapter_ConcurrentAppend(t *testing.T) {
	adapter := NewAdapter()
	ctx := context.Background()
	_, err := adapter.Append(ctx, "acc-1", "", records(1, "AccountCreated"), NoStream)
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := adapter.Append(ctx, "acc-1", "", records(2, "RoleAssigned"), 1)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 2, adapter.EventCount())
}

func TestMemoryAdapter_Load(t *testing.T) {
	ctx := context.Background()

	t.Run("loads all events in order", func(t *testing.T) {
		adapter := NewAdapter()
		_, err := adapter.Append(ctx, "acc-1", "", records(1, "AccountCreated", "AccountActivated", "AccountBlocked"), NoStream)
		require.NoError(t, err)

		events, err := adapter.Load(ctx, "acc-1", 0)

		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, event := range events {
			assert.Equal(t, int64(i+1), event.Sequence)
		}
	})

	t.Run("loads events after a sequence", func(t *testing.T) {
		adapter := NewAdapter()
		_, err := adapter.Append(ctx, "acc-1", "", records(1, "AccountCreated", "AccountActivated", "AccountBlocked"), NoStream)
		require.NoError(t, err)

		events, err := adapter.Load(ctx, "acc-1", 2)

		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "AccountBlocked", events[0].Type)
	})

	t.Run("unknown aggregate yields empty history", func(t *testing.T) {
		adapter := NewAdapter()

		events, err := adapter.Load(ctx, "missing", 0)

		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("streams are independent", func(t *testing.T) {
		adapter := NewAdapter()
		_, err := adapter.Append(ctx, "acc-1", "", records(1, "AccountCreated"), NoStream)
		require.NoError(t, err)
		_, err = adapter.Append(ctx, "acc-2", "", records(1, "AccountCreated", "AccountActivated"), NoStream)
		require.NoError(t, err)

		events, err := adapter.Load(ctx, "acc-1", 0)

		require.NoError(t, err)
		assert.Len(t, events, 1)
		assert.Equal(t, 2, adapter.StreamCount())
	})

	t.Run("empty aggregate ID", func(t *testing.T) {
		adapter := NewAdapter()

		_, err := adapter.Load(ctx, "", 0)

		assert.ErrorIs(t, err, ErrEmptyAggregateID)
	})
}

func TestMemoryAdapter_GetStreamInfo(t *testing.T) {
	ctx := context.Background()

	t.Run("reports version and count", func(t *testing.T) {
		adapter := NewAdapter()
		_, err := adapter.Append(ctx, "acc-1", "tenant-a", records(1, "AccountCreated", "AccountActivated"), NoStream)
		require.NoError(t, err)

		info, err := adapter.GetStreamInfo(ctx, "acc-1")

		require.NoError(t, err)
		assert.Equal(t, "acc-1", info.AggregateID)
		assert.Equal(t, "tenant-a", info.TenantID)
		assert.Equal(t, int64(2), info.Version)
		assert.Equal(t, int64(2), info.EventCount)
	})

	t.Run("missing stream", func(t *testing.T) {
		adapter := NewAdapter()

		_, err := adapter.GetStreamInfo(ctx, "missing")

		assert.ErrorIs(t, err, ErrStreamNotFound)
	})
}

func TestMemoryAdapter_Snapshots(t *testing.T) {
	ctx := context.Background()

	t.Run("no snapshot returns nil", func(t *testing.T) {
		adapter := NewAdapter()

		snapshot, err := adapter.LoadSnapshot(ctx, "acc-1")

		require.NoError(t, err)
		assert.Nil(t, snapshot)
	})

	t.Run("save replaces previous snapshot", func(t *testing.T) {
		adapter := NewAdapter()
		require.NoError(t, adapter.SaveSnapshot(ctx, adapters.SnapshotRecord{AggregateID: "acc-1", Sequence: 2, SchemaVersion: 1, Data: []byte(`{"a":1}`)}))
		require.NoError(t, adapter.SaveSnapshot(ctx, adapters.SnapshotRecord{AggregateID: "acc-1", Sequence: 5, SchemaVersion: 1, Data: []byte(`{"a":2}`)}))

		snapshot, err := adapter.LoadSnapshot(ctx, "acc-1")

		require.NoError(t, err)
		require.NotNil(t, snapshot)
		assert.Equal(t, int64(5), snapshot.Sequence)
		assert.Equal(t, 1, snapshot.SchemaVersion)
		assert.Equal(t, []byte(`{"a":2}`), snapshot.Data)
		assert.False(t, snapshot.CreatedAt.IsZero())
	})

	t.Run("delete", func(t *testing.T) {
		adapter := NewAdapter()
		require.NoError(t, adapter.SaveSnapshot(ctx, adapters.SnapshotRecord{AggregateID: "acc-1", Sequence: 1}))

		require.NoError(t, adapter.DeleteSnapshot(ctx, "acc-1"))

		snapshot, err := adapter.LoadSnapshot(ctx, "acc-1")
		require.NoError(t, err)
		assert.Nil(t, snapshot)
	})

	t.Run("empty aggregate ID", func(t *testing.T) {
		adapter := NewAdapter()

		err := adapter.SaveSnapshot(ctx, adapters.SnapshotRecord{})

		assert.ErrorIs(t, err, ErrEmptyAggregateID)
	})
}

func TestMemoryAdapter_PingAndReset(t *testing.T) {
	ctx := context.Background()
	adapter := NewAdapter()
	for i := 0; i < 3; i++ {
		_, err := adapter.Append(ctx, fmt.Sprintf("acc-%d", i), "", records(1, "AccountCreated"), NoStream)
		require.NoError(t, err)
	}
	require.NoError(t, adapter.Ping(ctx))

	adapter.Reset()

	assert.Equal(t, 0, adapter.EventCount())
	assert.Equal(t, 0, adapter.StreamCount())

	require.NoError(t, adapter.Close())
	assert.ErrorIs(t, adapter.Ping(ctx), ErrAdapterClosed)
}

func TestMemoryAdapter_InjectRaw(t *testing.T) {
	adapter := NewAdapter()

	adapter.InjectRaw("acc-1",
		adapters.StoredEvent{Type: "AccountCreated", Sequence: 1},
		adapters.StoredEvent{Type: "AccountBlocked", Sequence: 3},
	)

	events, err := adapter.Load(context.Background(), "acc-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[1].Sequence)
}
