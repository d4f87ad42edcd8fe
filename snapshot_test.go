package kestrel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONSnapshotCodec(t *testing.T) {
	codec := NewJSONSnapshotCodec[memberState](2, 1)

	t.Run("round trip", func(t *testing.T) {
		state := memberState{Created: true, Name: "ada", Status: statusActive, Tags: map[string]bool{"x": true}, Applied: 3}

		data, err := codec.Encode(state)
		require.NoError(t, err)
		decoded, err := codec.Decode(2, data)

		require.NoError(t, err)
		assert.Equal(t, state, decoded)
		assert.Equal(t, 2, codec.SchemaVersion())
	})

	t.Run("compatible version decodes", func(t *testing.T) {
		decoded, err := codec.Decode(1, []byte(`{"created":true,"name":"old"}`))

		require.NoError(t, err)
		assert.Equal(t, "old", decoded.Name)
	})

	t.Run("unrecognized version is fatal", func(t *testing.T) {
		_, err := codec.Decode(3, []byte(`{}`))

		require.ErrorIs(t, err, ErrDataIntegrity)
		kind, _ := IntegrityKindOf(err)
		assert.Equal(t, SnapshotSchema, kind)
	})

	t.Run("corrupt data is a serialization error", func(t *testing.T) {
		_, err := codec.Decode(2, []byte(`{not json`))

		assert.ErrorIs(t, err, ErrSerializationFailed)
	})

	t.Run("accepted versions", func(t *testing.T) {
		assert.Equal(t, []int{1, 2}, codec.Accepted())
	})
}

func TestTakeSnapshot(t *testing.T) {
	codec := NewJSONSnapshotCodec[memberState](1)
	root := newMemberRoot("m-1")
	require.NoError(t, root.Execute(createMember("ada")))

	snapshot, err := TakeSnapshot(root, codec)

	require.NoError(t, err)
	assert.Equal(t, "m-1", snapshot.AggregateID)
	assert.Equal(t, int64(1), snapshot.Sequence)
	assert.Equal(t, 1, snapshot.SchemaVersion)

	_, err = TakeSnapshot[memberState](nil, codec)
	assert.ErrorIs(t, err, ErrNilRoot)
	_, err = TakeSnapshot(root, nil)
	assert.ErrorIs(t, err, ErrSnapshotsDisabled)
}

func historyOf(id string, events ...Event) []Event {
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = stamped(id, int64(i+1), e)
	}
	return out
}

func TestRebuild(t *testing.T) {
	codec := NewJSONSnapshotCodec[memberState](1)
	history := historyOf("m-1",
		MemberCreated{Name: "ada"},
		MemberActivated{},
		TagAdded{Tag: "a"},
		MemberBlocked{Reason: "spam"},
	)

	full := NewRoot("m-1", newMemberDispatcher())
	require.NoError(t, Rebuild(full, nil, nil, history))

	t.Run("full replay", func(t *testing.T) {
		assert.Equal(t, int64(4), full.Version())
		assert.Equal(t, int64(4), full.OriginalVersion())
		assert.Equal(t, statusBlocked, full.State().Status)
	})

	t.Run("empty history", func(t *testing.T) {
		root := NewRoot("m-1", newMemberDispatcher())

		require.NoError(t, Rebuild(root, nil, nil, nil))

		assert.Equal(t, int64(0), root.Version())
		assert.Equal(t, memberState{}, root.State())
	})

	t.Run("snapshot plus tail equals full replay", func(t *testing.T) {
		partial := NewRoot("m-1", newMemberDispatcher())
		require.NoError(t, Rebuild(partial, nil, nil, history[:2]))
		snapshot, err := TakeSnapshot(partial, codec)
		require.NoError(t, err)

		root := NewRoot("m-1", newMemberDispatcher())
		require.NoError(t, Rebuild(root, codec, snapshot, history[2:]))

		assert.Equal(t, full.Version(), root.Version())
		assert.Equal(t, full.State(), root.State())
		assert.Equal(t, int64(4), root.OriginalVersion())
	})

	t.Run("events at or below snapshot are skipped", func(t *testing.T) {
		partial := NewRoot("m-1", newMemberDispatcher())
		require.NoError(t, Rebuild(partial, nil, nil, history[:2]))
		snapshot, err := TakeSnapshot(partial, codec)
		require.NoError(t, err)

		root := NewRoot("m-1", newMemberDispatcher())
		require.NoError(t, Rebuild(root, codec, snapshot, history))

		assert.Equal(t, full.State(), root.State())
	})

	t.Run("snapshot at latest sequence is returned verbatim", func(t *testing.T) {
		snapshot, err := TakeSnapshot(full, codec)
		require.NoError(t, err)

		root := NewRoot("m-1", newMemberDispatcher())
		require.NoError(t, Rebuild(root, codec, snapshot, nil))

		assert.Equal(t, int64(4), root.Version())
		assert.Equal(t, full.State(), root.State())
	})

	t.Run("tail must start right after snapshot", func(t *testing.T) {
		partial := NewRoot("m-1", newMemberDispatcher())
		require.NoError(t, Rebuild(partial, nil, nil, history[:2]))
		snapshot, err := TakeSnapshot(partial, codec)
		require.NoError(t, err)

		root := NewRoot("m-1", newMemberDispatcher())
		err = Rebuild(root, codec, snapshot, history[3:])

		kind, ok := IntegrityKindOf(err)
		require.True(t, ok)
		assert.Equal(t, SequenceGap, kind)
	})

	t.Run("gap in full history", func(t *testing.T) {
		root := NewRoot("m-1", newMemberDispatcher())

		err := Rebuild(root, nil, nil, []Event{history[0], history[2]})

		assert.ErrorIs(t, err, ErrDataIntegrity)
	})

	t.Run("snapshot restores tenant", func(t *testing.T) {
		partial := NewRoot("m-1", newMemberDispatcher(), WithTenant("tenant-1"))
		require.NoError(t, Rebuild(partial, nil, nil, history[:2]))
		snapshot, err := TakeSnapshot(partial, codec)
		require.NoError(t, err)
		assert.Equal(t, "tenant-1", snapshot.TenantID)

		root := NewRoot("m-1", newMemberDispatcher())
		require.NoError(t, Rebuild(root, codec, snapshot, history[2:]))
		assert.Equal(t, "tenant-1", root.TenantID())

		explicit := NewRoot("m-1", newMemberDispatcher(), WithTenant("tenant-2"))
		require.NoError(t, Rebuild(explicit, codec, snapshot, nil))
		assert.Equal(t, "tenant-2", explicit.TenantID())
	})

	t.Run("snapshot of another aggregate is rejected", func(t *testing.T) {
		other := NewRoot("m-2", newMemberDispatcher())
		require.NoError(t, Rebuild(other, nil, nil, historyOf("m-2", MemberCreated{Name: "bob"})))
		snapshot, err := TakeSnapshot(other, codec)
		require.NoError(t, err)

		root := NewRoot("m-1", newMemberDispatcher())
		err = Rebuild(root, codec, snapshot, nil)

		require.ErrorIs(t, err, ErrDataIntegrity)
		kind, ok := IntegrityKindOf(err)
		require.True(t, ok)
		assert.Equal(t, SnapshotMismatch, kind)
		assert.Contains(t, err.Error(), `"m-2"`)
		assert.Equal(t, int64(0), root.Version())
		assert.Equal(t, memberState{}, root.State())
	})

	t.Run("nil event in history is rejected", func(t *testing.T) {
		root := NewRoot("m-1", newMemberDispatcher())
		var blocked *MemberBlocked

		assert.NotPanics(t, func() {
			err := Rebuild(root, nil, nil, []Event{history[0], blocked})
			assert.ErrorIs(t, err, ErrNilEvent)
		})
		assert.Equal(t, int64(0), root.Version())
	})

	t.Run("unknown snapshot schema", func(t *testing.T) {
		snapshot := &Snapshot{AggregateID: "m-1", Sequence: 2, SchemaVersion: 7, Data: []byte(`{}`)}
		root := NewRoot("m-1", newMemberDispatcher())

		err := Rebuild(root, codec, snapshot, nil)

		require.ErrorIs(t, err, ErrDataIntegrity)
		assert.Contains(t, err.Error(), `"m-1"`)
	})

	t.Run("snapshot without codec", func(t *testing.T) {
		root := NewRoot("m-1", newMemberDispatcher())

		err := Rebuild(root, nil, &Snapshot{Sequence: 1}, nil)

		assert.ErrorIs(t, err, ErrSnapshotsDisabled)
	})

	t.Run("requires a fresh root", func(t *testing.T) {
		root := newMemberRoot("m-1")
		require.NoError(t, root.Execute(createMember("ada")))

		assert.Error(t, Rebuild(root, nil, nil, history))
		assert.ErrorIs(t, Rebuild[memberState](nil, nil, nil, nil), ErrNilRoot)
	})
}
