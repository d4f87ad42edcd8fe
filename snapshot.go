package kestrel

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Snapshot is a serialized copy of an aggregate's state at Sequence.
type Snapshot struct {
	// AggregateID is the aggregate identifier.
	AggregateID string

	// TenantID is the tenant owning the aggregate.
	TenantID string

	// Sequence is the version the state reflects.
	Sequence int64

	// SchemaVersion identifies the layout of Data.
	SchemaVersion int

	// Data is the encoded state.
	Data []byte

	// CreatedAt is when the snapshot was stored. Zero until stored.
	CreatedAt time.Time
}

// SnapshotCodec encodes and decodes aggregate state for snapshots.
// Decode must reject schema versions it does not recognize with a
// DataIntegrityError of kind SnapshotSchema rather than guessing.
type SnapshotCodec[S any] interface {
	SchemaVersion() int
	Encode(state S) ([]byte, error)
	Decode(schemaVersion int, data []byte) (S, error)
}

// JSONSnapshotCodec encodes state as JSON.
type JSONSnapshotCodec[S any] struct {
	current  int
	accepted map[int]struct{}
}

// NewJSONSnapshotCodec creates a codec writing schemaVersion.
// Data written under any of the compatible versions is also decoded; every
// other version is rejected.
func NewJSONSnapshotCodec[S any](schemaVersion int, compatible ...int) *JSONSnapshotCodec[S] {
	accepted := map[int]struct{}{schemaVersion: {}}
	for _, v := range compatible {
		accepted[v] = struct{}{}
	}
	return &JSONSnapshotCodec[S]{current: schemaVersion, accepted: accepted}
}

// SchemaVersion returns the version written by Encode.
func (c *JSONSnapshotCodec[S]) SchemaVersion() int {
	return c.current
}

// Accepted returns every schema version Decode recognizes, sorted.
func (c *JSONSnapshotCodec[S]) Accepted() []int {
	out := make([]int, 0, len(c.accepted))
	for v := range c.accepted {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Encode converts state to JSON.
func (c *JSONSnapshotCodec[S]) Encode(state S) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, NewSerializationError("snapshot", "serialize", err)
	}
	return data, nil
}

// Decode converts JSON back to state.
func (c *JSONSnapshotCodec[S]) Decode(schemaVersion int, data []byte) (S, error) {
	var state S
	if _, ok := c.accepted[schemaVersion]; !ok {
		return state, &DataIntegrityError{
			Kind:     SnapshotSchema,
			Expected: int64(c.current),
			Actual:   int64(schemaVersion),
		}
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, NewSerializationError("snapshot", "deserialize", err)
	}
	return state, nil
}

// TakeSnapshot encodes the root's current state.
// Pending events are included in the state but not yet stored, so callers
// normally snapshot only committed roots.
func TakeSnapshot[S any](root *Root[S], codec SnapshotCodec[S]) (*Snapshot, error) {
	if root == nil {
		return nil, ErrNilRoot
	}
	if codec == nil {
		return nil, ErrSnapshotsDisabled
	}

	data, err := codec.Encode(root.State())
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		AggregateID:   root.ID(),
		TenantID:      root.TenantID(),
		Sequence:      root.Version(),
		SchemaVersion: codec.SchemaVersion(),
		Data:          data,
	}, nil
}

// Rebuild reconstructs root from an optional snapshot and the events that
// follow it.
//
// With no snapshot every event is replayed from sequence 1. With a snapshot
// at sequence S, the state is restored from it, leading events at or below S
// are skipped and the rest must run contiguously from S+1. A snapshot at or
// past the last event yields the snapshot state unchanged. The snapshot's
// tenant is adopted unless the root already has one, and a snapshot taken of
// another aggregate is a DataIntegrityError of kind SnapshotMismatch.
//
// root must be fresh: version 0 and nothing pending.
func Rebuild[S any](root *Root[S], codec SnapshotCodec[S], snapshot *Snapshot, events []Event) error {
	if root == nil {
		return ErrNilRoot
	}
	if root.Version() != 0 || root.HasPending() {
		return fmt.Errorf("kestrel: rebuild requires a fresh root, %q is at version %d", root.ID(), root.Version())
	}

	var base int64
	if snapshot != nil {
		if codec == nil {
			return ErrSnapshotsDisabled
		}
		if snapshot.AggregateID != root.ID() {
			return &DataIntegrityError{
				AggregateID: root.ID(),
				Kind:        SnapshotMismatch,
				Cause:       fmt.Errorf("snapshot belongs to aggregate %q", snapshot.AggregateID),
			}
		}
		state, err := codec.Decode(snapshot.SchemaVersion, snapshot.Data)
		if err != nil {
			var integrity *DataIntegrityError
			if errors.As(err, &integrity) && integrity.AggregateID == "" {
				integrity.AggregateID = root.ID()
			}
			return err
		}
		root.restore(state, snapshot.Sequence, snapshot.TenantID)
		base = snapshot.Sequence
	}

	skip := 0
	for skip < len(events) && !isNilEvent(events[skip]) && events[skip].Header().Sequence <= base {
		skip++
	}

	if err := root.Replay(events[skip:]...); err != nil {
		return err
	}
	root.markLoaded()
	return nil
}
