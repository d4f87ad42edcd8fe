package kestrel

import (
	"fmt"
	"time"
)

// Lifecycle is the coarse state of an aggregate root.
// Domain flags such as blocked or deleted live in the state type, not here.
type Lifecycle int

const (
	// Uninitialized means no event has been applied yet (version 0).
	Uninitialized Lifecycle = iota

	// Live means at least one event has been applied.
	Live
)

// String returns the lifecycle name.
func (l Lifecycle) String() string {
	if l == Live {
		return "live"
	}
	return "uninitialized"
}

// Cloner is implemented by state types holding maps or slices, so commands
// can be applied to a private copy and discarded on failure.
// State types made only of values do not need it.
type Cloner[S any] interface {
	Clone() S
}

// Root is a generic event-sourced aggregate root.
//
// Its state S changes only through the Dispatcher's handlers, either when a
// command emits new events (Execute, Raise) or when stored events are
// replayed (Replay). A Root is not safe for concurrent use; concurrent
// writers on one aggregate are arbitrated by the store's version check.
type Root[S any] struct {
	id              string
	tenantID        string
	version         int64
	originalVersion int64
	state           S
	pending         []Event
	dispatcher      *Dispatcher[S]
	now             func() time.Time
}

// RootOption configures a Root.
type RootOption func(*rootConfig)

type rootConfig struct {
	tenantID string
	now      func() time.Time
}

// WithTenant sets the tenant stamped into authored events.
func WithTenant(tenantID string) RootOption {
	return func(c *rootConfig) {
		c.tenantID = tenantID
	}
}

// WithClock sets the clock used to stamp OccurredAt on authored events.
func WithClock(now func() time.Time) RootOption {
	return func(c *rootConfig) {
		c.now = now
	}
}

// NewRoot creates an uninitialized root for the given aggregate ID.
func NewRoot[S any](id string, dispatcher *Dispatcher[S], opts ...RootOption) *Root[S] {
	if dispatcher == nil {
		panic("kestrel: nil dispatcher")
	}

	cfg := rootConfig{
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Root[S]{
		id:         id,
		tenantID:   cfg.tenantID,
		dispatcher: dispatcher,
		now:        cfg.now,
	}
}

// ID returns the aggregate's unique identifier.
func (r *Root[S]) ID() string {
	return r.id
}

// TenantID returns the tenant owning the aggregate.
func (r *Root[S]) TenantID() string {
	return r.tenantID
}

// Version returns the number of applied events, which is also the highest
// applied sequence number.
func (r *Root[S]) Version() int64 {
	return r.version
}

// OriginalVersion returns the version when the root was loaded or last
// committed. It is the expected version for the next append.
func (r *Root[S]) OriginalVersion() int64 {
	return r.originalVersion
}

// Lifecycle reports whether any event has been applied.
func (r *Root[S]) Lifecycle() Lifecycle {
	if r.version == 0 {
		return Uninitialized
	}
	return Live
}

// State returns a copy of the current state.
func (r *Root[S]) State() S {
	return r.cloneState()
}

// Pending returns events authored since the last commit.
func (r *Root[S]) Pending() []Event {
	out := make([]Event, len(r.pending))
	copy(out, r.pending)
	return out
}

// HasPending reports whether there are events waiting to be persisted.
func (r *Root[S]) HasPending() bool {
	return len(r.pending) > 0
}

// ClearPending drops the pending events. State and version are left as they are.
func (r *Root[S]) ClearPending() {
	r.pending = nil
}

// MarkCommitted records that the pending events were stored and the log is
// now at newVersion.
func (r *Root[S]) MarkCommitted(newVersion int64) {
	r.pending = nil
	r.originalVersion = newVersion
}

// RaiseOption configures a single command.
type RaiseOption func(*raiseConfig)

type raiseConfig struct {
	actorID string
}

// WithActor stamps actorID on every event the command emits.
func WithActor(actorID string) RaiseOption {
	return func(c *raiseConfig) {
		c.actorID = actorID
	}
}

// Execute runs decide against the current state and applies the events it
// returns. If decide fails, or any handler rejects an event, the root is
// left exactly as it was.
func (r *Root[S]) Execute(decide func(S) ([]Event, error), opts ...RaiseOption) error {
	events, err := decide(r.cloneState())
	if err != nil {
		return err
	}

	var cfg raiseConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return r.raise(events, cfg)
}

// Raise authors events whose invariants the caller has already checked.
// It is all-or-nothing like Execute.
func (r *Root[S]) Raise(events ...Event) error {
	return r.raise(events, raiseConfig{})
}

func (r *Root[S]) raise(events []Event, cfg raiseConfig) error {
	if len(events) == 0 {
		return nil
	}

	occurredAt := r.now()
	stamped := make([]Event, len(events))
	for i, event := range events {
		e, err := RestoreHeader(event, EventHeader{
			AggregateID: r.id,
			TenantID:    r.tenantID,
			ActorID:     cfg.actorID,
			Sequence:    r.version + int64(i) + 1,
			OccurredAt:  occurredAt,
		})
		if err != nil {
			return err
		}
		stamped[i] = e
	}

	state, err := r.fold(r.cloneState(), stamped)
	if err != nil {
		return err
	}

	r.state = state
	r.version += int64(len(stamped))
	r.pending = append(r.pending, stamped...)
	return nil
}

// Replay applies stored events. Invariants are not checked: the log is the
// source of truth. Each event must carry sequence Version()+1; anything else
// is a DataIntegrityError and leaves the root unchanged.
func (r *Root[S]) Replay(events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := ValidateSequence(r.id, events, r.version); err != nil {
		return err
	}

	state, err := r.fold(r.cloneState(), events)
	if err != nil {
		return err
	}

	r.state = state
	r.version += int64(len(events))
	if r.tenantID == "" {
		r.tenantID = events[0].Header().TenantID
	}
	return nil
}

func (r *Root[S]) fold(state S, events []Event) (S, error) {
	for _, event := range events {
		next, err := r.dispatcher.Apply(state, event)
		if err != nil {
			if IsFatal(err) {
				return state, err
			}
			return state, fmt.Errorf("kestrel: apply %s at sequence %d: %w",
				EventTypeOf(event), event.Header().Sequence, err)
		}
		state = next
	}
	return state, nil
}

// restore resets the root to a snapshot taken at version.
func (r *Root[S]) restore(state S, version int64, tenantID string) {
	r.state = state
	r.version = version
	r.originalVersion = version
	r.pending = nil
	if r.tenantID == "" {
		r.tenantID = tenantID
	}
}

// markLoaded pins the current version as the expected version for the next append.
func (r *Root[S]) markLoaded() {
	r.originalVersion = r.version
}

func (r *Root[S]) cloneState() S {
	if cloner, ok := any(r.state).(Cloner[S]); ok {
		return cloner.Clone()
	}
	return r.state
}
