// Package kestrel reconstructs event-sourced aggregates from an ordered,
// immutable event log.
//
// An aggregate's state is never stored directly. It is derived by folding
// every event the aggregate ever emitted, in sequence order, through a
// registry of handlers. Snapshots shortcut the fold for long histories and
// optimistic concurrency keeps concurrent commands on one aggregate from
// silently overwriting each other.
//
// # Quick Start
//
// Create an event store with the in-memory adapter for development:
//
//	import (
//	    "github.com/kestrel-es/kestrel"
//	    "github.com/kestrel-es/kestrel/adapters/memory"
//	)
//
//	store := kestrel.New(memory.NewAdapter())
//
// For production, use the PostgreSQL or SQLite adapter:
//
//	adapter, err := postgres.NewAdapter(connStr)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store := kestrel.New(adapter)
//
// # Defining Events
//
// Events are value types that embed EventHeader. The header is stamped by the
// aggregate root when the event is authored and restored verbatim when it is
// loaded, so event constructors never pick their own position:
//
//	type AccountCreated struct {
//	    kestrel.EventHeader
//	    Email string `json:"email"`
//	}
//
//	type AccountBlocked struct {
//	    kestrel.EventHeader
//	    Reason string `json:"reason"`
//	}
//
// # Dispatch
//
// Each aggregate type owns a Dispatcher that maps every event variant to the
// single handler allowed to change its state:
//
//	d := kestrel.NewDispatcher[State]()
//	kestrel.On(d, func(s State, e AccountCreated) (State, error) {
//	    s.Email = e.Email
//	    return s, nil
//	})
//
// An event without a registered handler is a data integrity error. It is
// never skipped.
//
// # Commands
//
// Commands check invariants against the current state and return the events
// to emit. Execute applies them all or none:
//
//	err := root.Execute(func(s State) ([]kestrel.Event, error) {
//	    if s.Status == Blocked {
//	        return nil, kestrel.NewInvariantViolation("AlreadyBlocked", "account is already blocked")
//	    }
//	    return []kestrel.Event{AccountBlocked{Reason: reason}}, nil
//	}, kestrel.WithActor("admin-1"))
//
// # Loading and Saving
//
// A Repository ties the pieces together:
//
//	repo := kestrel.NewRepository(store, d, codec, kestrel.WithSnapshotEvery(100))
//	root, err := repo.Load(ctx, "acc-1")
//	// ... root.Execute(...)
//	err = repo.Save(ctx, root)
//
// Save appends the pending events with the version the root was loaded at as
// the expected version. A concurrent writer that got there first makes Save
// fail with ErrConcurrencyConflict; reload and retry, or use Update.
//
// # Optimistic Concurrency
//
// Version constants:
//   - AnyVersion (-1): Skip version check
//   - NoStream (0): Log must be empty
//   - StreamExists (-2): Log must not be empty
package kestrel

// Version returns the library version string.
func Version() string {
	return "0.3.0"
}
