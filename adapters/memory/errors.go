package memory

import (
	"github.com/kestrel-es/kestrel/adapters"
)

// Sentinel errors for the memory adapter.
// These are aliases to the adapters package errors so errors.Is works across packages.
var (
	ErrAdapterClosed       = adapters.ErrAdapterClosed
	ErrEmptyAggregateID    = adapters.ErrEmptyAggregateID
	ErrNoEvents            = adapters.ErrNoEvents
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict
	ErrDataIntegrity       = adapters.ErrDataIntegrity
	ErrStreamNotFound      = adapters.ErrStreamNotFound
	ErrInvalidVersion      = adapters.ErrInvalidVersion
)
