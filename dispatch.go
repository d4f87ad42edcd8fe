package kestrel

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Dispatcher maps each concrete event variant to the single handler that
// folds it into the aggregate state S.
//
// A Dispatcher is built once per aggregate type, when the type is
// initialized, and handed to every Root of that type. There is no
// process-wide registry.
type Dispatcher[S any] struct {
	mu       sync.RWMutex
	handlers map[reflect.Type]*handlerEntry[S]

	// cache memoizes lookups by the event's dynamic type, which may be a
	// pointer to the registered type.
	cache sync.Map
}

type handlerEntry[S any] struct {
	name      string
	typ       reflect.Type
	apply     func(S, Event) (S, error)
	prototype Event
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher[S any]() *Dispatcher[S] {
	return &Dispatcher[S]{
		handlers: make(map[reflect.Type]*handlerEntry[S]),
	}
}

// On registers handler as the fold for variant E.
// Registering E twice panics: it is a configuration bug, not a runtime condition.
func On[S any, E Event](d *Dispatcher[S], handler func(S, E) (S, error)) {
	if handler == nil {
		panic("kestrel: nil handler")
	}

	rt := reflect.TypeOf((*E)(nil)).Elem()
	if rt.Kind() == reflect.Interface {
		panic(fmt.Sprintf("kestrel: cannot register handler for interface type %s", rt))
	}
	handlerIsPtr := rt.Kind() == reflect.Ptr
	key := rt
	if handlerIsPtr {
		key = rt.Elem()
	}

	var zero E
	prototype := Event(zero)
	if handlerIsPtr {
		prototype = reflect.New(key).Interface().(Event)
	}

	entry := &handlerEntry[S]{
		name:      EventTypeOf(prototype),
		typ:       key,
		prototype: prototype,
		apply: func(state S, event Event) (S, error) {
			typed, ok := coerce[E](event, key, handlerIsPtr)
			if !ok {
				return state, fmt.Errorf("kestrel: handler for %s received %T", key, event)
			}
			return handler(state, typed)
		},
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.handlers[key]; ok {
		panic(fmt.Sprintf("kestrel: duplicate handler for event %s (already registered as %q)", key, existing.name))
	}
	d.handlers[key] = entry
}

// coerce converts event to E, bridging value and pointer forms of the same
// struct type.
func coerce[E Event](event Event, key reflect.Type, wantPtr bool) (E, bool) {
	if typed, ok := event.(E); ok {
		return typed, true
	}

	var zero E
	v := reflect.ValueOf(event)
	switch {
	case wantPtr && v.Type() == key:
		p := reflect.New(key)
		p.Elem().Set(v)
		typed, ok := p.Interface().(E)
		return typed, ok
	case !wantPtr && v.Kind() == reflect.Ptr && !v.IsNil() && v.Elem().Type() == key:
		typed, ok := v.Elem().Interface().(E)
		return typed, ok
	}
	return zero, false
}

func (d *Dispatcher[S]) lookup(event Event) (*handlerEntry[S], bool) {
	dynamic := reflect.TypeOf(event)
	if cached, ok := d.cache.Load(dynamic); ok {
		return cached.(*handlerEntry[S]), true
	}

	key := dynamic
	if key.Kind() == reflect.Ptr {
		key = key.Elem()
	}

	d.mu.RLock()
	entry, ok := d.handlers[key]
	d.mu.RUnlock()

	if ok {
		d.cache.Store(dynamic, entry)
	}
	return entry, ok
}

// Apply folds event into state using the registered handler.
// An event without a handler is a DataIntegrityError of kind UnknownVariant.
func (d *Dispatcher[S]) Apply(state S, event Event) (S, error) {
	if isNilEvent(event) {
		return state, &DataIntegrityError{Kind: UnknownVariant, EventType: "<nil>", Cause: ErrNilEvent}
	}

	entry, ok := d.lookup(event)
	if !ok {
		header := event.Header()
		return state, &DataIntegrityError{
			AggregateID: header.AggregateID,
			Kind:        UnknownVariant,
			EventType:   EventTypeOf(event),
			Actual:      header.Sequence,
			Cause:       ErrHandlerNotRegistered,
		}
	}

	return entry.apply(state, event)
}

// Handles reports whether a handler is registered for the event's variant.
func (d *Dispatcher[S]) Handles(event Event) bool {
	if event == nil {
		return false
	}
	_, ok := d.lookup(event)
	return ok
}

// Verify reports every variant without a registered handler.
// Aggregate packages call it from a completeness test listing all their variants.
func (d *Dispatcher[S]) Verify(variants ...Event) error {
	var errs []error
	for _, variant := range variants {
		if !d.Handles(variant) {
			errs = append(errs, &DataIntegrityError{
				Kind:      UnknownVariant,
				EventType: EventTypeOf(variant),
				Cause:     ErrHandlerNotRegistered,
			})
		}
	}
	return errors.Join(errs...)
}

// Variants returns the discriminators of all registered variants, sorted.
func (d *Dispatcher[S]) Variants() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.handlers))
	for _, entry := range d.handlers {
		names = append(names, entry.name)
	}
	sort.Strings(names)
	return names
}

// Prototypes returns a zero value of every registered variant, ordered by
// discriminator. Feed them to a serializer registry so decoding and
// dispatch agree on the set of variants.
func (d *Dispatcher[S]) Prototypes() []Event {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries := make([]*handlerEntry[S], 0, len(d.handlers))
	for _, entry := range d.handlers {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	prototypes := make([]Event, len(entries))
	for i, entry := range entries {
		prototypes[i] = entry.prototype
	}
	return prototypes
}
