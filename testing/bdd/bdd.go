// Package bdd provides BDD-style test fixtures for event-sourced aggregates.
// It enables expressive Given-When-Then testing of commands against a
// kestrel.Root:
//
//	bdd.Given(t, newRoot("acct-1"), AccountCreated{Email: "a@example.com"}).
//		When(account.Activate()).
//		Then(AccountActivated{})
//
// Events are compared by payload; the headers stamped by the root (sequence,
// timestamps, aggregate id) are ignored.
package bdd

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/kestrel-es/kestrel"
)

// TB is an alias for testing.TB interface to allow mocking in tests
type TB = testing.TB

// Command is the decide function a fixture executes.
type Command[S any] func(S) ([]kestrel.Event, error)

// TestFixture provides BDD-style testing for a single root.
type TestFixture[S any] struct {
	t           TB
	root        *kestrel.Root[S]
	givenEvents []kestrel.Event
	result      error
	executed    bool
}

// Given sets up the root with historical events. The events are stamped with
// consecutive sequence numbers after the root's version and replayed when
// When runs.
func Given[S any](t TB, root *kestrel.Root[S], events ...kestrel.Event) *TestFixture[S] {
	t.Helper()
	return &TestFixture[S]{
		t:           t,
		root:        root,
		givenEvents: events,
	}
}

// When replays the given history and executes the command.
func (f *TestFixture[S]) When(decide Command[S], opts ...kestrel.RaiseOption) *TestFixture[S] {
	f.t.Helper()

	history := make([]kestrel.Event, len(f.givenEvents))
	for i, event := range f.givenEvents {
		stamped, err := kestrel.RestoreHeader(event, kestrel.EventHeader{
			AggregateID: f.root.ID(),
			TenantID:    f.root.TenantID(),
			Sequence:    f.root.Version() + int64(i) + 1,
		})
		if err != nil {
			f.t.Fatalf("Failed to stamp given event %T: %v", event, err)
		}
		history[i] = stamped
	}
	if err := f.root.Replay(history...); err != nil {
		f.t.Fatalf("Failed to replay given events: %v", err)
	}

	f.result = f.root.Execute(decide, opts...)
	f.executed = true

	return f
}

// Root returns the root under test.
func (f *TestFixture[S]) Root() *kestrel.Root[S] {
	return f.root
}

func (f *TestFixture[S]) mustHaveExecuted(step string) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatal("bdd: " + step + "() must be called after When() - no command was executed")
	}
}

// Then asserts that the command succeeded and produced exactly the expected
// events, in order.
func (f *TestFixture[S]) Then(expectedEvents ...kestrel.Event) *TestFixture[S] {
	f.t.Helper()
	f.mustHaveExecuted("Then")

	if f.result != nil {
		f.t.Fatalf("Expected success but got error: %v", f.result)
	}

	pending := f.root.Pending()
	if len(pending) != len(expectedEvents) {
		f.t.Fatalf("Expected %d events, got %d.\nExpected: %+v\nActual: %+v",
			len(expectedEvents), len(pending), expectedEvents, pending)
	}

	for i, expected := range expectedEvents {
		if !SamePayload(pending[i], expected) {
			f.t.Errorf("Event %d mismatch:\nExpected: %+v\nActual: %+v",
				i, expected, pending[i])
		}
	}
	return f
}

// ThenError asserts that the command produced the expected error.
func (f *TestFixture[S]) ThenError(expectedErr error) *TestFixture[S] {
	f.t.Helper()
	f.mustHaveExecuted("ThenError")

	if f.result == nil {
		f.t.Fatal("Expected error but got success")
	}

	if !errors.Is(f.result, expectedErr) {
		f.t.Errorf("Expected error %v, got %v", expectedErr, f.result)
	}
	return f
}

// ThenViolates asserts that the command was rejected with the invariant
// code and left the root without new events.
func (f *TestFixture[S]) ThenViolates(code string) *TestFixture[S] {
	f.t.Helper()
	f.mustHaveExecuted("ThenViolates")

	if f.result == nil {
		f.t.Fatalf("Expected invariant %s to be violated but got success", code)
	}

	if got := kestrel.ViolationCode(f.result); got != code {
		f.t.Errorf("Expected invariant %q, got %q (%v)", code, got, f.result)
	}

	if pending := f.root.Pending(); len(pending) > 0 {
		f.t.Errorf("Expected no events after a rejected command, got %d: %+v", len(pending), pending)
	}
	return f
}

// ThenErrorContains asserts that the error message contains a substring.
func (f *TestFixture[S]) ThenErrorContains(substring string) *TestFixture[S] {
	f.t.Helper()
	f.mustHaveExecuted("ThenErrorContains")

	if f.result == nil {
		f.t.Fatal("Expected error but got success")
	}

	if !strings.Contains(f.result.Error(), substring) {
		f.t.Errorf("Expected error containing %q, got %q", substring, f.result.Error())
	}
	return f
}

// ThenNoEvents asserts that the command succeeded without producing events.
func (f *TestFixture[S]) ThenNoEvents() *TestFixture[S] {
	f.t.Helper()
	f.mustHaveExecuted("ThenNoEvents")

	if f.result != nil {
		f.t.Fatalf("Expected success but got error: %v", f.result)
	}

	if pending := f.root.Pending(); len(pending) > 0 {
		f.t.Errorf("Expected no events, got %d: %+v", len(pending), pending)
	}
	return f
}

// ThenState passes the root's state to check.
func (f *TestFixture[S]) ThenState(check func(t TB, state S)) *TestFixture[S] {
	f.t.Helper()
	f.mustHaveExecuted("ThenState")

	check(f.t, f.root.State())
	return f
}

// ThenVersion asserts the root's version.
func (f *TestFixture[S]) ThenVersion(expected int64) *TestFixture[S] {
	f.t.Helper()
	f.mustHaveExecuted("ThenVersion")

	if got := f.root.Version(); got != expected {
		f.t.Errorf("Expected version %d, got %d", expected, got)
	}
	return f
}

// SamePayload reports whether two events are of the same variant with equal
// fields, ignoring their headers.
func SamePayload(a, b kestrel.Event) bool {
	if a == nil || b == nil {
		return a == b
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	sa, errA := kestrel.RestoreHeader(a, kestrel.EventHeader{})
	sb, errB := kestrel.RestoreHeader(b, kestrel.EventHeader{})
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return reflect.DeepEqual(sa, sb)
}

// =============================================================================
// Repository fixture
// =============================================================================

// RepositoryFixture runs a command through Repository.Update so the full
// load, execute and save path is exercised against a store.
type RepositoryFixture[S any] struct {
	t           TB
	ctx         context.Context
	repo        *kestrel.Repository[S]
	aggregateID string
	givenEvents []kestrel.Event
	retryOpts   []kestrel.RetryOption
	root        *kestrel.Root[S]
	err         error
	executed    bool
}

// GivenStored creates a fixture whose history is saved to repo before the
// command runs.
func GivenStored[S any](t TB, repo *kestrel.Repository[S], aggregateID string, events ...kestrel.Event) *RepositoryFixture[S] {
	t.Helper()
	return &RepositoryFixture[S]{
		t:           t,
		ctx:         context.Background(),
		repo:        repo,
		aggregateID: aggregateID,
		givenEvents: events,
	}
}

// WithContext sets a custom context for the command execution.
func (f *RepositoryFixture[S]) WithContext(ctx context.Context) *RepositoryFixture[S] {
	f.ctx = ctx
	return f
}

// WithRetry sets the retry options passed to Update.
func (f *RepositoryFixture[S]) WithRetry(opts ...kestrel.RetryOption) *RepositoryFixture[S] {
	f.retryOpts = opts
	return f
}

// When stores the given history and runs decide through Update.
func (f *RepositoryFixture[S]) When(decide Command[S], opts ...kestrel.RaiseOption) *RepositoryFixture[S] {
	f.t.Helper()

	if len(f.givenEvents) > 0 {
		root := f.repo.New(f.aggregateID)
		if err := root.Raise(f.givenEvents...); err != nil {
			f.t.Fatalf("Failed to raise given events: %v", err)
		}
		if err := f.repo.Save(f.ctx, root); err != nil {
			f.t.Fatalf("Failed to store given events: %v", err)
		}
	}

	f.root, f.err = f.repo.Update(f.ctx, f.aggregateID, func(root *kestrel.Root[S]) error {
		return root.Execute(decide, opts...)
	}, f.retryOpts...)
	f.executed = true
	return f
}

func (f *RepositoryFixture[S]) mustHaveExecuted(step string) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatal("bdd: " + step + "() must be called after When() - no command was dispatched")
	}
}

// ThenSucceeds asserts the command was executed and saved.
func (f *RepositoryFixture[S]) ThenSucceeds() *RepositoryFixture[S] {
	f.t.Helper()
	f.mustHaveExecuted("ThenSucceeds")

	if f.err != nil {
		f.t.Fatalf("Expected success but got error: %v", f.err)
	}
	return f
}

// ThenFails asserts the command failed with the expected error.
func (f *RepositoryFixture[S]) ThenFails(expectedErr error) *RepositoryFixture[S] {
	f.t.Helper()
	f.mustHaveExecuted("ThenFails")

	if f.err == nil {
		f.t.Fatal("Expected failure but got success")
	}

	if !errors.Is(f.err, expectedErr) {
		f.t.Errorf("Expected error %v, got %v", expectedErr, f.err)
	}
	return f
}

// ThenReturnsVersion asserts the version after the save.
func (f *RepositoryFixture[S]) ThenReturnsVersion(expected int64) *RepositoryFixture[S] {
	f.t.Helper()
	f.mustHaveExecuted("ThenReturnsVersion")

	if f.root == nil {
		f.t.Fatal("Expected a root but the load failed")
	}

	if got := f.root.Version(); got != expected {
		f.t.Errorf("Expected version %d, got %d", expected, got)
	}
	return f
}

// ThenStored asserts that reloading the aggregate yields state accepted by
// check.
func (f *RepositoryFixture[S]) ThenStored(check func(t TB, state S)) *RepositoryFixture[S] {
	f.t.Helper()
	f.mustHaveExecuted("ThenStored")

	root, err := f.repo.Load(f.ctx, f.aggregateID)
	if err != nil {
		f.t.Fatalf("Failed to reload %s: %v", f.aggregateID, err)
	}
	check(f.t, root.State())
	return f
}
