package kestrel

// test_helpers_test.go contains shared test doubles and a small aggregate
// used across the kestrel package tests.

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// Shared Test Logger
// =============================================================================

// testLogger is a shared test implementation of Logger.
type testLogger struct {
	mu        sync.Mutex
	debugLogs []string
	infoLogs  []string
	warnLogs  []string
	errorLogs []string
}

func newTestLogger() *testLogger {
	return &testLogger{}
}

func (l *testLogger) Debug(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugLogs = append(l.debugLogs, msg)
}

func (l *testLogger) Info(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infoLogs = append(l.infoLogs, msg)
}

func (l *testLogger) Warn(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnLogs = append(l.warnLogs, msg)
}

func (l *testLogger) Error(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errorLogs = append(l.errorLogs, msg)
}

func (l *testLogger) errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errorLogs...)
}

func (l *testLogger) warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warnLogs...)
}

// =============================================================================
// Test Aggregate
// =============================================================================

type memberStatus string

const (
	statusNew     memberStatus = ""
	statusActive  memberStatus = "active"
	statusBlocked memberStatus = "blocked"
)

type memberState struct {
	Created bool            `json:"created"`
	Name    string          `json:"name"`
	Status  memberStatus    `json:"status"`
	Tags    map[string]bool `json:"tags,omitempty"`
	Applied int             `json:"applied"`
}

func (s memberState) Clone() memberState {
	if s.Tags != nil {
		tags := make(map[string]bool, len(s.Tags))
		for k, v := range s.Tags {
			tags[k] = v
		}
		s.Tags = tags
	}
	return s
}

type MemberCreated struct {
	EventHeader
	Name string `json:"name"`
}

type MemberActivated struct {
	EventHeader
}

type MemberBlocked struct {
	EventHeader
	Reason string `json:"reason"`
}

type TagAdded struct {
	EventHeader
	Tag string `json:"tag"`
}

// renamedEvent overrides its discriminator.
type renamedEvent struct {
	EventHeader
}

func (renamedEvent) EventType() string { return "member.renamed" }

// unhandledEvent has no handler in the test dispatcher.
type unhandledEvent struct {
	EventHeader
}

// noHeaderEvent implements Event without embedding EventHeader.
type noHeaderEvent struct{}

func (noHeaderEvent) Header() EventHeader { return EventHeader{} }

func newMemberDispatcher() *Dispatcher[memberState] {
	d := NewDispatcher[memberState]()
	On(d, func(s memberState, e MemberCreated) (memberState, error) {
		s.Created = true
		s.Name = e.Name
		s.Applied++
		return s, nil
	})
	On(d, func(s memberState, e MemberActivated) (memberState, error) {
		s.Status = statusActive
		s.Applied++
		return s, nil
	})
	On(d, func(s memberState, e MemberBlocked) (memberState, error) {
		s.Status = statusBlocked
		s.Applied++
		return s, nil
	})
	On(d, func(s memberState, e TagAdded) (memberState, error) {
		if s.Tags == nil {
			s.Tags = make(map[string]bool)
		}
		s.Tags[e.Tag] = true
		s.Applied++
		return s, nil
	})
	return d
}

func memberEvents() []Event {
	return []Event{MemberCreated{}, MemberActivated{}, MemberBlocked{}, TagAdded{}}
}

func createMember(name string) func(memberState) ([]Event, error) {
	return func(s memberState) ([]Event, error) {
		if s.Created {
			return nil, NewInvariantViolation("AlreadyCreated", "member already exists")
		}
		return []Event{MemberCreated{Name: name}}, nil
	}
}

func activateMember(s memberState) ([]Event, error) {
	if !s.Created {
		return nil, NewInvariantViolation("NotCreated", "member does not exist")
	}
	if s.Status == statusActive {
		return nil, NewInvariantViolation("AlreadyActive", "member is already active")
	}
	return []Event{MemberActivated{}}, nil
}

func blockMember(s memberState) ([]Event, error) {
	if s.Status == statusBlocked {
		return nil, NewInvariantViolation("AlreadyBlocked", "member is already blocked")
	}
	return []Event{MemberBlocked{Reason: "test"}}, nil
}

func addTags(tags ...string) func(memberState) ([]Event, error) {
	return func(s memberState) ([]Event, error) {
		events := make([]Event, 0, len(tags))
		for _, tag := range tags {
			if s.Tags[tag] {
				return nil, NewInvariantViolation("TagExists", tag)
			}
			events = append(events, TagAdded{Tag: tag})
		}
		return events, nil
	}
}

var testTime = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func fixedClock() func() time.Time {
	return func() time.Time { return testTime }
}

func newMemberRoot(id string) *Root[memberState] {
	return NewRoot(id, newMemberDispatcher(), WithTenant("tenant-1"), WithClock(fixedClock()))
}

// stamped returns ev with a header at seq, as it would come back from a store.
func stamped(id string, seq int64, ev Event) Event {
	out, err := RestoreHeader(ev, EventHeader{
		AggregateID: id,
		TenantID:    "tenant-1",
		Sequence:    seq,
		OccurredAt:  testTime,
	})
	if err != nil {
		panic(err)
	}
	return out
}

// =============================================================================
// Test Publisher and Observer
// =============================================================================

type recordingPublisher struct {
	mu        sync.Mutex
	published []StoredEvent
	err       error
}

func (p *recordingPublisher) Publish(ctx context.Context, events []StoredEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, events...)
	return nil
}

type recordingObserver struct {
	mu            sync.Mutex
	replays       int
	lastEvents    int
	fromSnapshot  bool
	integrityErrs []string
}

func (o *recordingObserver) ObserveReplay(events int, fromSnapshot bool, duration time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replays++
	o.lastEvents = events
	o.fromSnapshot = fromSnapshot
}

func (o *recordingObserver) RecordIntegrityError(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.integrityErrs = append(o.integrityErrs, kind)
}

func examplesOf(events []Event) []interface{} {
	out := make([]interface{}, len(events))
	for i, e := range events {
		out[i] = e
	}
	return out
}
