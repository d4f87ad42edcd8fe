package kestrel

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Publisher receives events after they are committed.
// publish.Publisher implements it for Kafka and SNS.
type Publisher interface {
	Publish(ctx context.Context, events []StoredEvent) error
}

// ReplayObserver is notified about reconstructions.
// middleware/metrics implements it with Prometheus collectors.
type ReplayObserver interface {
	ObserveReplay(events int, fromSnapshot bool, duration time.Duration)
	RecordIntegrityError(kind string)
}

// Repository loads aggregates by replaying their log and saves the events
// commands produce. It is safe for concurrent use; the roots it returns are not.
type Repository[S any] struct {
	store         *EventStore
	dispatcher    *Dispatcher[S]
	codec         SnapshotCodec[S]
	snapshotEvery int64
	publisher     Publisher
	observer      ReplayObserver
	logger        Logger
	rootOptions   []RootOption
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*repositoryConfig)

type repositoryConfig struct {
	snapshotEvery int64
	publisher     Publisher
	observer      ReplayObserver
	logger        Logger
	rootOptions   []RootOption
}

// WithSnapshotEvery takes a snapshot after Save whenever the version crosses
// a multiple of n. It has no effect without a snapshot codec.
func WithSnapshotEvery(n int64) RepositoryOption {
	return func(c *repositoryConfig) {
		c.snapshotEvery = n
	}
}

// WithPublisher hands committed events to p after every successful Save.
func WithPublisher(p Publisher) RepositoryOption {
	return func(c *repositoryConfig) {
		c.publisher = p
	}
}

// WithReplayObserver reports reconstructions to o.
func WithReplayObserver(o ReplayObserver) RepositoryOption {
	return func(c *repositoryConfig) {
		c.observer = o
	}
}

// WithRepositoryLogger sets the repository's logger. It defaults to the
// store's logger.
func WithRepositoryLogger(l Logger) RepositoryOption {
	return func(c *repositoryConfig) {
		c.logger = l
	}
}

// WithRootOptions applies opts to every root the repository creates.
func WithRootOptions(opts ...RootOption) RepositoryOption {
	return func(c *repositoryConfig) {
		c.rootOptions = append(c.rootOptions, opts...)
	}
}

// NewRepository creates a repository for aggregates of state S.
// codec may be nil, in which case snapshots are neither read nor written.
func NewRepository[S any](store *EventStore, dispatcher *Dispatcher[S], codec SnapshotCodec[S], opts ...RepositoryOption) *Repository[S] {
	cfg := repositoryConfig{logger: store.Logger()}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Repository[S]{
		store:         store,
		dispatcher:    dispatcher,
		codec:         codec,
		snapshotEvery: cfg.snapshotEvery,
		publisher:     cfg.publisher,
		observer:      cfg.observer,
		logger:        cfg.logger,
		rootOptions:   cfg.rootOptions,
	}
}

// New returns an uninitialized root for a new aggregate.
func (r *Repository[S]) New(aggregateID string, opts ...RootOption) *Root[S] {
	return NewRoot(aggregateID, r.dispatcher, append(append([]RootOption{}, r.rootOptions...), opts...)...)
}

// Load reconstructs the aggregate from its latest snapshot (when enabled)
// and the events after it. An aggregate without events comes back
// uninitialized at version 0.
func (r *Repository[S]) Load(ctx context.Context, aggregateID string) (*Root[S], error) {
	start := time.Now()

	var snapshot *Snapshot
	if r.codec != nil {
		var err error
		snapshot, err = r.store.LoadLatestSnapshot(ctx, aggregateID)
		if err != nil && !errors.Is(err, ErrSnapshotsNotSupported) {
			return nil, r.failLoad(aggregateID, err)
		}
	}

	var from int64
	if snapshot != nil {
		from = snapshot.Sequence
	}

	events, err := r.store.LoadEvents(ctx, aggregateID, from)
	if err != nil {
		return nil, r.failLoad(aggregateID, err)
	}

	root := r.New(aggregateID)
	if err := Rebuild(root, r.codec, snapshot, events); err != nil {
		return nil, r.failLoad(aggregateID, err)
	}

	duration := time.Since(start)
	if r.observer != nil {
		r.observer.ObserveReplay(len(events), snapshot != nil, duration)
	}
	r.logger.Debug("aggregate loaded",
		"aggregate_id", aggregateID,
		"version", root.Version(),
		"replayed", len(events),
		"from_snapshot", snapshot != nil,
		"duration", duration)

	return root, nil
}

func (r *Repository[S]) failLoad(aggregateID string, err error) error {
	if IsFatal(err) {
		kind := "serialization"
		if k, ok := IntegrityKindOf(err); ok {
			kind = k.String()
		}
		r.logger.Error("aggregate history cannot be replayed",
			"aggregate_id", aggregateID, "kind", kind, "error", err)
		if r.observer != nil {
			r.observer.RecordIntegrityError(kind)
		}
	}
	return err
}

// Save appends the root's pending events, expecting the log to still be at
// the root's original version. On success the root is marked committed.
// A concurrency conflict is returned unchanged and leaves the root as is.
func (r *Repository[S]) Save(ctx context.Context, root *Root[S], opts ...AppendOption) error {
	if root == nil {
		return ErrNilRoot
	}

	pending := root.Pending()
	if len(pending) == 0 {
		return nil
	}

	expected := root.OriginalVersion()
	appendOpts := append([]AppendOption{ExpectVersion(expected)}, opts...)
	stored, err := r.store.Append(ctx, root.ID(), root.TenantID(), pending, appendOpts...)
	if err != nil {
		switch {
		case errors.Is(err, ErrConcurrencyConflict):
			r.logger.Warn("concurrency conflict",
				"aggregate_id", root.ID(), "expected_version", expected, "error", err)
		case IsFatal(err):
			r.logger.Error("append refused",
				"aggregate_id", root.ID(), "expected_version", expected, "error", err)
			if r.observer != nil {
				if kind, ok := IntegrityKindOf(err); ok {
					r.observer.RecordIntegrityError(kind.String())
				}
			}
		}
		return err
	}

	root.MarkCommitted(root.Version())
	r.logger.Info("aggregate saved",
		"aggregate_id", root.ID(), "version", root.Version(), "events", len(stored))

	if r.shouldSnapshot(expected, root.Version()) {
		if err := r.Snapshot(ctx, root); err != nil {
			r.logger.Warn("automatic snapshot failed",
				"aggregate_id", root.ID(), "version", root.Version(), "error", err)
		}
	}

	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, stored); err != nil {
			r.logger.Error("publish failed",
				"aggregate_id", root.ID(), "version", root.Version(), "error", err)
			return fmt.Errorf("%w: %w", ErrPublishFailed, err)
		}
	}

	return nil
}

func (r *Repository[S]) shouldSnapshot(from, to int64) bool {
	if r.codec == nil || r.snapshotEvery <= 0 {
		return false
	}
	return from/r.snapshotEvery != to/r.snapshotEvery
}

// Snapshot stores the root's committed state at its current version.
// When to snapshot is the caller's policy; see also WithSnapshotEvery.
func (r *Repository[S]) Snapshot(ctx context.Context, root *Root[S]) error {
	if root == nil {
		return ErrNilRoot
	}
	if r.codec == nil {
		return ErrSnapshotsDisabled
	}
	if root.HasPending() {
		return ErrUncommittedEvents
	}
	if root.Version() == 0 {
		return nil
	}

	snapshot, err := TakeSnapshot(root, r.codec)
	if err != nil {
		return err
	}
	if err := r.store.SaveSnapshot(ctx, *snapshot); err != nil {
		return err
	}

	r.logger.Debug("snapshot stored",
		"aggregate_id", root.ID(), "sequence", snapshot.Sequence, "schema_version", snapshot.SchemaVersion)
	return nil
}

// RetryOption configures Update.
type RetryOption func(*retryConfig)

type retryConfig struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

// WithMaxAttempts sets how many times Update runs the command, including the
// first run. The default is 1: conflicts are returned, not retried.
func WithMaxAttempts(n int) RetryOption {
	return func(c *retryConfig) {
		c.maxAttempts = n
	}
}

// WithBackoff sets the delay before the first retry, its growth factor and cap.
func WithBackoff(initial time.Duration, multiplier float64, maxDelay time.Duration) RetryOption {
	return func(c *retryConfig) {
		c.initialDelay = initial
		c.multiplier = multiplier
		c.maxDelay = maxDelay
	}
}

// Update loads the aggregate, runs fn and saves the result. When the save
// hits a concurrency conflict and attempts remain, it reloads and runs fn
// again against the fresh state. Any other error ends the loop.
func (r *Repository[S]) Update(ctx context.Context, aggregateID string, fn func(*Root[S]) error, opts ...RetryOption) (*Root[S], error) {
	config := retryConfig{
		maxAttempts:  1,
		initialDelay: 10 * time.Millisecond,
		maxDelay:     time.Second,
		multiplier:   2.0,
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.maxAttempts <= 0 {
		config.maxAttempts = 1
	}
	if config.multiplier <= 0 {
		config.multiplier = 1.0
	}

	delay := config.initialDelay
	for attempt := 1; ; attempt++ {
		root, err := r.Load(ctx, aggregateID)
		if err != nil {
			return nil, err
		}

		if err := fn(root); err != nil {
			return root, err
		}

		err = r.Save(ctx, root)
		if err == nil || !errors.Is(err, ErrConcurrencyConflict) || attempt >= config.maxAttempts {
			return root, err
		}

		r.logger.Debug("retrying after concurrency conflict",
			"aggregate_id", aggregateID, "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
			return root, ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * config.multiplier)
		if config.maxDelay > 0 && delay > config.maxDelay {
			delay = config.maxDelay
		}
	}
}
