// Package sqlite provides a SQLite implementation of the event store adapter
// backed by the pure-Go modernc.org/sqlite driver.
//
// The adapter holds a single connection so writers are serialized; the
// (aggregate_id, sequence) primary key still rejects any append that would
// duplicate a stored position.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/kestrel-es/kestrel/adapters"
)

// Version constants for optimistic concurrency control.
const (
	AnyVersion   = adapters.AnyVersion
	NoStream     = adapters.NoStream
	StreamExists = adapters.StreamExists
)

// Sentinel errors re-exported from the adapters package.
var (
	ErrAdapterClosed       = adapters.ErrAdapterClosed
	ErrEmptyAggregateID    = adapters.ErrEmptyAggregateID
	ErrNoEvents            = adapters.ErrNoEvents
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict
	ErrDataIntegrity       = adapters.ErrDataIntegrity
	ErrStreamNotFound      = adapters.ErrStreamNotFound
)

var (
	_ adapters.EventStoreAdapter = (*SQLiteAdapter)(nil)
	_ adapters.SnapshotAdapter   = (*SQLiteAdapter)(nil)
	_ adapters.HealthChecker     = (*SQLiteAdapter)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS streams (
	aggregate_id TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL DEFAULT '',
	version      INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	global_position INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id        TEXT NOT NULL UNIQUE,
	aggregate_id    TEXT NOT NULL,
	tenant_id       TEXT NOT NULL DEFAULT '',
	sequence        INTEGER NOT NULL CHECK (sequence > 0),
	event_type      TEXT NOT NULL,
	actor_id        TEXT NOT NULL DEFAULT '',
	data            BLOB NOT NULL,
	metadata        TEXT,
	occurred_at     INTEGER NOT NULL,
	stored_at       INTEGER NOT NULL,
	UNIQUE (aggregate_id, sequence)
);
CREATE TABLE IF NOT EXISTS snapshots (
	aggregate_id   TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL DEFAULT '',
	sequence       INTEGER NOT NULL,
	schema_version INTEGER NOT NULL,
	data           BLOB NOT NULL,
	created_at     INTEGER NOT NULL
);`

// SQLiteAdapter is a SQLite implementation of EventStoreAdapter.
type SQLiteAdapter struct {
	db  *sql.DB
	now func() time.Time

	mu     sync.RWMutex
	closed bool
}

// Option configures a SQLiteAdapter.
type Option func(*SQLiteAdapter)

// WithClock overrides the clock used for storage timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *SQLiteAdapter) {
		a.now = now
	}
}

// Open opens the database at path. Use ":memory:" for a private in-memory store.
func Open(path string, opts ...Option) (*SQLiteAdapter, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("kestrel/sqlite: storage path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("kestrel/sqlite: open db: %w", err)
	}
	// A second connection to ":memory:" would see a different database.
	db.SetMaxOpenConns(1)

	return NewAdapterWithDB(db, opts...), nil
}

// NewAdapterWithDB wraps an existing database handle.
func NewAdapterWithDB(db *sql.DB, opts ...Option) *SQLiteAdapter {
	a := &SQLiteAdapter{db: db, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func (a *SQLiteAdapter) isClosed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.closed
}

// Initialize creates the tables.
func (a *SQLiteAdapter) Initialize(ctx context.Context) error {
	if a.isClosed() {
		return ErrAdapterClosed
	}
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("kestrel/sqlite: apply schema: %w", err)
	}

	// Snapshot tables created before tenants were recorded lack the column.
	var hasTenant int
	if err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('snapshots') WHERE name = 'tenant_id'`).Scan(&hasTenant); err != nil {
		return fmt.Errorf("kestrel/sqlite: inspect snapshots: %w", err)
	}
	if hasTenant == 0 {
		if _, err := a.db.ExecContext(ctx,
			`ALTER TABLE snapshots ADD COLUMN tenant_id TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("kestrel/sqlite: add snapshot tenant: %w", err)
		}
	}
	return nil
}

// Append stores events for the aggregate with optimistic concurrency control.
func (a *SQLiteAdapter) Append(ctx context.Context, aggregateID, tenantID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.isClosed() {
		return nil, ErrAdapterClosed
	}
	if err := adapters.ValidateAppend(aggregateID, events); err != nil {
		return nil, err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("kestrel/sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	exists := true
	err = tx.QueryRowContext(ctx, `SELECT version FROM streams WHERE aggregate_id = ?`, aggregateID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return nil, fmt.Errorf("kestrel/sqlite: read stream version: %w", err)
	}

	if err := adapters.CheckVersion(aggregateID, expectedVersion, current, exists); err != nil {
		return nil, err
	}
	if err := adapters.CheckSequence(aggregateID, current, events); err != nil {
		return nil, err
	}

	now := a.now()
	if !exists {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO streams (aggregate_id, tenant_id, version, created_at, updated_at) VALUES (?, ?, 0, ?, ?)`,
			aggregateID, tenantID, toNanos(now), toNanos(now))
		if err != nil {
			return nil, writeError(aggregateID, expectedVersion, "create stream", err)
		}
	}

	stored := make([]adapters.StoredEvent, len(events))
	for i, event := range events {
		metadataJSON, err := json.Marshal(event.Metadata)
		if err != nil {
			return nil, fmt.Errorf("kestrel/sqlite: marshal metadata: %w", err)
		}

		id := uuid.NewString()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (event_id, aggregate_id, tenant_id, sequence, event_type, actor_id, data, metadata, occurred_at, stored_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, aggregateID, tenantID, event.Sequence, event.Type, event.ActorID, event.Data, string(metadataJSON),
			toNanos(event.OccurredAt), toNanos(now))
		if err != nil {
			return nil, writeError(aggregateID, expectedVersion, "append event", err)
		}
		position, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("kestrel/sqlite: read global position: %w", err)
		}

		stored[i] = adapters.StoredEvent{
			ID:             id,
			AggregateID:    aggregateID,
			TenantID:       tenantID,
			Type:           event.Type,
			Data:           event.Data,
			Sequence:       event.Sequence,
			ActorID:        event.ActorID,
			OccurredAt:     event.OccurredAt,
			Metadata:       event.Metadata,
			GlobalPosition: uint64(position),
			StoredAt:       fromNanos(toNanos(now)),
		}
	}

	_, err = tx.ExecContext(ctx, `UPDATE streams SET version = ?, updated_at = ? WHERE aggregate_id = ?`,
		events[len(events)-1].Sequence, toNanos(now), aggregateID)
	if err != nil {
		return nil, fmt.Errorf("kestrel/sqlite: update stream version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, writeError(aggregateID, expectedVersion, "commit", err)
	}
	return stored, nil
}

func writeError(aggregateID string, expected int64, op string, err error) error {
	if isConstraintError(err) {
		return adapters.NewConcurrencyError(aggregateID, expected, -1)
	}
	return fmt.Errorf("kestrel/sqlite: %s: %w", op, err)
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// Load retrieves the aggregate's events after fromSequence, ordered by sequence.
func (a *SQLiteAdapter) Load(ctx context.Context, aggregateID string, fromSequence int64) ([]adapters.StoredEvent, error) {
	if a.isClosed() {
		return nil, ErrAdapterClosed
	}
	if aggregateID == "" {
		return nil, ErrEmptyAggregateID
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT global_position, event_id, aggregate_id, tenant_id, sequence, event_type, actor_id, data, metadata, occurred_at, stored_at
		FROM events
		WHERE aggregate_id = ? AND sequence > ?
		ORDER BY sequence`, aggregateID, fromSequence)
	if err != nil {
		return nil, fmt.Errorf("kestrel/sqlite: load events: %w", err)
	}
	defer rows.Close()

	events := make([]adapters.StoredEvent, 0)
	for rows.Next() {
		var (
			event      adapters.StoredEvent
			position   int64
			metadata   sql.NullString
			occurredAt int64
			storedAt   int64
		)
		if err := rows.Scan(&position, &event.ID, &event.AggregateID, &event.TenantID, &event.Sequence,
			&event.Type, &event.ActorID, &event.Data, &metadata, &occurredAt, &storedAt); err != nil {
			return nil, fmt.Errorf("kestrel/sqlite: scan event: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &event.Metadata); err != nil {
				return nil, fmt.Errorf("kestrel/sqlite: decode metadata: %w", err)
			}
		}
		event.GlobalPosition = uint64(position)
		event.OccurredAt = fromNanos(occurredAt)
		event.StoredAt = fromNanos(storedAt)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kestrel/sqlite: iterate events: %w", err)
	}
	return events, nil
}

// GetStreamInfo returns metadata about the aggregate's log.
func (a *SQLiteAdapter) GetStreamInfo(ctx context.Context, aggregateID string) (*adapters.StreamInfo, error) {
	if a.isClosed() {
		return nil, ErrAdapterClosed
	}

	var (
		info             adapters.StreamInfo
		created, updated int64
	)
	err := a.db.QueryRowContext(ctx,
		`SELECT aggregate_id, tenant_id, version, created_at, updated_at FROM streams WHERE aggregate_id = ?`,
		aggregateID).Scan(&info.AggregateID, &info.TenantID, &info.Version, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewStreamNotFoundError(aggregateID)
	}
	if err != nil {
		return nil, fmt.Errorf("kestrel/sqlite: stream info: %w", err)
	}

	info.EventCount = info.Version
	info.CreatedAt = fromNanos(created)
	info.UpdatedAt = fromNanos(updated)
	return &info, nil
}

// SaveSnapshot stores a snapshot, replacing the previous one for the aggregate.
func (a *SQLiteAdapter) SaveSnapshot(ctx context.Context, snapshot adapters.SnapshotRecord) error {
	if a.isClosed() {
		return ErrAdapterClosed
	}
	if snapshot.AggregateID == "" {
		return ErrEmptyAggregateID
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, tenant_id, sequence, schema_version, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (aggregate_id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			sequence = excluded.sequence,
			schema_version = excluded.schema_version,
			data = excluded.data,
			created_at = excluded.created_at`,
		snapshot.AggregateID, snapshot.TenantID, snapshot.Sequence, snapshot.SchemaVersion, snapshot.Data, toNanos(a.now()))
	if err != nil {
		return fmt.Errorf("kestrel/sqlite: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot, or nil when there is none.
func (a *SQLiteAdapter) LoadSnapshot(ctx context.Context, aggregateID string) (*adapters.SnapshotRecord, error) {
	if a.isClosed() {
		return nil, ErrAdapterClosed
	}

	var (
		snapshot adapters.SnapshotRecord
		created  int64
	)
	err := a.db.QueryRowContext(ctx,
		`SELECT aggregate_id, tenant_id, sequence, schema_version, data, created_at FROM snapshots WHERE aggregate_id = ?`,
		aggregateID).Scan(&snapshot.AggregateID, &snapshot.TenantID, &snapshot.Sequence, &snapshot.SchemaVersion, &snapshot.Data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kestrel/sqlite: load snapshot: %w", err)
	}
	snapshot.CreatedAt = fromNanos(created)
	return &snapshot, nil
}

// DeleteSnapshot removes the snapshot for the aggregate.
func (a *SQLiteAdapter) DeleteSnapshot(ctx context.Context, aggregateID string) error {
	if a.isClosed() {
		return ErrAdapterClosed
	}
	if _, err := a.db.ExecContext(ctx, `DELETE FROM snapshots WHERE aggregate_id = ?`, aggregateID); err != nil {
		return fmt.Errorf("kestrel/sqlite: delete snapshot: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (a *SQLiteAdapter) Ping(ctx context.Context) error {
	if a.isClosed() {
		return ErrAdapterClosed
	}
	return a.db.PingContext(ctx)
}

// Close closes the database handle.
func (a *SQLiteAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}

// DB returns the underlying database handle.
func (a *SQLiteAdapter) DB() *sql.DB {
	return a.db
}
