// Package postgres provides a PostgreSQL implementation of the event store adapter.
//
// The adapter works through database/sql with either the pgx stdlib driver
// (the default) or lib/pq. Both report unique-key violations with SQLSTATE
// 23505; the adapter maps them to a concurrency conflict so writers that race
// past the version read are still rejected by the (aggregate_id, sequence) key.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/kestrel-es/kestrel/adapters"
)

// Version constants for optimistic concurrency control.
const (
	AnyVersion   = adapters.AnyVersion
	NoStream     = adapters.NoStream
	StreamExists = adapters.StreamExists
)

// Driver names accepted by WithDriver.
const (
	DriverPGX = "pgx"
	DriverPQ  = "postgres"
)

// DefaultSchema is the schema used when none is configured.
const DefaultSchema = "kestrel"

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Sentinel errors for the postgres adapter.
// These are aliases to the adapters package errors for compatibility with errors.Is().
var (
	ErrAdapterClosed       = adapters.ErrAdapterClosed
	ErrEmptyAggregateID    = adapters.ErrEmptyAggregateID
	ErrNoEvents            = adapters.ErrNoEvents
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict
	ErrDataIntegrity       = adapters.ErrDataIntegrity
	ErrStreamNotFound      = adapters.ErrStreamNotFound
	ErrInvalidVersion      = adapters.ErrInvalidVersion
)

// Ensure PostgresAdapter implements required interfaces.
var (
	_ adapters.EventStoreAdapter = (*PostgresAdapter)(nil)
	_ adapters.SnapshotAdapter   = (*PostgresAdapter)(nil)
	_ adapters.HealthChecker     = (*PostgresAdapter)(nil)
)

// PostgresAdapter is a PostgreSQL implementation of EventStoreAdapter.
type PostgresAdapter struct {
	db     *sql.DB
	schema string
	closed bool
}

type config struct {
	driver          string
	schema          string
	maxOpen         int
	maxIdle         int
	connMaxLifetime time.Duration
}

// Option configures a PostgresAdapter.
type Option func(*config)

// WithSchema sets the database schema name.
func WithSchema(schema string) Option {
	return func(c *config) {
		c.schema = schema
	}
}

// WithDriver selects the database/sql driver: DriverPGX (default) or DriverPQ.
// It only affects NewAdapter.
func WithDriver(name string) Option {
	return func(c *config) {
		c.driver = name
	}
}

// WithMaxConnections sets the maximum number of open connections.
func WithMaxConnections(n int) Option {
	return func(c *config) {
		c.maxOpen = n
	}
}

// WithMaxIdleConnections sets the maximum number of idle connections.
func WithMaxIdleConnections(n int) Option {
	return func(c *config) {
		c.maxIdle = n
	}
}

// WithConnectionMaxLifetime sets the maximum connection lifetime.
func WithConnectionMaxLifetime(d time.Duration) Option {
	return func(c *config) {
		c.connMaxLifetime = d
	}
}

func newConfig(opts []Option) config {
	cfg := config{driver: DriverPGX, schema: DefaultSchema}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewAdapter opens a connection pool and creates a PostgreSQL event store adapter.
func NewAdapter(connStr string, opts ...Option) (*PostgresAdapter, error) {
	cfg := newConfig(opts)

	db, err := sql.Open(cfg.driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("kestrel/postgres: failed to open database: %w", err)
	}

	return newAdapter(db, cfg), nil
}

// NewAdapterWithDB creates a new adapter with an existing database connection.
func NewAdapterWithDB(db *sql.DB, opts ...Option) *PostgresAdapter {
	return newAdapter(db, newConfig(opts))
}

func newAdapter(db *sql.DB, cfg config) *PostgresAdapter {
	if cfg.maxOpen > 0 {
		db.SetMaxOpenConns(cfg.maxOpen)
	}
	if cfg.maxIdle > 0 {
		db.SetMaxIdleConns(cfg.maxIdle)
	}
	if cfg.connMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.connMaxLifetime)
	}
	return &PostgresAdapter{db: db, schema: cfg.schema}
}

// Initialize creates the required database schema and tables.
func (a *PostgresAdapter) Initialize(ctx context.Context) error {
	return a.Migrate(ctx)
}

// Migrate runs database migrations.
func (a *PostgresAdapter) Migrate(ctx context.Context) error {
	statements := []struct {
		what string
		sql  string
	}{
		{"schema", fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, a.schema)},
		{"streams table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.streams (
				aggregate_id    VARCHAR(500) PRIMARY KEY,
				tenant_id       VARCHAR(250) NOT NULL DEFAULT '',
				version         BIGINT NOT NULL DEFAULT 0,
				created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, a.schema)},
		{"events table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.events (
				global_position BIGSERIAL PRIMARY KEY,
				event_id        UUID NOT NULL DEFAULT gen_random_uuid(),
				aggregate_id    VARCHAR(500) NOT NULL,
				tenant_id       VARCHAR(250) NOT NULL DEFAULT '',
				sequence        BIGINT NOT NULL CHECK (sequence > 0),
				event_type      VARCHAR(500) NOT NULL,
				actor_id        VARCHAR(250) NOT NULL DEFAULT '',
				data            BYTEA NOT NULL,
				metadata        JSONB,
				occurred_at     TIMESTAMPTZ NOT NULL,
				stored_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE(aggregate_id, sequence)
			)`, a.schema)},
		{"index", fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_events_type ON %s.events(event_type)`, a.schema)},
		{"index", fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_events_tenant ON %s.events(tenant_id)`, a.schema)},
		{"snapshots table", fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s.snapshots (
				aggregate_id    VARCHAR(500) PRIMARY KEY,
				tenant_id       VARCHAR(250) NOT NULL DEFAULT '',
				sequence        BIGINT NOT NULL,
				schema_version  INTEGER NOT NULL,
				data            BYTEA NOT NULL,
				created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, a.schema)},
		{"snapshot tenant column", fmt.Sprintf(`
			ALTER TABLE %s.snapshots ADD COLUMN IF NOT EXISTS tenant_id VARCHAR(250) NOT NULL DEFAULT ''`, a.schema)},
	}

	for _, stmt := range statements {
		if _, err := a.db.ExecContext(ctx, stmt.sql); err != nil {
			return fmt.Errorf("kestrel/postgres: failed to create %s: %w", stmt.what, err)
		}
	}

	return nil
}

// MigrationVersion returns 1 when the events table exists, 0 otherwise.
func (a *PostgresAdapter) MigrationVersion(ctx context.Context) (int, error) {
	var exists bool
	err := a.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = 'events'
		)`, a.schema).Scan(&exists)
	if err != nil {
		return 0, err
	}

	if exists {
		return 1, nil
	}
	return 0, nil
}

// Append stores events for the aggregate with optimistic concurrency control.
// The stream row is locked for the duration of the transaction.
func (a *PostgresAdapter) Append(ctx context.Context, aggregateID, tenantID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	if err := adapters.ValidateAppend(aggregateID, events); err != nil {
		return nil, err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("kestrel/postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentVersion int64
	streamExists := true

	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT version FROM %s.streams
		WHERE aggregate_id = $1
		FOR UPDATE`, a.schema), aggregateID).Scan(&currentVersion)

	if errors.Is(err, sql.ErrNoRows) {
		streamExists = false
		currentVersion = 0
	} else if err != nil {
		return nil, fmt.Errorf("kestrel/postgres: failed to get stream version: %w", err)
	}

	if err := adapters.CheckVersion(aggregateID, expectedVersion, currentVersion, streamExists); err != nil {
		return nil, err
	}
	if err := adapters.CheckSequence(aggregateID, currentVersion, events); err != nil {
		return nil, err
	}

	if !streamExists {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s.streams (aggregate_id, tenant_id, version)
			VALUES ($1, $2, 0)`, a.schema), aggregateID, tenantID)
		if err != nil {
			return nil, a.writeError(aggregateID, expectedVersion, "create stream", err)
		}
	}

	storedEvents := make([]adapters.StoredEvent, len(events))
	for i, event := range events {
		metadataJSON, err := json.Marshal(event.Metadata)
		if err != nil {
			return nil, fmt.Errorf("kestrel/postgres: failed to marshal metadata: %w", err)
		}

		var (
			globalPosition uint64
			eventID        string
			storedAt       time.Time
		)
		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %s.events (aggregate_id, tenant_id, sequence, event_type, actor_id, data, metadata, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING global_position, event_id, stored_at`, a.schema),
			aggregateID, tenantID, event.Sequence, event.Type, event.ActorID, event.Data, metadataJSON, event.OccurredAt,
		).Scan(&globalPosition, &eventID, &storedAt)
		if err != nil {
			return nil, a.writeError(aggregateID, expectedVersion, "insert event", err)
		}

		storedEvents[i] = adapters.StoredEvent{
			ID:             eventID,
			AggregateID:    aggregateID,
			TenantID:       tenantID,
			Type:           event.Type,
			Data:           event.Data,
			Sequence:       event.Sequence,
			ActorID:        event.ActorID,
			OccurredAt:     event.OccurredAt,
			Metadata:       event.Metadata,
			GlobalPosition: globalPosition,
			StoredAt:       storedAt,
		}
	}

	newVersion := events[len(events)-1].Sequence
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s.streams
		SET version = $1, updated_at = NOW()
		WHERE aggregate_id = $2`, a.schema), newVersion, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("kestrel/postgres: failed to update stream version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, a.writeError(aggregateID, expectedVersion, "commit transaction", err)
	}

	return storedEvents, nil
}

// writeError maps unique violations to a concurrency conflict and wraps
// everything else.
func (a *PostgresAdapter) writeError(aggregateID string, expected int64, op string, err error) error {
	if IsUniqueViolation(err) {
		return adapters.NewConcurrencyError(aggregateID, expected, -1)
	}
	return fmt.Errorf("kestrel/postgres: failed to %s: %w", op, err)
}

// IsUniqueViolation reports whether err is a unique_violation from either
// supported driver.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}

// Load retrieves the aggregate's events after fromSequence, ordered by sequence.
func (a *PostgresAdapter) Load(ctx context.Context, aggregateID string, fromSequence int64) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	if aggregateID == "" {
		return nil, ErrEmptyAggregateID
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT global_position, event_id, aggregate_id, tenant_id, sequence, event_type, actor_id, data, metadata, occurred_at, stored_at
		FROM %s.events
		WHERE aggregate_id = $1 AND sequence > $2
		ORDER BY sequence`, a.schema), aggregateID, fromSequence)
	if err != nil {
		return nil, fmt.Errorf("kestrel/postgres: failed to load events: %w", err)
	}
	defer rows.Close()

	events := make([]adapters.StoredEvent, 0)
	for rows.Next() {
		var event adapters.StoredEvent
		var metadataJSON []byte

		err := rows.Scan(
			&event.GlobalPosition,
			&event.ID,
			&event.AggregateID,
			&event.TenantID,
			&event.Sequence,
			&event.Type,
			&event.ActorID,
			&event.Data,
			&metadataJSON,
			&event.OccurredAt,
			&event.StoredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("kestrel/postgres: failed to scan event: %w", err)
		}

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("kestrel/postgres: failed to unmarshal metadata: %w", err)
			}
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kestrel/postgres: error iterating events: %w", err)
	}

	return events, nil
}

// GetStreamInfo returns metadata about the aggregate's log.
func (a *PostgresAdapter) GetStreamInfo(ctx context.Context, aggregateID string) (*adapters.StreamInfo, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	var info adapters.StreamInfo
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT aggregate_id, tenant_id, version, created_at, updated_at
		FROM %s.streams
		WHERE aggregate_id = $1`, a.schema), aggregateID).Scan(
		&info.AggregateID,
		&info.TenantID,
		&info.Version,
		&info.CreatedAt,
		&info.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewStreamNotFoundError(aggregateID)
	}
	if err != nil {
		return nil, fmt.Errorf("kestrel/postgres: failed to get stream info: %w", err)
	}

	// Sequences are contiguous from 1, so the count equals the version.
	info.EventCount = info.Version
	return &info, nil
}

// Close releases the database connection.
func (a *PostgresAdapter) Close() error {
	a.closed = true
	return a.db.Close()
}

// SaveSnapshot stores a snapshot, replacing the previous one for the aggregate.
func (a *PostgresAdapter) SaveSnapshot(ctx context.Context, snapshot adapters.SnapshotRecord) error {
	if a.closed {
		return ErrAdapterClosed
	}
	if snapshot.AggregateID == "" {
		return ErrEmptyAggregateID
	}

	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.snapshots (aggregate_id, tenant_id, sequence, schema_version, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (aggregate_id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			sequence = EXCLUDED.sequence,
			schema_version = EXCLUDED.schema_version,
			data = EXCLUDED.data,
			created_at = NOW()`, a.schema),
		snapshot.AggregateID, snapshot.TenantID, snapshot.Sequence, snapshot.SchemaVersion, snapshot.Data)
	if err != nil {
		return fmt.Errorf("kestrel/postgres: failed to save snapshot: %w", err)
	}

	return nil
}

// LoadSnapshot retrieves the latest snapshot for the aggregate.
func (a *PostgresAdapter) LoadSnapshot(ctx context.Context, aggregateID string) (*adapters.SnapshotRecord, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	var snapshot adapters.SnapshotRecord
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT aggregate_id, tenant_id, sequence, schema_version, data, created_at
		FROM %s.snapshots
		WHERE aggregate_id = $1`, a.schema), aggregateID).Scan(
		&snapshot.AggregateID,
		&snapshot.TenantID,
		&snapshot.Sequence,
		&snapshot.SchemaVersion,
		&snapshot.Data,
		&snapshot.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kestrel/postgres: failed to load snapshot: %w", err)
	}

	return &snapshot, nil
}

// DeleteSnapshot removes the snapshot for the aggregate.
func (a *PostgresAdapter) DeleteSnapshot(ctx context.Context, aggregateID string) error {
	if a.closed {
		return ErrAdapterClosed
	}

	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s.snapshots WHERE aggregate_id = $1`, a.schema), aggregateID)
	if err != nil {
		return fmt.Errorf("kestrel/postgres: failed to delete snapshot: %w", err)
	}

	return nil
}

// Ping checks database connectivity.
func (a *PostgresAdapter) Ping(ctx context.Context) error {
	if a.closed {
		return ErrAdapterClosed
	}
	return a.db.PingContext(ctx)
}

// DB returns the underlying database connection.
func (a *PostgresAdapter) DB() *sql.DB {
	return a.db
}

// Schema returns the schema name.
func (a *PostgresAdapter) Schema() string {
	return a.schema
}
