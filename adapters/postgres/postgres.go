// Package postgres provides a PostgreSQL implementation of the event store adapter.
//
// Each partition gets its own table set, named after Partition.TableSuffix:
// streams_<suffix>, events_<suffix>, snapshots_<suffix> and positions_<suffix>,
// a single row holding the last global position handed out. Tables are
// created the first time a partition is used; a shared partitions table
// records every partition that was ever created.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/keelhq/keel/adapters"
)

// uniqueViolation is the SQLSTATE of a unique constraint violation.
const uniqueViolation = "23505"

// Ensure PostgresAdapter implements required interfaces.
var (
	_ adapters.EventStoreAdapter    = (*PostgresAdapter)(nil)
	_ adapters.PartitionInitializer = (*PostgresAdapter)(nil)
	_ adapters.SubscriptionAdapter  = (*PostgresAdapter)(nil)
	_ adapters.SnapshotAdapter      = (*PostgresAdapter)(nil)
	_ adapters.CheckpointAdapter    = (*PostgresAdapter)(nil)
	_ adapters.HealthChecker        = (*PostgresAdapter)(nil)
)

// PostgresAdapter is a PostgreSQL implementation of EventStoreAdapter.
type PostgresAdapter struct {
	db     *sql.DB
	schema string
	closed atomic.Bool

	// ensured caches partitions whose tables exist, keyed by table suffix.
	ensured sync.Map
	ensure  sync.Mutex
}

// Option configures a PostgresAdapter.
type Option func(*PostgresAdapter)

// WithSchema sets the database schema name.
func WithSchema(schema string) Option {
	return func(a *PostgresAdapter) {
		a.schema = schema
	}
}

// WithMaxConnections sets the maximum number of open connections.
func WithMaxConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxOpenConns(n)
	}
}

// WithMaxIdleConnections sets the maximum number of idle connections.
func WithMaxIdleConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxIdleConns(n)
	}
}

// WithConnectionMaxLifetime sets the maximum connection lifetime.
func WithConnectionMaxLifetime(d time.Duration) Option {
	return func(a *PostgresAdapter) {
		a.db.SetConnMaxLifetime(d)
	}
}

// NewAdapter opens a connection pool with the pgx driver.
func NewAdapter(connStr string, opts ...Option) (*PostgresAdapter, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("keel/postgres: failed to open database: %w", err)
	}
	return NewAdapterWithDB(db, opts...), nil
}

// NewAdapterWithDB creates a new adapter with an existing database connection.
func NewAdapterWithDB(db *sql.DB, opts ...Option) *PostgresAdapter {
	adapter := &PostgresAdapter{
		db:     db,
		schema: "keel",
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// table returns the quoted, schema-qualified name of a per-partition table.
func (a *PostgresAdapter) table(kind string, p adapters.Partition) string {
	return pgx.Identifier{a.schema, kind + "_" + p.TableSuffix()}.Sanitize()
}

// shared returns the quoted name of a table shared by all partitions.
func (a *PostgresAdapter) shared(name string) string {
	return pgx.Identifier{a.schema, name}.Sanitize()
}

// Initialize creates the schema and the tables shared by all partitions.
func (a *PostgresAdapter) Initialize(ctx context.Context) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}

	statements := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{a.schema}.Sanitize()),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				partition_key   VARCHAR(120) PRIMARY KEY,
				tenant_id       VARCHAR(60) NOT NULL DEFAULT '',
				domain          VARCHAR(60) NOT NULL,
				created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, a.shared("partitions")),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				partition_key   VARCHAR(120) NOT NULL,
				projection_name VARCHAR(500) NOT NULL,
				position        BIGINT NOT NULL DEFAULT 0,
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (partition_key, projection_name)
			)`, a.shared("checkpoints")),
	}

	for _, stmt := range statements {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("keel/postgres: failed to initialize schema: %w", err)
		}
	}
	return nil
}

// EnsurePartition creates the tables of partition p if they do not exist.
func (a *PostgresAdapter) EnsurePartition(ctx context.Context, p adapters.Partition) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if _, ok := a.ensured.Load(p.TableSuffix()); ok {
		return nil
	}

	a.ensure.Lock()
	defer a.ensure.Unlock()
	if _, ok := a.ensured.Load(p.TableSuffix()); ok {
		return nil
	}

	streams, events, snapshots := a.table("streams", p), a.table("events", p), a.table("snapshots", p)
	positions := a.table("positions", p)
	suffix := p.TableSuffix()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("keel/postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				stream_id       VARCHAR(500) PRIMARY KEY,
				version         BIGINT NOT NULL DEFAULT 0,
				created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, streams),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				global_position BIGINT PRIMARY KEY,
				stream_id       VARCHAR(500) NOT NULL,
				version         BIGINT NOT NULL,
				event_id        UUID NOT NULL DEFAULT gen_random_uuid(),
				event_type      VARCHAR(500) NOT NULL,
				data            BYTEA NOT NULL,
				metadata        JSONB,
				timestamp       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (stream_id, version)
			)`, events),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (event_type)`,
			pgx.Identifier{"idx_events_type_" + suffix}.Sanitize(), events),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				stream_id       VARCHAR(500) PRIMARY KEY,
				version         BIGINT NOT NULL,
				data            BYTEA NOT NULL,
				created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, snapshots),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id              SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
				last_position   BIGINT NOT NULL
			)`, positions),
		fmt.Sprintf(`
			INSERT INTO %s (id, last_position)
			SELECT 1, COALESCE(MAX(global_position), 0) FROM %s
			ON CONFLICT (id) DO NOTHING`, positions, events),
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("keel/postgres: failed to create tables for partition %s: %w", p.Key(), err)
		}
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (partition_key, tenant_id, domain)
		VALUES ($1, $2, $3)
		ON CONFLICT (partition_key) DO NOTHING`, a.shared("partitions")),
		p.Key(), p.TenantID, p.Domain)
	if err != nil {
		return fmt.Errorf("keel/postgres: failed to register partition %s: %w", p.Key(), err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("keel/postgres: failed to commit transaction: %w", err)
	}

	a.ensured.Store(suffix, struct{}{})
	return nil
}

// Partitions lists every partition that has tables.
func (a *PostgresAdapter) Partitions(ctx context.Context) ([]adapters.Partition, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT tenant_id, domain FROM %s ORDER BY partition_key`, a.shared("partitions")))
	if err != nil {
		return nil, fmt.Errorf("keel/postgres: failed to list partitions: %w", err)
	}
	defer rows.Close()

	var partitions []adapters.Partition
	for rows.Next() {
		var p adapters.Partition
		if err := rows.Scan(&p.TenantID, &p.Domain); err != nil {
			return nil, fmt.Errorf("keel/postgres: failed to scan partition: %w", err)
		}
		partitions = append(partitions, p)
	}
	return partitions, rows.Err()
}

// Append stores events to the specified stream with optimistic concurrency control.
// The stream row is locked for the duration of the transaction, so concurrent
// appends to one stream are serialized and exactly one of two writers with the
// same expected version succeeds. Global positions come from a per-partition
// counter row that is locked last, which also serializes the commits of
// appends to different streams of one partition.
func (a *PostgresAdapter) Append(ctx context.Context, p adapters.Partition, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if err := adapters.ValidateAppend(p, streamID, events); err != nil {
		return nil, err
	}
	if err := a.EnsurePartition(ctx, p); err != nil {
		return nil, err
	}

	streams, eventsTable, positions := a.table("streams", p), a.table("events", p), a.table("positions", p)

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("keel/postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentVersion int64
	streamExists := true
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT version FROM %s
		WHERE stream_id = $1
		FOR UPDATE`, streams), streamID).Scan(&currentVersion)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		streamExists = false
	case err != nil:
		return nil, fmt.Errorf("keel/postgres: failed to get stream version: %w", err)
	}

	if err := adapters.CheckVersion(streamID, expectedVersion, currentVersion, streamExists); err != nil {
		return nil, err
	}

	if !streamExists {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (stream_id, version)
			VALUES ($1, 0)`, streams), streamID)
		if err != nil {
			return nil, a.mapWriteError(streamID, expectedVersion, err, "create stream")
		}
	}

	// The counter row stays locked until commit, so positions are handed out
	// in commit order and a reader never sees N+1 before N.
	var lastPosition int64
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET last_position = last_position + $1
		WHERE id = 1
		RETURNING last_position`, positions), len(events)).Scan(&lastPosition)
	if err != nil {
		return nil, fmt.Errorf("keel/postgres: failed to allocate positions: %w", err)
	}
	globalPosition := lastPosition - int64(len(events))

	stored := make([]adapters.StoredEvent, len(events))
	for i, event := range events {
		currentVersion++
		globalPosition++

		metadataJSON, err := json.Marshal(event.Metadata)
		if err != nil {
			return nil, fmt.Errorf("keel/postgres: failed to marshal metadata: %w", err)
		}

		var (
			eventID   string
			timestamp time.Time
		)
		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (global_position, stream_id, version, event_type, data, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING event_id, timestamp`, eventsTable),
			globalPosition, streamID, currentVersion, event.Type, event.Data, metadataJSON,
		).Scan(&eventID, &timestamp)
		if err != nil {
			return nil, a.mapWriteError(streamID, expectedVersion, err, "insert event")
		}

		stored[i] = adapters.StoredEvent{
			ID:             eventID,
			StreamID:       streamID,
			Type:           event.Type,
			Data:           event.Data,
			Metadata:       event.Metadata,
			Version:        currentVersion,
			GlobalPosition: uint64(globalPosition),
			Timestamp:      timestamp,
		}
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET version = $1, updated_at = NOW()
		WHERE stream_id = $2`, streams), currentVersion, streamID)
	if err != nil {
		return nil, fmt.Errorf("keel/postgres: failed to update stream version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, a.mapWriteError(streamID, expectedVersion, err, "commit transaction")
	}

	return stored, nil
}

// mapWriteError reports a lost race on a new stream as a concurrency conflict.
func (a *PostgresAdapter) mapWriteError(streamID string, expected int64, err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return adapters.NewConcurrencyError(streamID, expected, -1)
	}
	return fmt.Errorf("keel/postgres: failed to %s: %w", op, err)
}

// Load returns the events of a stream after fromVersion, at most limit of them.
func (a *PostgresAdapter) Load(ctx context.Context, p adapters.Partition, streamID string, fromVersion int64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if streamID == "" {
		return nil, adapters.ErrEmptyStreamID
	}
	if err := a.EnsurePartition(ctx, p); err != nil {
		return nil, err
	}

	// LIMIT NULL means no limit.
	var rowLimit sql.NullInt64
	if limit > 0 {
		rowLimit = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT event_id, stream_id, version, event_type, data, metadata, global_position, timestamp
		FROM %s
		WHERE stream_id = $1 AND version > $2
		ORDER BY version
		LIMIT $3`, a.table("events", p)), streamID, fromVersion, rowLimit)
	if err != nil {
		return nil, fmt.Errorf("keel/postgres: failed to load events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetStreamInfo returns metadata about a stream.
func (a *PostgresAdapter) GetStreamInfo(ctx context.Context, p adapters.Partition, streamID string) (*adapters.StreamInfo, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if streamID == "" {
		return nil, adapters.ErrEmptyStreamID
	}
	if err := a.EnsurePartition(ctx, p); err != nil {
		return nil, err
	}

	var info adapters.StreamInfo
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT stream_id, version, created_at, updated_at
		FROM %s
		WHERE stream_id = $1`, a.table("streams", p)), streamID).Scan(
		&info.StreamID,
		&info.Version,
		&info.CreatedAt,
		&info.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	if err != nil {
		return nil, fmt.Errorf("keel/postgres: failed to get stream info: %w", err)
	}

	// Versions are gapless from 1.
	info.EventCount = info.Version
	return &info, nil
}

// Close releases the database connection.
func (a *PostgresAdapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	return a.db.Close()
}

// SaveSnapshot stores a snapshot for the given stream, replacing an older one.
func (a *PostgresAdapter) SaveSnapshot(ctx context.Context, p adapters.Partition, streamID string, version int64, data []byte) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	if err := a.EnsurePartition(ctx, p); err != nil {
		return err
	}

	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s AS s (stream_id, version, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (stream_id) DO UPDATE SET
			version = EXCLUDED.version,
			data = EXCLUDED.data,
			created_at = NOW()
		WHERE s.version < EXCLUDED.version`, a.table("snapshots", p)), streamID, version, data)
	if err != nil {
		return fmt.Errorf("keel/postgres: failed to save snapshot: %w", err)
	}

	return nil
}

// LoadSnapshot retrieves the latest snapshot for the given stream.
func (a *PostgresAdapter) LoadSnapshot(ctx context.Context, p adapters.Partition, streamID string) (*adapters.SnapshotRecord, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if err := a.EnsurePartition(ctx, p); err != nil {
		return nil, err
	}

	var snapshot adapters.SnapshotRecord
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT stream_id, version, data, created_at
		FROM %s
		WHERE stream_id = $1`, a.table("snapshots", p)), streamID).Scan(
		&snapshot.StreamID,
		&snapshot.Version,
		&snapshot.Data,
		&snapshot.TakenAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keel/postgres: failed to load snapshot: %w", err)
	}

	return &snapshot, nil
}

// DeleteSnapshot removes the snapshot for the given stream.
func (a *PostgresAdapter) DeleteSnapshot(ctx context.Context, p adapters.Partition, streamID string) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	if err := a.EnsurePartition(ctx, p); err != nil {
		return err
	}

	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE stream_id = $1`, a.table("snapshots", p)), streamID)
	if err != nil {
		return fmt.Errorf("keel/postgres: failed to delete snapshot: %w", err)
	}

	return nil
}

// GetCheckpoint returns the last processed position for a projection.
func (a *PostgresAdapter) GetCheckpoint(ctx context.Context, p adapters.Partition, projectionName string) (uint64, error) {
	if a.closed.Load() {
		return 0, adapters.ErrAdapterClosed
	}

	var pos int64
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT position FROM %s
		WHERE partition_key = $1 AND projection_name = $2`, a.shared("checkpoints")),
		p.Key(), projectionName).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("keel/postgres: failed to get checkpoint: %w", err)
	}

	return uint64(pos), nil
}

// SetCheckpoint stores the last processed position for a projection.
func (a *PostgresAdapter) SetCheckpoint(ctx context.Context, p adapters.Partition, projectionName string, position uint64) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}

	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (partition_key, projection_name, position)
		VALUES ($1, $2, $3)
		ON CONFLICT (partition_key, projection_name) DO UPDATE SET
			position = EXCLUDED.position,
			updated_at = NOW()`, a.shared("checkpoints")),
		p.Key(), projectionName, int64(position))
	if err != nil {
		return fmt.Errorf("keel/postgres: failed to set checkpoint: %w", err)
	}

	return nil
}

// Ping checks database connectivity.
func (a *PostgresAdapter) Ping(ctx context.Context) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
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
