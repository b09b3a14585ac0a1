// Package sqlite provides an embedded SQLite event store adapter built on
// modernc.org/sqlite. It mirrors the PostgreSQL table layout: one stream,
// event and snapshot table per partition, created on first use.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/keelhq/keel/adapters"
)

const defaultBatchSize = 1000

var (
	_ adapters.EventStoreAdapter    = (*Adapter)(nil)
	_ adapters.PartitionInitializer = (*Adapter)(nil)
	_ adapters.SubscriptionAdapter  = (*Adapter)(nil)
	_ adapters.SnapshotAdapter      = (*Adapter)(nil)
	_ adapters.CheckpointAdapter    = (*Adapter)(nil)
	_ adapters.HealthChecker        = (*Adapter)(nil)
)

// Adapter stores events in a single SQLite database file.
//
// SQLite allows one writer at a time, so the pool is limited to a single
// connection; every append is serialized by it.
type Adapter struct {
	db      *sql.DB
	closed  atomic.Bool
	ensured sync.Map
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens (or creates) the database at path. Use ":memory:" for a
// database that lives as long as the adapter.
func Open(path string) (*Adapter, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("keel/sqlite: storage path is required")
	}

	dsn := ":memory:"
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("keel/sqlite: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("keel/sqlite: ping db: %w", err)
	}
	return &Adapter{db: db}, nil
}

func table(kind string, p adapters.Partition) string {
	return `"` + kind + "_" + p.TableSuffix() + `"`
}

// Initialize creates the tables shared by all partitions.
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			partition_key TEXT PRIMARY KEY,
			tenant_id     TEXT NOT NULL DEFAULT '',
			domain        TEXT NOT NULL,
			created_at    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			partition_key   TEXT NOT NULL,
			projection_name TEXT NOT NULL,
			position        INTEGER NOT NULL DEFAULT 0,
			updated_at      INTEGER NOT NULL,
			PRIMARY KEY (partition_key, projection_name)
		)`,
	}
	for _, stmt := range statements {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("keel/sqlite: initialize schema: %w", err)
		}
	}
	return nil
}

// EnsurePartition creates the tables of partition p if they do not exist.
func (a *Adapter) EnsurePartition(ctx context.Context, p adapters.Partition) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if _, ok := a.ensured.Load(p.TableSuffix()); ok {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("keel/sqlite: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			stream_id  TEXT PRIMARY KEY,
			version    INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`, table("streams", p)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			global_position INTEGER PRIMARY KEY AUTOINCREMENT,
			stream_id       TEXT NOT NULL,
			version         INTEGER NOT NULL,
			event_id        TEXT NOT NULL,
			event_type      TEXT NOT NULL,
			data            BLOB NOT NULL,
			metadata        TEXT,
			timestamp       INTEGER NOT NULL,
			UNIQUE (stream_id, version)
		)`, table("events", p)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			stream_id  TEXT PRIMARY KEY,
			version    INTEGER NOT NULL,
			data       BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`, table("snapshots", p)),
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("keel/sqlite: create tables for partition %s: %w", p.Key(), err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO partitions (partition_key, tenant_id, domain, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (partition_key) DO NOTHING`,
		p.Key(), p.TenantID, p.Domain, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("keel/sqlite: register partition %s: %w", p.Key(), err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("keel/sqlite: commit tx: %w", err)
	}
	a.ensured.Store(p.TableSuffix(), struct{}{})
	return nil
}

// Partitions lists every partition that has tables.
func (a *Adapter) Partitions(ctx context.Context) ([]adapters.Partition, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx, `SELECT tenant_id, domain FROM partitions ORDER BY partition_key`)
	if err != nil {
		return nil, fmt.Errorf("keel/sqlite: list partitions: %w", err)
	}
	defer rows.Close()

	var partitions []adapters.Partition
	for rows.Next() {
		var p adapters.Partition
		if err := rows.Scan(&p.TenantID, &p.Domain); err != nil {
			return nil, fmt.Errorf("keel/sqlite: scan partition: %w", err)
		}
		partitions = append(partitions, p)
	}
	return partitions, rows.Err()
}

// Append stores events to the specified stream with optimistic concurrency control.
func (a *Adapter) Append(ctx context.Context, p adapters.Partition, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if err := adapters.ValidateAppend(p, streamID, events); err != nil {
		return nil, err
	}
	if err := a.EnsurePartition(ctx, p); err != nil {
		return nil, err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("keel/sqlite: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentVersion int64
	exists := true
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT version FROM %s WHERE stream_id = ?`, table("streams", p)), streamID).Scan(&currentVersion)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		exists = false
	case err != nil:
		return nil, fmt.Errorf("keel/sqlite: get stream version: %w", err)
	}

	if err := adapters.CheckVersion(streamID, expectedVersion, currentVersion, exists); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if !exists {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (stream_id, version, created_at, updated_at)
			VALUES (?, 0, ?, ?)`, table("streams", p)), streamID, toMillis(now), toMillis(now))
		if err != nil {
			return nil, mapWriteError(streamID, expectedVersion, err, "create stream")
		}
	}

	stored := make([]adapters.StoredEvent, len(events))
	for i, event := range events {
		currentVersion++

		metadataJSON, err := json.Marshal(event.Metadata)
		if err != nil {
			return nil, fmt.Errorf("keel/sqlite: marshal metadata: %w", err)
		}

		eventID := uuid.NewString()
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (stream_id, version, event_id, event_type, data, metadata, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, table("events", p)),
			streamID, currentVersion, eventID, event.Type, event.Data, string(metadataJSON), toMillis(now))
		if err != nil {
			return nil, mapWriteError(streamID, expectedVersion, err, "insert event")
		}
		position, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("keel/sqlite: read global position: %w", err)
		}

		stored[i] = adapters.StoredEvent{
			ID:             eventID,
			StreamID:       streamID,
			Type:           event.Type,
			Data:           event.Data,
			Metadata:       event.Metadata,
			Version:        currentVersion,
			GlobalPosition: uint64(position),
			Timestamp:      fromMillis(toMillis(now)),
		}
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET version = ?, updated_at = ? WHERE stream_id = ?`, table("streams", p)),
		currentVersion, toMillis(now), streamID)
	if err != nil {
		return nil, fmt.Errorf("keel/sqlite: update stream version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapWriteError(streamID, expectedVersion, err, "commit tx")
	}
	return stored, nil
}

// mapWriteError turns constraint violations into concurrency conflicts.
func mapWriteError(streamID string, expected int64, err error, op string) error {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return adapters.NewConcurrencyError(streamID, expected, -1)
		}
	}
	return fmt.Errorf("keel/sqlite: %s: %w", op, err)
}

// Load returns the events of a stream after fromVersion, at most limit of them.
func (a *Adapter) Load(ctx context.Context, p adapters.Partition, streamID string, fromVersion int64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if streamID == "" {
		return nil, adapters.ErrEmptyStreamID
	}
	if err := a.EnsurePartition(ctx, p); err != nil {
		return nil, err
	}

	// LIMIT -1 means no limit in SQLite.
	rowLimit := -1
	if limit > 0 {
		rowLimit = limit
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT event_id, stream_id, version, event_type, data, metadata, global_position, timestamp
		FROM %s
		WHERE stream_id = ? AND version > ?
		ORDER BY version
		LIMIT ?`, table("events", p)), streamID, fromVersion, rowLimit)
	if err != nil {
		return nil, fmt.Errorf("keel/sqlite: load events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetStreamInfo returns metadata about a stream.
func (a *Adapter) GetStreamInfo(ctx context.Context, p adapters.Partition, streamID string) (*adapters.StreamInfo, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if streamID == "" {
		return nil, adapters.ErrEmptyStreamID
	}
	if err := a.EnsurePartition(ctx, p); err != nil {
		return nil, err
	}

	var (
		info             adapters.StreamInfo
		created, updated int64
	)
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT stream_id, version, created_at, updated_at FROM %s WHERE stream_id = ?`, table("streams", p)),
		streamID).Scan(&info.StreamID, &info.Version, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	if err != nil {
		return nil, fmt.Errorf("keel/sqlite: get stream info: %w", err)
	}
	info.CreatedAt, info.UpdatedAt = fromMillis(created), fromMillis(updated)
	info.EventCount = info.Version
	return &info, nil
}

// LoadFromPosition loads events of a partition after a global position.
func (a *Adapter) LoadFromPosition(ctx context.Context, p adapters.Partition, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if err := a.EnsurePartition(ctx, p); err != nil {
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT event_id, stream_id, version, event_type, data, metadata, global_position, timestamp
		FROM %s
		WHERE global_position > ?
		ORDER BY global_position
		LIMIT ?`, table("events", p)), int64(fromPosition), adapters.DefaultLimit(limit, defaultBatchSize))
	if err != nil {
		return nil, fmt.Errorf("keel/sqlite: load events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetLastPosition returns the global position of the last event in a partition.
func (a *Adapter) GetLastPosition(ctx context.Context, p adapters.Partition) (uint64, error) {
	if a.closed.Load() {
		return 0, adapters.ErrAdapterClosed
	}
	if err := a.EnsurePartition(ctx, p); err != nil {
		return 0, err
	}

	var pos sql.NullInt64
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT MAX(global_position) FROM %s`, table("events", p))).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("keel/sqlite: get last position: %w", err)
	}
	return uint64(pos.Int64), nil
}

func scanEvents(rows *sql.Rows) ([]adapters.StoredEvent, error) {
	events := []adapters.StoredEvent{}
	for rows.Next() {
		var (
			event     adapters.StoredEvent
			metadata  sql.NullString
			position  int64
			timestamp int64
		)
		if err := rows.Scan(&event.ID, &event.StreamID, &event.Version, &event.Type, &event.Data, &metadata, &position, &timestamp); err != nil {
			return nil, fmt.Errorf("keel/sqlite: scan event: %w", err)
		}
		event.GlobalPosition = uint64(position)
		event.Timestamp = fromMillis(timestamp)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &event.Metadata); err != nil {
				return nil, fmt.Errorf("keel/sqlite: unmarshal metadata: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keel/sqlite: iterate events: %w", err)
	}
	return events, nil
}

// SaveSnapshot stores a snapshot for the given stream, replacing an older one.
func (a *Adapter) SaveSnapshot(ctx context.Context, p adapters.Partition, streamID string, version int64, data []byte) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	if err := a.EnsurePartition(ctx, p); err != nil {
		return err
	}

	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (stream_id, version, data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (stream_id) DO UPDATE SET
			version = excluded.version,
			data = excluded.data,
			created_at = excluded.created_at
		WHERE %[1]s.version < excluded.version`, table("snapshots", p)),
		streamID, version, data, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("keel/sqlite: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot retrieves the latest snapshot for the given stream, or nil.
func (a *Adapter) LoadSnapshot(ctx context.Context, p adapters.Partition, streamID string) (*adapters.SnapshotRecord, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if err := a.EnsurePartition(ctx, p); err != nil {
		return nil, err
	}

	var (
		snapshot adapters.SnapshotRecord
		takenAt  int64
	)
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT stream_id, version, data, created_at FROM %s WHERE stream_id = ?`, table("snapshots", p)),
		streamID).Scan(&snapshot.StreamID, &snapshot.Version, &snapshot.Data, &takenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keel/sqlite: load snapshot: %w", err)
	}
	snapshot.TakenAt = fromMillis(takenAt)
	return &snapshot, nil
}

// DeleteSnapshot removes the snapshot for the given stream.
func (a *Adapter) DeleteSnapshot(ctx context.Context, p adapters.Partition, streamID string) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	if err := a.EnsurePartition(ctx, p); err != nil {
		return err
	}

	if _, err := a.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE stream_id = ?`, table("snapshots", p)), streamID); err != nil {
		return fmt.Errorf("keel/sqlite: delete snapshot: %w", err)
	}
	return nil
}

// GetCheckpoint returns the last processed position for a projection.
func (a *Adapter) GetCheckpoint(ctx context.Context, p adapters.Partition, projectionName string) (uint64, error) {
	if a.closed.Load() {
		return 0, adapters.ErrAdapterClosed
	}

	var pos int64
	err := a.db.QueryRowContext(ctx, `
		SELECT position FROM checkpoints WHERE partition_key = ? AND projection_name = ?`,
		p.Key(), projectionName).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("keel/sqlite: get checkpoint: %w", err)
	}
	return uint64(pos), nil
}

// SetCheckpoint stores the last processed position for a projection.
func (a *Adapter) SetCheckpoint(ctx context.Context, p adapters.Partition, projectionName string, position uint64) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO checkpoints (partition_key, projection_name, position, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (partition_key, projection_name) DO UPDATE SET
			position = excluded.position,
			updated_at = excluded.updated_at`,
		p.Key(), projectionName, int64(position), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("keel/sqlite: set checkpoint: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (a *Adapter) Ping(ctx context.Context) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	return a.db.PingContext(ctx)
}

// Close closes the SQLite handle.
func (a *Adapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	return a.db.Close()
}
