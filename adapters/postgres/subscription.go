package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/keelhq/keel/adapters"
)

// defaultBatchSize bounds LoadFromPosition when the caller passes no limit.
const defaultBatchSize = 1000

// LoadFromPosition loads events of a partition after a global position.
// Projection engines use it to catch up on the log.
//
// Positions are allocated under the partition's counter lock and become
// visible in order, so a checkpoint never moves past an event that commits
// later.
func (a *PostgresAdapter) LoadFromPosition(ctx context.Context, p adapters.Partition, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if err := a.EnsurePartition(ctx, p); err != nil {
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT event_id, stream_id, version, event_type, data, metadata, global_position, timestamp
		FROM %s
		WHERE global_position > $1
		ORDER BY global_position ASC
		LIMIT $2`, a.table("events", p)), int64(fromPosition), adapters.DefaultLimit(limit, defaultBatchSize))
	if err != nil {
		return nil, fmt.Errorf("keel/postgres: failed to load events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetLastPosition returns the global position of the last event in a partition.
func (a *PostgresAdapter) GetLastPosition(ctx context.Context, p adapters.Partition) (uint64, error) {
	if a.closed.Load() {
		return 0, adapters.ErrAdapterClosed
	}
	if err := a.EnsurePartition(ctx, p); err != nil {
		return 0, err
	}

	var pos sql.NullInt64
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT MAX(global_position) FROM %s`, a.table("events", p))).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("keel/postgres: failed to get last position: %w", err)
	}

	return uint64(pos.Int64), nil
}

// scanEvents reads event rows in the column order used by every event query.
func scanEvents(rows *sql.Rows) ([]adapters.StoredEvent, error) {
	events := []adapters.StoredEvent{}
	for rows.Next() {
		var (
			event        adapters.StoredEvent
			metadataJSON []byte
			position     int64
		)

		err := rows.Scan(
			&event.ID,
			&event.StreamID,
			&event.Version,
			&event.Type,
			&event.Data,
			&metadataJSON,
			&position,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("keel/postgres: failed to scan event: %w", err)
		}
		event.GlobalPosition = uint64(position)

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("keel/postgres: failed to unmarshal metadata: %w", err)
			}
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keel/postgres: failed to iterate events: %w", err)
	}

	return events, nil
}
