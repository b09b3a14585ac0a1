// Package adapters provides interfaces for event store backends.
//
// Every storage call carries the Partition it targets. Adapters map a partition
// to a physically separate location (a map, a table pair, a key prefix) so that
// streams with the same ID in different partitions never meet.
package adapters

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for adapter implementations.
// Adapters should return these (or errors that match via errors.Is)
// to enable consistent error handling across different backends.
var (
	// ErrConcurrencyConflict is returned when optimistic concurrency check fails.
	ErrConcurrencyConflict = errors.New("keel: concurrency conflict")

	// ErrStreamNotFound is returned when a stream does not exist.
	ErrStreamNotFound = errors.New("keel: stream not found")

	// ErrEmptyStreamID is returned when an empty stream ID is provided.
	ErrEmptyStreamID = errors.New("keel: stream ID is required")

	// ErrNoEvents is returned when attempting to append zero events.
	ErrNoEvents = errors.New("keel: no events to append")

	// ErrInvalidVersion is returned when an invalid version is specified.
	ErrInvalidVersion = errors.New("keel: invalid version")

	// ErrAdapterClosed is returned when operations are attempted on a closed adapter.
	ErrAdapterClosed = errors.New("keel: adapter is closed")

	// ErrInvalidPartition is returned when a partition has no domain or contains
	// characters that cannot be mapped to a storage identifier.
	ErrInvalidPartition = errors.New("keel: invalid partition")

	// ErrSnapshotAhead is returned when a snapshot version exceeds the stream head.
	ErrSnapshotAhead = errors.New("keel: snapshot version is ahead of stream")
)

// Metadata contains event context for tracing and auditing.
type Metadata struct {
	// CorrelationID links related events across streams, e.g. every event a saga caused.
	CorrelationID string `json:"correlationId,omitempty" msgpack:"correlationId,omitempty"`

	// CausationID identifies what caused this event (a command, a saga step).
	CausationID string `json:"causationId,omitempty" msgpack:"causationId,omitempty"`

	// UserID identifies who triggered this event.
	UserID string `json:"userId,omitempty" msgpack:"userId,omitempty"`

	// Custom holds any additional metadata.
	Custom map[string]string `json:"custom,omitempty" msgpack:"custom,omitempty"`
}

// StoredEvent represents a persisted event with its storage metadata.
type StoredEvent struct {
	// ID is the unique event identifier.
	ID string

	// StreamID is the stream this event belongs to.
	StreamID string

	// Type is the event type identifier.
	Type string

	// Data is the serialized event payload.
	Data []byte

	// Metadata contains contextual information.
	Metadata Metadata

	// Version is the position within the stream (1-based, gapless).
	Version int64

	// GlobalPosition orders events across all streams of one partition.
	GlobalPosition uint64

	// Timestamp is when the event was recorded.
	Timestamp time.Time
}

// StreamInfo contains metadata about an event stream.
type StreamInfo struct {
	StreamID   string
	Version    int64
	EventCount int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EventRecord represents an event to be appended to a stream.
type EventRecord struct {
	Type     string
	Data     []byte
	Metadata Metadata
}

// EventStoreAdapter is the interface that storage backends must implement.
type EventStoreAdapter interface {
	// Append stores events to the specified stream with optimistic concurrency control.
	// expectedVersion specifies the expected current version of the stream:
	//   - AnyVersion (-1): Skip version check
	//   - NoStream (0): Stream must not exist
	//   - StreamExists (-2): Stream must exist
	//   - Any positive number: Stream must be at this exact version
	// Either every event is stored or none is.
	Append(ctx context.Context, p Partition, streamID string, events []EventRecord, expectedVersion int64) ([]StoredEvent, error)

	// Load returns events with a version strictly greater than fromVersion, in
	// version order. A limit <= 0 returns every remaining event. Loading a stream
	// that does not exist returns an empty slice.
	Load(ctx context.Context, p Partition, streamID string, fromVersion int64, limit int) ([]StoredEvent, error)

	// GetStreamInfo returns metadata about a stream.
	// Returns ErrStreamNotFound if the stream does not exist.
	GetStreamInfo(ctx context.Context, p Partition, streamID string) (*StreamInfo, error)

	// Initialize prepares shared storage (schemas, bookkeeping tables).
	Initialize(ctx context.Context) error

	// Close releases any resources held by the adapter.
	Close() error
}

// PartitionInitializer is implemented by adapters that allocate storage per
// partition. EnsurePartition must be idempotent.
type PartitionInitializer interface {
	EnsurePartition(ctx context.Context, p Partition) error
}

// SubscriptionAdapter exposes the partition-wide event order used by projections.
type SubscriptionAdapter interface {
	// LoadFromPosition loads events with a global position strictly greater
	// than fromPosition, ordered by position.
	LoadFromPosition(ctx context.Context, p Partition, fromPosition uint64, limit int) ([]StoredEvent, error)

	// GetLastPosition returns the global position of the last stored event.
	// Returns 0 if no events exist.
	GetLastPosition(ctx context.Context, p Partition) (uint64, error)
}

// SnapshotAdapter stores aggregate snapshots for faster loading.
type SnapshotAdapter interface {
	// SaveSnapshot replaces the latest snapshot for the given stream. A save
	// whose version is not newer than the stored snapshot is a no-op.
	SaveSnapshot(ctx context.Context, p Partition, streamID string, version int64, data []byte) error

	// LoadSnapshot retrieves the latest snapshot for the given stream.
	// Returns nil, nil if no snapshot exists.
	LoadSnapshot(ctx context.Context, p Partition, streamID string) (*SnapshotRecord, error)

	// DeleteSnapshot removes the snapshot for the given stream.
	DeleteSnapshot(ctx context.Context, p Partition, streamID string) error
}

// SnapshotRecord represents a stored aggregate snapshot.
type SnapshotRecord struct {
	StreamID string
	Version  int64
	Data     []byte
	TakenAt  time.Time
}

// CheckpointAdapter manages projection checkpoints.
type CheckpointAdapter interface {
	// GetCheckpoint returns the last processed position for a projection.
	// Returns 0 if no checkpoint exists.
	GetCheckpoint(ctx context.Context, p Partition, projectionName string) (uint64, error)

	// SetCheckpoint stores the last processed position for a projection.
	SetCheckpoint(ctx context.Context, p Partition, projectionName string, position uint64) error
}

// HealthChecker provides health check capabilities.
type HealthChecker interface {
	// Ping checks if the adapter can connect to its backend.
	Ping(ctx context.Context) error
}

// Message is an event forwarded to an external system by a publisher.
type Message struct {
	// ID is the event ID; consumers use it to drop duplicates.
	ID string

	// Destination is "<publisher>:<target>", e.g. "kafka:ledger-events".
	Destination string

	EventType      string
	StreamID       string
	Partition      string
	GlobalPosition uint64
	Payload        []byte
	Headers        map[string]string
	Timestamp      time.Time
}
