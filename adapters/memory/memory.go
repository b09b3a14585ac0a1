// Package memory provides an in-memory implementation of the event store adapter.
// This adapter is primarily intended for testing and development purposes.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keelhq/keel/adapters"
)

// Ensure MemoryAdapter implements all required interfaces.
var (
	_ adapters.EventStoreAdapter    = (*MemoryAdapter)(nil)
	_ adapters.PartitionInitializer = (*MemoryAdapter)(nil)
	_ adapters.SubscriptionAdapter  = (*MemoryAdapter)(nil)
	_ adapters.SnapshotAdapter      = (*MemoryAdapter)(nil)
	_ adapters.CheckpointAdapter    = (*MemoryAdapter)(nil)
	_ adapters.HealthChecker        = (*MemoryAdapter)(nil)
)

// MemoryAdapter is an in-memory implementation of EventStoreAdapter.
// Every partition gets its own set of maps. It is thread-safe and suitable
// for unit testing.
type MemoryAdapter struct {
	mu         sync.RWMutex
	partitions map[adapters.Partition]*partitionData
	closed     bool
	clock      func() time.Time
}

type partitionData struct {
	streams        map[string]*streamData
	globalEvents   []adapters.StoredEvent
	globalPosition uint64
	snapshots      map[string]adapters.SnapshotRecord
	checkpoints    map[string]uint64
}

type streamData struct {
	info   adapters.StreamInfo
	events []adapters.StoredEvent
}

// Option configures a MemoryAdapter.
type Option func(*MemoryAdapter)

// WithClock overrides the time source used for event timestamps.
func WithClock(clock func() time.Time) Option {
	return func(a *MemoryAdapter) {
		a.clock = clock
	}
}

// NewAdapter creates a new in-memory event store adapter.
func NewAdapter(opts ...Option) *MemoryAdapter {
	adapter := &MemoryAdapter{
		partitions: make(map[adapters.Partition]*partitionData),
		clock:      time.Now,
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

func newPartitionData() *partitionData {
	return &partitionData{
		streams:     make(map[string]*streamData),
		snapshots:   make(map[string]adapters.SnapshotRecord),
		checkpoints: make(map[string]uint64),
	}
}

// Initialize is a no-op for the memory adapter.
func (a *MemoryAdapter) Initialize(ctx context.Context) error {
	return nil
}

// EnsurePartition allocates the maps for a partition.
func (a *MemoryAdapter) EnsurePartition(ctx context.Context, p adapters.Partition) error {
	if err := p.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}
	a.partition(p)
	return nil
}

// partition returns the data for p, creating it on first use. Callers hold mu.
func (a *MemoryAdapter) partition(p adapters.Partition) *partitionData {
	data, ok := a.partitions[p]
	if !ok {
		data = newPartitionData()
		a.partitions[p] = data
	}
	return data
}

// readPartition returns nil for partitions that were never written. Callers hold mu.
func (a *MemoryAdapter) readPartition(p adapters.Partition) *partitionData {
	return a.partitions[p]
}

// Append stores events to the specified stream with optimistic concurrency control.
func (a *MemoryAdapter) Append(ctx context.Context, p adapters.Partition, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := adapters.ValidateAppend(p, streamID, events); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	data := a.partition(p)

	stream, exists := data.streams[streamID]
	currentVersion := int64(0)
	if exists {
		currentVersion = stream.info.Version
	}

	if err := adapters.CheckVersion(streamID, expectedVersion, currentVersion, exists); err != nil {
		return nil, err
	}

	now := a.clock()
	if !exists {
		stream = &streamData{
			info: adapters.StreamInfo{
				StreamID:  streamID,
				CreatedAt: now,
				UpdatedAt: now,
			},
		}
		data.streams[streamID] = stream
	}

	storedEvents := make([]adapters.StoredEvent, len(events))
	for i, event := range events {
		data.globalPosition++
		currentVersion++

		stored := adapters.StoredEvent{
			ID:             uuid.New().String(),
			StreamID:       streamID,
			Type:           event.Type,
			Data:           append([]byte(nil), event.Data...),
			Metadata:       copyMetadata(event.Metadata),
			Version:        currentVersion,
			GlobalPosition: data.globalPosition,
			Timestamp:      now,
		}

		stream.events = append(stream.events, stored)
		data.globalEvents = append(data.globalEvents, stored)
		storedEvents[i] = stored
	}

	stream.info.Version = currentVersion
	stream.info.EventCount = int64(len(stream.events))
	stream.info.UpdatedAt = now

	return storedEvents, nil
}

// Load retrieves events newer than fromVersion.
func (a *MemoryAdapter) Load(ctx context.Context, p adapters.Partition, streamID string, fromVersion int64, limit int) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if streamID == "" {
		return nil, adapters.ErrEmptyStreamID
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	events := make([]adapters.StoredEvent, 0)
	data := a.readPartition(p)
	if data == nil {
		return events, nil
	}
	stream, exists := data.streams[streamID]
	if !exists {
		return events, nil
	}

	// Versions are 1-based and gapless, so the slice index is version-1.
	start := fromVersion
	if start < 0 {
		start = 0
	}
	if start >= int64(len(stream.events)) {
		return events, nil
	}
	remaining := stream.events[start:]
	if limit > 0 && limit < len(remaining) {
		remaining = remaining[:limit]
	}
	return append(events, remaining...), nil
}

// GetStreamInfo returns metadata about a stream.
func (a *MemoryAdapter) GetStreamInfo(ctx context.Context, p adapters.Partition, streamID string) (*adapters.StreamInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	data := a.readPartition(p)
	if data == nil {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	stream, exists := data.streams[streamID]
	if !exists {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}

	info := stream.info
	return &info, nil
}

// GetLastPosition returns the global position of the last stored event in p.
func (a *MemoryAdapter) GetLastPosition(ctx context.Context, p adapters.Partition) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return 0, adapters.ErrAdapterClosed
	}

	data := a.readPartition(p)
	if data == nil {
		return 0, nil
	}
	return data.globalPosition, nil
}

// LoadFromPosition loads events of p with a position greater than fromPosition.
func (a *MemoryAdapter) LoadFromPosition(ctx context.Context, p adapters.Partition, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	limit = adapters.DefaultLimit(limit, 1000)

	data := a.readPartition(p)
	if data == nil || fromPosition >= uint64(len(data.globalEvents)) {
		return []adapters.StoredEvent{}, nil
	}

	// Positions are 1-based and gapless within a partition.
	remaining := data.globalEvents[fromPosition:]
	if limit < len(remaining) {
		remaining = remaining[:limit]
	}
	return append([]adapters.StoredEvent(nil), remaining...), nil
}

// Close releases any resources held by the adapter.
func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	return nil
}

// Ping checks if the adapter is healthy.
func (a *MemoryAdapter) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}
	return nil
}

// Reset clears all data. Useful for testing.
func (a *MemoryAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.partitions = make(map[adapters.Partition]*partitionData)
}

// EventCount returns the number of events stored in p.
func (a *MemoryAdapter) EventCount(p adapters.Partition) int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if data := a.readPartition(p); data != nil {
		return len(data.globalEvents)
	}
	return 0
}

// StreamCount returns the number of streams in p.
func (a *MemoryAdapter) StreamCount(p adapters.Partition) int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if data := a.readPartition(p); data != nil {
		return len(data.streams)
	}
	return 0
}

// Partitions lists every partition that holds data.
func (a *MemoryAdapter) Partitions() []adapters.Partition {
	a.mu.RLock()
	defer a.mu.RUnlock()

	result := make([]adapters.Partition, 0, len(a.partitions))
	for p := range a.partitions {
		result = append(result, p)
	}
	return result
}

func copyMetadata(m adapters.Metadata) adapters.Metadata {
	if m.Custom == nil {
		return m
	}
	custom := make(map[string]string, len(m.Custom))
	for k, v := range m.Custom {
		custom[k] = v
	}
	m.Custom = custom
	return m
}
