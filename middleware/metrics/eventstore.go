package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/adapters"
)

var (
	_ adapters.EventStoreAdapter    = (*EventStoreMiddleware)(nil)
	_ adapters.PartitionInitializer = (*EventStoreMiddleware)(nil)
	_ adapters.SubscriptionAdapter  = (*EventStoreMiddleware)(nil)
	_ adapters.SnapshotAdapter      = (*EventStoreMiddleware)(nil)
	_ adapters.CheckpointAdapter    = (*EventStoreMiddleware)(nil)
)

// EventStoreMiddleware wraps an EventStoreAdapter with metrics.
type EventStoreMiddleware struct {
	adapter adapters.EventStoreAdapter
	metrics *Metrics
}

// WrapEventStore wraps an adapter with metrics collection.
func (m *Metrics) WrapEventStore(adapter adapters.EventStoreAdapter) *EventStoreMiddleware {
	return &EventStoreMiddleware{
		adapter: adapter,
		metrics: m,
	}
}

// Unwrap returns the wrapped adapter.
func (em *EventStoreMiddleware) Unwrap() adapters.EventStoreAdapter {
	return em.adapter
}

func (em *EventStoreMiddleware) observe(p adapters.Partition, op string, start time.Time, err error) {
	m := em.metrics
	key := p.Key()
	m.eventStoreOperationDuration.WithLabelValues(m.serviceName, key, op).Observe(time.Since(start).Seconds())
	m.eventStoreOperationsTotal.WithLabelValues(m.serviceName, key, op, status(err)).Inc()
}

// Append stores events with metrics.
func (em *EventStoreMiddleware) Append(ctx context.Context, p adapters.Partition, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	start := time.Now()
	stored, err := em.adapter.Append(ctx, p, streamID, events, expectedVersion)
	em.observe(p, OperationAppend, start, err)

	m := em.metrics
	switch {
	case errors.Is(err, adapters.ErrConcurrencyConflict):
		m.concurrencyConflictsTotal.WithLabelValues(m.serviceName, p.Key()).Inc()
	case err != nil:
		m.RecordErrorType("append_error")
	default:
		for _, e := range events {
			m.eventsAppendedTotal.WithLabelValues(m.serviceName, p.Key(), e.Type).Inc()
		}
	}

	return stored, err
}

// Load retrieves events with metrics.
func (em *EventStoreMiddleware) Load(ctx context.Context, p adapters.Partition, streamID string, fromVersion int64, limit int) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := em.adapter.Load(ctx, p, streamID, fromVersion, limit)
	em.observe(p, OperationLoad, start, err)

	m := em.metrics
	if err != nil {
		m.RecordErrorType("load_error")
	} else {
		m.eventsLoadedTotal.WithLabelValues(m.serviceName, p.Key()).Add(float64(len(events)))
	}

	return events, err
}

// GetStreamInfo returns stream metadata with metrics.
func (em *EventStoreMiddleware) GetStreamInfo(ctx context.Context, p adapters.Partition, streamID string) (*adapters.StreamInfo, error) {
	start := time.Now()
	info, err := em.adapter.GetStreamInfo(ctx, p, streamID)
	if errors.Is(err, adapters.ErrStreamNotFound) {
		em.observe(p, OperationGetStreamInfo, start, nil)
	} else {
		em.observe(p, OperationGetStreamInfo, start, err)
	}
	return info, err
}

// Initialize initializes the wrapped adapter.
func (em *EventStoreMiddleware) Initialize(ctx context.Context) error {
	return em.adapter.Initialize(ctx)
}

// EnsurePartition forwards to the wrapped adapter when it allocates per-partition storage.
func (em *EventStoreMiddleware) EnsurePartition(ctx context.Context, p adapters.Partition) error {
	if pi, ok := em.adapter.(adapters.PartitionInitializer); ok {
		return pi.EnsurePartition(ctx, p)
	}
	return p.Validate()
}

// Close closes the wrapped adapter.
func (em *EventStoreMiddleware) Close() error {
	return em.adapter.Close()
}

// SupportsSubscriptions returns true if the underlying adapter supports subscriptions.
func (em *EventStoreMiddleware) SupportsSubscriptions() bool {
	_, ok := em.adapter.(adapters.SubscriptionAdapter)
	return ok
}

// LoadFromPosition loads events from a global position with metrics.
// Returns an error if the underlying adapter doesn't support subscriptions.
func (em *EventStoreMiddleware) LoadFromPosition(ctx context.Context, p adapters.Partition, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	subAdapter, ok := em.adapter.(adapters.SubscriptionAdapter)
	if !ok {
		return nil, keel.ErrSubscriptionNotSupported
	}

	start := time.Now()
	events, err := subAdapter.LoadFromPosition(ctx, p, fromPosition, limit)
	em.observe(p, OperationLoadFromPosition, start, err)

	m := em.metrics
	if err != nil {
		m.RecordErrorType("load_from_position_error")
	} else {
		m.eventsLoadedTotal.WithLabelValues(m.serviceName, p.Key()).Add(float64(len(events)))
	}

	return events, err
}

// GetLastPosition returns the last global position with metrics.
func (em *EventStoreMiddleware) GetLastPosition(ctx context.Context, p adapters.Partition) (uint64, error) {
	subAdapter, ok := em.adapter.(adapters.SubscriptionAdapter)
	if !ok {
		return 0, keel.ErrSubscriptionNotSupported
	}

	start := time.Now()
	pos, err := subAdapter.GetLastPosition(ctx, p)
	em.observe(p, OperationGetLastPosition, start, err)
	return pos, err
}

// SaveSnapshot forwards to the wrapped adapter's snapshot support.
func (em *EventStoreMiddleware) SaveSnapshot(ctx context.Context, p adapters.Partition, streamID string, version int64, data []byte) error {
	sa, ok := em.adapter.(adapters.SnapshotAdapter)
	if !ok {
		return keel.ErrSnapshotsNotSupported
	}
	start := time.Now()
	err := sa.SaveSnapshot(ctx, p, streamID, version, data)
	em.observe(p, "save_snapshot", start, err)
	return err
}

// LoadSnapshot forwards to the wrapped adapter's snapshot support.
func (em *EventStoreMiddleware) LoadSnapshot(ctx context.Context, p adapters.Partition, streamID string) (*adapters.SnapshotRecord, error) {
	sa, ok := em.adapter.(adapters.SnapshotAdapter)
	if !ok {
		return nil, keel.ErrSnapshotsNotSupported
	}
	start := time.Now()
	snap, err := sa.LoadSnapshot(ctx, p, streamID)
	em.observe(p, "load_snapshot", start, err)
	return snap, err
}

// DeleteSnapshot forwards to the wrapped adapter's snapshot support.
func (em *EventStoreMiddleware) DeleteSnapshot(ctx context.Context, p adapters.Partition, streamID string) error {
	sa, ok := em.adapter.(adapters.SnapshotAdapter)
	if !ok {
		return keel.ErrSnapshotsNotSupported
	}
	return sa.DeleteSnapshot(ctx, p, streamID)
}

// GetCheckpoint forwards to the wrapped adapter's checkpoint support.
func (em *EventStoreMiddleware) GetCheckpoint(ctx context.Context, p adapters.Partition, projectionName string) (uint64, error) {
	ca, ok := em.adapter.(adapters.CheckpointAdapter)
	if !ok {
		return 0, keel.ErrNoCheckpointStore
	}
	return ca.GetCheckpoint(ctx, p, projectionName)
}

// SetCheckpoint forwards to the wrapped adapter's checkpoint support.
func (em *EventStoreMiddleware) SetCheckpoint(ctx context.Context, p adapters.Partition, projectionName string, position uint64) error {
	ca, ok := em.adapter.(adapters.CheckpointAdapter)
	if !ok {
		return keel.ErrNoCheckpointStore
	}
	return ca.SetCheckpoint(ctx, p, projectionName, position)
}
