package tracing

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

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

// EventStoreMiddleware wraps an EventStoreAdapter with tracing.
type EventStoreMiddleware struct {
	adapter adapters.EventStoreAdapter
	tracer  *Tracer
}

// NewEventStoreMiddleware creates a new tracing middleware for an event store adapter.
func NewEventStoreMiddleware(adapter adapters.EventStoreAdapter, tracer *Tracer) *EventStoreMiddleware {
	return &EventStoreMiddleware{
		adapter: adapter,
		tracer:  tracer,
	}
}

// Unwrap returns the wrapped adapter.
func (m *EventStoreMiddleware) Unwrap() adapters.EventStoreAdapter {
	return m.adapter
}

func (m *EventStoreMiddleware) start(ctx context.Context, op string, p adapters.Partition, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := m.tracer.StartSpan(ctx, "eventstore."+op,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("keel.service", m.tracer.serviceName),
		attribute.String("keel.partition", p.Key()),
	)
	span.SetAttributes(attrs...)
	return ctx, span
}

// Append appends events with tracing.
func (m *EventStoreMiddleware) Append(ctx context.Context, p adapters.Partition, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, "append", p,
		attribute.String("keel.stream_id", streamID),
		attribute.Int("keel.event_count", len(events)),
		attribute.Int64("keel.expected_version", expectedVersion),
	)
	defer span.End()

	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	span.SetAttributes(attribute.StringSlice("keel.event_types", types))
	if len(events) > 0 && events[0].Metadata.CorrelationID != "" {
		span.SetAttributes(attribute.String("keel.correlation_id", events[0].Metadata.CorrelationID))
	}

	stored, err := m.adapter.Append(ctx, p, streamID, events, expectedVersion)
	if errors.Is(err, adapters.ErrConcurrencyConflict) {
		span.AddEvent("concurrency_conflict")
	}
	finish(span, err)
	if err == nil && len(stored) > 0 {
		last := stored[len(stored)-1]
		span.SetAttributes(
			attribute.Int64("keel.new_version", last.Version),
			attribute.Int64("keel.global_position", int64(last.GlobalPosition)),
		)
	}

	return stored, err
}

// Load loads events with tracing.
func (m *EventStoreMiddleware) Load(ctx context.Context, p adapters.Partition, streamID string, fromVersion int64, limit int) ([]adapters.StoredEvent, error) {
	ctx, span := m.start(ctx, "load", p,
		attribute.String("keel.stream_id", streamID),
		attribute.Int64("keel.from_version", fromVersion),
	)
	defer span.End()

	events, err := m.adapter.Load(ctx, p, streamID, fromVersion, limit)
	finish(span, err)
	if err == nil {
		span.SetAttributes(attribute.Int("keel.event_count", len(events)))
	}

	return events, err
}

// GetStreamInfo gets stream info with tracing.
func (m *EventStoreMiddleware) GetStreamInfo(ctx context.Context, p adapters.Partition, streamID string) (*adapters.StreamInfo, error) {
	ctx, span := m.start(ctx, "get_stream_info", p, attribute.String("keel.stream_id", streamID))
	defer span.End()

	info, err := m.adapter.GetStreamInfo(ctx, p, streamID)
	if errors.Is(err, adapters.ErrStreamNotFound) {
		span.SetAttributes(attribute.Bool("keel.stream_exists", false))
		return info, err
	}
	finish(span, err)
	if err == nil {
		span.SetAttributes(
			attribute.Bool("keel.stream_exists", true),
			attribute.Int64("keel.version", info.Version),
		)
	}
	return info, err
}

// Initialize initializes the adapter.
func (m *EventStoreMiddleware) Initialize(ctx context.Context) error {
	return m.adapter.Initialize(ctx)
}

// EnsurePartition forwards to the wrapped adapter when it allocates per-partition storage.
func (m *EventStoreMiddleware) EnsurePartition(ctx context.Context, p adapters.Partition) error {
	pi, ok := m.adapter.(adapters.PartitionInitializer)
	if !ok {
		return p.Validate()
	}
	ctx, span := m.start(ctx, "ensure_partition", p)
	defer span.End()
	err := pi.EnsurePartition(ctx, p)
	finish(span, err)
	return err
}

// Close closes the adapter.
func (m *EventStoreMiddleware) Close() error {
	return m.adapter.Close()
}

// LoadFromPosition loads events across the partition with tracing.
func (m *EventStoreMiddleware) LoadFromPosition(ctx context.Context, p adapters.Partition, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	sub, ok := m.adapter.(adapters.SubscriptionAdapter)
	if !ok {
		return nil, keel.ErrSubscriptionNotSupported
	}
	ctx, span := m.start(ctx, "load_from_position", p,
		attribute.Int64("keel.from_position", int64(fromPosition)),
		attribute.Int("keel.limit", limit),
	)
	defer span.End()

	events, err := sub.LoadFromPosition(ctx, p, fromPosition, limit)
	finish(span, err)
	if err == nil {
		span.SetAttributes(attribute.Int("keel.event_count", len(events)))
	}
	return events, err
}

// GetLastPosition forwards to the wrapped adapter.
func (m *EventStoreMiddleware) GetLastPosition(ctx context.Context, p adapters.Partition) (uint64, error) {
	sub, ok := m.adapter.(adapters.SubscriptionAdapter)
	if !ok {
		return 0, keel.ErrSubscriptionNotSupported
	}
	return sub.GetLastPosition(ctx, p)
}

// SaveSnapshot saves a snapshot with tracing.
func (m *EventStoreMiddleware) SaveSnapshot(ctx context.Context, p adapters.Partition, streamID string, version int64, data []byte) error {
	sa, ok := m.adapter.(adapters.SnapshotAdapter)
	if !ok {
		return keel.ErrSnapshotsNotSupported
	}
	ctx, span := m.start(ctx, "save_snapshot", p,
		attribute.String("keel.stream_id", streamID),
		attribute.Int64("keel.version", version),
	)
	defer span.End()
	err := sa.SaveSnapshot(ctx, p, streamID, version, data)
	finish(span, err)
	return err
}

// LoadSnapshot loads a snapshot with tracing.
func (m *EventStoreMiddleware) LoadSnapshot(ctx context.Context, p adapters.Partition, streamID string) (*adapters.SnapshotRecord, error) {
	sa, ok := m.adapter.(adapters.SnapshotAdapter)
	if !ok {
		return nil, keel.ErrSnapshotsNotSupported
	}
	ctx, span := m.start(ctx, "load_snapshot", p, attribute.String("keel.stream_id", streamID))
	defer span.End()
	snap, err := sa.LoadSnapshot(ctx, p, streamID)
	finish(span, err)
	span.SetAttributes(attribute.Bool("keel.snapshot_found", snap != nil))
	return snap, err
}

// DeleteSnapshot forwards to the wrapped adapter.
func (m *EventStoreMiddleware) DeleteSnapshot(ctx context.Context, p adapters.Partition, streamID string) error {
	sa, ok := m.adapter.(adapters.SnapshotAdapter)
	if !ok {
		return keel.ErrSnapshotsNotSupported
	}
	return sa.DeleteSnapshot(ctx, p, streamID)
}

// GetCheckpoint forwards to the wrapped adapter.
func (m *EventStoreMiddleware) GetCheckpoint(ctx context.Context, p adapters.Partition, projectionName string) (uint64, error) {
	ca, ok := m.adapter.(adapters.CheckpointAdapter)
	if !ok {
		return 0, keel.ErrNoCheckpointStore
	}
	return ca.GetCheckpoint(ctx, p, projectionName)
}

// SetCheckpoint forwards to the wrapped adapter.
func (m *EventStoreMiddleware) SetCheckpoint(ctx context.Context, p adapters.Partition, projectionName string, position uint64) error {
	ca, ok := m.adapter.(adapters.CheckpointAdapter)
	if !ok {
		return keel.ErrNoCheckpointStore
	}
	return ca.SetCheckpoint(ctx, p, projectionName, position)
}
