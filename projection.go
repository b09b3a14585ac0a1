package keel

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/keelhq/keel/adapters"
)

// Projection turns events of one partition into a read model or into
// messages for other systems.
type Projection interface {
	// Name returns the unique identifier for this projection.
	// This name is used for checkpointing and management.
	Name() string

	// HandledEvents returns the list of event types this projection handles.
	// An empty list means the projection handles all event types.
	HandledEvents() []string

	// Apply processes one event. It may be called more than once for the same
	// event after a crash, so it must be idempotent.
	Apply(ctx context.Context, event StoredEvent) error
}

// ProjectionBase provides the name and event filter of a projection.
type ProjectionBase struct {
	name          string
	handledEvents []string
}

// NewProjectionBase creates a new ProjectionBase.
func NewProjectionBase(name string, handledEvents ...string) ProjectionBase {
	return ProjectionBase{
		name:          name,
		handledEvents: handledEvents,
	}
}

// Name returns the projection name.
func (p *ProjectionBase) Name() string {
	return p.name
}

// HandledEvents returns the list of event types this projection handles.
func (p *ProjectionBase) HandledEvents() []string {
	return p.handledEvents
}

// HandlesEvent reports whether the projection handles the given event type.
func (p *ProjectionBase) HandlesEvent(eventType string) bool {
	return handlesEventType(p.handledEvents, eventType)
}

func handlesEventType(handled []string, eventType string) bool {
	return len(handled) == 0 || slices.Contains(handled, eventType)
}

// ProjectionState represents the current state of a projection.
type ProjectionState string

const (
	ProjectionStateStopped    ProjectionState = "stopped"
	ProjectionStateCatchingUp ProjectionState = "catching_up"
	ProjectionStateRunning    ProjectionState = "running"

	// ProjectionStateFaulted means the last batch failed; the worker keeps
	// retrying the same events.
	ProjectionStateFaulted ProjectionState = "faulted"
)

// ProjectionStatus provides detailed information about a projection's current state.
type ProjectionStatus struct {
	Name            string
	State           ProjectionState
	LastPosition    uint64
	EventsProcessed uint64
	LastProcessedAt time.Time

	// Error contains the error message if the projection is faulted.
	Error string
}

// CheckpointStore manages projection checkpoints of one partition.
type CheckpointStore interface {
	// GetCheckpoint returns the last processed position for a projection.
	// Returns 0 if no checkpoint exists.
	GetCheckpoint(ctx context.Context, projectionName string) (uint64, error)

	// SetCheckpoint stores the last processed position for a projection.
	SetCheckpoint(ctx context.Context, projectionName string, position uint64) error
}

type adapterCheckpointStore struct {
	adapter   adapters.CheckpointAdapter
	partition Partition
}

// NewCheckpointStore binds a checkpoint adapter to partition p.
func NewCheckpointStore(adapter adapters.CheckpointAdapter, p Partition) CheckpointStore {
	return &adapterCheckpointStore{adapter: adapter, partition: p}
}

func (s *adapterCheckpointStore) GetCheckpoint(ctx context.Context, name string) (uint64, error) {
	return s.adapter.GetCheckpoint(ctx, s.partition, name)
}

func (s *adapterCheckpointStore) SetCheckpoint(ctx context.Context, name string, position uint64) error {
	return s.adapter.SetCheckpoint(ctx, s.partition, name, position)
}

// ProjectionMetrics collects metrics about projection processing.
type ProjectionMetrics interface {
	RecordEventProcessed(projectionName, eventType string, duration time.Duration, success bool)
	RecordCheckpoint(projectionName string, position uint64)
	RecordError(projectionName string, err error)
}

type noopProjectionMetrics struct{}

func (m *noopProjectionMetrics) RecordEventProcessed(string, string, time.Duration, bool) {}
func (m *noopProjectionMetrics) RecordCheckpoint(string, uint64)                         {}
func (m *noopProjectionMetrics) RecordError(string, error)                               {}

// Publisher delivers messages to an external system.
type Publisher interface {
	// Publish sends the messages in order. An error means some of them may
	// not have been delivered; they will be offered again.
	Publish(ctx context.Context, messages []*adapters.Message) error

	// Destination returns the destination prefix this publisher handles (e.g., "kafka", "webhook").
	Destination() string
}

// PublishingProjection forwards events to a Publisher. Delivery is
// at-least-once: an event is published again if the checkpoint after it was
// not written.
type PublishingProjection struct {
	ProjectionBase
	publisher Publisher
	target    string
	transform func(StoredEvent) ([]byte, error)
}

// PublishingOption configures a PublishingProjection.
type PublishingOption func(*PublishingProjection)

// WithPayloadTransform replaces the raw event data with the transform's output.
func WithPayloadTransform(fn func(StoredEvent) ([]byte, error)) PublishingOption {
	return func(p *PublishingProjection) {
		p.transform = fn
	}
}

// NewPublishingProjection creates a projection named name that publishes the
// handled events to target, e.g. a topic, ARN or URL.
func NewPublishingProjection(name string, publisher Publisher, target string, handledEvents []string, opts ...PublishingOption) *PublishingProjection {
	p := &PublishingProjection{
		ProjectionBase: NewProjectionBase(name, handledEvents...),
		publisher:      publisher,
		target:         target,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply publishes one event.
func (p *PublishingProjection) Apply(ctx context.Context, event StoredEvent) error {
	payload := event.Data
	if p.transform != nil {
		var err error
		if payload, err = p.transform(event); err != nil {
			return fmt.Errorf("keel: failed to transform %s for %s: %w", event.Type, p.Name(), err)
		}
	}

	msg := &adapters.Message{
		ID:             event.ID,
		Destination:    p.publisher.Destination() + ":" + p.target,
		EventType:      event.Type,
		StreamID:       event.StreamID,
		GlobalPosition: event.GlobalPosition,
		Payload:        payload,
		Headers:        messageHeaders(event),
		Timestamp:      event.Timestamp,
	}
	if partition, ok := PartitionFromContext(ctx); ok {
		msg.Partition = partition.Key()
	}
	return p.publisher.Publish(ctx, []*adapters.Message{msg})
}

func messageHeaders(event StoredEvent) map[string]string {
	headers := map[string]string{
		"keel-event-type": event.Type,
		"keel-stream-id":  event.StreamID,
	}
	if event.Metadata.CorrelationID != "" {
		headers["keel-correlation-id"] = event.Metadata.CorrelationID
	}
	if event.Metadata.CausationID != "" {
		headers["keel-causation-id"] = event.Metadata.CausationID
	}
	for k, v := range event.Metadata.Custom {
		headers["keel-"+strings.ToLower(k)] = v
	}
	return headers
}

type partitionKey struct{}

// PartitionFromContext returns the partition the projection engine is processing.
func PartitionFromContext(ctx context.Context) (Partition, bool) {
	p, ok := ctx.Value(partitionKey{}).(Partition)
	return p, ok
}

func withPartition(ctx context.Context, p Partition) context.Context {
	return context.WithValue(ctx, partitionKey{}, p)
}
