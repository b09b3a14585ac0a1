package keel

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/keelhq/keel/adapters"
)

// DefaultReadPageSize is how many events ReadFrom fetches per adapter call.
const DefaultReadPageSize = 256

// EventStore is the main entry point for event sourcing operations.
// It owns the adapter, serializer and logger; reads and writes go through a
// partition-bound EventLog obtained from Partition.
type EventStore struct {
	adapter    adapters.EventStoreAdapter
	serializer Serializer
	logger     Logger
	pageSize   int
}

// Logger defines the logging interface used across keel.
// Arguments after msg are alternating keys and values.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// noopLogger is a no-op logger implementation.
type noopLogger struct{}

func (l *noopLogger) Debug(msg string, args ...interface{}) {}
func (l *noopLogger) Info(msg string, args ...interface{})  {}
func (l *noopLogger) Warn(msg string, args ...interface{})  {}
func (l *noopLogger) Error(msg string, args ...interface{}) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return &noopLogger{}
}

// Option configures an EventStore.
type Option func(*EventStore)

// WithSerializer sets a custom serializer.
func WithSerializer(s Serializer) Option {
	return func(es *EventStore) {
		es.serializer = s
	}
}

// WithLogger sets a custom logger.
func WithLogger(l Logger) Option {
	return func(es *EventStore) {
		es.logger = l
	}
}

// WithReadPageSize sets how many events ReadFrom loads per round trip.
func WithReadPageSize(n int) Option {
	return func(es *EventStore) {
		if n > 0 {
			es.pageSize = n
		}
	}
}

// New creates a new EventStore with the given adapter and options.
func New(adapter adapters.EventStoreAdapter, opts ...Option) *EventStore {
	es := &EventStore{
		adapter:    adapter,
		serializer: NewJSONSerializer(),
		logger:     &noopLogger{},
		pageSize:   DefaultReadPageSize,
	}

	for _, opt := range opts {
		opt(es)
	}

	return es
}

// Serializer returns the event store's serializer.
func (s *EventStore) Serializer() Serializer {
	return s.serializer
}

// Adapter returns the underlying adapter.
func (s *EventStore) Adapter() adapters.EventStoreAdapter {
	return s.adapter
}

// Logger returns the configured logger.
func (s *EventStore) Logger() Logger {
	return s.logger
}

// RegisterEvents registers event types with the serializer.
// This is required for deserializing events back to their original types.
func (s *EventStore) RegisterEvents(events ...interface{}) {
	if r, ok := s.serializer.(EventRegistrar); ok {
		r.RegisterAll(events...)
	}
}

// Initialize sets up the required storage schema.
func (s *EventStore) Initialize(ctx context.Context) error {
	return s.adapter.Initialize(ctx)
}

// Close releases resources held by the event store.
func (s *EventStore) Close() error {
	return s.adapter.Close()
}

// Partition returns the event log of one partition.
func (s *EventStore) Partition(p Partition) (*EventLog, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &EventLog{store: s, partition: p}, nil
}

// EventLog is the append-only log of one partition. Stream IDs passed to it
// are logical; the partition was fixed when the log was created.
type EventLog struct {
	store     *EventStore
	partition Partition
}

// Partition reports which partition the log is bound to.
func (l *EventLog) Partition() Partition {
	return l.partition
}

// Store returns the owning event store.
func (l *EventLog) Store() *EventStore {
	return l.store
}

// Append atomically appends events to streamID if the stream is at
// expectedVersion, and returns the new stream version. Metadata attached to
// ctx with WithMetadata is stamped on every event.
func (l *EventLog) Append(ctx context.Context, streamID string, expectedVersion int64, events ...interface{}) (int64, error) {
	if streamID == "" {
		return 0, ErrEmptyStreamID
	}
	if len(events) == 0 {
		return 0, ErrNoEvents
	}

	metadata := MetadataFromContext(ctx)
	records := make([]adapters.EventRecord, len(events))
	for i, event := range events {
		eventData, err := SerializeEvent(l.store.serializer, event, metadata)
		if err != nil {
			return 0, fmt.Errorf("keel: failed to serialize event %d: %w", i, err)
		}

		records[i] = adapters.EventRecord{
			Type:     eventData.Type,
			Data:     eventData.Data,
			Metadata: convertMetadataToAdapter(eventData.Metadata),
		}
	}

	stored, err := l.store.adapter.Append(ctx, l.partition, streamID, records, expectedVersion)
	if err != nil {
		return 0, err
	}

	newVersion := stored[len(stored)-1].Version
	l.store.logger.Debug("Appended events",
		"partition", l.partition.Key(),
		"streamID", streamID,
		"count", len(stored),
		"version", newVersion)
	return newVersion, nil
}

// ReadFrom returns the events of streamID with a version greater than
// fromVersion. The sequence is lazy: events are fetched page by page while the
// caller ranges over it. It is bounded by the stream head observed when the
// first iteration starts, and ranging over it again replays the same range.
func (l *EventLog) ReadFrom(ctx context.Context, streamID string, fromVersion int64) iter.Seq2[StoredEvent, error] {
	var (
		once    sync.Once
		head    int64
		headErr error
	)
	bound := func() (int64, error) {
		once.Do(func() {
			info, err := l.store.adapter.GetStreamInfo(ctx, l.partition, streamID)
			switch {
			case errors.Is(err, ErrStreamNotFound):
				head = 0
			case err != nil:
				headErr = err
			default:
				head = info.Version
			}
		})
		return head, headErr
	}

	return func(yield func(StoredEvent, error) bool) {
		if streamID == "" {
			yield(StoredEvent{}, ErrEmptyStreamID)
			return
		}

		head, err := bound()
		if err != nil {
			yield(StoredEvent{}, err)
			return
		}

		next := max(fromVersion, 0)
		for next < head {
			limit := min(int64(l.store.pageSize), head-next)
			page, err := l.store.adapter.Load(ctx, l.partition, streamID, next, int(limit))
			if err != nil {
				yield(StoredEvent{}, err)
				return
			}
			if len(page) == 0 {
				return
			}
			for _, stored := range page {
				if stored.Version > head {
					return
				}
				if !yield(convertStoredEventFromAdapter(stored), nil) {
					return
				}
				next = stored.Version
			}
		}
	}
}

// ReadAll returns every event of streamID; it is ReadFrom(ctx, streamID, 0).
func (l *EventLog) ReadAll(ctx context.Context, streamID string) iter.Seq2[StoredEvent, error] {
	return l.ReadFrom(ctx, streamID, 0)
}

// Load eagerly reads and deserializes the events after fromVersion.
func (l *EventLog) Load(ctx context.Context, streamID string, fromVersion int64) ([]Event, error) {
	var events []Event
	for stored, err := range l.ReadFrom(ctx, streamID, fromVersion) {
		if err != nil {
			return nil, err
		}
		event, err := DeserializeEvent(l.store.serializer, stored)
		if err != nil {
			return nil, fmt.Errorf("keel: failed to deserialize event %d of %q: %w", stored.Version, streamID, err)
		}
		events = append(events, event)
	}
	return events, nil
}

// Info returns metadata about a stream.
func (l *EventLog) Info(ctx context.Context, streamID string) (*StreamInfo, error) {
	if streamID == "" {
		return nil, ErrEmptyStreamID
	}

	info, err := l.store.adapter.GetStreamInfo(ctx, l.partition, streamID)
	if err != nil {
		return nil, err
	}

	return &StreamInfo{
		StreamID:   info.StreamID,
		Version:    info.Version,
		EventCount: info.EventCount,
		CreatedAt:  info.CreatedAt,
		UpdatedAt:  info.UpdatedAt,
	}, nil
}

// LoadFromPosition loads events of the partition after a global position.
// Returns ErrSubscriptionNotSupported if the adapter does not implement SubscriptionAdapter.
func (l *EventLog) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]StoredEvent, error) {
	subAdapter, ok := l.store.adapter.(adapters.SubscriptionAdapter)
	if !ok {
		return nil, ErrSubscriptionNotSupported
	}

	events, err := subAdapter.LoadFromPosition(ctx, l.partition, fromPosition, limit)
	if err != nil {
		return nil, err
	}

	result := make([]StoredEvent, len(events))
	for i, e := range events {
		result[i] = convertStoredEventFromAdapter(e)
	}
	return result, nil
}

// LastPosition returns the global position of the partition's newest event.
func (l *EventLog) LastPosition(ctx context.Context) (uint64, error) {
	subAdapter, ok := l.store.adapter.(adapters.SubscriptionAdapter)
	if !ok {
		return 0, ErrSubscriptionNotSupported
	}
	return subAdapter.GetLastPosition(ctx, l.partition)
}
