package keel

import (
	"context"
	"errors"
	"fmt"

	"github.com/keelhq/keel/adapters"
)

// AggregateRepository loads and saves aggregates of one type in one partition.
type AggregateRepository[A Aggregate] struct {
	log             *EventLog
	snapshots       *SnapshotStore
	policy          SnapshotPolicy
	factory         AggregateFactory[A]
	aggregateType   string
	conflictRetries int
	logger          Logger
}

type repositoryConfig struct {
	policy          SnapshotPolicy
	snapshotAdapter adapters.SnapshotAdapter
	conflictRetries int
	logger          Logger
}

// RepositoryOption configures an AggregateRepository.
type RepositoryOption func(*repositoryConfig)

// WithSnapshotPolicy enables snapshots taken according to policy.
func WithSnapshotPolicy(policy SnapshotPolicy) RepositoryOption {
	return func(c *repositoryConfig) {
		c.policy = policy
	}
}

// WithRepositorySnapshotAdapter stores the repository's snapshots in a
// dedicated adapter instead of the event adapter.
func WithRepositorySnapshotAdapter(a adapters.SnapshotAdapter) RepositoryOption {
	return func(c *repositoryConfig) {
		c.snapshotAdapter = a
	}
}

// WithConflictRetries makes Execute re-run a command up to n more times when
// the persist loses an optimistic concurrency race.
func WithConflictRetries(n int) RepositoryOption {
	return func(c *repositoryConfig) {
		if n >= 0 {
			c.conflictRetries = n
		}
	}
}

// WithRepositoryLogger overrides the event store's logger.
func WithRepositoryLogger(l Logger) RepositoryOption {
	return func(c *repositoryConfig) {
		c.logger = l
	}
}

// NewAggregateRepository creates a repository bound to partition p.
// Snapshots are read whenever a snapshot adapter is available and written
// according to the configured policy.
func NewAggregateRepository[A Aggregate](store *EventStore, p Partition, factory AggregateFactory[A], opts ...RepositoryOption) (*AggregateRepository[A], error) {
	cfg := repositoryConfig{
		policy: NeverSnapshot(),
		logger: store.logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	log, err := store.Partition(p)
	if err != nil {
		return nil, err
	}

	repo := &AggregateRepository[A]{
		log:             log,
		policy:          cfg.policy,
		factory:         factory,
		aggregateType:   factory("").AggregateType(),
		conflictRetries: cfg.conflictRetries,
		logger:          cfg.logger,
	}

	var snapOpts []SnapshotStoreOption
	if cfg.snapshotAdapter != nil {
		snapOpts = append(snapOpts, WithSnapshotAdapter(cfg.snapshotAdapter))
	}
	snapshots, err := NewSnapshotStore(log, snapOpts...)
	switch {
	case err == nil:
		repo.snapshots = snapshots
	case errors.Is(err, ErrSnapshotsNotSupported) && cfg.snapshotAdapter == nil:
		// Replay only.
	default:
		return nil, err
	}

	return repo, nil
}

// Log returns the event log the repository writes to.
func (r *AggregateRepository[A]) Log() *EventLog {
	return r.log
}

// Snapshots returns the snapshot store, or nil when snapshots are unavailable.
func (r *AggregateRepository[A]) Snapshots() *SnapshotStore {
	return r.snapshots
}

// StreamID returns the stream holding the aggregate with the given ID.
func (r *AggregateRepository[A]) StreamID(id string) string {
	return BuildStreamID(r.aggregateType, id)
}

// Retrieve rebuilds the aggregate from its latest snapshot and the events after
// it. An aggregate that was never persisted comes back empty at version 0.
func (r *AggregateRepository[A]) Retrieve(ctx context.Context, id string) (A, error) {
	streamID := r.StreamID(id)

	var baseline *Snapshot
	if r.snapshots != nil {
		snap, err := r.snapshots.Latest(ctx, streamID)
		if err != nil {
			r.logger.Warn("Snapshot unavailable, replaying full stream", "streamID", streamID, "error", err)
		}
		baseline = snap
	}

	agg, err := r.rehydrate(ctx, id, streamID, baseline)
	if err != nil && baseline != nil && !errors.Is(err, ErrSchemaDrift) {
		r.logger.Warn("Snapshot could not be applied, replaying full stream",
			"streamID", streamID, "snapshotVersion", baseline.Version, "error", err)
		return r.rehydrate(ctx, id, streamID, nil)
	}
	return agg, err
}

func (r *AggregateRepository[A]) rehydrate(ctx context.Context, id, streamID string, baseline *Snapshot) (A, error) {
	var zero A

	var from int64
	if baseline != nil {
		from = baseline.Version
	}

	serializer := r.log.store.serializer
	var events []Event
	for stored, err := range r.log.ReadFrom(ctx, streamID, from) {
		if err != nil {
			return zero, err
		}
		data, err := serializer.Deserialize(stored.Data, stored.Type)
		if errors.Is(err, ErrEventTypeNotRegistered) {
			return zero, &SchemaDriftError{
				AggregateType: r.aggregateType,
				StreamID:      streamID,
				EventType:     stored.Type,
				Version:       stored.Version,
			}
		}
		if err != nil {
			return zero, fmt.Errorf("keel: failed to deserialize event %d of %s: %w", stored.Version, streamID, err)
		}
		events = append(events, EventFromStored(stored, data))
	}

	return Rehydrate(r.factory, id, baseline, events)
}

// Persist appends the aggregate's pending events, expecting the stream to be at
// agg.Version(). On success the version advances and the pending events are
// cleared; on failure, including a concurrency conflict, the aggregate is left
// untouched. A snapshot is taken afterwards when the policy asks for one;
// snapshot failures are logged and do not fail the persist.
func (r *AggregateRepository[A]) Persist(ctx context.Context, agg A) error {
	if any(agg) == nil {
		return ErrNilAggregate
	}

	events := agg.UncommittedEvents()
	if len(events) == 0 {
		return nil
	}

	streamID := r.StreamID(agg.AggregateID())
	newVersion, err := r.log.Append(ctx, streamID, agg.Version(), events...)
	if err != nil {
		return err
	}

	agg.SetVersion(newVersion)
	agg.ClearUncommittedEvents()

	r.maybeSnapshot(ctx, streamID, agg)
	return nil
}

func (r *AggregateRepository[A]) maybeSnapshot(ctx context.Context, streamID string, agg A) {
	if r.snapshots == nil {
		return
	}
	s, ok := any(agg).(Snapshottable)
	if !ok {
		return
	}

	tracker, _ := any(agg).(snapshotTracker)
	var last int64
	if tracker != nil {
		last = tracker.SnapshotVersion()
	}
	if !r.policy.ShouldSnapshot(last, agg.Version()) {
		return
	}

	state, err := s.Snapshot()
	if err == nil {
		err = r.snapshots.Save(ctx, streamID, agg.Version(), state)
	}
	if err != nil {
		r.logger.Warn("Failed to save snapshot", "streamID", streamID, "version", agg.Version(), "error", err)
		return
	}

	if tracker != nil {
		tracker.SetSnapshotVersion(agg.Version())
	}
	r.logger.Debug("Saved snapshot", "streamID", streamID, "version", agg.Version())
}

// Execute retrieves the aggregate, runs command on it and persists the result.
// When the persist hits a concurrency conflict the whole cycle is repeated up
// to the configured number of conflict retries. Errors returned by command are
// returned as-is and never retried.
func (r *AggregateRepository[A]) Execute(ctx context.Context, id string, command func(A) error) (A, error) {
	var zero A
	for attempt := 0; ; attempt++ {
		agg, err := r.Retrieve(ctx, id)
		if err != nil {
			return zero, err
		}

		if err := command(agg); err != nil {
			return zero, err
		}

		err = r.Persist(ctx, agg)
		if err == nil {
			return agg, nil
		}
		if !IsRetryable(err) || attempt >= r.conflictRetries {
			return zero, err
		}

		r.logger.Debug("Retrying command after concurrency conflict",
			"streamID", r.StreamID(id), "attempt", attempt+1)
	}
}
