package keel

import (
	"errors"
	"fmt"
)

// Aggregate defines the interface for event-sourced aggregates.
// An aggregate is a domain object whose state is derived from a sequence of events.
type Aggregate interface {
	// AggregateID returns the unique identifier for this aggregate instance.
	AggregateID() string

	// AggregateType returns the type/category of this aggregate (e.g., "Account", "Loan").
	AggregateType() string

	// Version returns the stream version the state reflects, pending events excluded.
	Version() int64

	// SetVersion records the stream version after a load or a successful persist.
	SetVersion(v int64)

	// ApplyEvent applies an event to update the aggregate's state.
	// It must be deterministic, and return a SchemaDriftError for events it does not know.
	ApplyEvent(event interface{}) error

	// UncommittedEvents returns events that have been applied but not yet persisted.
	UncommittedEvents() []interface{}

	// ClearUncommittedEvents removes all uncommitted events after successful persistence.
	ClearUncommittedEvents()
}

// AggregateBase provides a default partial implementation of the Aggregate interface.
// Embed this struct in your aggregate types to get default behavior.
type AggregateBase struct {
	id                string
	aggregateType     string
	version           int64
	snapshotVersion   int64
	uncommittedEvents []interface{}
}

// NewAggregateBase creates a new AggregateBase with the given ID and type.
func NewAggregateBase(id, aggregateType string) AggregateBase {
	return AggregateBase{
		id:            id,
		aggregateType: aggregateType,
	}
}

// AggregateID returns the aggregate's unique identifier.
func (a *AggregateBase) AggregateID() string {
	return a.id
}

// AggregateType returns the aggregate type.
func (a *AggregateBase) AggregateType() string {
	return a.aggregateType
}

// Version returns the current version of the aggregate.
func (a *AggregateBase) Version() int64 {
	return a.version
}

// SetVersion sets the aggregate version.
func (a *AggregateBase) SetVersion(v int64) {
	a.version = v
}

// SnapshotVersion returns the version of the newest snapshot known for this aggregate.
func (a *AggregateBase) SnapshotVersion() int64 {
	return a.snapshotVersion
}

// SetSnapshotVersion records that a snapshot exists at v.
func (a *AggregateBase) SetSnapshotVersion(v int64) {
	a.snapshotVersion = v
}

// UncommittedEvents returns events that haven't been persisted yet.
func (a *AggregateBase) UncommittedEvents() []interface{} {
	return a.uncommittedEvents
}

// ClearUncommittedEvents removes all uncommitted events.
func (a *AggregateBase) ClearUncommittedEvents() {
	a.uncommittedEvents = nil
}

// Apply records an event as uncommitted.
// The aggregate should also update its internal state based on the event,
// usually by passing it to its own ApplyEvent.
func (a *AggregateBase) Apply(event interface{}) {
	a.uncommittedEvents = append(a.uncommittedEvents, event)
}

// HasUncommittedEvents returns true if there are events waiting to be persisted.
func (a *AggregateBase) HasUncommittedEvents() bool {
	return len(a.uncommittedEvents) > 0
}

// StreamID returns the stream ID for this aggregate.
func (a *AggregateBase) StreamID() string {
	return BuildStreamID(a.aggregateType, a.id)
}

// snapshotTracker is implemented by aggregates embedding AggregateBase.
type snapshotTracker interface {
	SnapshotVersion() int64
	SetSnapshotVersion(v int64)
}

// AggregateFactory creates an empty aggregate for an ID.
type AggregateFactory[A Aggregate] func(id string) A

// Rehydrate builds an aggregate from an optional baseline snapshot and the
// events that follow it. Events must continue the baseline version without gaps.
func Rehydrate[A Aggregate](factory AggregateFactory[A], id string, baseline *Snapshot, events []Event) (A, error) {
	agg := factory(id)

	if baseline != nil {
		s, ok := any(agg).(Snapshottable)
		if !ok {
			var zero A
			return zero, fmt.Errorf("keel: %s cannot restore snapshots", agg.AggregateType())
		}
		if err := s.RestoreSnapshot(baseline.State); err != nil {
			var zero A
			return zero, fmt.Errorf("keel: failed to restore %s snapshot at version %d: %w",
				agg.AggregateType(), baseline.Version, err)
		}
		agg.SetVersion(baseline.Version)
		if t, ok := any(agg).(snapshotTracker); ok {
			t.SetSnapshotVersion(baseline.Version)
		}
	}

	for _, event := range events {
		if event.Version != agg.Version()+1 {
			var zero A
			return zero, fmt.Errorf("%w: %s expected version %d, got %d",
				ErrVersionGap, event.StreamID, agg.Version()+1, event.Version)
		}
		if err := agg.ApplyEvent(event.Data); err != nil {
			var zero A
			var drift *SchemaDriftError
			if errors.As(err, &drift) {
				drift.StreamID = event.StreamID
				drift.Version = event.Version
				return zero, drift
			}
			return zero, fmt.Errorf("keel: failed to apply event %d of %s: %w", event.Version, event.StreamID, err)
		}
		agg.SetVersion(event.Version)
	}

	return agg, nil
}
