package keel

import (
	"context"
	"errors"
	"time"

	"github.com/keelhq/keel/adapters"
)

// Snapshot is the serialized state of an aggregate at a stream version.
type Snapshot struct {
	StreamID string
	Version  int64
	State    []byte
	TakenAt  time.Time
}

// Snapshottable is implemented by aggregates that can be restored from a snapshot.
type Snapshottable interface {
	// Snapshot encodes the current state.
	Snapshot() ([]byte, error)

	// RestoreSnapshot replaces the state with a previously encoded one.
	RestoreSnapshot(state []byte) error
}

// SnapshotPolicy decides when a repository takes a snapshot after a persist.
type SnapshotPolicy interface {
	ShouldSnapshot(lastSnapshotVersion, currentVersion int64) bool
}

// SnapshotPolicyFunc adapts a function to SnapshotPolicy.
type SnapshotPolicyFunc func(lastSnapshotVersion, currentVersion int64) bool

// ShouldSnapshot calls f.
func (f SnapshotPolicyFunc) ShouldSnapshot(lastSnapshotVersion, currentVersion int64) bool {
	return f(lastSnapshotVersion, currentVersion)
}

// EveryNEvents snapshots once at least n events were written since the last snapshot.
func EveryNEvents(n int64) SnapshotPolicy {
	return SnapshotPolicyFunc(func(last, current int64) bool {
		return n > 0 && current-last >= n
	})
}

// NeverSnapshot disables snapshots.
func NeverSnapshot() SnapshotPolicy {
	return SnapshotPolicyFunc(func(int64, int64) bool { return false })
}

// SnapshotStore keeps the latest snapshot of each stream in one partition.
type SnapshotStore struct {
	log     *EventLog
	adapter adapters.SnapshotAdapter
}

// SnapshotStoreOption configures a SnapshotStore.
type SnapshotStoreOption func(*SnapshotStore)

// WithSnapshotAdapter stores snapshots somewhere other than the event adapter,
// for example redis in front of postgres.
func WithSnapshotAdapter(a adapters.SnapshotAdapter) SnapshotStoreOption {
	return func(s *SnapshotStore) {
		s.adapter = a
	}
}

// NewSnapshotStore creates the snapshot store of the log's partition. Without
// WithSnapshotAdapter the event adapter must implement adapters.SnapshotAdapter.
func NewSnapshotStore(log *EventLog, opts ...SnapshotStoreOption) (*SnapshotStore, error) {
	s := &SnapshotStore{log: log}
	for _, opt := range opts {
		opt(s)
	}

	if s.adapter == nil {
		a, ok := log.store.adapter.(adapters.SnapshotAdapter)
		if !ok {
			return nil, ErrSnapshotsNotSupported
		}
		s.adapter = a
	}
	return s, nil
}

// Partition reports which partition the store is bound to.
func (s *SnapshotStore) Partition() Partition {
	return s.log.partition
}

// Save replaces the snapshot of streamID with state taken at version.
// A version beyond the current stream head is rejected with ErrSnapshotAhead;
// one not newer than the stored snapshot leaves it in place.
func (s *SnapshotStore) Save(ctx context.Context, streamID string, version int64, state []byte) error {
	if streamID == "" {
		return ErrEmptyStreamID
	}
	if version <= 0 {
		return ErrInvalidVersion
	}

	info, err := s.log.Info(ctx, streamID)
	switch {
	case errors.Is(err, ErrStreamNotFound):
		return ErrSnapshotAhead
	case err != nil:
		return err
	case version > info.Version:
		return ErrSnapshotAhead
	}

	return s.adapter.SaveSnapshot(ctx, s.log.partition, streamID, version, state)
}

// Latest returns the newest snapshot of streamID, or nil when there is none.
func (s *SnapshotStore) Latest(ctx context.Context, streamID string) (*Snapshot, error) {
	if streamID == "" {
		return nil, ErrEmptyStreamID
	}

	record, err := s.adapter.LoadSnapshot(ctx, s.log.partition, streamID)
	if err != nil || record == nil {
		return nil, err
	}

	return &Snapshot{
		StreamID: record.StreamID,
		Version:  record.Version,
		State:    record.Data,
		TakenAt:  record.TakenAt,
	}, nil
}

// Delete removes the snapshot of streamID; the next load replays the full stream.
func (s *SnapshotStore) Delete(ctx context.Context, streamID string) error {
	return s.adapter.DeleteSnapshot(ctx, s.log.partition, streamID)
}
