package memory

import (
	"context"

	"github.com/keelhq/keel/adapters"
)

// SaveSnapshot replaces the snapshot for the given stream unless the stored
// one is at least as new.
func (a *MemoryAdapter) SaveSnapshot(ctx context.Context, p adapters.Partition, streamID string, version int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if streamID == "" {
		return adapters.ErrEmptyStreamID
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}

	pd := a.partition(p)
	if stream, ok := pd.streams[streamID]; !ok || version > stream.info.Version {
		return adapters.ErrSnapshotAhead
	}
	if existing, ok := pd.snapshots[streamID]; ok && existing.Version >= version {
		return nil
	}

	pd.snapshots[streamID] = adapters.SnapshotRecord{
		StreamID: streamID,
		Version:  version,
		Data:     append([]byte(nil), data...),
		TakenAt:  a.clock(),
	}
	return nil
}

// LoadSnapshot retrieves the latest snapshot for the given stream.
func (a *MemoryAdapter) LoadSnapshot(ctx context.Context, p adapters.Partition, streamID string) (*adapters.SnapshotRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	pd := a.readPartition(p)
	if pd == nil {
		return nil, nil
	}
	snapshot, exists := pd.snapshots[streamID]
	if !exists {
		return nil, nil
	}

	snapshot.Data = append([]byte(nil), snapshot.Data...)
	return &snapshot, nil
}

// DeleteSnapshot removes the snapshot for the given stream.
func (a *MemoryAdapter) DeleteSnapshot(ctx context.Context, p adapters.Partition, streamID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}

	if pd := a.readPartition(p); pd != nil {
		delete(pd.snapshots, streamID)
	}
	return nil
}
