package memory

import (
	"context"

	"github.com/keelhq/keel/adapters"
)

// GetCheckpoint returns the last processed position for a projection.
// Returns 0 if no checkpoint exists.
func (a *MemoryAdapter) GetCheckpoint(ctx context.Context, p adapters.Partition, projectionName string) (uint64, error) {
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
	return data.checkpoints[projectionName], nil
}

// SetCheckpoint stores the last processed position for a projection.
func (a *MemoryAdapter) SetCheckpoint(ctx context.Context, p adapters.Partition, projectionName string, position uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}

	a.partition(p).checkpoints[projectionName] = position
	return nil
}
