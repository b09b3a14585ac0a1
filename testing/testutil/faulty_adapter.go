package testutil

import (
	"context"
	"sync"

	"github.com/keelhq/keel/adapters"
	"github.com/keelhq/keel/adapters/memory"
)

// FaultyAdapter is an in-memory adapter whose appends to chosen streams can
// be made to fail, to drive saga compensation and retry paths.
type FaultyAdapter struct {
	*memory.MemoryAdapter

	mu      sync.Mutex
	faults  map[string]*fault
	appends map[string]int
}

type fault struct {
	after int
	err   error
}

// NewFaultyAdapter creates an adapter that behaves like memory.NewAdapter
// until a fault is registered.
func NewFaultyAdapter() *FaultyAdapter {
	return &FaultyAdapter{
		MemoryAdapter: memory.NewAdapter(),
		faults:        make(map[string]*fault),
		appends:       make(map[string]int),
	}
}

// FailAppends makes appends to streamID fail with err once after appends to
// it have succeeded. The stream is matched in every partition.
func (f *FaultyAdapter) FailAppends(streamID string, after int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[streamID] = &fault{after: after, err: err}
}

// Heal removes the fault registered for streamID.
func (f *FaultyAdapter) Heal(streamID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.faults, streamID)
}

// Appends returns the number of successful appends to streamID.
func (f *FaultyAdapter) Appends(streamID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appends[streamID]
}

// Append fails if a fault is due for streamID, otherwise it appends.
func (f *FaultyAdapter) Append(ctx context.Context, p adapters.Partition, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	f.mu.Lock()
	if ft, ok := f.faults[streamID]; ok && f.appends[streamID] >= ft.after {
		f.mu.Unlock()
		return nil, ft.err
	}
	f.mu.Unlock()

	stored, err := f.MemoryAdapter.Append(ctx, p, streamID, events, expectedVersion)
	if err == nil {
		f.mu.Lock()
		f.appends[streamID]++
		f.mu.Unlock()
	}
	return stored, err
}
