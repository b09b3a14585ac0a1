package testutil

import (
	"context"
	"sync"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/adapters"
)

// RecordingProjection records the events applied to it.
type RecordingProjection struct {
	keel.ProjectionBase

	// ApplyErr is returned by every Apply when set.
	ApplyErr error

	mu      sync.Mutex
	applied []keel.StoredEvent
}

// NewRecordingProjection creates a projection named name.
func NewRecordingProjection(name string, handled ...string) *RecordingProjection {
	return &RecordingProjection{ProjectionBase: keel.NewProjectionBase(name, handled...)}
}

// Apply implements keel.Projection.
func (p *RecordingProjection) Apply(ctx context.Context, event keel.StoredEvent) error {
	if p.ApplyErr != nil {
		return p.ApplyErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, event)
	return nil
}

// Applied returns the events applied so far.
func (p *RecordingProjection) Applied() []keel.StoredEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]keel.StoredEvent(nil), p.applied...)
}

// AppliedTypes returns the types of the events applied so far.
func (p *RecordingProjection) AppliedTypes() []string {
	applied := p.Applied()
	types := make([]string, len(applied))
	for i, e := range applied {
		types[i] = e.Type
	}
	return types
}

var _ keel.Projection = (*RecordingProjection)(nil)

// RecordingPublisher is a keel.Publisher that keeps what it is given.
type RecordingPublisher struct {
	// Err is returned by Publish when set; nothing is recorded.
	Err error

	mu       sync.Mutex
	dest     string
	messages []*adapters.Message
}

// NewRecordingPublisher creates a publisher for destination prefix dest.
func NewRecordingPublisher(dest string) *RecordingPublisher {
	return &RecordingPublisher{dest: dest}
}

// Destination implements keel.Publisher.
func (p *RecordingPublisher) Destination() string { return p.dest }

// Publish implements keel.Publisher.
func (p *RecordingPublisher) Publish(ctx context.Context, messages []*adapters.Message) error {
	if p.Err != nil {
		return p.Err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, messages...)
	return nil
}

// Messages returns the messages published so far.
func (p *RecordingPublisher) Messages() []*adapters.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*adapters.Message(nil), p.messages...)
}

var _ keel.Publisher = (*RecordingPublisher)(nil)
