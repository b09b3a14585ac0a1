package keel

import (
	"context"
	"fmt"
	"time"

	"github.com/keelhq/keel/adapters"
)

// ProjectionRebuilder replays a partition through a projection to rebuild
// its read model from scratch.
type ProjectionRebuilder struct {
	log         *EventLog
	checkpoints CheckpointStore
	logger      Logger
	metrics     ProjectionMetrics
	batchSize   int
}

// ProjectionRebuilderOption configures a ProjectionRebuilder.
type ProjectionRebuilderOption func(*ProjectionRebuilder)

// WithRebuilderBatchSize sets how many events are loaded at once.
func WithRebuilderBatchSize(size int) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

// WithRebuilderLogger sets the logger for the rebuilder.
func WithRebuilderLogger(logger Logger) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		r.logger = logger
	}
}

// WithRebuilderMetrics sets the metrics collector for the rebuilder.
func WithRebuilderMetrics(metrics ProjectionMetrics) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		r.metrics = metrics
	}
}

// WithRebuilderCheckpoints sets where the rebuilt position is recorded.
func WithRebuilderCheckpoints(store CheckpointStore) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		r.checkpoints = store
	}
}

// NewProjectionRebuilder creates a rebuilder for partition p. The checkpoint
// store defaults to the adapter's when it implements adapters.CheckpointAdapter;
// otherwise no checkpoint is written.
func NewProjectionRebuilder(store *EventStore, p Partition, opts ...ProjectionRebuilderOption) (*ProjectionRebuilder, error) {
	log, err := store.Partition(p)
	if err != nil {
		return nil, err
	}

	r := &ProjectionRebuilder{
		log:       log,
		logger:    store.logger,
		metrics:   &noopProjectionMetrics{},
		batchSize: 1000,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.checkpoints == nil {
		if ca, ok := store.adapter.(adapters.CheckpointAdapter); ok {
			r.checkpoints = NewCheckpointStore(ca, p)
		}
	}
	return r, nil
}

// RebuildProgress reports how far a rebuild has come.
type RebuildProgress struct {
	ProjectionName  string
	TotalEvents     uint64
	ProcessedEvents uint64
	CurrentPosition uint64
	StartedAt       time.Time
	Duration        time.Duration
	EventsPerSecond float64
	Completed       bool
}

// ProgressCallback receives progress after every batch.
type ProgressCallback func(progress RebuildProgress)

// RebuildOptions configures a single rebuild.
type RebuildOptions struct {
	// ClearReadModel calls Reset on projections implementing Resettable.
	// Default: true
	ClearReadModel bool

	// OnProgress is called after every batch and once on completion.
	OnProgress ProgressCallback

	// ToPosition stops the replay at a global position. Zero replays everything.
	ToPosition uint64
}

// DefaultRebuildOptions returns the options used when none are given.
func DefaultRebuildOptions() RebuildOptions {
	return RebuildOptions{ClearReadModel: true}
}

// Resettable is implemented by projections whose read model can be emptied.
type Resettable interface {
	Reset(ctx context.Context) error
}

// Rebuild clears the projection, replays every event it handles and leaves
// the checkpoint at the last replayed position.
func (r *ProjectionRebuilder) Rebuild(ctx context.Context, projection Projection, opts ...RebuildOptions) (RebuildProgress, error) {
	options := DefaultRebuildOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	name := projection.Name()
	progress := RebuildProgress{ProjectionName: name, StartedAt: time.Now()}
	ctx = withPartition(ctx, r.log.partition)

	if last, err := r.log.LastPosition(ctx); err == nil {
		progress.TotalEvents = last
		if options.ToPosition > 0 && options.ToPosition < last {
			progress.TotalEvents = options.ToPosition
		}
	}

	if res, ok := projection.(Resettable); ok && options.ClearReadModel {
		if err := res.Reset(ctx); err != nil {
			return progress, fmt.Errorf("keel: reset projection %s: %w", name, err)
		}
	}

	r.logger.Info("Rebuilding projection", "projection", name, "partition", r.log.partition.Key(), "events", progress.TotalEvents)

	for {
		if err := ctx.Err(); err != nil {
			return progress, err
		}

		events, err := r.log.LoadFromPosition(ctx, progress.CurrentPosition, r.batchSize)
		if err != nil {
			return progress, fmt.Errorf("keel: rebuild %s: %w", name, err)
		}
		if len(events) == 0 {
			break
		}

		done := false
		for _, event := range events {
			if options.ToPosition > 0 && event.GlobalPosition > options.ToPosition {
				done = true
				break
			}
			if handlesEventType(projection.HandledEvents(), event.Type) {
				started := time.Now()
				err := applySafely(ctx, projection, event)
				r.metrics.RecordEventProcessed(name, event.Type, time.Since(started), err == nil)
				if err != nil {
					r.metrics.RecordError(name, err)
					return progress, fmt.Errorf("keel: rebuild %s at position %d: %w", name, event.GlobalPosition, err)
				}
				progress.ProcessedEvents++
			}
			progress.CurrentPosition = event.GlobalPosition
		}

		r.saveCheckpoint(ctx, name, progress.CurrentPosition)
		if options.OnProgress != nil {
			options.OnProgress(r.stamp(progress))
		}
		if done || len(events) < r.batchSize {
			break
		}
	}

	progress = r.stamp(progress)
	progress.Completed = true
	if options.OnProgress != nil {
		options.OnProgress(progress)
	}

	r.logger.Info("Projection rebuilt",
		"projection", name,
		"events", progress.ProcessedEvents,
		"position", progress.CurrentPosition,
		"duration", progress.Duration)
	return progress, nil
}

func (r *ProjectionRebuilder) saveCheckpoint(ctx context.Context, name string, position uint64) {
	if r.checkpoints == nil || position == 0 {
		return
	}
	if err := r.checkpoints.SetCheckpoint(ctx, name, position); err != nil {
		r.logger.Warn("Failed to save checkpoint", "projection", name, "error", err)
		return
	}
	r.metrics.RecordCheckpoint(name, position)
}

func (r *ProjectionRebuilder) stamp(p RebuildProgress) RebuildProgress {
	p.Duration = time.Since(p.StartedAt)
	if secs := p.Duration.Seconds(); secs > 0 {
		p.EventsPerSecond = float64(p.ProcessedEvents) / secs
	}
	return p
}
