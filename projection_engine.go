package keel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keelhq/keel/adapters"
)

// Projection engine errors
var (
	ErrProjectionNotFound             = errors.New("keel: projection not found")
	ErrProjectionAlreadyRegistered    = errors.New("keel: projection already registered")
	ErrProjectionEngineAlreadyRunning = errors.New("keel: projection engine already running")
	ErrNoCheckpointStore              = errors.New("keel: no checkpoint store configured")
	ErrEmptyProjectionName            = errors.New("keel: projection name is required")
)

// ProjectionEngine feeds the events of one partition, in global position
// order, to registered projections. Each projection has its own checkpoint,
// written after the events before it were applied, so a crash replays events
// but never loses them.
type ProjectionEngine struct {
	log          *EventLog
	checkpoints  CheckpointStore
	metrics      ProjectionMetrics
	logger       Logger
	pollInterval time.Duration
	batchSize    int

	mu      sync.RWMutex
	workers map[string]*projectionWorker
	order   []string

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan error
}

// ProjectionEngineOption configures a ProjectionEngine.
type ProjectionEngineOption func(*ProjectionEngine)

// WithCheckpointStore sets the checkpoint store for the engine.
func WithCheckpointStore(store CheckpointStore) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		e.checkpoints = store
	}
}

// WithProjectionMetrics sets the metrics collector for the engine.
func WithProjectionMetrics(metrics ProjectionMetrics) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		e.metrics = metrics
	}
}

// WithProjectionLogger sets the logger for the engine.
func WithProjectionLogger(logger Logger) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		e.logger = logger
	}
}

// WithPollInterval sets how often idle workers look for new events.
func WithPollInterval(d time.Duration) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithBatchSize sets how many events a worker loads at once.
func WithBatchSize(n int) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// ProjectionOptions configures one registered projection.
type ProjectionOptions struct {
	// RetryPolicy governs retries of a failing Apply before the batch is
	// abandoned and retried on the next poll.
	RetryPolicy RetryPolicy

	// StartFromBeginning ignores the stored checkpoint.
	StartFromBeginning bool
}

// DefaultProjectionOptions returns the options used when none are given.
func DefaultProjectionOptions() ProjectionOptions {
	return ProjectionOptions{
		RetryPolicy: ExponentialBackoff(3, 100*time.Millisecond, 2*time.Second),
	}
}

// NewProjectionEngine creates an engine reading partition p. Without
// WithCheckpointStore the event adapter must implement adapters.CheckpointAdapter.
func NewProjectionEngine(store *EventStore, p Partition, opts ...ProjectionEngineOption) (*ProjectionEngine, error) {
	log, err := store.Partition(p)
	if err != nil {
		return nil, err
	}

	e := &ProjectionEngine{
		log:          log,
		metrics:      &noopProjectionMetrics{},
		logger:       store.logger,
		pollInterval: time.Second,
		batchSize:    100,
		workers:      make(map[string]*projectionWorker),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.checkpoints == nil {
		ca, ok := store.adapter.(adapters.CheckpointAdapter)
		if !ok {
			return nil, ErrNoCheckpointStore
		}
		e.checkpoints = NewCheckpointStore(ca, p)
	}
	return e, nil
}

// Partition reports which partition the engine reads.
func (e *ProjectionEngine) Partition() Partition {
	return e.log.partition
}

// Register adds a projection. Projections cannot be added while the engine runs.
func (e *ProjectionEngine) Register(projection Projection, opts ...ProjectionOptions) error {
	if projection == nil || projection.Name() == "" {
		return ErrEmptyProjectionName
	}
	if e.running.Load() {
		return ErrProjectionEngineAlreadyRunning
	}

	options := DefaultProjectionOptions()
	if len(opts) > 0 {
		options = opts[0]
		if options.RetryPolicy == nil {
			options.RetryPolicy = NoRetry()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	name := projection.Name()
	if _, exists := e.workers[name]; exists {
		return fmt.Errorf("%w: %s", ErrProjectionAlreadyRegistered, name)
	}
	e.workers[name] = &projectionWorker{
		projection: projection,
		options:    options,
		state:      ProjectionStateStopped,
	}
	e.order = append(e.order, name)

	e.logger.Info("Registered projection", "name", name, "partition", e.log.partition.Key())
	return nil
}

// Start launches one polling worker per projection and returns immediately.
func (e *ProjectionEngine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrProjectionEngineAlreadyRunning
	}

	ctx, cancel := context.WithCancel(withPartition(ctx, e.log.partition))
	g, gctx := errgroup.WithContext(ctx)

	for _, w := range e.snapshotWorkers() {
		g.Go(func() error {
			e.runWorker(gctx, w)
			return nil
		})
	}

	e.cancel = cancel
	e.done = make(chan error, 1)
	go func() {
		e.done <- g.Wait()
	}()

	e.logger.Info("Projection engine started", "partition", e.log.partition.Key(), "projections", len(e.order))
	return nil
}

// Stop cancels the workers and waits for them, or for ctx to end.
func (e *ProjectionEngine) Stop(ctx context.Context) error {
	if !e.running.Load() {
		return nil
	}

	e.cancel()
	select {
	case err := <-e.done:
		e.running.Store(false)
		e.logger.Info("Projection engine stopped", "partition", e.log.partition.Key())
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the engine is running.
func (e *ProjectionEngine) IsRunning() bool {
	return e.running.Load()
}

// CatchUp synchronously brings every projection up to the current head of the
// partition. It stops at the first projection that cannot apply an event.
func (e *ProjectionEngine) CatchUp(ctx context.Context) error {
	ctx = withPartition(ctx, e.log.partition)
	for _, w := range e.snapshotWorkers() {
		for {
			n, err := e.processBatch(ctx, w)
			if err != nil {
				w.setError(err)
				return fmt.Errorf("keel: projection %s: %w", w.projection.Name(), err)
			}
			if n == 0 {
				break
			}
		}
		w.clearError()
	}
	return nil
}

// Status returns the status of a projection by name.
func (e *ProjectionEngine) Status(name string) (*ProjectionStatus, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	w, ok := e.workers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectionNotFound, name)
	}
	return w.status(), nil
}

// Statuses returns the status of every projection in registration order.
func (e *ProjectionEngine) Statuses() []*ProjectionStatus {
	workers := e.snapshotWorkers()
	statuses := make([]*ProjectionStatus, len(workers))
	for i, w := range workers {
		statuses[i] = w.status()
	}
	return statuses
}

func (e *ProjectionEngine) snapshotWorkers() []*projectionWorker {
	e.mu.RLock()
	defer e.mu.RUnlock()

	workers := make([]*projectionWorker, len(e.order))
	for i, name := range e.order {
		workers[i] = e.workers[name]
	}
	return workers
}

type projectionWorker struct {
	projection Projection
	options    ProjectionOptions

	// run serializes batches between the polling loop and CatchUp.
	run    sync.Mutex
	loaded bool

	mu              sync.RWMutex
	state           ProjectionState
	position        uint64
	processed       uint64
	lastProcessedAt time.Time
	lastError       error
}

func (w *projectionWorker) status() *ProjectionStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	status := &ProjectionStatus{
		Name:            w.projection.Name(),
		State:           w.state,
		LastPosition:    w.position,
		EventsProcessed: w.processed,
		LastProcessedAt: w.lastProcessedAt,
	}
	if w.lastError != nil {
		status.Error = w.lastError.Error()
	}
	return status
}

func (w *projectionWorker) setState(state ProjectionState) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *projectionWorker) setError(err error) {
	w.mu.Lock()
	w.lastError = err
	w.state = ProjectionStateFaulted
	w.mu.Unlock()
}

func (w *projectionWorker) clearError() {
	w.mu.Lock()
	w.lastError = nil
	if w.state == ProjectionStateFaulted || w.state == ProjectionStateCatchingUp {
		w.state = ProjectionStateRunning
	}
	w.mu.Unlock()
}

// runWorker polls for new events until ctx ends. A failing batch is retried
// with exponential backoff, without skipping the failing event.
func (e *ProjectionEngine) runWorker(ctx context.Context, w *projectionWorker) {
	name := w.projection.Name()
	w.setState(ProjectionStateCatchingUp)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	var (
		consecutiveErrors int
		firstErrorAt      time.Time
	)

	for {
		n, err := e.processBatch(ctx, w)
		switch {
		case ctx.Err() != nil:
			w.setState(ProjectionStateStopped)
			return

		case err != nil:
			consecutiveErrors++
			if consecutiveErrors == 1 {
				firstErrorAt = time.Now()
			}
			// Log only at power-of-2 counts (1, 2, 4, 8, ...) to reduce noise.
			if consecutiveErrors&(consecutiveErrors-1) == 0 {
				e.logger.Error("Projection error",
					"projection", name,
					"error", err,
					"consecutiveErrors", consecutiveErrors)
			}
			w.setError(err)
			e.metrics.RecordError(name, err)

			delay := 100 * time.Millisecond << min(consecutiveErrors-1, 8)
			select {
			case <-ctx.Done():
				w.setState(ProjectionStateStopped)
				return
			case <-time.After(delay):
			}
			continue

		case consecutiveErrors > 0:
			e.logger.Info("Projection recovered",
				"projection", name,
				"consecutiveErrors", consecutiveErrors,
				"outage", time.Since(firstErrorAt))
			consecutiveErrors = 0
			w.clearError()
		}

		if n > 0 {
			continue
		}
		w.clearError()

		select {
		case <-ctx.Done():
			w.setState(ProjectionStateStopped)
			return
		case <-ticker.C:
		}
	}
}

// processBatch applies the next batch of events and returns how many events
// were read. The checkpoint advances past every event applied, even when a
// later event of the batch fails.
func (e *ProjectionEngine) processBatch(ctx context.Context, w *projectionWorker) (int, error) {
	w.run.Lock()
	defer w.run.Unlock()

	name := w.projection.Name()
	if !w.loaded {
		var start uint64
		if !w.options.StartFromBeginning {
			pos, err := e.checkpoints.GetCheckpoint(ctx, name)
			if err != nil {
				return 0, fmt.Errorf("failed to load checkpoint: %w", err)
			}
			start = pos
		}
		w.mu.Lock()
		w.position = start
		w.mu.Unlock()
		w.loaded = true
	}

	w.mu.RLock()
	from := w.position
	w.mu.RUnlock()

	events, err := e.log.LoadFromPosition(ctx, from, e.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	position := from
	var applyErr error
	for _, event := range events {
		if handlesEventType(w.projection.HandledEvents(), event.Type) {
			started := time.Now()
			_, err := runWithRetry(ctx, name, w.options.RetryPolicy, e.logger, func() (struct{}, error) {
				return struct{}{}, applySafely(ctx, w.projection, event)
			})
			e.metrics.RecordEventProcessed(name, event.Type, time.Since(started), err == nil)
			if err != nil {
				applyErr = fmt.Errorf("failed to apply %s at position %d: %w", event.Type, event.GlobalPosition, err)
				break
			}

			w.mu.Lock()
			w.processed++
			w.lastProcessedAt = time.Now()
			w.mu.Unlock()
		}
		position = event.GlobalPosition
	}

	if position > from {
		if err := e.checkpoints.SetCheckpoint(ctx, name, position); err != nil {
			e.logger.Error("Failed to save checkpoint", "projection", name, "position", position, "error", err)
		} else {
			e.metrics.RecordCheckpoint(name, position)
		}
		w.mu.Lock()
		w.position = position
		w.mu.Unlock()
	}

	return len(events), applyErr
}

// applySafely turns a panicking projection into an error.
func applySafely(ctx context.Context, p Projection, event StoredEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing event %s (stream %s) at position %d: %v",
				event.Type, event.StreamID, event.GlobalPosition, r)
		}
	}()
	return p.Apply(ctx, event)
}
