package keel

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SagaStatus is the lifecycle state of one saga run.
type SagaStatus string

const (
	SagaRunning      SagaStatus = "running"
	SagaCompleted    SagaStatus = "completed"
	SagaCompensating SagaStatus = "compensating"
	SagaFailed       SagaStatus = "failed"

	// SagaAborted means the context ended mid-run. Nothing was compensated;
	// Outcome.Compensate unwinds the completed steps.
	SagaAborted SagaStatus = "aborted"
)

// Compensation undoes the effect of one completed step.
type Compensation func(ctx context.Context) error

// SagaMetrics receives saga timings and results.
type SagaMetrics interface {
	RecordStep(saga, step string, duration time.Duration, err error)
	RecordCompensation(saga, step string, err error)
	RecordSaga(saga string, status SagaStatus, duration time.Duration)
}

type noopSagaMetrics struct{}

func (noopSagaMetrics) RecordStep(string, string, time.Duration, error) {}
func (noopSagaMetrics) RecordCompensation(string, string, error)        {}
func (noopSagaMetrics) RecordSaga(string, SagaStatus, time.Duration)    {}

type stepEnv struct {
	retry         RetryPolicy
	logger        Logger
	correlationID string
}

// Step is one forward action of a saga over state S.
type Step[S any] struct {
	name  string
	run   func(ctx context.Context, state *S, env stepEnv) (Compensation, error)
	when  func(*S) bool
	retry RetryPolicy
}

// Name returns the step name.
func (s Step[S]) Name() string {
	return s.name
}

// When makes the step run only if pred reports true for the state at the time
// the step is reached. Skipped steps register no compensation.
func (s Step[S]) When(pred func(*S) bool) Step[S] {
	s.when = pred
	return s
}

// WithRetry retries the step's action according to policy. Domain errors,
// schema drift and Permanent errors are never retried.
func (s Step[S]) WithRetry(policy RetryPolicy) Step[S] {
	s.retry = policy
	return s
}

// Do creates a step without compensation, for actions that need no undo or
// that come last.
func Do[S any](name string, action func(ctx context.Context, state *S) error) Step[S] {
	return Step[S]{
		name: name,
		run: func(ctx context.Context, state *S, env stepEnv) (Compensation, error) {
			_, err := runWithRetry(ctx, name, env.retry, env.logger, func() (struct{}, error) {
				return struct{}{}, action(ctx, state)
			})
			return nil, err
		},
	}
}

// NewStep creates a step whose compensation receives the result the action
// actually produced, so the undo reverses what happened rather than what was
// requested.
func NewStep[S, R any](name string, action func(ctx context.Context, state *S) (R, error), compensate func(ctx context.Context, state *S, result R) error) Step[S] {
	return Step[S]{
		name: name,
		run: func(ctx context.Context, state *S, env stepEnv) (Compensation, error) {
			result, err := runWithRetry(ctx, name, env.retry, env.logger, func() (R, error) {
				return action(ctx, state)
			})
			if err != nil || compensate == nil {
				return nil, err
			}
			return func(ctx context.Context) error {
				return compensate(ctx, state, result)
			}, nil
		},
	}
}

// Child runs another saga as one step. input builds the child state from the
// parent's, output copies results back after the child completes. A failed
// child compensates itself before the parent starts unwinding; a completed
// child is undone as a single compensation of the parent. Retry policies do
// not apply to child steps.
func Child[S, C any](name string, child *Saga[C], input func(*S) C, output func(*S, *C)) Step[S] {
	return Step[S]{
		name: name,
		run: func(ctx context.Context, state *S, env stepEnv) (Compensation, error) {
			childState := input(state)
			outcome, err := child.run(ctx, &childState, env.correlationID)

			var undo Compensation
			if outcome.Status == SagaCompleted || outcome.Status == SagaAborted {
				undo = outcome.Compensate
			}
			if err != nil {
				return undo, err
			}

			if output != nil {
				output(state, &childState)
			}
			return undo, nil
		},
	}
}

// Saga is an ordered list of steps over a state S. A Saga is immutable and
// may be run concurrently; every Run owns its own compensation stack.
type Saga[S any] struct {
	name    string
	steps   []Step[S]
	logger  Logger
	metrics SagaMetrics
	newID   func() string
	now     func() time.Time
}

type sagaConfig struct {
	logger  Logger
	metrics SagaMetrics
	newID   func() string
	now     func() time.Time
}

// SagaOption configures a Saga.
type SagaOption func(*sagaConfig)

// WithSagaLogger sets the logger.
func WithSagaLogger(l Logger) SagaOption {
	return func(c *sagaConfig) {
		c.logger = l
	}
}

// WithSagaMetrics sets the metrics sink.
func WithSagaMetrics(m SagaMetrics) SagaOption {
	return func(c *sagaConfig) {
		c.metrics = m
	}
}

// WithSagaIDGenerator overrides how saga IDs are generated.
func WithSagaIDGenerator(fn func() string) SagaOption {
	return func(c *sagaConfig) {
		c.newID = fn
	}
}

// WithSagaClock overrides the clock used for Outcome timestamps.
func WithSagaClock(now func() time.Time) SagaOption {
	return func(c *sagaConfig) {
		c.now = now
	}
}

// NewSaga creates a saga from its steps. Use Configure to set options.
func NewSaga[S any](name string, steps ...Step[S]) *Saga[S] {
	return &Saga[S]{
		name:    name,
		steps:   steps,
		logger:  &noopLogger{},
		metrics: noopSagaMetrics{},
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Configure returns a copy of the saga with opts applied.
func (s *Saga[S]) Configure(opts ...SagaOption) *Saga[S] {
	cfg := sagaConfig{logger: s.logger, metrics: s.metrics, newID: s.newID, now: s.now}
	for _, opt := range opts {
		opt(&cfg)
	}

	clone := *s
	clone.logger = cfg.logger
	clone.metrics = cfg.metrics
	clone.newID = cfg.newID
	clone.now = cfg.now
	return &clone
}

// Name returns the saga name.
func (s *Saga[S]) Name() string {
	return s.name
}

// Steps returns the step names in execution order.
func (s *Saga[S]) Steps() []string {
	names := make([]string, len(s.steps))
	for i, step := range s.steps {
		names[i] = step.name
	}
	return names
}

// Run executes the steps in order against state. If a step fails, the
// compensations of the completed steps run newest-first and the saga ends
// Failed; compensation failures are recorded and do not stop the others. If
// ctx ends mid-run the saga stops Aborted without compensating.
//
// Every step runs with correlation ID set to the saga ID and causation ID set
// to the step name, so events appended by the step can be traced back.
// On failure or abort the returned error is a *SagaError and the Outcome is
// also returned.
func (s *Saga[S]) Run(ctx context.Context, state *S) (*Outcome, error) {
	return s.run(ctx, state, "")
}

func (s *Saga[S]) run(ctx context.Context, state *S, correlationID string) (*Outcome, error) {
	id := s.newID()
	if correlationID == "" {
		correlationID = id
	}

	out := &Outcome{
		SagaID:        id,
		CorrelationID: correlationID,
		Saga:          s.name,
		Status:        SagaRunning,
		StartedAt:     s.now(),
		logger:        s.logger,
		metrics:       s.metrics,
		now:           s.now,
	}

	s.logger.Info("Saga started", "saga", s.name, "sagaID", id, "correlationID", correlationID)

	for _, step := range s.steps {
		if err := ctx.Err(); err != nil {
			return s.abort(out, step.name, err)
		}

		if step.when != nil && !step.when(state) {
			out.SkippedSteps = append(out.SkippedSteps, step.name)
			s.logger.Debug("Saga step skipped", "saga", s.name, "sagaID", id, "step", step.name)
			continue
		}

		retry := step.retry
		if retry == nil {
			retry = NoRetry()
		}
		env := stepEnv{retry: retry, logger: s.logger, correlationID: correlationID}
		stepCtx := WithMetadata(ctx, Metadata{CorrelationID: correlationID, CausationID: step.name})

		started := time.Now()
		undo, err := runStep(stepCtx, step, state, env)
		s.metrics.RecordStep(s.name, step.name, time.Since(started), err)

		if undo != nil {
			out.stack = append(out.stack, compensationEntry{step: step.name, undo: undo})
		}

		if err != nil {
			out.FailedStep = step.name
			if ctx.Err() != nil {
				return s.abort(out, step.name, err)
			}
			return s.fail(ctx, out, err)
		}

		out.CompletedSteps = append(out.CompletedSteps, step.name)
		s.logger.Debug("Saga step completed", "saga", s.name, "sagaID", id, "step", step.name)
	}

	out.Status = SagaCompleted
	out.FinishedAt = s.now()
	s.metrics.RecordSaga(s.name, out.Status, out.FinishedAt.Sub(out.StartedAt))
	s.logger.Info("Saga completed", "saga", s.name, "sagaID", id, "steps", len(out.CompletedSteps))
	return out, nil
}

func (s *Saga[S]) fail(ctx context.Context, out *Outcome, err error) (*Outcome, error) {
	out.Err = err
	out.Status = SagaCompensating
	s.logger.Warn("Saga step failed, compensating",
		"saga", s.name,
		"sagaID", out.SagaID,
		"step", out.FailedStep,
		"compensations", len(out.stack),
		"error", err)

	out.mu.Lock()
	out.compensated = true
	out.mu.Unlock()

	// Compensations must finish even if the caller gives up now.
	out.unwind(context.WithoutCancel(ctx))

	out.Status = SagaFailed
	out.FinishedAt = s.now()
	s.metrics.RecordSaga(s.name, out.Status, out.FinishedAt.Sub(out.StartedAt))
	s.logger.Error("Saga failed",
		"saga", s.name,
		"sagaID", out.SagaID,
		"step", out.FailedStep,
		"compensated", len(out.CompensatedSteps),
		"compensationFailures", len(out.CompensationFailures),
		"error", err)
	return out, &SagaError{Outcome: out}
}

func (s *Saga[S]) abort(out *Outcome, step string, err error) (*Outcome, error) {
	out.Err = err
	out.Status = SagaAborted
	out.FinishedAt = s.now()
	s.metrics.RecordSaga(s.name, out.Status, out.FinishedAt.Sub(out.StartedAt))
	s.logger.Warn("Saga aborted",
		"saga", s.name,
		"sagaID", out.SagaID,
		"step", step,
		"pendingCompensations", len(out.stack),
		"error", err)
	return out, &SagaError{Outcome: out}
}

// runStep runs one step, turning a panic into a step failure.
func runStep[S any](ctx context.Context, step Step[S], state *S, env stepEnv) (undo Compensation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("keel: saga step %q panicked: %v\n%s", step.name, r, debug.Stack())
		}
	}()
	return step.run(ctx, state, env)
}

type compensationEntry struct {
	step string
	undo Compensation
}

// Outcome reports what one saga run did.
type Outcome struct {
	SagaID        string
	CorrelationID string
	Saga          string
	Status        SagaStatus

	CompletedSteps []string
	SkippedSteps   []string

	// FailedStep and Err describe the step that stopped the run.
	FailedStep string
	Err        error

	// CompensatedSteps lists steps undone successfully, in the order the
	// compensations ran.
	CompensatedSteps     []string
	CompensationFailures []*CompensationError

	StartedAt  time.Time
	FinishedAt time.Time

	mu          sync.Mutex
	stack       []compensationEntry
	compensated bool
	logger      Logger
	metrics     SagaMetrics
	now         func() time.Time
}

// Compensate unwinds the completed steps of an aborted or completed run,
// newest first. It may be called once; later calls, and calls on a run that
// already compensated after a failure, return ErrAlreadyCompensated.
func (o *Outcome) Compensate(ctx context.Context) error {
	o.mu.Lock()
	if o.compensated {
		o.mu.Unlock()
		return ErrAlreadyCompensated
	}
	o.compensated = true
	o.mu.Unlock()

	o.Status = SagaCompensating
	o.unwind(ctx)
	o.Status = SagaFailed
	o.FinishedAt = o.now()

	if len(o.CompensationFailures) == 0 {
		return nil
	}
	errs := make([]error, len(o.CompensationFailures))
	for i, f := range o.CompensationFailures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// unwind runs the compensation stack newest-first and empties it.
func (o *Outcome) unwind(ctx context.Context) {
	for i := len(o.stack) - 1; i >= 0; i-- {
		entry := o.stack[i]
		compCtx := WithMetadata(ctx, Metadata{
			CorrelationID: o.CorrelationID,
			CausationID:   entry.step + ".compensate",
		})

		err := runCompensation(compCtx, entry)
		o.metrics.RecordCompensation(o.Saga, entry.step, err)
		if err != nil {
			o.CompensationFailures = append(o.CompensationFailures, &CompensationError{Step: entry.step, Cause: err})
			o.logger.Error("Compensation failed",
				"saga", o.Saga,
				"sagaID", o.SagaID,
				"step", entry.step,
				"error", err)
			continue
		}

		o.CompensatedSteps = append(o.CompensatedSteps, entry.step)
		o.logger.Debug("Compensation completed", "saga", o.Saga, "sagaID", o.SagaID, "step", entry.step)
	}
	o.stack = nil
}

func runCompensation(ctx context.Context, entry compensationEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("keel: compensation panicked: %v", r)
		}
	}()
	return entry.undo(ctx)
}

// PendingCompensations returns the number of compensations not yet run.
func (o *Outcome) PendingCompensations() int {
	return len(o.stack)
}

// SagaError is returned by Saga.Run when the saga failed or was aborted.
// It matches ErrSagaFailed or ErrSagaAborted, and unwraps to the step error
// and every compensation failure.
type SagaError struct {
	Outcome *Outcome
}

// Error returns the error message.
func (e *SagaError) Error() string {
	o := e.Outcome
	msg := fmt.Sprintf("keel: saga %q %s", o.Saga, o.Status)
	if o.FailedStep != "" {
		msg += fmt.Sprintf(" at step %q", o.FailedStep)
	}
	msg += fmt.Sprintf(": %v", o.Err)
	if n := len(o.CompensationFailures); n > 0 {
		msg += fmt.Sprintf(" (%d compensation(s) failed)", n)
	}
	return msg
}

// Is reports whether this error matches the target error.
func (e *SagaError) Is(target error) bool {
	switch target {
	case ErrSagaFailed:
		return e.Outcome.Status != SagaAborted
	case ErrSagaAborted:
		return e.Outcome.Status == SagaAborted
	}
	return false
}

// Unwrap returns the step error followed by the compensation failures.
func (e *SagaError) Unwrap() []error {
	errs := []error{e.Outcome.Err}
	for _, f := range e.Outcome.CompensationFailures {
		errs = append(errs, f)
	}
	return errs
}
