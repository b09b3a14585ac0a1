// Package sagas provides Given-When-Then fixtures for testing keel sagas:
// which steps ran, which were skipped and in what order compensations ran.
package sagas

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/keelhq/keel"
)

// TB is an alias for testing.TB to enable easier mocking in tests.
type TB = testing.TB

// SagaTestFixture runs one saga and asserts on its outcome.
type SagaTestFixture[S any] struct {
	t       TB
	ctx     context.Context
	saga    *keel.Saga[S]
	state   *S
	outcome *keel.Outcome
	err     error
	ran     bool
}

// TestSaga creates a fixture for saga.
func TestSaga[S any](t TB, saga *keel.Saga[S]) *SagaTestFixture[S] {
	t.Helper()
	return &SagaTestFixture[S]{
		t:    t,
		ctx:  context.Background(),
		saga: saga,
	}
}

// WithContext sets the context the saga runs with. A cancelled context makes
// the run abort.
func (f *SagaTestFixture[S]) WithContext(ctx context.Context) *SagaTestFixture[S] {
	f.ctx = ctx
	return f
}

// When runs the saga on state.
func (f *SagaTestFixture[S]) When(state *S) *SagaTestFixture[S] {
	f.t.Helper()
	f.state = state
	f.outcome, f.err = f.saga.Run(f.ctx, state)
	f.ran = true
	if f.outcome == nil {
		f.t.Fatalf("saga %s returned no outcome: %v", f.saga.Name(), f.err)
	}
	return f
}

func (f *SagaTestFixture[S]) mustHaveRun(assertion string) {
	f.t.Helper()
	if !f.ran {
		f.t.Fatalf("sagas: %s() must be called after When()", assertion)
	}
}

// ThenCompleted asserts the saga completed every step that was not skipped.
func (f *SagaTestFixture[S]) ThenCompleted() *SagaTestFixture[S] {
	f.t.Helper()
	f.mustHaveRun("ThenCompleted")

	if f.err != nil {
		f.t.Fatalf("Expected saga %s to complete, got error: %v", f.saga.Name(), f.err)
	}
	if f.outcome.Status != keel.SagaCompleted {
		f.t.Errorf("Expected status %s, got %s", keel.SagaCompleted, f.outcome.Status)
	}
	return f
}

// ThenFailedAt asserts the saga failed at step and unwound.
func (f *SagaTestFixture[S]) ThenFailedAt(step string) *SagaTestFixture[S] {
	f.t.Helper()
	f.mustHaveRun("ThenFailedAt")

	if !errors.Is(f.err, keel.ErrSagaFailed) {
		f.t.Fatalf("Expected saga %s to fail, got: %v", f.saga.Name(), f.err)
	}
	if f.outcome.FailedStep != step {
		f.t.Errorf("Expected failure at step %q, got %q", step, f.outcome.FailedStep)
	}
	return f
}

// ThenAborted asserts the saga stopped because its context ended.
func (f *SagaTestFixture[S]) ThenAborted() *SagaTestFixture[S] {
	f.t.Helper()
	f.mustHaveRun("ThenAborted")

	if !errors.Is(f.err, keel.ErrSagaAborted) {
		f.t.Errorf("Expected saga %s to abort, got: %v", f.saga.Name(), f.err)
	}
	return f
}

// ThenError asserts the saga error matches target with errors.Is.
func (f *SagaTestFixture[S]) ThenError(target error) *SagaTestFixture[S] {
	f.t.Helper()
	f.mustHaveRun("ThenError")

	if f.err == nil {
		f.t.Fatal("Expected error but got success")
	}
	if !errors.Is(f.err, target) {
		f.t.Errorf("Expected error %v, got %v", target, f.err)
	}
	return f
}

// ThenSteps asserts exactly these steps completed, in order.
func (f *SagaTestFixture[S]) ThenSteps(steps ...string) *SagaTestFixture[S] {
	f.t.Helper()
	f.mustHaveRun("ThenSteps")
	f.assertNames("completed steps", steps, f.outcome.CompletedSteps)
	return f
}

// ThenSkipped asserts exactly these steps were skipped, in order.
func (f *SagaTestFixture[S]) ThenSkipped(steps ...string) *SagaTestFixture[S] {
	f.t.Helper()
	f.mustHaveRun("ThenSkipped")
	f.assertNames("skipped steps", steps, f.outcome.SkippedSteps)
	return f
}

// ThenCompensated asserts exactly these steps were undone, in the order the
// compensations ran.
func (f *SagaTestFixture[S]) ThenCompensated(steps ...string) *SagaTestFixture[S] {
	f.t.Helper()
	f.mustHaveRun("ThenCompensated")
	f.assertNames("compensated steps", steps, f.outcome.CompensatedSteps)
	return f
}

// ThenCompensationFailed asserts exactly these steps failed to compensate.
func (f *SagaTestFixture[S]) ThenCompensationFailed(steps ...string) *SagaTestFixture[S] {
	f.t.Helper()
	f.mustHaveRun("ThenCompensationFailed")

	failed := make([]string, len(f.outcome.CompensationFailures))
	for i, cf := range f.outcome.CompensationFailures {
		failed[i] = cf.Step
	}
	f.assertNames("failed compensations", steps, failed)
	return f
}

// ThenState asserts the state the saga left behind.
func (f *SagaTestFixture[S]) ThenState(check func(t TB, state *S)) *SagaTestFixture[S] {
	f.t.Helper()
	f.mustHaveRun("ThenState")
	check(f.t, f.state)
	return f
}

// Outcome returns the outcome of the run.
func (f *SagaTestFixture[S]) Outcome() *keel.Outcome {
	return f.outcome
}

// Err returns the error of the run.
func (f *SagaTestFixture[S]) Err() error {
	return f.err
}

func (f *SagaTestFixture[S]) assertNames(what string, expected, actual []string) {
	f.t.Helper()
	if len(expected) == 0 && len(actual) == 0 {
		return
	}
	if !reflect.DeepEqual(expected, actual) {
		f.t.Errorf("Expected %s %v, got %v", what, expected, actual)
	}
}
