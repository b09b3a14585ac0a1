// Package bdd provides Given-When-Then fixtures for event-sourced aggregates
// and for commands dispatched through a keel.CommandBus.
package bdd

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/keelhq/keel"
)

// TB is an alias for testing.TB interface to allow mocking in tests
type TB = testing.TB

// TestFixture tests one aggregate command.
type TestFixture struct {
	t           TB
	aggregate   keel.Aggregate
	givenEvents []interface{}
	result      error
	executed    bool
}

// Given sets up the aggregate with its history. The events are replayed
// through ApplyEvent, so the aggregate must know every one of them.
func Given(t TB, aggregate keel.Aggregate, events ...interface{}) *TestFixture {
	t.Helper()
	return &TestFixture{
		t:           t,
		aggregate:   aggregate,
		givenEvents: events,
	}
}

// When replays the history and runs commandFunc, which should call a method
// of the aggregate.
func (f *TestFixture) When(commandFunc func() error) *TestFixture {
	f.t.Helper()

	for _, event := range f.givenEvents {
		if err := f.aggregate.ApplyEvent(event); err != nil {
			f.t.Fatalf("Failed to apply given event %T: %v", event, err)
		}
	}
	f.aggregate.SetVersion(int64(len(f.givenEvents)))
	f.aggregate.ClearUncommittedEvents()

	f.result = commandFunc()
	f.executed = true

	return f
}

func (f *TestFixture) mustHaveRun(assertion string) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatalf("bdd: %s() must be called after When() - no command was executed", assertion)
	}
}

// Then asserts that the command succeeded and recorded exactly these events.
func (f *TestFixture) Then(expectedEvents ...interface{}) {
	f.t.Helper()
	f.mustHaveRun("Then")

	if f.result != nil {
		f.t.Fatalf("Expected success but got error: %v", f.result)
	}

	uncommitted := f.aggregate.UncommittedEvents()
	if len(uncommitted) != len(expectedEvents) {
		f.t.Fatalf("Expected %d events, got %d.\nExpected: %+v\nActual: %+v",
			len(expectedEvents), len(uncommitted), expectedEvents, uncommitted)
	}

	for i, expected := range expectedEvents {
		if !reflect.DeepEqual(uncommitted[i], expected) {
			f.t.Errorf("Event %d mismatch:\nExpected: %+v\nActual: %+v",
				i, expected, uncommitted[i])
		}
	}
}

// ThenError asserts that the command failed with an error matching
// expectedErr and recorded nothing.
func (f *TestFixture) ThenError(expectedErr error) {
	f.t.Helper()
	f.mustHaveRun("ThenError")

	if f.result == nil {
		f.t.Fatal("Expected error but got success")
	}

	if !errors.Is(f.result, expectedErr) {
		f.t.Errorf("Expected error %v, got %v", expectedErr, f.result)
	}
	if n := len(f.aggregate.UncommittedEvents()); n > 0 {
		f.t.Errorf("Expected no events after a rejected command, got %d", n)
	}
}

// ThenRejected asserts the command was refused with a keel.DomainError
// carrying code.
func (f *TestFixture) ThenRejected(code string) {
	f.t.Helper()
	f.mustHaveRun("ThenRejected")

	var de *keel.DomainError
	if !errors.As(f.result, &de) {
		f.t.Fatalf("Expected domain error %q, got %v", code, f.result)
	}
	if de.Code != code {
		f.t.Errorf("Expected domain error %q, got %q: %v", code, de.Code, de)
	}
}

// ThenErrorContains asserts that the error message contains a substring.
func (f *TestFixture) ThenErrorContains(substring string) {
	f.t.Helper()
	f.mustHaveRun("ThenErrorContains")

	if f.result == nil {
		f.t.Fatal("Expected error but got success")
	}

	if !strings.Contains(f.result.Error(), substring) {
		f.t.Errorf("Expected error containing %q, got %q", substring, f.result.Error())
	}
}

// ThenNoEvents asserts that the command succeeded without recording events.
func (f *TestFixture) ThenNoEvents() {
	f.t.Helper()
	f.mustHaveRun("ThenNoEvents")

	if f.result != nil {
		f.t.Fatalf("Expected success but got error: %v", f.result)
	}

	uncommitted := f.aggregate.UncommittedEvents()
	if len(uncommitted) > 0 {
		f.t.Errorf("Expected no events, got %d: %+v", len(uncommitted), uncommitted)
	}
}

// CommandTestFixture tests a command dispatched through a bus.
type CommandTestFixture struct {
	t           TB
	ctx         context.Context
	bus         *keel.CommandBus
	log         *keel.EventLog
	givenEvents []givenEvent
	result      keel.CommandResult
	err         error
	executed    bool
}

type givenEvent struct {
	streamID string
	events   []interface{}
}

// GivenCommand creates a fixture for bus. log, which may be nil, receives the
// events given with WithExistingEvents.
func GivenCommand(t TB, bus *keel.CommandBus, log *keel.EventLog) *CommandTestFixture {
	t.Helper()
	return &CommandTestFixture{
		t:   t,
		ctx: context.Background(),
		bus: bus,
		log: log,
	}
}

// WithContext sets the context the command is dispatched with.
func (f *CommandTestFixture) WithContext(ctx context.Context) *CommandTestFixture {
	f.ctx = ctx
	return f
}

// WithExistingEvents appends events to streamID before the command runs.
func (f *CommandTestFixture) WithExistingEvents(streamID string, events ...interface{}) *CommandTestFixture {
	f.givenEvents = append(f.givenEvents, givenEvent{streamID: streamID, events: events})
	return f
}

// When dispatches the command.
func (f *CommandTestFixture) When(cmd keel.Command) *CommandTestFixture {
	f.t.Helper()

	if len(f.givenEvents) > 0 && f.log == nil {
		f.t.Fatal("bdd: WithExistingEvents() needs an event log")
	}
	for _, ge := range f.givenEvents {
		if _, err := f.log.Append(f.ctx, ge.streamID, keel.AnyVersion, ge.events...); err != nil {
			f.t.Fatalf("Failed to store given events for %s: %v", ge.streamID, err)
		}
	}

	f.result, f.err = f.bus.Dispatch(f.ctx, cmd)
	f.executed = true
	return f
}

func (f *CommandTestFixture) mustHaveRun(assertion string) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatalf("bdd: %s() must be called after When() - no command was dispatched", assertion)
	}
}

// ThenSucceeds asserts the command succeeded.
func (f *CommandTestFixture) ThenSucceeds() *CommandTestFixture {
	f.t.Helper()
	f.mustHaveRun("ThenSucceeds")

	if f.err != nil {
		f.t.Fatalf("Expected success but got error: %v", f.err)
	}

	if !f.result.IsSuccess() {
		f.t.Fatalf("Expected success result but got error: %v", f.result.Error)
	}

	return f
}

// ThenFails asserts the command failed with the expected error.
func (f *CommandTestFixture) ThenFails(expectedErr error) {
	f.t.Helper()
	f.mustHaveRun("ThenFails")

	if f.err == nil && f.result.IsSuccess() {
		f.t.Fatal("Expected failure but got success")
	}

	errToCheck := f.err
	if errToCheck == nil {
		errToCheck = f.result.Error
	}

	if !errors.Is(errToCheck, expectedErr) {
		f.t.Errorf("Expected error %v, got %v", expectedErr, errToCheck)
	}
}

// ThenReturnsAggregateID asserts the result contains the expected aggregate ID.
func (f *CommandTestFixture) ThenReturnsAggregateID(expected string) *CommandTestFixture {
	f.t.Helper()
	f.mustHaveRun("ThenReturnsAggregateID")

	if f.result.AggregateID != expected {
		f.t.Errorf("Expected aggregate ID %q, got %q", expected, f.result.AggregateID)
	}

	return f
}

// ThenReturnsVersion asserts the result contains the expected version.
func (f *CommandTestFixture) ThenReturnsVersion(expected int64) *CommandTestFixture {
	f.t.Helper()
	f.mustHaveRun("ThenReturnsVersion")

	if f.result.Version != expected {
		f.t.Errorf("Expected version %d, got %d", expected, f.result.Version)
	}

	return f
}

// ThenStream asserts the types of the events stored in streamID.
func (f *CommandTestFixture) ThenStream(streamID string, eventTypes ...string) *CommandTestFixture {
	f.t.Helper()
	f.mustHaveRun("ThenStream")

	if f.log == nil {
		f.t.Fatal("bdd: ThenStream() needs an event log")
	}
	var actual []string
	for e, err := range f.log.ReadAll(f.ctx, streamID) {
		if err != nil {
			f.t.Fatalf("Failed to read %s: %v", streamID, err)
		}
		actual = append(actual, e.Type)
	}
	if !slices.Equal(actual, eventTypes) {
		f.t.Errorf("Expected %s to hold %v, got %v", streamID, eventTypes, actual)
	}
	return f
}
