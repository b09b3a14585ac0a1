package keel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/keelhq/keel/adapters"
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these errors.
var (
	// ErrStreamNotFound indicates the requested stream does not exist.
	ErrStreamNotFound = adapters.ErrStreamNotFound

	// ErrConcurrencyConflict indicates an optimistic concurrency violation.
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict

	// ErrEmptyStreamID indicates an empty stream ID was provided.
	ErrEmptyStreamID = adapters.ErrEmptyStreamID

	// ErrNoEvents indicates no events were provided for append.
	ErrNoEvents = adapters.ErrNoEvents

	// ErrInvalidVersion indicates an invalid version number was provided.
	ErrInvalidVersion = adapters.ErrInvalidVersion

	// ErrAdapterClosed indicates the adapter has been closed.
	ErrAdapterClosed = adapters.ErrAdapterClosed

	// ErrInvalidPartition indicates a partition cannot be mapped to storage.
	ErrInvalidPartition = adapters.ErrInvalidPartition

	// ErrSnapshotAhead indicates a snapshot version beyond the stream head.
	ErrSnapshotAhead = adapters.ErrSnapshotAhead

	// ErrVersionGap indicates a replayed stream skipped a version.
	ErrVersionGap = errors.New("keel: stream version gap")

	// ErrSerializationFailed indicates event serialization/deserialization failed.
	ErrSerializationFailed = errors.New("keel: serialization failed")

	// ErrEventTypeNotRegistered indicates an unknown event type was encountered.
	ErrEventTypeNotRegistered = errors.New("keel: event type not registered")

	// ErrNilAggregate indicates a nil aggregate was passed.
	ErrNilAggregate = errors.New("keel: nil aggregate")

	// ErrSubscriptionNotSupported indicates the adapter cannot serve position reads.
	ErrSubscriptionNotSupported = errors.New("keel: adapter does not support subscriptions")

	// ErrSnapshotsNotSupported indicates the adapter does not store snapshots.
	ErrSnapshotsNotSupported = errors.New("keel: adapter does not support snapshots")

	// ErrDomain matches every DomainError.
	ErrDomain = errors.New("keel: domain rule violated")

	// ErrSchemaDrift matches every SchemaDriftError.
	ErrSchemaDrift = errors.New("keel: schema drift")

	// ErrCompensationFailed matches every CompensationError.
	ErrCompensationFailed = errors.New("keel: compensation failed")

	// ErrActivityFailed matches every ActivityError.
	ErrActivityFailed = errors.New("keel: activity failed")

	// ErrSagaFailed matches every SagaError.
	ErrSagaFailed = errors.New("keel: saga failed")

	// ErrSagaAborted indicates a saga stopped because its context ended.
	ErrSagaAborted = errors.New("keel: saga aborted")

	// ErrAlreadyCompensated is returned by Outcome.Compensate on the second call.
	ErrAlreadyCompensated = errors.New("keel: compensation already ran")

	// Command and handler related errors

	// ErrHandlerNotFound indicates no handler is registered for a command type.
	ErrHandlerNotFound = errors.New("keel: handler not found")

	// ErrValidationFailed indicates command validation failed.
	ErrValidationFailed = errors.New("keel: validation failed")

	// ErrNilCommand indicates a nil command was passed.
	ErrNilCommand = errors.New("keel: nil command")

	// ErrHandlerPanicked indicates a handler panicked during execution.
	ErrHandlerPanicked = errors.New("keel: handler panicked")

	// ErrTenantRequired indicates a tenant-scoped command arrived without a tenant.
	ErrTenantRequired = errors.New("keel: tenant required")
)

// ConcurrencyError provides detailed information about a concurrency conflict.
type ConcurrencyError = adapters.ConcurrencyError

// StreamNotFoundError provides detailed information about a missing stream.
type StreamNotFoundError = adapters.StreamNotFoundError

// NewConcurrencyError creates a new ConcurrencyError.
func NewConcurrencyError(streamID string, expected, actual int64) *ConcurrencyError {
	return adapters.NewConcurrencyError(streamID, expected, actual)
}

// DomainError is a business rule rejection returned by aggregate commands.
// Retrying with the same arguments fails identically, so it is never retried.
type DomainError struct {
	// Code is a stable machine readable identifier, e.g. "insufficient_funds".
	Code    string
	Message string
}

// NewDomainError creates a new DomainError.
func NewDomainError(code, format string, args ...interface{}) *DomainError {
	return &DomainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error returns the error message.
func (e *DomainError) Error() string {
	return fmt.Sprintf("keel: %s: %s", e.Code, e.Message)
}

// Is reports whether this error matches the target error.
// Two domain errors match when their codes are equal.
func (e *DomainError) Is(target error) bool {
	if target == ErrDomain {
		return true
	}
	other, ok := target.(*DomainError)
	return ok && other.Code == e.Code
}

// IsDomainError reports whether err is a business rule rejection.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrDomain)
}

// SchemaDriftError is raised when replay meets an event the aggregate cannot apply.
// It is fatal for the stream: processing must stop instead of skipping the event.
type SchemaDriftError struct {
	AggregateType string
	StreamID      string
	EventType     string
	Version       int64
}

// NewSchemaDriftError creates a SchemaDriftError for an event the aggregate type does not know.
func NewSchemaDriftError(aggregateType string, event interface{}) *SchemaDriftError {
	eventType := fmt.Sprintf("%T", event)
	if name := GetEventType(event); name != "" {
		eventType = name
	}
	return &SchemaDriftError{AggregateType: aggregateType, EventType: eventType}
}

// Error returns the error message.
func (e *SchemaDriftError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "keel: schema drift: %s cannot apply event %q", e.AggregateType, e.EventType)
	if e.StreamID != "" {
		fmt.Fprintf(&b, " (stream %q, version %d)", e.StreamID, e.Version)
	}
	return b.String()
}

// Is reports whether this error matches the target error.
func (e *SchemaDriftError) Is(target error) bool {
	return target == ErrSchemaDrift
}

// SerializationError provides detailed information about a serialization failure.
type SerializationError struct {
	EventType string
	Operation string // "serialize" or "deserialize"
	Cause     error
}

// Error returns the error message.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("keel: failed to %s event type %q: %v",
		e.Operation, e.EventType, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *SerializationError) Is(target error) bool {
	return target == ErrSerializationFailed
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// NewSerializationError creates a new SerializationError.
func NewSerializationError(eventType, operation string, cause error) *SerializationError {
	return &SerializationError{
		EventType: eventType,
		Operation: operation,
		Cause:     cause,
	}
}

// EventTypeNotRegisteredError provides detailed information about an unregistered event type.
type EventTypeNotRegisteredError struct {
	EventType string
}

// Error returns the error message.
func (e *EventTypeNotRegisteredError) Error() string {
	return fmt.Sprintf("keel: event type %q not registered", e.EventType)
}

// Is reports whether this error matches the target error.
func (e *EventTypeNotRegisteredError) Is(target error) bool {
	return target == ErrEventTypeNotRegistered
}

// NewEventTypeNotRegisteredError creates a new EventTypeNotRegisteredError.
func NewEventTypeNotRegisteredError(eventType string) *EventTypeNotRegisteredError {
	return &EventTypeNotRegisteredError{EventType: eventType}
}

// CompensationError records one compensation that could not undo its step.
// It never aborts the remaining compensations.
type CompensationError struct {
	Step  string
	Cause error
}

// Error returns the error message.
func (e *CompensationError) Error() string {
	return fmt.Sprintf("keel: compensation for step %q failed: %v", e.Step, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *CompensationError) Is(target error) bool {
	return target == ErrCompensationFailed
}

// Unwrap returns the underlying cause.
func (e *CompensationError) Unwrap() error {
	return e.Cause
}

// ActivityError reports an external activity that kept failing after retries.
type ActivityError struct {
	Activity string
	Attempts int
	Cause    error
}

// Error returns the error message.
func (e *ActivityError) Error() string {
	return fmt.Sprintf("keel: activity %q failed after %d attempts: %v", e.Activity, e.Attempts, e.Cause)
}

// Is reports whether this error matches the target error.
func (e *ActivityError) Is(target error) bool {
	return target == ErrActivityFailed
}

// Unwrap returns the underlying cause.
func (e *ActivityError) Unwrap() error {
	return e.Cause
}

// HandlerNotFoundError provides detailed information about a missing handler.
type HandlerNotFoundError struct {
	CommandType string
}

// Error returns the error message.
func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("keel: no handler registered for command type %q", e.CommandType)
}

// Is reports whether this error matches the target error.
func (e *HandlerNotFoundError) Is(target error) bool {
	return target == ErrHandlerNotFound
}

// NewHandlerNotFoundError creates a new HandlerNotFoundError.
func NewHandlerNotFoundError(cmdType string) *HandlerNotFoundError {
	return &HandlerNotFoundError{CommandType: cmdType}
}

// PanicError provides detailed information about a handler panic.
type PanicError struct {
	CommandType string
	Value       interface{}
	Stack       string
}

// Error returns the error message.
func (e *PanicError) Error() string {
	return fmt.Sprintf("keel: handler panicked while processing %q: %v", e.CommandType, e.Value)
}

// Is reports whether this error matches the target error.
func (e *PanicError) Is(target error) bool {
	return target == ErrHandlerPanicked
}

// NewPanicError creates a new PanicError.
func NewPanicError(cmdType string, value interface{}, stack string) *PanicError {
	return &PanicError{
		CommandType: cmdType,
		Value:       value,
		Stack:       stack,
	}
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so retry policies give up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var permanent *permanentError
	return errors.As(err, &permanent)
}

// IsRetryable reports whether the operation that produced err may succeed when
// repeated after re-reading state. Only concurrency conflicts qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// isTerminal reports errors an activity retry loop must not repeat.
func isTerminal(err error) bool {
	switch {
	case IsPermanent(err):
		return true
	case errors.Is(err, ErrDomain), errors.Is(err, ErrSchemaDrift):
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
