package keel

import (
	"context"
	"fmt"
)

// Command represents an intent to change state, addressed to one handler.
type Command interface {
	// CommandType returns the type identifier for this command (e.g., "Withdraw").
	CommandType() string

	// Validate checks if the command is valid.
	// Returns nil if valid, or an error describing validation failures.
	Validate() error
}

// TenantScopedCommand is implemented by commands that act on one tenant's data.
type TenantScopedCommand interface {
	Command

	// TenantID returns the tenant the command belongs to, or "" if unknown.
	TenantID() string
}

// CommandBase provides correlation fields for commands.
// Embed this struct in your command types.
type CommandBase struct {
	CorrelationID string `json:"correlationId,omitempty"`
	CausationID   string `json:"causationId,omitempty"`
}

// GetCorrelationID returns the correlation ID.
func (c CommandBase) GetCorrelationID() string {
	return c.CorrelationID
}

// GetCausationID returns the causation ID.
func (c CommandBase) GetCausationID() string {
	return c.CausationID
}

// CommandResult represents the result of command execution.
type CommandResult struct {
	// Success indicates whether the command executed successfully.
	Success bool

	// AggregateID is the ID of the aggregate affected by the command.
	AggregateID string

	// Version is the stream version after the command.
	Version int64

	// Data contains any additional result data.
	Data interface{}

	// Error contains the error if the command failed.
	Error error
}

// NewSuccessResult creates a successful CommandResult.
func NewSuccessResult(aggregateID string, version int64) CommandResult {
	return CommandResult{
		Success:     true,
		AggregateID: aggregateID,
		Version:     version,
	}
}

// NewErrorResult creates a failed CommandResult.
func NewErrorResult(err error) CommandResult {
	return CommandResult{Error: err}
}

// IsSuccess returns true if the command executed successfully.
func (r CommandResult) IsSuccess() bool {
	return r.Success && r.Error == nil
}

// ValidationError represents a command validation failure.
type ValidationError struct {
	CommandType string
	Field       string
	Message     string
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("keel: validation failed for command %q field %q: %s",
			e.CommandType, e.Field, e.Message)
	}
	return fmt.Sprintf("keel: validation failed for command %q: %s", e.CommandType, e.Message)
}

// Is reports whether this error matches the target error.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// NewValidationError creates a new ValidationError.
func NewValidationError(cmdType, field, message string) *ValidationError {
	return &ValidationError{
		CommandType: cmdType,
		Field:       field,
		Message:     message,
	}
}

// CommandHandler handles one command type.
type CommandHandler interface {
	// CommandType returns the type of command this handler processes.
	CommandType() string

	// Handle processes the command and returns a result.
	Handle(ctx context.Context, cmd Command) (CommandResult, error)
}

// GenericHandler is a type-safe command handler for a specific command type.
type GenericHandler[C Command] struct {
	handler func(ctx context.Context, cmd C) (CommandResult, error)
	cmdType string
}

// NewHandler creates a handler for commands of type C. The zero value of C
// must report its CommandType.
func NewHandler[C Command](handler func(ctx context.Context, cmd C) (CommandResult, error)) *GenericHandler[C] {
	var zero C
	return &GenericHandler[C]{
		handler: handler,
		cmdType: zero.CommandType(),
	}
}

// CommandType returns the command type this handler processes.
func (h *GenericHandler[C]) CommandType() string {
	return h.cmdType
}

// Handle processes the command with type checking.
func (h *GenericHandler[C]) Handle(ctx context.Context, cmd Command) (CommandResult, error) {
	typedCmd, ok := cmd.(C)
	if !ok {
		err := fmt.Errorf("keel: expected command type %T, got %T", *new(C), cmd)
		return NewErrorResult(err), err
	}
	return h.handler(ctx, typedCmd)
}

// NewRepositoryHandler creates a handler that runs each command of type C
// against one aggregate through repo.Execute, including its conflict retries.
// The repository is resolved per call, which lets tenant-scoped handlers pick
// the tenant's repository from a TenantRegistry.
func NewRepositoryHandler[C Command, A Aggregate](
	repo func(ctx context.Context) (*AggregateRepository[A], error),
	id func(C) string,
	exec func(ctx context.Context, agg A, cmd C) error,
) *GenericHandler[C] {
	return NewHandler(func(ctx context.Context, cmd C) (CommandResult, error) {
		r, err := repo(ctx)
		if err != nil {
			return NewErrorResult(err), err
		}

		aggID := id(cmd)
		agg, err := r.Execute(ctx, aggID, func(agg A) error {
			return exec(ctx, agg, cmd)
		})
		if err != nil {
			return NewErrorResult(err), err
		}
		return NewSuccessResult(aggID, agg.Version()), nil
	})
}
