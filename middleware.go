package keel

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

// ValidationMiddleware validates commands before they reach the handler.
// If validation fails, the command is not dispatched.
func ValidationMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if err := cmd.Validate(); err != nil {
				return NewErrorResult(err), err
			}
			return next(ctx, cmd)
		}
	}
}

// RecoveryMiddleware recovers from panics in handlers and returns them as errors.
func RecoveryMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (result CommandResult, err error) {
			defer func() {
				if r := recover(); r != nil {
					panicErr := NewPanicError(cmd.CommandType(), r, string(debug.Stack()))
					result = NewErrorResult(panicErr)
					err = panicErr
				}
			}()
			return next(ctx, cmd)
		}
	}
}

// LoggingMiddleware logs every dispatched command. Domain rejections are
// logged at Info, other failures at Error.
func LoggingMiddleware(logger Logger) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			start := time.Now()
			logger.Debug("Dispatching command",
				"commandType", cmd.CommandType(),
				"correlationID", MetadataFromContext(ctx).CorrelationID)

			result, err := next(ctx, cmd)
			elapsed := time.Since(start)

			switch {
			case err == nil:
				logger.Info("Command succeeded",
					"commandType", cmd.CommandType(),
					"aggregateID", result.AggregateID,
					"version", result.Version,
					"duration", elapsed)
			case IsDomainError(err):
				logger.Info("Command rejected",
					"commandType", cmd.CommandType(),
					"duration", elapsed,
					"error", err)
			default:
				logger.Error("Command failed",
					"commandType", cmd.CommandType(),
					"duration", elapsed,
					"error", err)
			}
			return result, err
		}
	}
}

// CorrelationIDMiddleware makes sure events appended while handling a command
// carry a correlation ID: the one already in the context, the command's own,
// or a fresh one. The command type becomes the causation ID when none is set.
func CorrelationIDMiddleware(generator func() string) Middleware {
	if generator == nil {
		generator = uuid.NewString
	}

	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			var md Metadata
			if base, ok := cmd.(interface{ GetCorrelationID() string }); ok {
				md.CorrelationID = base.GetCorrelationID()
			}
			if base, ok := cmd.(interface{ GetCausationID() string }); ok {
				md.CausationID = base.GetCausationID()
			}

			existing := MetadataFromContext(ctx)
			if md.CorrelationID == "" && existing.CorrelationID == "" {
				md.CorrelationID = generator()
			}
			if md.CausationID == "" && existing.CausationID == "" {
				md.CausationID = cmd.CommandType()
			}

			return next(WithMetadata(ctx, md), cmd)
		}
	}
}

// TenantMiddleware resolves the tenant of TenantScopedCommands and stores it
// in the context for TenantRegistry lookups. Tenant-scoped commands without a
// tenant are rejected with ErrTenantRequired. A command naming a different
// tenant than the one already in the context is rejected as well.
func TenantMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			scoped, ok := cmd.(TenantScopedCommand)
			if !ok {
				return next(ctx, cmd)
			}

			fromCtx := TenantIDFromContext(ctx)
			tenantID := scoped.TenantID()
			switch {
			case tenantID == "" && fromCtx == "":
				return NewErrorResult(ErrTenantRequired), ErrTenantRequired
			case tenantID == "":
				tenantID = fromCtx
			case fromCtx != "" && fromCtx != tenantID:
				err := NewValidationError(cmd.CommandType(), "tenantId", "tenant does not match caller")
				return NewErrorResult(err), err
			}

			return next(WithTenantID(ctx, tenantID), cmd)
		}
	}
}

// MetricsCollector records command executions.
type MetricsCollector interface {
	RecordCommand(cmdType string, duration time.Duration, success bool, err error)
}

// MetricsMiddleware creates middleware that records metrics.
func MetricsMiddleware(collector MetricsCollector) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			start := time.Now()
			result, err := next(ctx, cmd)
			collector.RecordCommand(cmd.CommandType(), time.Since(start), err == nil && result.IsSuccess(), err)
			return result, err
		}
	}
}

// ConditionalMiddleware applies middleware only if the condition is true.
func ConditionalMiddleware(condition func(Command) bool, middleware Middleware) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		wrapped := middleware(next)
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if condition(cmd) {
				return wrapped(ctx, cmd)
			}
			return next(ctx, cmd)
		}
	}
}
