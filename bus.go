package keel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCommandBusClosed indicates the bus no longer accepts commands.
var ErrCommandBusClosed = errors.New("keel: command bus closed")

// CommandBus routes commands to their handlers through a middleware pipeline.
type CommandBus struct {
	handlers   map[string]CommandHandler
	middleware []Middleware
	closed     atomic.Bool
	mu         sync.RWMutex
}

// CommandBusOption configures a CommandBus.
type CommandBusOption func(*CommandBus)

// WithMiddleware adds middleware to the command bus.
func WithMiddleware(middleware ...Middleware) CommandBusOption {
	return func(b *CommandBus) {
		b.middleware = append(b.middleware, middleware...)
	}
}

// NewCommandBus creates a new CommandBus with the given options.
func NewCommandBus(opts ...CommandBusOption) *CommandBus {
	bus := &CommandBus{
		handlers: make(map[string]CommandHandler),
	}

	for _, opt := range opts {
		opt(bus)
	}

	return bus
}

// Register adds handlers to the command bus, replacing any handler already
// registered for the same command type.
func (b *CommandBus) Register(handlers ...CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range handlers {
		b.handlers[h.CommandType()] = h
	}
}

// Use adds middleware to the command bus.
// Middleware is executed in the order it was added.
func (b *CommandBus) Use(middleware ...Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware...)
}

// Dispatch sends a command through the middleware pipeline to its handler.
func (b *CommandBus) Dispatch(ctx context.Context, cmd Command) (CommandResult, error) {
	if b.closed.Load() {
		return NewErrorResult(ErrCommandBusClosed), ErrCommandBusClosed
	}

	if cmd == nil {
		return NewErrorResult(ErrNilCommand), ErrNilCommand
	}

	b.mu.RLock()
	handler := b.handlers[cmd.CommandType()]
	middleware := make([]Middleware, len(b.middleware))
	copy(middleware, b.middleware)
	b.mu.RUnlock()

	if handler == nil {
		err := NewHandlerNotFoundError(cmd.CommandType())
		return NewErrorResult(err), err
	}

	// Apply middleware in reverse order so they execute in the order they were added
	chain := MiddlewareFunc(handler.Handle)
	for i := len(middleware) - 1; i >= 0; i-- {
		chain = middleware[i](chain)
	}

	return chain(ctx, cmd)
}

// HasHandler returns true if a handler is registered for the command type.
func (b *CommandBus) HasHandler(cmdType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.handlers[cmdType]
	return ok
}

// Close closes the command bus, preventing further dispatch operations.
func (b *CommandBus) Close() error {
	b.closed.Store(true)
	return nil
}

// MiddlewareFunc is the function signature for command middleware.
type MiddlewareFunc func(ctx context.Context, cmd Command) (CommandResult, error)

// Middleware wraps a handler function with additional functionality.
type Middleware func(next MiddlewareFunc) MiddlewareFunc
