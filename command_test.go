package keel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type CreditWallet struct {
	CommandBase
	Tenant   string
	WalletID string
	Amount   int64
}

func (c CreditWallet) CommandType() string { return "CreditWallet" }
func (c CreditWallet) TenantID() string    { return c.Tenant }

func (c CreditWallet) Validate() error {
	if c.Amount <= 0 {
		return NewValidationError(c.CommandType(), "amount", "must be positive")
	}
	return nil
}

type PingCommand struct{}

func (PingCommand) CommandType() string { return "Ping" }
func (PingCommand) Validate() error     { return nil }

func newWalletBus(t *testing.T, store *EventStore, middleware ...Middleware) *CommandBus {
	t.Helper()
	registry := NewTenantRegistry("wallets", func(p Partition) (*AggregateRepository[*wallet], error) {
		return NewAggregateRepository(store, p, newWallet)
	})

	bus := NewCommandBus(WithMiddleware(middleware...))
	bus.Register(NewRepositoryHandler(
		registry.FromContext,
		func(c CreditWallet) string { return c.WalletID },
		func(ctx context.Context, w *wallet, c CreditWallet) error {
			if w.Version() == 0 {
				if err := w.Open(c.Tenant); err != nil {
					return err
				}
			}
			return w.Credit(c.Amount)
		}))
	return bus
}

func TestCommandBus_Dispatch(t *testing.T) {
	ctx := context.Background()
	store, adapter := newTestStore()
	bus := newWalletBus(t, store, ValidationMiddleware(), TenantMiddleware())

	result, err := bus.Dispatch(ctx, CreditWallet{Tenant: "acme", WalletID: "w1", Amount: 5})
	require.NoError(t, err)
	assert.True(t, result.IsSuccess())
	assert.Equal(t, "w1", result.AggregateID)
	assert.Equal(t, int64(2), result.Version)
	assert.Equal(t, 2, adapter.EventCount(TenantPartition("acme", "wallets")))

	t.Run("validation", func(t *testing.T) {
		result, err := bus.Dispatch(ctx, CreditWallet{Tenant: "acme", WalletID: "w1"})
		assert.ErrorIs(t, err, ErrValidationFailed)
		assert.False(t, result.IsSuccess())
	})

	t.Run("unknown command", func(t *testing.T) {
		_, err := bus.Dispatch(ctx, PingCommand{})
		assert.ErrorIs(t, err, ErrHandlerNotFound)
		assert.False(t, bus.HasHandler("Ping"))
		assert.True(t, bus.HasHandler("CreditWallet"))
	})

	t.Run("nil command", func(t *testing.T) {
		_, err := bus.Dispatch(ctx, nil)
		assert.ErrorIs(t, err, ErrNilCommand)
	})

	t.Run("closed", func(t *testing.T) {
		bus := newWalletBus(t, store)
		require.NoError(t, bus.Close())
		_, err := bus.Dispatch(ctx, CreditWallet{Tenant: "acme", WalletID: "w1", Amount: 1})
		assert.ErrorIs(t, err, ErrCommandBusClosed)
	})
}

func TestTenantMiddleware(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		ctxTenant string
		cmdTenant string
		wantErr   error
		wantEvts  string
	}{
		{name: "command tenant", cmdTenant: "acme", wantEvts: "acme"},
		{name: "context tenant", ctxTenant: "globex", wantEvts: "globex"},
		{name: "matching tenants", ctxTenant: "acme", cmdTenant: "acme", wantEvts: "acme"},
		{name: "missing tenant", wantErr: ErrTenantRequired},
		{name: "mismatched tenants", ctxTenant: "acme", cmdTenant: "globex", wantErr: ErrValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, adapter := newTestStore()
			bus := newWalletBus(t, store, TenantMiddleware())

			callCtx := ctx
			if tt.ctxTenant != "" {
				callCtx = WithTenantID(ctx, tt.ctxTenant)
			}
			_, err := bus.Dispatch(callCtx, CreditWallet{Tenant: tt.cmdTenant, WalletID: "w1", Amount: 1})

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, adapter.Partitions())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 2, adapter.EventCount(TenantPartition(tt.wantEvts, "wallets")))
		})
	}
}

func TestCorrelationIDMiddleware(t *testing.T) {
	ctx := context.Background()

	t.Run("generated", func(t *testing.T) {
		store, _ := newTestStore()
		bus := newWalletBus(t, store, TenantMiddleware(), CorrelationIDMiddleware(func() string { return "corr-1" }))
		_, err := bus.Dispatch(ctx, CreditWallet{Tenant: "acme", WalletID: "w1", Amount: 1})
		require.NoError(t, err)

		log, err := store.Partition(TenantPartition("acme", "wallets"))
		require.NoError(t, err)
		events, err := log.Load(ctx, "Wallet-w1", 0)
		require.NoError(t, err)
		require.NotEmpty(t, events)
		assert.Equal(t, "corr-1", events[0].Metadata.CorrelationID)
		assert.Equal(t, "CreditWallet", events[0].Metadata.CausationID)
	})

	t.Run("from command", func(t *testing.T) {
		store, _ := newTestStore()
		bus := newWalletBus(t, store, TenantMiddleware(), CorrelationIDMiddleware(nil))
		cmd := CreditWallet{CommandBase: CommandBase{CorrelationID: "req-9", CausationID: "http"}, Tenant: "acme", WalletID: "w1", Amount: 1}
		_, err := bus.Dispatch(ctx, cmd)
		require.NoError(t, err)

		log, err := store.Partition(TenantPartition("acme", "wallets"))
		require.NoError(t, err)
		events, err := log.Load(ctx, "Wallet-w1", 0)
		require.NoError(t, err)
		assert.Equal(t, "req-9", events[0].Metadata.CorrelationID)
		assert.Equal(t, "http", events[0].Metadata.CausationID)
	})
}

type recordingCollector struct {
	calls []bool
}

func (c *recordingCollector) RecordCommand(cmdType string, _ time.Duration, success bool, _ error) {
	c.calls = append(c.calls, success)
}

func TestMiddlewareChain(t *testing.T) {
	ctx := context.Background()

	t.Run("runs in registration order", func(t *testing.T) {
		var order []string
		trace := func(name string) Middleware {
			return func(next MiddlewareFunc) MiddlewareFunc {
				return func(ctx context.Context, cmd Command) (CommandResult, error) {
					order = append(order, name)
					return next(ctx, cmd)
				}
			}
		}

		bus := NewCommandBus(WithMiddleware(trace("a"), trace("b")))
		bus.Use(trace("c"))
		bus.Register(NewHandler(func(ctx context.Context, cmd PingCommand) (CommandResult, error) {
			order = append(order, "handler")
			return NewSuccessResult("", 0), nil
		}))

		_, err := bus.Dispatch(ctx, PingCommand{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c", "handler"}, order)
	})

	t.Run("recovery and metrics", func(t *testing.T) {
		collector := &recordingCollector{}
		bus := NewCommandBus(WithMiddleware(MetricsMiddleware(collector), RecoveryMiddleware()))
		bus.Register(NewHandler(func(ctx context.Context, cmd PingCommand) (CommandResult, error) {
			panic("boom")
		}))

		_, err := bus.Dispatch(ctx, PingCommand{})
		assert.ErrorIs(t, err, ErrHandlerPanicked)

		var panicErr *PanicError
		require.ErrorAs(t, err, &panicErr)
		assert.Equal(t, "boom", panicErr.Value)
		assert.Equal(t, []bool{false}, collector.calls)
	})

	t.Run("logging levels", func(t *testing.T) {
		logger := newTestLogger()
		store, _ := newTestStore()
		bus := NewCommandBus(WithMiddleware(LoggingMiddleware(logger)))
		repo := newWalletRepo(store, testPartition)
		bus.Register(NewRepositoryHandler(
			func(context.Context) (*AggregateRepository[*wallet], error) { return repo, nil },
			func(c CreditWallet) string { return c.WalletID },
			func(ctx context.Context, w *wallet, c CreditWallet) error { return w.Debit(c.Amount) },
		))

		_, err := bus.Dispatch(ctx, CreditWallet{WalletID: "w1", Amount: 1})
		assert.True(t, IsDomainError(err))
		assert.Contains(t, logger.infoLogs, "Command rejected")
		assert.Empty(t, logger.errors())

		bus.Register(NewHandler(func(ctx context.Context, cmd PingCommand) (CommandResult, error) {
			return NewErrorResult(errors.New("db down")), errors.New("db down")
		}))
		_, err = bus.Dispatch(ctx, PingCommand{})
		require.Error(t, err)
		assert.Contains(t, logger.errors(), "Command failed")
	})

	t.Run("conditional", func(t *testing.T) {
		applied := 0
		counting := func(next MiddlewareFunc) MiddlewareFunc {
			return func(ctx context.Context, cmd Command) (CommandResult, error) {
				applied++
				return next(ctx, cmd)
			}
		}
		bus := NewCommandBus(WithMiddleware(ConditionalMiddleware(
			func(cmd Command) bool { return cmd.CommandType() == "Ping" }, counting)))
		bus.Register(NewHandler(func(ctx context.Context, cmd PingCommand) (CommandResult, error) {
			return NewSuccessResult("", 0), nil
		}))

		_, err := bus.Dispatch(ctx, PingCommand{})
		require.NoError(t, err)
		assert.Equal(t, 1, applied)
	})
}
