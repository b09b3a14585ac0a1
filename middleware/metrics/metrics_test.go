package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/adapters"
	"github.com/keelhq/keel/adapters/memory"
)

var ledger = adapters.Partition{TenantID: "acme", Domain: "ledger"}

type depositCommand struct{}

func (depositCommand) CommandType() string { return "Deposit" }
func (depositCommand) Validate() error     { return nil }

type FundsDeposited struct {
	Amount int64 `json:"amount"`
}

type ledgerProjection struct {
	keel.ProjectionBase
}

func (p *ledgerProjection) Apply(ctx context.Context, event keel.StoredEvent) error {
	return nil
}

func records(types ...string) []adapters.EventRecord {
	out := make([]adapters.EventRecord, len(types))
	for i, typ := range types {
		out[i] = adapters.EventRecord{Type: typ, Data: []byte(`{}`)}
	}
	return out
}

func TestNew(t *testing.T) {
	m := New(WithNamespace("bank"), WithSubsystem("core"), WithMetricsServiceName("ledger"))
	assert.Equal(t, "bank", m.namespace)
	assert.Equal(t, "core", m.subsystem)
	assert.Equal(t, "ledger", m.serviceName)
	assert.Len(t, m.Collectors(), 18)
}

func TestMetrics_Register(t *testing.T) {
	m := New()
	registry := prometheus.NewRegistry()
	require.NoError(t, m.Register(registry))

	err := m.Register(registry)
	assert.Error(t, err, "registering twice fails")
}

func TestMetrics_CommandMiddleware(t *testing.T) {
	ctx := context.Background()
	m := New(WithMetricsServiceName("test"))

	tests := []struct {
		name      string
		err       error
		status    string
		errorType string
	}{
		{"success", nil, StatusSuccess, ""},
		{"conflict", keel.NewConcurrencyError("Account-1", 1, 2), StatusError, "concurrency_conflict"},
		{"domain", keel.NewDomainError("insufficient_funds", "no"), StatusError, "domain"},
		{"unknown", errors.New("boom"), StatusError, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inFlight float64
			handler := m.CommandMiddleware()(func(ctx context.Context, cmd keel.Command) (keel.CommandResult, error) {
				inFlight = testutil.ToFloat64(m.commandsInFlight.WithLabelValues("test", "Deposit"))
				if tt.err != nil {
					return keel.NewErrorResult(tt.err), tt.err
				}
				return keel.NewSuccessResult("Account-1", 1), nil
			})

			before := testutil.ToFloat64(m.commandsTotal.WithLabelValues("test", "Deposit", tt.status))
			_, err := handler(ctx, depositCommand{})
			assert.Equal(t, tt.err, err)

			assert.Equal(t, before+1, testutil.ToFloat64(m.commandsTotal.WithLabelValues("test", "Deposit", tt.status)))
			assert.Equal(t, float64(1), inFlight)
			assert.Zero(t, testutil.ToFloat64(m.commandsInFlight.WithLabelValues("test", "Deposit")))
			if tt.errorType != "" {
				assert.GreaterOrEqual(t, testutil.ToFloat64(m.errorsTotal.WithLabelValues("test", tt.errorType)), float64(1))
			}
		})
	}

	t.Run("bus integration", func(t *testing.T) {
		bus := keel.NewCommandBus(keel.WithMiddleware(keel.MetricsMiddleware(m)))
		bus.Register(keel.NewHandler(func(ctx context.Context, cmd depositCommand) (keel.CommandResult, error) {
			return keel.NewSuccessResult("", 0), nil
		}))
		before := testutil.ToFloat64(m.commandsTotal.WithLabelValues("test", "Deposit", StatusSuccess))
		_, err := bus.Dispatch(ctx, depositCommand{})
		require.NoError(t, err)
		assert.Equal(t, before+1, testutil.ToFloat64(m.commandsTotal.WithLabelValues("test", "Deposit", StatusSuccess)))
	})
}

func TestErrorTypeName(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "unknown"},
		{keel.ErrStreamNotFound, "stream_not_found"},
		{&keel.SchemaDriftError{}, "schema_drift"},
		{&keel.CompensationError{Cause: errors.New("x")}, "compensation_failed"},
		{&keel.ActivityError{Cause: errors.New("x")}, "activity_failed"},
		{keel.NewValidationError("Deposit", "amount", "bad"), "validation_failed"},
		{keel.ErrTenantRequired, "tenant_required"},
		{adapters.ErrAdapterClosed, "adapter_closed"},
		{context.DeadlineExceeded, "context"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, errorTypeName(tt.err))
		})
	}
}

func TestEventStoreMiddleware(t *testing.T) {
	ctx := context.Background()
	m := New(WithMetricsServiceName("test"))
	wrapped := m.WrapEventStore(memory.NewAdapter())
	key := ledger.Key()

	t.Run("append", func(t *testing.T) {
		_, err := wrapped.Append(ctx, ledger, "Account-1", records("FundsDeposited", "FundsDeposited", "FundsWithdrawn"), adapters.NoStream)
		require.NoError(t, err)

		assert.Equal(t, float64(1), testutil.ToFloat64(m.eventStoreOperationsTotal.WithLabelValues("test", key, OperationAppend, StatusSuccess)))
		assert.Equal(t, float64(2), testutil.ToFloat64(m.eventsAppendedTotal.WithLabelValues("test", key, "FundsDeposited")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.eventsAppendedTotal.WithLabelValues("test", key, "FundsWithdrawn")))
	})

	t.Run("conflict", func(t *testing.T) {
		_, err := wrapped.Append(ctx, ledger, "Account-1", records("FundsDeposited"), 1)
		assert.ErrorIs(t, err, adapters.ErrConcurrencyConflict)
		assert.Equal(t, float64(1), testutil.ToFloat64(m.concurrencyConflictsTotal.WithLabelValues("test", key)))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.eventStoreOperationsTotal.WithLabelValues("test", key, OperationAppend, StatusError)))
	})

	t.Run("load", func(t *testing.T) {
		events, err := wrapped.Load(ctx, ledger, "Account-1", 0, 0)
		require.NoError(t, err)
		assert.Len(t, events, 3)

		_, err = wrapped.LoadFromPosition(ctx, ledger, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, float64(5), testutil.ToFloat64(m.eventsLoadedTotal.WithLabelValues("test", key)))

		pos, err := wrapped.GetLastPosition(ctx, ledger)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), pos)
	})

	t.Run("missing stream is not an error", func(t *testing.T) {
		_, err := wrapped.GetStreamInfo(ctx, ledger, "Account-404")
		assert.ErrorIs(t, err, adapters.ErrStreamNotFound)
		assert.Zero(t, testutil.ToFloat64(m.eventStoreOperationsTotal.WithLabelValues("test", key, OperationGetStreamInfo, StatusError)))
	})

	t.Run("forwards snapshots and checkpoints", func(t *testing.T) {
		require.NoError(t, wrapped.SaveSnapshot(ctx, ledger, "Account-1", 3, []byte("s")))
		snap, err := wrapped.LoadSnapshot(ctx, ledger, "Account-1")
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, int64(3), snap.Version)

		require.NoError(t, wrapped.SetCheckpoint(ctx, ledger, "balances", 3))
		pos, err := wrapped.GetCheckpoint(ctx, ledger, "balances")
		require.NoError(t, err)
		assert.Equal(t, uint64(3), pos)
	})

	t.Run("errors after close", func(t *testing.T) {
		require.NoError(t, wrapped.Close())
		_, err := wrapped.Load(ctx, ledger, "Account-1", 0, 0)
		assert.ErrorIs(t, err, adapters.ErrAdapterClosed)
		assert.Equal(t, float64(1), testutil.ToFloat64(m.errorsTotal.WithLabelValues("test", "load_error")))
	})
}

func TestMetrics_Projections(t *testing.T) {
	ctx := context.Background()
	m := New(WithMetricsServiceName("test"))
	store := keel.New(m.WrapEventStore(memory.NewAdapter()))

	log, err := store.Partition(ledger)
	require.NoError(t, err)
	_, err = log.Append(ctx, "Account-1", keel.NoStream, FundsDeposited{Amount: 1})
	require.NoError(t, err)

	engine, err := keel.NewProjectionEngine(store, ledger, keel.WithProjectionMetrics(m))
	require.NoError(t, err)
	require.NoError(t, engine.Register(&ledgerProjection{ProjectionBase: keel.NewProjectionBase("balances")}))
	require.NoError(t, engine.CatchUp(ctx))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.projectionCheckpoint.WithLabelValues("test", "balances")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.projectionsProcessedTotal.WithLabelValues("test", "balances", "FundsDeposited", StatusSuccess)))

	_, err = log.Append(ctx, "Account-1", 1, FundsDeposited{Amount: 2}, FundsDeposited{Amount: 3})
	require.NoError(t, err)
	require.NoError(t, m.UpdateLag(ctx, engine, log))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.projectionLag.WithLabelValues("test", "balances")))

	m.RecordError("balances", keel.Permanent(errors.New("x")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.errorsTotal.WithLabelValues("test", "projection_unknown")))
}

func TestMetrics_Sagas(t *testing.T) {
	ctx := context.Background()
	m := New(WithMetricsServiceName("test"))

	type transfer struct{ debited bool }
	saga := keel.NewSaga("transfer",
		keel.NewStep("debit",
			func(ctx context.Context, s *transfer) (int64, error) { s.debited = true; return 10, nil },
			func(ctx context.Context, s *transfer, amount int64) error { return errors.New("ledger locked") }),
		keel.Do("credit", func(ctx context.Context, s *transfer) error {
			return keel.NewDomainError("account_closed", "destination closed")
		}),
	).Configure(keel.WithSagaMetrics(m))

	out, err := saga.Run(ctx, &transfer{})
	require.Error(t, err)
	require.NotNil(t, out)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.sagaStepsTotal.WithLabelValues("test", "transfer", "debit", StatusSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sagaStepsTotal.WithLabelValues("test", "transfer", "credit", StatusError)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sagaCompensationsTotal.WithLabelValues("test", "transfer", "debit", StatusError)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sagasTotal.WithLabelValues("test", "transfer", string(out.Status))))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.errorsTotal.WithLabelValues("test", "compensation_failed")))
}
