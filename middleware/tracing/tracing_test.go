package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/adapters"
	"github.com/keelhq/keel/adapters/memory"
)

var ledger = adapters.Partition{TenantID: "acme", Domain: "ledger"}

type openAccount struct {
	id string
}

func (c openAccount) CommandType() string { return "OpenAccount" }
func (c openAccount) Validate() error     { return nil }

type FundsDeposited struct {
	Amount int64 `json:"amount"`
}

type auditProjection struct {
	keel.ProjectionBase
	err error
}

func (p *auditProjection) Apply(ctx context.Context, event keel.StoredEvent) error {
	return p.err
}

func setupTestTracer(t *testing.T) (*Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewTracer(WithTracerProvider(tp), WithServiceName("test-service")), exporter
}

func attr(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func assertAttribute(t *testing.T, attrs []attribute.KeyValue, key string, want interface{}) {
	t.Helper()
	v, ok := attr(attrs, key)
	require.True(t, ok, "attribute %s not found", key)
	assert.Equal(t, want, v.AsInterface(), key)
}

func records(types ...string) []adapters.EventRecord {
	out := make([]adapters.EventRecord, len(types))
	for i, typ := range types {
		out[i] = adapters.EventRecord{
			Type:     typ,
			Data:     []byte(`{}`),
			Metadata: adapters.Metadata{CorrelationID: "corr-1"},
		}
	}
	return out
}

func TestNewTracer(t *testing.T) {
	tracer := NewTracer()
	assert.Equal(t, DefaultServiceName, tracer.ServiceName())
	assert.NotNil(t, tracer.Tracer())

	tracer = NewTracer(WithServiceName("payments"))
	assert.Equal(t, "payments", tracer.ServiceName())
}

func TestNewStdoutProvider(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewStdoutProvider(&buf)
	require.NoError(t, err)

	tracer := NewTracer(WithTracerProvider(tp))
	_, span := tracer.StartSpan(context.Background(), "stdout-span")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "stdout-span")
}

func TestCommandMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		result    keel.CommandResult
		err       error
		wantCode  codes.Code
		wantEvent bool
	}{
		{"success", keel.NewSuccessResult("Account-1", 1), nil, codes.Ok, false},
		{"returned error", keel.NewErrorResult(errors.New("boom")), errors.New("boom"), codes.Error, true},
		{"result error only", keel.CommandResult{Error: errors.New("rejected")}, nil, codes.Error, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, exporter := setupTestTracer(t)
			handler := CommandMiddleware(tracer)(func(ctx context.Context, cmd keel.Command) (keel.CommandResult, error) {
				return tt.result, tt.err
			})

			_, _ = handler(context.Background(), openAccount{id: "Account-1"})

			spans := exporter.GetSpans()
			require.Len(t, spans, 1)
			assert.Equal(t, "command.OpenAccount", spans[0].Name)
			assert.Equal(t, tt.wantCode, spans[0].Status.Code)
			assertAttribute(t, spans[0].Attributes, "keel.service", "test-service")
			assertAttribute(t, spans[0].Attributes, "keel.command.type", "OpenAccount")
			assert.Equal(t, tt.wantEvent, len(spans[0].Events) == 1)
		})
	}

	t.Run("carries correlation and tenant", func(t *testing.T) {
		tracer, exporter := setupTestTracer(t)
		bus := keel.NewCommandBus(keel.WithMiddleware(
			keel.CorrelationIDMiddleware(func() string { return "corr-42" }),
			CommandMiddleware(tracer),
		))
		bus.Register(keel.NewHandler(func(ctx context.Context, cmd openAccount) (keel.CommandResult, error) {
			return keel.NewSuccessResult(cmd.id, 1), nil
		}))

		ctx := keel.WithTenantID(context.Background(), "acme")
		_, err := bus.Dispatch(ctx, openAccount{id: "Account-7"})
		require.NoError(t, err)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assertAttribute(t, spans[0].Attributes, "keel.correlation_id", "corr-42")
		assertAttribute(t, spans[0].Attributes, "keel.causation_id", "OpenAccount")
		assertAttribute(t, spans[0].Attributes, "keel.tenant_id", "acme")
		assertAttribute(t, spans[0].Attributes, "keel.result.aggregate_id", "Account-7")
		assertAttribute(t, spans[0].Attributes, "keel.result.version", int64(1))
	})
}

func TestEventStoreMiddleware(t *testing.T) {
	ctx := context.Background()
	tracer, exporter := setupTestTracer(t)
	wrapped := NewEventStoreMiddleware(memory.NewAdapter(), tracer)

	t.Run("append", func(t *testing.T) {
		exporter.Reset()
		_, err := wrapped.Append(ctx, ledger, "Account-1", records("FundsDeposited", "FundsWithdrawn"), adapters.NoStream)
		require.NoError(t, err)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, "eventstore.append", spans[0].Name)
		assert.Equal(t, codes.Ok, spans[0].Status.Code)
		assertAttribute(t, spans[0].Attributes, "keel.partition", ledger.Key())
		assertAttribute(t, spans[0].Attributes, "keel.stream_id", "Account-1")
		assertAttribute(t, spans[0].Attributes, "keel.event_count", int64(2))
		assertAttribute(t, spans[0].Attributes, "keel.event_types", []string{"FundsDeposited", "FundsWithdrawn"})
		assertAttribute(t, spans[0].Attributes, "keel.correlation_id", "corr-1")
		assertAttribute(t, spans[0].Attributes, "keel.new_version", int64(2))
	})

	t.Run("conflict", func(t *testing.T) {
		exporter.Reset()
		_, err := wrapped.Append(ctx, ledger, "Account-1", records("FundsDeposited"), 1)
		require.ErrorIs(t, err, adapters.ErrConcurrencyConflict)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status.Code)
		names := make([]string, 0, len(spans[0].Events))
		for _, e := range spans[0].Events {
			names = append(names, e.Name)
		}
		assert.Contains(t, names, "concurrency_conflict")
	})

	t.Run("load", func(t *testing.T) {
		exporter.Reset()
		events, err := wrapped.Load(ctx, ledger, "Account-1", 0, 0)
		require.NoError(t, err)
		assert.Len(t, events, 2)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, "eventstore.load", spans[0].Name)
		assertAttribute(t, spans[0].Attributes, "keel.event_count", int64(2))
	})

	t.Run("missing stream", func(t *testing.T) {
		exporter.Reset()
		_, err := wrapped.GetStreamInfo(ctx, ledger, "Account-404")
		require.ErrorIs(t, err, adapters.ErrStreamNotFound)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.NotEqual(t, codes.Error, spans[0].Status.Code)
		assertAttribute(t, spans[0].Attributes, "keel.stream_exists", false)
	})

	t.Run("snapshots", func(t *testing.T) {
		exporter.Reset()
		require.NoError(t, wrapped.SaveSnapshot(ctx, ledger, "Account-1", 2, []byte("s")))
		snap, err := wrapped.LoadSnapshot(ctx, ledger, "Account-1")
		require.NoError(t, err)
		require.NotNil(t, snap)

		spans := exporter.GetSpans()
		require.Len(t, spans, 2)
		assert.Equal(t, "eventstore.save_snapshot", spans[0].Name)
		assertAttribute(t, spans[1].Attributes, "keel.snapshot_found", true)
	})

	t.Run("through the event log", func(t *testing.T) {
		exporter.Reset()
		store := keel.New(wrapped)
		log, err := store.Partition(keel.NewPartition("audit"))
		require.NoError(t, err)
		_, err = log.Append(ctx, "Audit-1", keel.NoStream, FundsDeposited{Amount: 5})
		require.NoError(t, err)

		var appendSpan *tracetest.SpanStub
		spans := exporter.GetSpans()
		for i := range spans {
			if spans[i].Name == "eventstore.append" {
				appendSpan = &spans[i]
			}
		}
		require.NotNil(t, appendSpan)
		assertAttribute(t, appendSpan.Attributes, "keel.partition", "audit")
		assertAttribute(t, appendSpan.Attributes, "keel.event_types", []string{"FundsDeposited"})
	})
}

func TestProjectionMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode codes.Code
	}{
		{"applied", nil, codes.Ok},
		{"failed", errors.New("read model down"), codes.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, exporter := setupTestTracer(t)
			inner := &auditProjection{ProjectionBase: keel.NewProjectionBase("audit", "FundsDeposited"), err: tt.err}
			traced := NewProjectionMiddleware(inner, tracer)

			assert.Equal(t, "audit", traced.Name())
			assert.Equal(t, []string{"FundsDeposited"}, traced.HandledEvents())

			err := traced.Apply(context.Background(), keel.StoredEvent{
				ID:             "evt-1",
				StreamID:       "Account-1",
				Type:           "FundsDeposited",
				Version:        3,
				GlobalPosition: 9,
				Metadata:       keel.Metadata{CorrelationID: "corr-9"},
			})
			assert.Equal(t, tt.err, err)

			spans := exporter.GetSpans()
			require.Len(t, spans, 1)
			assert.Equal(t, "projection.audit.apply", spans[0].Name)
			assert.Equal(t, tt.wantCode, spans[0].Status.Code)
			assertAttribute(t, spans[0].Attributes, "keel.event.global_position", int64(9))
			assertAttribute(t, spans[0].Attributes, "keel.correlation_id", "corr-9")
		})
	}
}

func TestRunSaga(t *testing.T) {
	type transfer struct {
		debited  bool
		credited bool
	}

	t.Run("completed", func(t *testing.T) {
		tracer, exporter := setupTestTracer(t)
		saga := keel.NewSaga("transfer",
			keel.Do("debit", func(ctx context.Context, s *transfer) error { s.debited = true; return nil }),
			keel.Do("credit", func(ctx context.Context, s *transfer) error { s.credited = true; return nil }),
		)

		var state transfer
		out, err := RunSaga(context.Background(), tracer, saga, &state)
		require.NoError(t, err)
		assert.True(t, state.credited)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, "saga.transfer", spans[0].Name)
		assert.Equal(t, codes.Ok, spans[0].Status.Code)
		assertAttribute(t, spans[0].Attributes, "keel.saga.id", out.SagaID)
		assertAttribute(t, spans[0].Attributes, "keel.saga.status", string(keel.SagaCompleted))
		assertAttribute(t, spans[0].Attributes, "keel.saga.completed", []string{"debit", "credit"})
	})

	t.Run("failed with compensation failure", func(t *testing.T) {
		tracer, exporter := setupTestTracer(t)
		saga := keel.NewSaga("transfer",
			keel.NewStep("debit",
				func(ctx context.Context, s *transfer) (int64, error) { s.debited = true; return 10, nil },
				func(ctx context.Context, s *transfer, amount int64) error { return errors.New("ledger locked") }),
			keel.Do("credit", func(ctx context.Context, s *transfer) error { return errors.New("account closed") }),
		)

		out, err := RunSaga(context.Background(), tracer, saga, &transfer{})
		require.ErrorIs(t, err, keel.ErrSagaFailed)
		require.NotNil(t, out)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status.Code)
		assertAttribute(t, spans[0].Attributes, "keel.saga.failed_step", "credit")

		var found bool
		for _, e := range spans[0].Events {
			if e.Name == "compensation_failed" {
				found = true
				assertAttribute(t, e.Attributes, "keel.saga.step", "debit")
			}
		}
		assert.True(t, found)
	})
}

func TestSpanHelpers(t *testing.T) {
	tracer, exporter := setupTestTracer(t)
	ctx, span := tracer.StartSpan(context.Background(), "outer")
	AddEvent(ctx, "checkpoint")
	SetError(ctx, errors.New("bad"))
	assert.Equal(t, span, SpanFromContext(ctx))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Len(t, spans[0].Events, 2)
}
