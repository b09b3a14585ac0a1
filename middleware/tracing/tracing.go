// Package tracing provides OpenTelemetry integration for keel.
//
// Basic usage with the command bus:
//
//	tp := sdktrace.NewTracerProvider(...)
//	otel.SetTracerProvider(tp)
//
//	tracer := tracing.NewTracer()
//	bus.Use(tracing.CommandMiddleware(tracer))
//	store := keel.New(tracing.NewEventStoreMiddleware(adapter, tracer))
//	out, err := tracing.RunSaga(ctx, tracer, transfer, &state)
//
// Spans carry the partition, correlation and causation IDs so a saga's
// appends can be followed across streams.
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/keelhq/keel"
)

const (
	// TracerName is the name of the keel tracer.
	TracerName = "github.com/keelhq/keel"

	// DefaultServiceName is the default service name for spans.
	DefaultServiceName = "keel"
)

// Tracer wraps OpenTelemetry tracer for keel operations.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider sets a custom TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(TracerName)
	}
}

// WithServiceName sets the service name for spans.
func WithServiceName(name string) TracerOption {
	return func(t *Tracer) {
		t.serviceName = name
	}
}

// NewTracer creates a new Tracer with the global TracerProvider.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		tracer:      otel.Tracer(TracerName),
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewStdoutProvider returns a provider that writes finished spans to w as
// JSON. The CLI uses it for --trace.
func NewStdoutProvider(w io.Writer) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("keel/tracing: stdout exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter)), nil
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Tracer returns the underlying OpenTelemetry tracer.
func (t *Tracer) Tracer() trace.Tracer {
	return t.tracer
}

// ServiceName returns the configured service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

// metadataAttributes describes the event metadata carried by ctx.
func metadataAttributes(ctx context.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	md := keel.MetadataFromContext(ctx)
	if md.CorrelationID != "" {
		attrs = append(attrs, attribute.String("keel.correlation_id", md.CorrelationID))
	}
	if md.CausationID != "" {
		attrs = append(attrs, attribute.String("keel.causation_id", md.CausationID))
	}
	if tenant := keel.TenantIDFromContext(ctx); tenant != "" {
		attrs = append(attrs, attribute.String("keel.tenant_id", tenant))
	}
	return attrs
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// =============================================================================
// Command Middleware
// =============================================================================

// CommandMiddleware creates middleware that traces command execution.
// Register it after CorrelationIDMiddleware and TenantMiddleware so the span
// sees their context values.
func CommandMiddleware(tracer *Tracer) keel.Middleware {
	return func(next keel.MiddlewareFunc) keel.MiddlewareFunc {
		return func(ctx context.Context, cmd keel.Command) (keel.CommandResult, error) {
			ctx, span := tracer.StartSpan(ctx, "command."+cmd.CommandType(),
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()

			span.SetAttributes(
				attribute.String("keel.service", tracer.serviceName),
				attribute.String("keel.command.type", cmd.CommandType()),
			)
			span.SetAttributes(metadataAttributes(ctx)...)

			result, err := next(ctx, cmd)
			if err == nil && result.Error != nil {
				finish(span, result.Error)
				return result, err
			}
			finish(span, err)
			if err == nil {
				span.SetAttributes(
					attribute.String("keel.result.aggregate_id", result.AggregateID),
					attribute.Int64("keel.result.version", result.Version),
				)
			}

			return result, err
		}
	}
}

// =============================================================================
// Saga Tracing
// =============================================================================

// RunSaga runs saga inside a span and records the outcome. Step spans are
// not created; the outcome lists which steps ran, were skipped or undone.
func RunSaga[S any](ctx context.Context, tracer *Tracer, saga *keel.Saga[S], state *S) (*keel.Outcome, error) {
	ctx, span := tracer.StartSpan(ctx, "saga."+saga.Name(),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("keel.service", tracer.serviceName),
		attribute.String("keel.saga.name", saga.Name()),
		attribute.StringSlice("keel.saga.steps", saga.Steps()),
	)
	span.SetAttributes(metadataAttributes(ctx)...)

	out, err := saga.Run(ctx, state)
	if out != nil {
		span.SetAttributes(
			attribute.String("keel.saga.id", out.SagaID),
			attribute.String("keel.saga.status", string(out.Status)),
			attribute.StringSlice("keel.saga.completed", out.CompletedSteps),
			attribute.StringSlice("keel.saga.skipped", out.SkippedSteps),
			attribute.StringSlice("keel.saga.compensated", out.CompensatedSteps),
		)
		if out.FailedStep != "" {
			span.SetAttributes(attribute.String("keel.saga.failed_step", out.FailedStep))
		}
		for _, cf := range out.CompensationFailures {
			span.AddEvent("compensation_failed", trace.WithAttributes(
				attribute.String("keel.saga.step", cf.Step),
				attribute.String("error", cf.Error()),
			))
		}
	}
	finish(span, err)

	return out, err
}

// =============================================================================
// Projection Middleware
// =============================================================================

// ProjectionMiddleware wraps a projection with tracing.
type ProjectionMiddleware struct {
	projection keel.Projection
	tracer     *Tracer
}

// NewProjectionMiddleware wraps a projection with tracing.
func NewProjectionMiddleware(projection keel.Projection, tracer *Tracer) *ProjectionMiddleware {
	return &ProjectionMiddleware{
		projection: projection,
		tracer:     tracer,
	}
}

// Name returns the projection name.
func (m *ProjectionMiddleware) Name() string {
	return m.projection.Name()
}

// HandledEvents returns the handled event types.
func (m *ProjectionMiddleware) HandledEvents() []string {
	return m.projection.HandledEvents()
}

// Apply applies an event with tracing.
func (m *ProjectionMiddleware) Apply(ctx context.Context, event keel.StoredEvent) error {
	ctx, span := m.tracer.StartSpan(ctx, fmt.Sprintf("projection.%s.apply", m.projection.Name()),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("keel.service", m.tracer.serviceName),
		attribute.String("keel.projection.name", m.projection.Name()),
		attribute.String("keel.event.type", event.Type),
		attribute.String("keel.event.id", event.ID),
		attribute.String("keel.event.stream_id", event.StreamID),
		attribute.Int64("keel.event.version", event.Version),
		attribute.Int64("keel.event.global_position", int64(event.GlobalPosition)),
	)
	if event.Metadata.CorrelationID != "" {
		span.SetAttributes(attribute.String("keel.correlation_id", event.Metadata.CorrelationID))
	}
	if p, ok := keel.PartitionFromContext(ctx); ok {
		span.SetAttributes(attribute.String("keel.partition", p.Key()))
	}

	err := m.projection.Apply(ctx, event)
	finish(span, err)
	return err
}

// =============================================================================
// Span Helpers
// =============================================================================

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, opts ...trace.EventOption) {
	trace.SpanFromContext(ctx).AddEvent(name, opts...)
}

// SetError sets an error on the current span.
func SetError(ctx context.Context, err error) {
	finish(trace.SpanFromContext(ctx), err)
}
