// Package metrics provides Prometheus metrics integration for keel.
//
// One Metrics value serves every hook keel exposes:
//
//	m := metrics.New(metrics.WithMetricsServiceName("ledger"))
//	prometheus.MustRegister(m.Collectors()...)
//
//	bus.Use(m.CommandMiddleware())
//	store := keel.New(m.WrapEventStore(adapter))
//	engine, _ := keel.NewProjectionEngine(store, p, keel.WithProjectionMetrics(m))
//	transfer.Configure(keel.WithSagaMetrics(m))
//
// The metrics collected include:
//   - Command execution counts and durations
//   - Event store operations per partition
//   - Projection processing, checkpoints and lag
//   - Saga step, compensation and outcome counts
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/adapters"
)

// Default metric labels.
const (
	LabelCommandType    = "command_type"
	LabelEventType      = "event_type"
	LabelProjectionName = "projection_name"
	LabelOperation      = "operation"
	LabelStatus         = "status"
	LabelErrorType      = "error_type"
	LabelPartition      = "partition"
	LabelSaga           = "saga"
	LabelStep           = "step"
	LabelService        = "service"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation values.
const (
	OperationAppend           = "append"
	OperationLoad             = "load"
	OperationGetStreamInfo    = "get_stream_info"
	OperationLoadFromPosition = "load_from_position"
	OperationGetLastPosition  = "get_last_position"
)

var (
	_ keel.MetricsCollector  = (*Metrics)(nil)
	_ keel.ProjectionMetrics = (*Metrics)(nil)
	_ keel.SagaMetrics       = (*Metrics)(nil)
)

// Metrics holds all Prometheus metrics for keel.
type Metrics struct {
	namespace   string
	subsystem   string
	serviceName string

	commandsTotal    *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	commandsInFlight *prometheus.GaugeVec

	eventStoreOperationsTotal   *prometheus.CounterVec
	eventStoreOperationDuration *prometheus.HistogramVec
	eventsAppendedTotal         *prometheus.CounterVec
	eventsLoadedTotal           *prometheus.CounterVec
	concurrencyConflictsTotal   *prometheus.CounterVec

	projectionsProcessedTotal *prometheus.CounterVec
	projectionDuration        *prometheus.HistogramVec
	projectionLag             *prometheus.GaugeVec
	projectionCheckpoint      *prometheus.GaugeVec

	sagaStepsTotal         *prometheus.CounterVec
	sagaStepDuration       *prometheus.HistogramVec
	sagaCompensationsTotal *prometheus.CounterVec
	sagasTotal             *prometheus.CounterVec
	sagaDuration           *prometheus.HistogramVec

	errorsTotal *prometheus.CounterVec
}

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithNamespace sets the Prometheus namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(m *Metrics) {
		m.namespace = namespace
	}
}

// WithSubsystem sets the Prometheus subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(m *Metrics) {
		m.subsystem = subsystem
	}
}

// WithMetricsServiceName sets the service name label.
func WithMetricsServiceName(name string) MetricsOption {
	return func(m *Metrics) {
		m.serviceName = name
	}
}

// New creates a new Metrics instance with default settings.
func New(opts ...MetricsOption) *Metrics {
	m := &Metrics{
		namespace:   "keel",
		serviceName: "unknown",
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initMetrics()
	return m
}

func (m *Metrics) counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) histogram(name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) initMetrics() {
	m.commandsTotal = m.counter("commands_total", "Total number of commands processed.", LabelCommandType, LabelStatus)
	m.commandDuration = m.histogram("command_duration_seconds", "Duration of command processing in seconds.", LabelCommandType)
	m.commandsInFlight = m.gauge("commands_in_flight", "Number of commands currently being processed.", LabelCommandType)

	m.eventStoreOperationsTotal = m.counter("eventstore_operations_total", "Total number of event store operations.", LabelPartition, LabelOperation, LabelStatus)
	m.eventStoreOperationDuration = m.histogram("eventstore_operation_duration_seconds", "Duration of event store operations in seconds.", LabelPartition, LabelOperation)
	m.eventsAppendedTotal = m.counter("events_appended_total", "Total number of events appended to streams.", LabelPartition, LabelEventType)
	m.eventsLoadedTotal = m.counter("events_loaded_total", "Total number of events loaded from streams.", LabelPartition)
	m.concurrencyConflictsTotal = m.counter("concurrency_conflicts_total", "Appends rejected by optimistic concurrency control.", LabelPartition)

	m.projectionsProcessedTotal = m.counter("projections_processed_total", "Total number of events processed by projections.", LabelProjectionName, LabelEventType, LabelStatus)
	m.projectionDuration = m.histogram("projection_duration_seconds", "Duration of projection event processing in seconds.", LabelProjectionName)
	m.projectionLag = m.gauge("projection_lag_events", "Number of events behind the latest position for each projection.", LabelProjectionName)
	m.projectionCheckpoint = m.gauge("projection_checkpoint_position", "Current checkpoint position for each projection.", LabelProjectionName)

	m.sagaStepsTotal = m.counter("saga_steps_total", "Total number of saga steps executed.", LabelSaga, LabelStep, LabelStatus)
	m.sagaStepDuration = m.histogram("saga_step_duration_seconds", "Duration of saga steps in seconds, retries included.", LabelSaga, LabelStep)
	m.sagaCompensationsTotal = m.counter("saga_compensations_total", "Total number of compensations run.", LabelSaga, LabelStep, LabelStatus)
	m.sagasTotal = m.counter("sagas_total", "Total number of saga runs by final status.", LabelSaga, LabelStatus)
	m.sagaDuration = m.histogram("saga_duration_seconds", "Duration of saga runs in seconds.", LabelSaga)

	m.errorsTotal = m.counter("errors_total", "Total number of errors by type.", LabelErrorType)
}

// Collectors returns all Prometheus collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.commandsTotal,
		m.commandDuration,
		m.commandsInFlight,
		m.eventStoreOperationsTotal,
		m.eventStoreOperationDuration,
		m.eventsAppendedTotal,
		m.eventsLoadedTotal,
		m.concurrencyConflictsTotal,
		m.projectionsProcessedTotal,
		m.projectionDuration,
		m.projectionLag,
		m.projectionCheckpoint,
		m.sagaStepsTotal,
		m.sagaStepDuration,
		m.sagaCompensationsTotal,
		m.sagasTotal,
		m.sagaDuration,
		m.errorsTotal,
	}
}

// MustRegister registers all collectors with the default registry.
// Panics if registration fails.
func (m *Metrics) MustRegister() {
	prometheus.MustRegister(m.Collectors()...)
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, collector := range m.Collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// =============================================================================
// Commands
// =============================================================================

// CommandMiddleware returns middleware that records command metrics.
func (m *Metrics) CommandMiddleware() keel.Middleware {
	return func(next keel.MiddlewareFunc) keel.MiddlewareFunc {
		return func(ctx context.Context, cmd keel.Command) (keel.CommandResult, error) {
			cmdType := cmd.CommandType()

			m.commandsInFlight.WithLabelValues(m.serviceName, cmdType).Inc()
			defer m.commandsInFlight.WithLabelValues(m.serviceName, cmdType).Dec()

			start := time.Now()
			result, err := next(ctx, cmd)
			if err == nil && result.Error != nil {
				err = result.Error
			}
			m.RecordCommand(cmdType, time.Since(start), err == nil, err)

			return result, err
		}
	}
}

// RecordCommand implements keel.MetricsCollector.
func (m *Metrics) RecordCommand(cmdType string, duration time.Duration, success bool, err error) {
	m.commandDuration.WithLabelValues(m.serviceName, cmdType).Observe(duration.Seconds())

	st := StatusSuccess
	if !success {
		st = StatusError
		m.RecordErrorType(errorTypeName(err))
	}
	m.commandsTotal.WithLabelValues(m.serviceName, cmdType, st).Inc()
}

// errorTypeName extracts the error type name based on sentinel errors.
func errorTypeName(err error) string {
	if err == nil {
		return "unknown"
	}

	switch {
	case errors.Is(err, keel.ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, keel.ErrStreamNotFound):
		return "stream_not_found"
	case errors.Is(err, keel.ErrDomain):
		return "domain"
	case errors.Is(err, keel.ErrSchemaDrift):
		return "schema_drift"
	case errors.Is(err, keel.ErrVersionGap):
		return "version_gap"
	case errors.Is(err, keel.ErrSagaAborted):
		return "saga_aborted"
	case errors.Is(err, keel.ErrCompensationFailed):
		return "compensation_failed"
	case errors.Is(err, keel.ErrActivityFailed):
		return "activity_failed"
	case errors.Is(err, keel.ErrSagaFailed):
		return "saga_failed"
	case errors.Is(err, keel.ErrHandlerNotFound):
		return "handler_not_found"
	case errors.Is(err, keel.ErrValidationFailed):
		return "validation_failed"
	case errors.Is(err, keel.ErrTenantRequired):
		return "tenant_required"
	case errors.Is(err, keel.ErrHandlerPanicked):
		return "handler_panicked"
	case errors.Is(err, keel.ErrSerializationFailed):
		return "serialization_failed"
	case errors.Is(err, keel.ErrEventTypeNotRegistered):
		return "event_type_not_registered"
	case errors.Is(err, keel.ErrNilAggregate):
		return "nil_aggregate"
	case errors.Is(err, keel.ErrNilCommand):
		return "nil_command"
	case errors.Is(err, keel.ErrInvalidPartition):
		return "invalid_partition"
	case errors.Is(err, adapters.ErrEmptyStreamID):
		return "empty_stream_id"
	case errors.Is(err, adapters.ErrNoEvents):
		return "no_events"
	case errors.Is(err, adapters.ErrInvalidVersion):
		return "invalid_version"
	case errors.Is(err, adapters.ErrAdapterClosed):
		return "adapter_closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "context"
	default:
		return "unknown"
	}
}

// =============================================================================
// Projections
// =============================================================================

// RecordEventProcessed implements keel.ProjectionMetrics.
func (m *Metrics) RecordEventProcessed(projectionName, eventType string, duration time.Duration, success bool) {
	m.projectionDuration.WithLabelValues(m.serviceName, projectionName).Observe(duration.Seconds())

	st := StatusSuccess
	if !success {
		st = StatusError
	}
	m.projectionsProcessedTotal.WithLabelValues(m.serviceName, projectionName, eventType, st).Inc()
}

// RecordCheckpoint implements keel.ProjectionMetrics.
func (m *Metrics) RecordCheckpoint(projectionName string, position uint64) {
	m.projectionCheckpoint.WithLabelValues(m.serviceName, projectionName).Set(float64(position))
}

// RecordError implements keel.ProjectionMetrics.
func (m *Metrics) RecordError(projectionName string, err error) {
	m.RecordErrorType("projection_" + errorTypeName(err))
}

// RecordProjectionLag records the current lag for a projection.
func (m *Metrics) RecordProjectionLag(projectionName string, lag uint64) {
	m.projectionLag.WithLabelValues(m.serviceName, projectionName).Set(float64(lag))
}

// UpdateLag sets the lag gauge of every projection from engine statuses.
func (m *Metrics) UpdateLag(ctx context.Context, engine *keel.ProjectionEngine, log *keel.EventLog) error {
	head, err := log.LastPosition(ctx)
	if err != nil {
		return err
	}
	for _, st := range engine.Statuses() {
		var lag uint64
		if head > st.LastPosition {
			lag = head - st.LastPosition
		}
		m.RecordProjectionLag(st.Name, lag)
	}
	return nil
}

// =============================================================================
// Sagas
// =============================================================================

// RecordStep implements keel.SagaMetrics.
func (m *Metrics) RecordStep(saga, step string, duration time.Duration, err error) {
	m.sagaStepDuration.WithLabelValues(m.serviceName, saga, step).Observe(duration.Seconds())
	m.sagaStepsTotal.WithLabelValues(m.serviceName, saga, step, status(err)).Inc()
}

// RecordCompensation implements keel.SagaMetrics.
func (m *Metrics) RecordCompensation(saga, step string, err error) {
	m.sagaCompensationsTotal.WithLabelValues(m.serviceName, saga, step, status(err)).Inc()
	if err != nil {
		m.RecordErrorType("compensation_failed")
	}
}

// RecordSaga implements keel.SagaMetrics.
func (m *Metrics) RecordSaga(saga string, st keel.SagaStatus, duration time.Duration) {
	m.sagaDuration.WithLabelValues(m.serviceName, saga).Observe(duration.Seconds())
	m.sagasTotal.WithLabelValues(m.serviceName, saga, string(st)).Inc()
}

// RecordErrorType records a custom error.
func (m *Metrics) RecordErrorType(errorType string) {
	m.errorsTotal.WithLabelValues(m.serviceName, errorType).Inc()
}

// =============================================================================
// Getters for testing
// =============================================================================

// CommandsTotal returns the commands counter.
func (m *Metrics) CommandsTotal() *prometheus.CounterVec { return m.commandsTotal }

// CommandsInFlight returns the in-flight commands gauge.
func (m *Metrics) CommandsInFlight() *prometheus.GaugeVec { return m.commandsInFlight }

// EventStoreOperationsTotal returns the event store operations counter.
func (m *Metrics) EventStoreOperationsTotal() *prometheus.CounterVec {
	return m.eventStoreOperationsTotal
}

// EventsAppendedTotal returns the events appended counter.
func (m *Metrics) EventsAppendedTotal() *prometheus.CounterVec { return m.eventsAppendedTotal }

// EventsLoadedTotal returns the events loaded counter.
func (m *Metrics) EventsLoadedTotal() *prometheus.CounterVec { return m.eventsLoadedTotal }

// ConcurrencyConflictsTotal returns the conflicts counter.
func (m *Metrics) ConcurrencyConflictsTotal() *prometheus.CounterVec {
	return m.concurrencyConflictsTotal
}

// ProjectionsProcessedTotal returns the projections processed counter.
func (m *Metrics) ProjectionsProcessedTotal() *prometheus.CounterVec {
	return m.projectionsProcessedTotal
}

// ProjectionLag returns the projection lag gauge.
func (m *Metrics) ProjectionLag() *prometheus.GaugeVec { return m.projectionLag }

// ProjectionCheckpoint returns the projection checkpoint gauge.
func (m *Metrics) ProjectionCheckpoint() *prometheus.GaugeVec { return m.projectionCheckpoint }

// SagaStepsTotal returns the saga steps counter.
func (m *Metrics) SagaStepsTotal() *prometheus.CounterVec { return m.sagaStepsTotal }

// SagaCompensationsTotal returns the compensations counter.
func (m *Metrics) SagaCompensationsTotal() *prometheus.CounterVec { return m.sagaCompensationsTotal }

// SagasTotal returns the saga outcome counter.
func (m *Metrics) SagasTotal() *prometheus.CounterVec { return m.sagasTotal }

// ErrorsTotal returns the errors counter.
func (m *Metrics) ErrorsTotal() *prometheus.CounterVec { return m.errorsTotal }
