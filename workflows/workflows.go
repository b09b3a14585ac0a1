// Package workflows composes the domain services into sagas: transfers, loan
// disbursement, stablecoin mint and burn, and currency conversion.
//
// Every forward step returns what it actually booked and its compensation
// reverses exactly that, never the amount originally requested.
package workflows

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/adapters"
	"github.com/keelhq/keel/domain/accounts"
)

// Notification announces a finished workflow to an external system.
type Notification struct {
	Workflow  string `json:"workflow"`
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency,omitempty"`
}

// Notifier delivers notifications. Implementations report failure with an
// error; the saga retries according to the configured policy.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// PublisherNotifier sends notifications through an event publisher, so the
// same kafka, sns, nats or webhook publishers used by projections can carry
// them.
type PublisherNotifier struct {
	publisher keel.Publisher
	target    string
}

// NewPublisherNotifier creates a notifier that publishes to target on p.
func NewPublisherNotifier(p keel.Publisher, target string) *PublisherNotifier {
	return &PublisherNotifier{publisher: p, target: target}
}

// Notify publishes n as a JSON message. The message carries the saga's
// correlation ID so consumers can tie it to the events the saga appended.
func (p *PublisherNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return keel.Permanent(err)
	}

	headers := map[string]string{}
	md := keel.MetadataFromContext(ctx)
	if md.CorrelationID != "" {
		headers["correlation-id"] = md.CorrelationID
	}
	if tenant := keel.TenantIDFromContext(ctx); tenant != "" {
		headers["tenant-id"] = tenant
	}

	msg := &adapters.Message{
		ID:          uuid.NewString(),
		Destination: p.publisher.Destination() + ":" + p.target,
		EventType:   "workflow." + n.Workflow + ".completed",
		StreamID:    n.Reference,
		Payload:     payload,
		Headers:     headers,
		Timestamp:   time.Now().UTC(),
	}
	return p.publisher.Publish(ctx, []*adapters.Message{msg})
}

type options struct {
	notifier    Notifier
	notifyRetry keel.RetryPolicy
	sagaOpts    []keel.SagaOption
}

// Option configures a workflow saga.
type Option func(*options)

// WithNotifier adds a final notify step. Without one the step is skipped.
func WithNotifier(n Notifier) Option {
	return func(o *options) {
		o.notifier = n
	}
}

// WithNotifyRetry sets the retry policy of the notify step.
func WithNotifyRetry(p keel.RetryPolicy) Option {
	return func(o *options) {
		o.notifyRetry = p
	}
}

// WithSagaOptions passes options such as a logger or metrics to the saga.
func WithSagaOptions(opts ...keel.SagaOption) Option {
	return func(o *options) {
		o.sagaOpts = append(o.sagaOpts, opts...)
	}
}

func newOptions(opts []Option) *options {
	o := &options{notifyRetry: keel.ExponentialBackoff(3, 100*time.Millisecond, time.Second)}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// resolveCurrency returns currency, or the currency accountID holds when it
// is empty.
func resolveCurrency(ctx context.Context, accts *accounts.Service, accountID, currency string) (string, error) {
	if currency != "" {
		return currency, nil
	}
	return accts.Currency(ctx, accountID)
}

// notifyStep builds the last step of a workflow. It is skipped when no
// notifier is configured.
func notifyStep[S any](o *options, build func(*S) Notification) keel.Step[S] {
	return keel.Do("notify", func(ctx context.Context, s *S) error {
		return o.notifier.Notify(ctx, build(s))
	}).
		When(func(*S) bool { return o.notifier != nil }).
		WithRetry(o.notifyRetry)
}
