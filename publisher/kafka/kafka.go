// Package kafka publishes projected events to Kafka topics using
// github.com/segmentio/kafka-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/adapters"
)

var _ keel.Publisher = (*Publisher)(nil)

// Publisher writes messages to Kafka topics.
// Destination format: "kafka:topic-name"
//
// Messages are keyed by partition and stream so events of one stream land
// on one Kafka partition and keep their order.
type Publisher struct {
	brokers      []string
	balancer     kafkago.Balancer
	batchTimeout time.Duration
	transport    kafkago.RoundTripper
	mu           sync.RWMutex
	writers      map[string]*kafkago.Writer
}

// Option configures a Kafka Publisher.
type Option func(*Publisher)

// WithBrokers sets the Kafka broker addresses.
func WithBrokers(brokers ...string) Option {
	return func(p *Publisher) {
		p.brokers = brokers
	}
}

// WithBalancer sets the message balancer (partitioner).
func WithBalancer(balancer kafkago.Balancer) Option {
	return func(p *Publisher) {
		p.balancer = balancer
	}
}

// WithBatchTimeout sets the batch timeout for the writer.
func WithBatchTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.batchTimeout = d
	}
}

// WithTransport sets the transport shared by all writers.
func WithTransport(rt kafkago.RoundTripper) Option {
	return func(p *Publisher) {
		p.transport = rt
	}
}

// New creates a new Kafka Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		brokers:      []string{"localhost:9092"},
		balancer:     &kafkago.Hash{},
		batchTimeout: 10 * time.Millisecond,
		writers:      make(map[string]*kafkago.Writer),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Destination returns the destination prefix this publisher handles.
func (p *Publisher) Destination() string {
	return "kafka"
}

// Publish writes messages to the topic named in each destination.
// All topics are attempted even if some fail; errors are joined.
func (p *Publisher) Publish(ctx context.Context, messages []*adapters.Message) error {
	grouped := make(map[string][]kafkago.Message)
	var order []string
	var errs []error
	for _, msg := range messages {
		topic := extractTopic(msg.Destination)
		if topic == "" {
			errs = append(errs, fmt.Errorf("keel/kafka: invalid destination %q: missing topic", msg.Destination))
			continue
		}
		if _, seen := grouped[topic]; !seen {
			order = append(order, topic)
		}
		grouped[topic] = append(grouped[topic], toKafkaMessage(msg))
	}

	for _, topic := range order {
		writer := p.getWriter(topic)
		if err := writer.WriteMessages(ctx, grouped[topic]...); err != nil {
			errs = append(errs, fmt.Errorf("keel/kafka: failed to write to topic %s: %w", topic, err))
		}
	}

	return errors.Join(errs...)
}

func toKafkaMessage(msg *adapters.Message) kafkago.Message {
	km := kafkago.Message{
		Key:   []byte(messageKey(msg)),
		Value: msg.Payload,
		Time:  msg.Timestamp,
		Headers: []kafkago.Header{
			{Key: "keel-message-id", Value: []byte(msg.ID)},
			{Key: "keel-global-position", Value: []byte(strconv.FormatUint(msg.GlobalPosition, 10))},
		},
	}
	if msg.Partition != "" {
		km.Headers = append(km.Headers, kafkago.Header{Key: "keel-partition", Value: []byte(msg.Partition)})
	}
	for k, v := range msg.Headers {
		km.Headers = append(km.Headers, kafkago.Header{Key: k, Value: []byte(v)})
	}
	return km
}

func messageKey(msg *adapters.Message) string {
	if msg.Partition == "" {
		return msg.StreamID
	}
	return msg.Partition + "/" + msg.StreamID
}

// Close closes all Kafka writers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.writers, topic)
	}
	return errors.Join(errs...)
}

func (p *Publisher) getWriter(topic string) *kafkago.Writer {
	p.mu.RLock()
	if w, ok := p.writers[topic]; ok {
		p.mu.RUnlock()
		return w
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}

	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               p.balancer,
		BatchTimeout:           p.batchTimeout,
		Transport:              p.transport,
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}

	p.writers[topic] = w
	return w
}

func extractTopic(destination string) string {
	topic, ok := strings.CutPrefix(destination, "kafka:")
	if !ok {
		return ""
	}
	return topic
}
