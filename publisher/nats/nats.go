// Package nats publishes projected events to NATS JetStream subjects.
package nats

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/adapters"
)

var _ keel.Publisher = (*Publisher)(nil)

// JetStreamPublisher is the subset of jetstream.JetStream used by Publisher.
type JetStreamPublisher interface {
	PublishMsg(ctx context.Context, msg *natsgo.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher publishes messages to JetStream.
// Destination format: "nats:subject.prefix"
//
// The stream ID is appended to the subject prefix, so subscribers can filter
// by stream with "prefix.>" wildcards. The event ID is the JetStream message
// ID, which lets the server drop redeliveries inside its duplicate window.
type Publisher struct {
	js    JetStreamPublisher
	close func()
}

// Option configures a NATS Publisher.
type Option func(*Publisher)

// WithCloser registers a function run by Close.
func WithCloser(fn func()) Option {
	return func(p *Publisher) {
		p.close = fn
	}
}

// New creates a publisher on top of js.
func New(js JetStreamPublisher, opts ...Option) *Publisher {
	p := &Publisher{js: js}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url string) (*Publisher, error) {
	nc, err := natsgo.Connect(url, natsgo.MaxReconnects(3), natsgo.Name("keel"))
	if err != nil {
		return nil, fmt.Errorf("keel/nats: failed to connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("keel/nats: failed to open jetstream: %w", err)
	}
	return New(js, WithCloser(nc.Close)), nil
}

// Destination returns the destination prefix this publisher handles.
func (p *Publisher) Destination() string {
	return "nats"
}

// Publish publishes the messages in order and stops at the first failure.
func (p *Publisher) Publish(ctx context.Context, messages []*adapters.Message) error {
	for _, msg := range messages {
		prefix := extractSubject(msg.Destination)
		if prefix == "" {
			return fmt.Errorf("keel/nats: invalid destination %q: missing subject", msg.Destination)
		}

		out := toNATSMessage(prefix, msg)
		if _, err := p.js.PublishMsg(ctx, out, jetstream.WithMsgID(msg.ID)); err != nil {
			return fmt.Errorf("keel/nats: failed to publish %s to %s: %w", msg.ID, out.Subject, err)
		}
	}
	return nil
}

// Close releases the connection opened by Connect.
func (p *Publisher) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}

func toNATSMessage(prefix string, msg *adapters.Message) *natsgo.Msg {
	out := natsgo.NewMsg(subjectFor(prefix, msg.StreamID))
	out.Data = msg.Payload
	out.Header.Set("keel-message-id", msg.ID)
	out.Header.Set("keel-global-position", strconv.FormatUint(msg.GlobalPosition, 10))
	if msg.Partition != "" {
		out.Header.Set("keel-partition", msg.Partition)
	}
	for k, v := range msg.Headers {
		out.Header.Set(k, v)
	}
	return out
}

// subjectFor replaces characters that are reserved in NATS subjects.
func subjectFor(prefix, streamID string) string {
	if streamID == "" {
		return prefix
	}
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, streamID)
	return prefix + "." + token
}

func extractSubject(destination string) string {
	subject, ok := strings.CutPrefix(destination, "nats:")
	if !ok {
		return ""
	}
	return subject
}

