// Package sns publishes projected events to AWS SNS topics.
package sns

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/adapters"
)

var _ keel.Publisher = (*Publisher)(nil)

var (
	// ErrClientNotConfigured is returned by Publish when no SNS client was set.
	ErrClientNotConfigured = errors.New("keel/sns: client not configured")

	// ErrNoCredentials is returned when the AWS credential variables are unset.
	ErrNoCredentials = errors.New("keel/sns: AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required")
)

// NewClient builds an SNS client for region with credentials from the
// environment. A non-empty endpoint replaces the regional service URL.
func NewClient(region, endpoint string) *sns.Client {
	opts := sns.Options{
		Region:      region,
		Credentials: aws.NewCredentialsCache(EnvCredentials()),
	}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
	}
	return sns.New(opts)
}

// EnvCredentials reads static credentials from the standard AWS_* variables.
func EnvCredentials() aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
		if id == "" || secret == "" {
			return aws.Credentials{}, ErrNoCredentials
		}
		return aws.Credentials{
			AccessKeyID:     id,
			SecretAccessKey: secret,
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
			Source:          "environment",
		}, nil
	})
}

// Client is the subset of the SNS API used by the publisher.
type Client interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher publishes messages to SNS topics.
// Destination format: "sns:arn:aws:sns:region:account:topic"
type Publisher struct {
	client Client
	fifo   bool
}

// Option configures an SNS Publisher.
type Option func(*Publisher)

// WithClient sets the SNS client, typically sns.NewFromConfig(cfg).
func WithClient(client Client) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithFIFO marks the target topics as FIFO. Messages are grouped by stream
// and deduplicated by event ID.
func WithFIFO() Option {
	return func(p *Publisher) {
		p.fifo = true
	}
}

// New creates a new SNS Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Destination returns the destination prefix this publisher handles.
func (p *Publisher) Destination() string {
	return "sns"
}

// Publish sends each message to the topic named in its destination.
// All messages are attempted even if some fail; errors are joined.
func (p *Publisher) Publish(ctx context.Context, messages []*adapters.Message) error {
	if p.client == nil {
		return ErrClientNotConfigured
	}

	var errs []error
	for _, msg := range messages {
		topicARN := extractTopicARN(msg.Destination)
		if topicARN == "" {
			errs = append(errs, fmt.Errorf("keel/sns: invalid destination %q: missing topic ARN", msg.Destination))
			continue
		}

		if _, err := p.client.Publish(ctx, p.input(topicARN, msg)); err != nil {
			errs = append(errs, fmt.Errorf("keel/sns: failed to publish %s to %s: %w", msg.ID, topicARN, err))
		}
	}

	return errors.Join(errs...)
}

func (p *Publisher) input(topicARN string, msg *adapters.Message) *sns.PublishInput {
	input := &sns.PublishInput{
		TopicArn:          aws.String(topicARN),
		Message:           aws.String(string(msg.Payload)),
		MessageAttributes: make(map[string]types.MessageAttributeValue, len(msg.Headers)+1),
	}
	input.MessageAttributes["keel-message-id"] = stringAttribute(msg.ID)
	for k, v := range msg.Headers {
		input.MessageAttributes[k] = stringAttribute(v)
	}

	if p.fifo {
		group := msg.StreamID
		if msg.Partition != "" {
			group = msg.Partition + "/" + msg.StreamID
		}
		input.MessageGroupId = aws.String(group)
		input.MessageDeduplicationId = aws.String(msg.ID)
	}
	return input
}

func stringAttribute(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}

func extractTopicARN(destination string) string {
	arn, ok := strings.CutPrefix(destination, "sns:")
	if !ok {
		return ""
	}
	return arn
}
