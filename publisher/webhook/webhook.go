// Package webhook publishes projected events as HTTP POST requests.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/adapters"
)

var _ keel.Publisher = (*Publisher)(nil)

// SignatureHeader carries the hex HMAC-SHA256 of the request body when a
// signing secret is configured.
const SignatureHeader = "X-Keel-Signature"

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	kind := "client"
	if e.StatusCode >= 500 {
		kind = "server"
	}
	return fmt.Sprintf("keel/webhook: %s error %d from %s", kind, e.StatusCode, e.URL)
}

// Publisher posts each message to the URL in its destination.
// Destination format: "webhook:https://example.com/events"
//
// Messages are sent one at a time and Publish stops at the first failure,
// so a receiver never sees an event before the ones preceding it.
type Publisher struct {
	client         *http.Client
	defaultHeaders map[string]string
	secret         []byte
}

// Option configures a webhook Publisher.
type Option func(*Publisher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.client.Timeout = d
	}
}

// WithDefaultHeaders sets headers added to all requests.
func WithDefaultHeaders(headers map[string]string) Option {
	return func(p *Publisher) {
		for k, v := range headers {
			p.defaultHeaders[k] = v
		}
	}
}

// WithSigningSecret signs request bodies with secret.
func WithSigningSecret(secret string) Option {
	return func(p *Publisher) {
		p.secret = []byte(secret)
	}
}

// New creates a new webhook Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		defaultHeaders: map[string]string{
			"Content-Type": "application/json",
		},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Destination returns the destination prefix this publisher handles.
func (p *Publisher) Destination() string {
	return "webhook"
}

// Publish posts the messages in order.
func (p *Publisher) Publish(ctx context.Context, messages []*adapters.Message) error {
	for _, msg := range messages {
		if err := p.post(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) post(ctx context.Context, msg *adapters.Message) error {
	url := extractURL(msg.Destination)
	if url == "" {
		return fmt.Errorf("keel/webhook: invalid destination %q: missing URL", msg.Destination)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg.Payload))
	if err != nil {
		return fmt.Errorf("keel/webhook: failed to create request: %w", err)
	}

	for k, v := range p.defaultHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Keel-Message-Id", msg.ID)
	req.Header.Set("X-Keel-Global-Position", strconv.FormatUint(msg.GlobalPosition, 10))
	if msg.Partition != "" {
		req.Header.Set("X-Keel-Partition", msg.Partition)
	}
	for k, v := range msg.Headers {
		req.Header.Set("X-"+k, v)
	}
	if len(p.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(p.secret, msg.Payload))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("keel/webhook: request failed for %s: %w", url, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body under secret.
func Verify(secret, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

func extractURL(destination string) string {
	url, ok := strings.CutPrefix(destination, "webhook:")
	if !ok {
		return ""
	}
	return url
}
