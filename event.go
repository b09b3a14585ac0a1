package keel

import (
	"context"
	"fmt"
	"time"

	"github.com/keelhq/keel/adapters"
)

// Version constants for optimistic concurrency control.
const (
	// AnyVersion skips the version check.
	AnyVersion = adapters.AnyVersion

	// NoStream requires the stream to not exist.
	NoStream = adapters.NoStream

	// StreamExists requires the stream to exist.
	StreamExists = adapters.StreamExists
)

// BuildStreamID returns the conventional stream ID "Type-ID" for an aggregate.
func BuildStreamID(aggregateType, id string) string {
	return fmt.Sprintf("%s-%s", aggregateType, id)
}

// Metadata contains contextual information about an event.
type Metadata struct {
	// CorrelationID links related events across streams. Sagas set it to the saga ID.
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID identifies the command or saga step that caused this event.
	CausationID string `json:"causationId,omitempty"`

	// UserID identifies the user who triggered this event.
	UserID string `json:"userId,omitempty"`

	// Custom contains arbitrary key-value pairs for application-specific metadata.
	Custom map[string]string `json:"custom,omitempty"`
}

// WithCorrelationID returns a copy of Metadata with the correlation ID set.
func (m Metadata) WithCorrelationID(id string) Metadata {
	m.CorrelationID = id
	return m
}

// WithCausationID returns a copy of Metadata with the causation ID set.
func (m Metadata) WithCausationID(id string) Metadata {
	m.CausationID = id
	return m
}

// WithUserID returns a copy of Metadata with the user ID set.
func (m Metadata) WithUserID(id string) Metadata {
	m.UserID = id
	return m
}

// WithCustom returns a copy of Metadata with a custom key-value pair added.
func (m Metadata) WithCustom(key, value string) Metadata {
	newCustom := make(map[string]string, len(m.Custom)+1)
	for k, v := range m.Custom {
		newCustom[k] = v
	}
	newCustom[key] = value
	m.Custom = newCustom
	return m
}

// IsEmpty reports whether the Metadata has no values set.
func (m Metadata) IsEmpty() bool {
	return m.CorrelationID == "" &&
		m.CausationID == "" &&
		m.UserID == "" &&
		len(m.Custom) == 0
}

// merge fills the empty fields of m from fallback.
func (m Metadata) merge(fallback Metadata) Metadata {
	if m.CorrelationID == "" {
		m.CorrelationID = fallback.CorrelationID
	}
	if m.CausationID == "" {
		m.CausationID = fallback.CausationID
	}
	if m.UserID == "" {
		m.UserID = fallback.UserID
	}
	for k, v := range fallback.Custom {
		if _, ok := m.Custom[k]; !ok {
			m = m.WithCustom(k, v)
		}
	}
	return m
}

type metadataKey struct{}

// WithMetadata returns a context whose appends are stamped with m.
// Metadata already on the context is kept for fields m leaves empty.
func WithMetadata(ctx context.Context, m Metadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, m.merge(MetadataFromContext(ctx)))
}

// MetadataFromContext returns the metadata attached with WithMetadata.
func MetadataFromContext(ctx context.Context) Metadata {
	if m, ok := ctx.Value(metadataKey{}).(Metadata); ok {
		return m
	}
	return Metadata{}
}

// EventData represents a serialized event ready to be stored.
type EventData struct {
	// Type is the event type identifier (e.g., "FundsDeposited").
	Type string

	// Data is the serialized event payload.
	Data []byte

	// Metadata contains optional contextual information.
	Metadata Metadata
}

// StoredEvent represents a persisted event with all storage metadata.
type StoredEvent struct {
	// ID is the globally unique event identifier.
	ID string

	// StreamID identifies the stream this event belongs to.
	StreamID string

	// Type is the event type identifier.
	Type string

	// Data is the serialized event payload.
	Data []byte

	// Metadata contains contextual information.
	Metadata Metadata

	// Version is the position within the stream (1-based).
	Version int64

	// GlobalPosition is the position across all streams of the partition.
	GlobalPosition uint64

	// Timestamp is when the event was recorded.
	Timestamp time.Time
}

// StreamInfo contains metadata about an event stream.
type StreamInfo struct {
	StreamID   string
	Version    int64
	EventCount int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Event represents a deserialized event with its data as a Go type.
type Event struct {
	ID             string
	StreamID       string
	Type           string
	Data           interface{}
	Metadata       Metadata
	Version        int64
	GlobalPosition uint64
	Timestamp      time.Time
}

// EventFromStored creates an Event from a StoredEvent with deserialized data.
func EventFromStored(stored StoredEvent, data interface{}) Event {
	return Event{
		ID:             stored.ID,
		StreamID:       stored.StreamID,
		Type:           stored.Type,
		Data:           data,
		Metadata:       stored.Metadata,
		Version:        stored.Version,
		GlobalPosition: stored.GlobalPosition,
		Timestamp:      stored.Timestamp,
	}
}

func convertMetadataToAdapter(m Metadata) adapters.Metadata {
	return adapters.Metadata{
		CorrelationID: m.CorrelationID,
		CausationID:   m.CausationID,
		UserID:        m.UserID,
		Custom:        m.Custom,
	}
}

func convertMetadataFromAdapter(m adapters.Metadata) Metadata {
	return Metadata{
		CorrelationID: m.CorrelationID,
		CausationID:   m.CausationID,
		UserID:        m.UserID,
		Custom:        m.Custom,
	}
}

func convertStoredEventFromAdapter(s adapters.StoredEvent) StoredEvent {
	return StoredEvent{
		ID:             s.ID,
		StreamID:       s.StreamID,
		Type:           s.Type,
		Data:           s.Data,
		Metadata:       convertMetadataFromAdapter(s.Metadata),
		Version:        s.Version,
		GlobalPosition: s.GlobalPosition,
		Timestamp:      s.Timestamp,
	}
}
