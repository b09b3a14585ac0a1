// Package msgpack provides a MessagePack serializer for keel event payloads.
//
// MessagePack produces smaller payloads than JSON, which matters for
// high-volume ledgers. The serializer shares keel's EventRegistry, so a
// registry populated once can back both encodings during a migration:
//
//	registry := keel.NewEventRegistry()
//	registry.RegisterAll(accounts.Events()...)
//
//	store := keel.New(adapter, keel.WithSerializer(msgpack.NewSerializer(msgpack.WithRegistry(registry))))
package msgpack

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/keelhq/keel"
)

var (
	_ keel.Serializer     = (*Serializer)(nil)
	_ keel.EventRegistrar = (*Serializer)(nil)
)

// Serializer is a MessagePack implementation of keel.Serializer.
type Serializer struct {
	registry *keel.EventRegistry
	jsonTags bool
}

// SerializerOption configures a Serializer.
type SerializerOption func(*Serializer)

// WithRegistry uses an existing registry instead of a private one.
func WithRegistry(registry *keel.EventRegistry) SerializerOption {
	return func(s *Serializer) {
		if registry != nil {
			s.registry = registry
		}
	}
}

// WithJSONTags makes the encoder fall back to `json` struct tags when a
// field has no `msgpack` tag, so events written for JSON keep their names.
func WithJSONTags() SerializerOption {
	return func(s *Serializer) {
		s.jsonTags = true
	}
}

// NewSerializer creates a new MessagePack Serializer.
func NewSerializer(opts ...SerializerOption) *Serializer {
	s := &Serializer{registry: keel.NewEventRegistry()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a mapping from eventType to the Go type of the example.
func (s *Serializer) Register(eventType string, example interface{}) {
	s.registry.Register(eventType, example)
}

// RegisterAll registers events under their keel event type names.
func (s *Serializer) RegisterAll(examples ...interface{}) {
	s.registry.RegisterAll(examples...)
}

// Registry returns the underlying registry.
func (s *Serializer) Registry() *keel.EventRegistry {
	return s.registry
}

// Serialize converts an event to MessagePack bytes.
func (s *Serializer) Serialize(event interface{}) ([]byte, error) {
	if event == nil {
		return nil, keel.NewSerializationError("nil", "serialize", fmt.Errorf("event cannot be nil"))
	}

	data, err := s.marshal(event)
	if err != nil {
		return nil, keel.NewSerializationError(keel.GetEventType(event), "serialize", err)
	}

	return data, nil
}

// Deserialize converts MessagePack bytes back to a value of the registered type.
func (s *Serializer) Deserialize(data []byte, eventType string) (interface{}, error) {
	if len(data) == 0 {
		return nil, keel.NewSerializationError(eventType, "deserialize", fmt.Errorf("data cannot be empty"))
	}

	ptr, err := s.registry.New(eventType)
	if err != nil {
		return nil, err
	}
	if err := s.unmarshal(data, ptr); err != nil {
		return nil, keel.NewSerializationError(eventType, "deserialize", err)
	}

	return reflect.ValueOf(ptr).Elem().Interface(), nil
}

func (s *Serializer) marshal(v interface{}) ([]byte, error) {
	if !s.jsonTags {
		return msgpack.Marshal(v)
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Serializer) unmarshal(data []byte, v interface{}) error {
	if !s.jsonTags {
		return msgpack.Unmarshal(data, v)
	}

	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
