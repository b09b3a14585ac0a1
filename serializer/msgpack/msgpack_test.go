package msgpack

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/adapters/memory"
)

type FundsDeposited struct {
	AccountID string `msgpack:"account_id"`
	Amount    int64  `msgpack:"amount"`
	Currency  string `msgpack:"currency"`
}

type RateQuoted struct {
	Pair string  `json:"pair"`
	Rate float64 `json:"rate"`
}

type TransferTagged struct {
	Tags  []string          `msgpack:"tags"`
	Attrs map[string]string `msgpack:"attrs"`
	Leg   *leg              `msgpack:"leg"`
}

type leg struct {
	From string `msgpack:"from"`
	To   string `msgpack:"to"`
}

type poolRebalanced struct {
	Delta int64 `msgpack:"delta"`
}

func (poolRebalanced) EventType() string { return "treasury.pool_rebalanced" }

func TestNewSerializer(t *testing.T) {
	t.Run("private registry", func(t *testing.T) {
		s := NewSerializer()
		assert.Zero(t, s.Registry().Count())
	})

	t.Run("shared registry", func(t *testing.T) {
		registry := keel.NewEventRegistry()
		registry.RegisterAll(FundsDeposited{})

		s := NewSerializer(WithRegistry(registry))
		json := keel.NewJSONSerializerWithRegistry(registry)
		s.RegisterAll(poolRebalanced{})

		assert.Same(t, registry, s.Registry())
		assert.ElementsMatch(t, []string{"FundsDeposited", "treasury.pool_rebalanced"}, json.Registry().RegisteredTypes())
	})

	t.Run("nil registry keeps default", func(t *testing.T) {
		s := NewSerializer(WithRegistry(nil))
		assert.NotNil(t, s.Registry())
	})
}

func TestSerializer_RoundTrip(t *testing.T) {
	s := NewSerializer()
	s.RegisterAll(FundsDeposited{}, &TransferTagged{}, poolRebalanced{})

	tests := []struct {
		name      string
		eventType string
		event     interface{}
	}{
		{"flat", "FundsDeposited", FundsDeposited{AccountID: "acc-1", Amount: 1250, Currency: "USD"}},
		{"nested", "TransferTagged", TransferTagged{
			Tags:  []string{"wire", "priority"},
			Attrs: map[string]string{"region": "eu"},
			Leg:   &leg{From: "acc-1", To: "acc-2"},
		}},
		{"event typer", "treasury.pool_rebalanced", poolRebalanced{Delta: -40}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := s.Serialize(tt.event)
			require.NoError(t, err)

			got, err := s.Deserialize(data, tt.eventType)
			require.NoError(t, err)
			assert.Equal(t, tt.event, got)
		})
	}
}

func TestSerializer_JSONTags(t *testing.T) {
	event := RateQuoted{Pair: "EUR/USD", Rate: 1.0825}

	plain := NewSerializer()
	tagged := NewSerializer(WithJSONTags())
	plain.RegisterAll(RateQuoted{})
	tagged.RegisterAll(RateQuoted{})

	withTags, err := tagged.Serialize(event)
	require.NoError(t, err)
	withoutTags, err := plain.Serialize(event)
	require.NoError(t, err)

	assert.Contains(t, string(withTags), "pair")
	assert.Contains(t, string(withoutTags), "Pair")

	got, err := tagged.Deserialize(withTags, "RateQuoted")
	require.NoError(t, err)
	assert.Equal(t, event, got)
}

func TestSerializer_Errors(t *testing.T) {
	s := NewSerializer()
	s.RegisterAll(FundsDeposited{})

	_, err := s.Serialize(nil)
	assert.ErrorIs(t, err, keel.ErrSerializationFailed)

	_, err = s.Serialize(make(chan int))
	assert.ErrorIs(t, err, keel.ErrSerializationFailed)

	_, err = s.Deserialize(nil, "FundsDeposited")
	assert.ErrorIs(t, err, keel.ErrSerializationFailed)

	_, err = s.Deserialize([]byte{0xc1}, "FundsDeposited")
	assert.ErrorIs(t, err, keel.ErrSerializationFailed)

	data, err := s.Serialize(FundsDeposited{Amount: 1})
	require.NoError(t, err)
	_, err = s.Deserialize(data, "FundsWithdrawn")
	assert.ErrorIs(t, err, keel.ErrEventTypeNotRegistered)
}

func TestSerializer_EventStore(t *testing.T) {
	ctx := context.Background()
	s := NewSerializer()
	store := keel.New(memory.NewAdapter(), keel.WithSerializer(s))
	store.RegisterEvents(FundsDeposited{})

	log, err := store.Partition(keel.NewPartition("accounts"))
	require.NoError(t, err)

	_, err = log.Append(ctx, "Account-1", keel.NoStream, FundsDeposited{AccountID: "1", Amount: 75, Currency: "EUR"})
	require.NoError(t, err)

	events, err := log.Load(ctx, "Account-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, FundsDeposited{AccountID: "1", Amount: 75, Currency: "EUR"}, events[0].Data)
}

func TestSerializer_Concurrency(t *testing.T) {
	s := NewSerializer()
	var wg sync.WaitGroup

	for i := range 16 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.RegisterAll(FundsDeposited{})
			data, err := s.Serialize(FundsDeposited{Amount: int64(n)})
			if assert.NoError(t, err) {
				got, err := s.Deserialize(data, "FundsDeposited")
				assert.NoError(t, err)
				assert.Equal(t, FundsDeposited{Amount: int64(n)}, got)
			}
		}(i)
	}
	wg.Wait()
}
