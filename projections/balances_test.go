package projections

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/adapters/memory"
	"github.com/keelhq/keel/domain/accounts"
)

type tenant struct {
	partition keel.Partition
	accounts  *accounts.Service
	engine    *keel.ProjectionEngine
}

func newTenant(t *testing.T, store *keel.EventStore, balances *Balances, id string) *tenant {
	t.Helper()
	p := keel.TenantPartition(id, accounts.Domain)
	svc, err := accounts.NewService(store, p)
	require.NoError(t, err)
	engine, err := keel.NewProjectionEngine(store, p)
	require.NoError(t, err)
	require.NoError(t, engine.Register(balances))
	return &tenant{partition: p, accounts: svc, engine: engine}
}

func TestBalances(t *testing.T) {
	ctx := context.Background()
	store := keel.New(memory.NewAdapter())
	store.RegisterEvents(accounts.Events()...)
	balances := NewBalances(store.Serializer())

	acme := newTenant(t, store, balances, "acme")
	globex := newTenant(t, store, balances, "globex")

	_, err := acme.accounts.Open(ctx, "alice", "Alice", "USD")
	require.NoError(t, err)
	_, err = acme.accounts.Open(ctx, "bob", "Bob", "USD")
	require.NoError(t, err)
	_, err = acme.accounts.Deposit(ctx, "alice", 100, "USD", "d-1")
	require.NoError(t, err)
	_, err = acme.accounts.Withdraw(ctx, "alice", 30, "USD", "w-1")
	require.NoError(t, err)
	_, err = acme.accounts.Deposit(ctx, "bob", 5, "USD", "d-2")
	require.NoError(t, err)
	require.NoError(t, acme.accounts.Freeze(ctx, "bob", "audit"))

	_, err = globex.accounts.Open(ctx, "alice", "Alice G", "EUR")
	require.NoError(t, err)
	_, err = globex.accounts.Deposit(ctx, "alice", 7, "EUR", "d-1")
	require.NoError(t, err)

	require.NoError(t, acme.engine.CatchUp(ctx))
	require.NoError(t, globex.engine.CatchUp(ctx))

	t.Run("per account", func(t *testing.T) {
		alice, err := balances.Get(ctx, acme.partition, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(70), alice.Balance)
		assert.Equal(t, int64(3), alice.Version)
		assert.Equal(t, "Alice", alice.Owner)

		bob, err := balances.Get(ctx, acme.partition, "bob")
		require.NoError(t, err)
		assert.True(t, bob.Frozen)
		assert.Equal(t, int64(5), bob.Balance)
	})

	t.Run("tenants are isolated", func(t *testing.T) {
		alice, err := balances.Get(ctx, globex.partition, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(7), alice.Balance)
		assert.Equal(t, "EUR", alice.Currency)

		_, err = balances.Get(ctx, globex.partition, "bob")
		assert.ErrorIs(t, err, keel.ErrNotFound)
	})

	t.Run("list and total", func(t *testing.T) {
		list, err := balances.List(ctx, acme.partition)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "alice", list[0].AccountID)
		assert.Equal(t, "bob", list[1].AccountID)

		total, err := balances.Total(ctx, acme.partition, "USD")
		require.NoError(t, err)
		assert.Equal(t, int64(75), total)
	})
}

func TestBalances_RedeliveryIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := keel.New(memory.NewAdapter())
	svc, err := accounts.NewService(store, keel.NewPartition(accounts.Domain))
	require.NoError(t, err)
	balances := NewBalances(store.Serializer())

	_, err = svc.Open(ctx, "alice", "Alice", "USD")
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, "alice", 100, "USD", "d-1")
	require.NoError(t, err)

	log, err := store.Partition(keel.NewPartition(accounts.Domain))
	require.NoError(t, err)
	var events []keel.StoredEvent
	for e, err := range log.ReadAll(ctx, "Account-alice") {
		require.NoError(t, err)
		events = append(events, e)
	}
	require.Len(t, events, 2)

	for range 2 {
		for _, e := range events {
			require.NoError(t, balances.Apply(ctx, e))
		}
	}

	alice, err := balances.Get(ctx, keel.NewPartition(accounts.Domain), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), alice.Balance)
}

func TestBalances_Errors(t *testing.T) {
	ctx := context.Background()
	serializer := keel.NewJSONSerializer()
	serializer.RegisterAll(accounts.Events()...)
	balances := NewBalances(serializer)

	t.Run("other streams are ignored", func(t *testing.T) {
		err := balances.Apply(ctx, keel.StoredEvent{StreamID: "Loan-1", Type: "LoanRequested", Data: []byte(`{}`)})
		assert.NoError(t, err)
	})

	t.Run("movement before open", func(t *testing.T) {
		err := balances.Apply(ctx, keel.StoredEvent{
			StreamID: "Account-ghost",
			Type:     "FundsDeposited",
			Data:     []byte(`{"amount":1}`),
			Version:  1,
		})
		assert.ErrorIs(t, err, keel.ErrNotFound)
	})

	t.Run("reset", func(t *testing.T) {
		require.NoError(t, balances.Apply(ctx, keel.StoredEvent{
			StreamID: "Account-a",
			Type:     "AccountOpened",
			Data:     []byte(`{"owner":"A","currency":"USD"}`),
			Version:  1,
		}))
		require.NoError(t, balances.Reset(ctx))
		_, err := balances.Get(ctx, keel.Partition{}, "a")
		assert.ErrorIs(t, err, keel.ErrNotFound)
	})
}
