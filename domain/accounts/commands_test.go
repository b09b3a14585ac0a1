package accounts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/adapters/memory"
)

func newBus(t *testing.T) (*keel.CommandBus, *keel.TenantRegistry[*Service]) {
	t.Helper()
	store := keel.New(memory.NewAdapter())
	registry := keel.NewTenantRegistry(Domain, func(p keel.Partition) (*Service, error) {
		return NewService(store, p)
	})

	bus := keel.NewCommandBus(keel.WithMiddleware(
		keel.ValidationMiddleware(),
		keel.TenantMiddleware(),
	))
	RegisterHandlers(bus, registry)
	return bus, registry
}

func TestCommands_Validate(t *testing.T) {
	tests := []struct {
		name  string
		cmd   keel.Command
		field string
	}{
		{"open without id", OpenAccount{Owner: "a", Currency: "USD"}, "accountId"},
		{"open without owner", OpenAccount{AccountID: "1", Currency: "USD"}, "owner"},
		{"open with bad currency", OpenAccount{AccountID: "1", Owner: "a", Currency: "US"}, "currency"},
		{"deposit zero", DepositFunds{AccountID: "1", Currency: "USD"}, "amount"},
		{"deposit without currency", DepositFunds{AccountID: "1", Amount: 1}, "currency"},
		{"withdraw without id", WithdrawFunds{Amount: 1, Currency: "USD"}, "accountId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ve *keel.ValidationError
			require.ErrorAs(t, tt.cmd.Validate(), &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestRegisterHandlers(t *testing.T) {
	ctx := context.Background()
	bus, registry := newBus(t)

	result, err := bus.Dispatch(ctx, OpenAccount{Tenant: "acme", AccountID: "acct-1", Owner: "alice", Currency: "USD"})
	require.NoError(t, err)
	assert.True(t, result.IsSuccess())
	assert.Equal(t, int64(1), result.Version)

	result, err = bus.Dispatch(ctx, DepositFunds{Tenant: "acme", AccountID: "acct-1", Amount: 40, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Version)

	_, err = bus.Dispatch(ctx, WithdrawFunds{Tenant: "acme", AccountID: "acct-1", Amount: 41, Currency: "USD"})
	assert.ErrorIs(t, err, keel.ErrDomain)

	_, err = bus.Dispatch(ctx, DepositFunds{Tenant: "acme", AccountID: "acct-1", Amount: 5, Currency: "EUR"})
	assert.ErrorIs(t, err, keel.NewDomainError(CodeCurrencyMismatch, ""))

	_, err = bus.Dispatch(ctx, DepositFunds{AccountID: "acct-1", Amount: 1, Currency: "USD"})
	assert.ErrorIs(t, err, keel.ErrTenantRequired)

	acme, err := registry.Get("acme")
	require.NoError(t, err)
	a, err := acme.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), a.Balance)
}

func TestRegisterHandlers_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	bus, registry := newBus(t)

	for _, tenant := range []string{"acme", "globex"} {
		_, err := bus.Dispatch(ctx, OpenAccount{Tenant: tenant, AccountID: "acct-1", Owner: tenant, Currency: "USD"})
		require.NoError(t, err)
	}
	_, err := bus.Dispatch(ctx, DepositFunds{Tenant: "acme", AccountID: "acct-1", Amount: 900, Currency: "USD"})
	require.NoError(t, err)

	globex, err := registry.Get("globex")
	require.NoError(t, err)
	a, err := globex.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "globex", a.Owner)
	assert.Zero(t, a.Balance, "same stream ID in another tenant is untouched")
	assert.Equal(t, 2, registry.Len())

	_, err = bus.Dispatch(keel.WithTenantID(ctx, "globex"), DepositFunds{Tenant: "acme", AccountID: "acct-1", Amount: 1, Currency: "USD"})
	assert.ErrorIs(t, err, keel.ErrValidationFailed, "a caller cannot address another tenant")
}
