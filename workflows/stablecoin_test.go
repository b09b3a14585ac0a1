package workflows

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/domain/accounts"
	"github.com/keelhq/keel/domain/stablecoin"
	"github.com/keelhq/keel/testing/sagas"
)

func (e *env) position(t *testing.T, id string) *stablecoin.Position {
	t.Helper()
	p, err := e.coins.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestMint(t *testing.T) {
	tests := []struct {
		name       string
		collateral int64
		failedAt   string
		code       string
		balance    int64
		supply     int64
	}{
		{"completes", 150, "", "", 850, 100},
		{"undercollateralized", 100, "mint", stablecoin.CodeUndercollateralized, 1_000, 0},
		{"collateral not available", 5_000, "lock-collateral", accounts.CodeInsufficientFunds, 1_000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.open(t, "alice", "USD", 1_000)

			f := sagas.TestSaga(t, NewMint(e.accounts, e.coins)).
				When(&Mint{PositionID: "alice", AccountID: "alice", Amount: 100, Collateral: tt.collateral, Reference: "m-1"})
			if tt.failedAt == "" {
				f.ThenCompleted().ThenSteps("lock-collateral", "mint")
			} else {
				f.ThenFailedAt(tt.failedAt).ThenError(keel.NewDomainError(tt.code, ""))
			}

			assert.Equal(t, tt.balance, e.balance(t, "alice"))
			assert.Equal(t, tt.supply, e.position(t, "alice").Supply)
		})
	}
}

func TestMint_UndercollateralizedReturnsCollateral(t *testing.T) {
	e := newEnv(t)
	e.open(t, "alice", "USD", 1_000)

	sagas.TestSaga(t, NewMint(e.accounts, e.coins)).
		When(&Mint{PositionID: "alice", AccountID: "alice", Amount: 100, Collateral: 100, Reference: "m-1"}).
		ThenFailedAt("mint").
		ThenCompensated("lock-collateral")

	assert.Equal(t, []string{"AccountOpened", "FundsDeposited", "FundsWithdrawn", "FundsDeposited"},
		e.streamTypes(t, "Account-alice"))
}

func TestBurn(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.open(t, "alice", "USD", 1_000)
	_, err := NewMint(e.accounts, e.coins).Run(ctx, &Mint{
		PositionID: "alice", AccountID: "alice", Amount: 100, Collateral: 150, Reference: "m-1",
	})
	require.NoError(t, err)

	sagas.TestSaga(t, NewBurn(e.accounts, e.coins)).
		When(&Burn{PositionID: "alice", AccountID: "alice", Amount: 50, Reference: "b-1"}).
		ThenCompleted().
		ThenState(func(t sagas.TB, s *Burn) {
			assert.Equal(t, int64(75), s.Burned.Collateral)
			assert.Equal(t, int64(75), s.Released.Amount)
		})

	assert.Equal(t, int64(925), e.balance(t, "alice"))
	p := e.position(t, "alice")
	assert.Equal(t, int64(50), p.Supply)
	assert.Equal(t, int64(75), p.Collateral)
}

func TestBurn_FrozenAccountRestoresSupply(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.open(t, "alice", "USD", 1_000)
	_, err := NewMint(e.accounts, e.coins).Run(ctx, &Mint{
		PositionID: "alice", AccountID: "alice", Amount: 100, Collateral: 150, Reference: "m-1",
	})
	require.NoError(t, err)
	require.NoError(t, e.accounts.Freeze(ctx, "alice", "sanctions"))

	sagas.TestSaga(t, NewBurn(e.accounts, e.coins)).
		When(&Burn{PositionID: "alice", AccountID: "alice", Amount: 50, Reference: "b-1"}).
		ThenFailedAt("release-collateral").
		ThenError(keel.NewDomainError(accounts.CodeFrozen, "")).
		ThenCompensated("burn")

	p := e.position(t, "alice")
	assert.Equal(t, int64(100), p.Supply)
	assert.Equal(t, int64(150), p.Collateral)
	assert.Equal(t, int64(850), e.balance(t, "alice"))
}
