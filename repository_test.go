package keel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateRepository_RetrieveNew(t *testing.T) {
	store, _ := newTestStore()
	repo := newWalletRepo(store, testPartition)

	w, err := repo.Retrieve(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, "w1", w.AggregateID())
	assert.Equal(t, int64(0), w.Version())
	assert.False(t, w.HasUncommittedEvents())
}

func TestAggregateRepository_PersistAndRetrieve(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	repo := newWalletRepo(store, testPartition)

	w := newWallet("w1")
	require.NoError(t, w.Open("ana"))
	require.NoError(t, w.Credit(100))
	require.NoError(t, repo.Persist(ctx, w))

	assert.Equal(t, int64(2), w.Version())
	assert.False(t, w.HasUncommittedEvents())

	loaded, err := repo.Retrieve(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "ana", loaded.Owner)
	assert.Equal(t, int64(100), loaded.Balance)
	assert.Equal(t, int64(2), loaded.Version())

	t.Run("nothing pending is a no-op", func(t *testing.T) {
		require.NoError(t, repo.Persist(ctx, loaded))
		assert.Equal(t, int64(2), loaded.Version())
	})

	t.Run("stale aggregate conflicts and stays untouched", func(t *testing.T) {
		stale, err := repo.Retrieve(ctx, "w1")
		require.NoError(t, err)
		fresh, err := repo.Retrieve(ctx, "w1")
		require.NoError(t, err)

		require.NoError(t, fresh.Credit(1))
		require.NoError(t, repo.Persist(ctx, fresh))

		require.NoError(t, stale.Debit(10))
		err = repo.Persist(ctx, stale)
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
		assert.Equal(t, int64(2), stale.Version())
		assert.Len(t, stale.UncommittedEvents(), 1)
	})
}

func TestAggregateRepository_Snapshots(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	repo := newWalletRepo(store, testPartition, WithSnapshotPolicy(EveryNEvents(50)))

	w := newWallet("w1")
	require.NoError(t, w.Open("ana"))
	for i := 0; i < 49; i++ {
		require.NoError(t, w.Credit(2))
	}
	require.NoError(t, repo.Persist(ctx, w))
	require.Equal(t, int64(50), w.Version())

	snap, err := repo.Snapshots().Latest(ctx, repo.StreamID("w1"))
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(50), snap.Version)

	for i := 0; i < 5; i++ {
		w, err := repo.Retrieve(ctx, "w1")
		require.NoError(t, err)
		require.NoError(t, w.Credit(1))
		require.NoError(t, repo.Persist(ctx, w))
	}

	loaded, err := repo.Retrieve(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(55), loaded.Version())
	assert.Equal(t, 5, loaded.Applied, "only events after the snapshot are replayed")
	assert.Equal(t, int64(50), loaded.SnapshotVersion())

	events, err := repo.Log().Load(ctx, repo.StreamID("w1"), 0)
	require.NoError(t, err)
	replayed, err := Rehydrate(newWallet, "w1", nil, events)
	require.NoError(t, err)

	assert.Equal(t, replayed.Version(), loaded.Version())
	assert.Equal(t, replayed.Balance, loaded.Balance)
	assert.Equal(t, replayed.Owner, loaded.Owner)
	assert.Equal(t, 55, replayed.Applied)
}

func TestAggregateRepository_CorruptSnapshotFallsBackToReplay(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()
	store, _ := newTestStore()
	repo := newWalletRepo(store, testPartition, WithRepositoryLogger(logger))

	w := newWallet("w1")
	require.NoError(t, w.Open("ana"))
	require.NoError(t, w.Credit(7))
	require.NoError(t, repo.Persist(ctx, w))

	require.NoError(t, repo.Snapshots().Save(ctx, repo.StreamID("w1"), 2, []byte("{not json")))

	loaded, err := repo.Retrieve(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), loaded.Balance)
	assert.Equal(t, 2, loaded.Applied)
	assert.NotEmpty(t, logger.warnings())
}

func TestAggregateRepository_SchemaDrift(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		register bool
	}{
		{name: "event type not registered", register: false},
		{name: "event type not applied by aggregate", register: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newTestStore()
			if tt.register {
				store.RegisterEvents(WalletRenamed{})
			}
			repo := newWalletRepo(store, testPartition)

			_, err := repo.Log().Append(ctx, repo.StreamID("w1"), NoStream,
				WalletOpened{Owner: "ana"}, WalletRenamed{Name: "x"}, WalletCredited{Amount: 1})
			require.NoError(t, err)

			_, err = repo.Retrieve(ctx, "w1")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSchemaDrift)

			var drift *SchemaDriftError
			require.True(t, errors.As(err, &drift))
			assert.Equal(t, "WalletRenamed", drift.EventType)
			assert.Equal(t, repo.StreamID("w1"), drift.StreamID)
			assert.Equal(t, int64(2), drift.Version)
		})
	}
}

func TestAggregateRepository_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("applies and persists", func(t *testing.T) {
		store, _ := newTestStore()
		repo := newWalletRepo(store, testPartition)

		w, err := repo.Execute(ctx, "w1", func(w *wallet) error { return w.Open("ana") })
		require.NoError(t, err)
		assert.Equal(t, int64(1), w.Version())
	})

	t.Run("domain errors are returned without persisting", func(t *testing.T) {
		store, adapter := newTestStore()
		repo := newWalletRepo(store, testPartition, WithConflictRetries(3))

		calls := 0
		_, err := repo.Execute(ctx, "w1", func(w *wallet) error {
			calls++
			return w.Debit(10)
		})
		assert.ErrorIs(t, err, &DomainError{Code: "insufficient_funds"})
		assert.True(t, IsDomainError(err))
		assert.Equal(t, 1, calls)
		assert.Equal(t, 0, adapter.EventCount(testPartition))
	})

	t.Run("conflicts are retried with fresh state", func(t *testing.T) {
		store, _ := newTestStore()
		repo := newWalletRepo(store, testPartition, WithConflictRetries(2))
		_, err := repo.Execute(ctx, "w1", func(w *wallet) error {
			if err := w.Open("ana"); err != nil {
				return err
			}
			return w.Credit(40)
		})
		require.NoError(t, err)

		calls := 0
		var balances []int64
		w, err := repo.Execute(ctx, "w1", func(w *wallet) error {
			calls++
			if calls == 1 {
				// A concurrent writer slips in between load and persist.
				_, err := repo.Log().Append(ctx, repo.StreamID("w1"), 2, WalletCredited{Amount: 50})
				require.NoError(t, err)
			}
			if err := w.Debit(30); err != nil {
				return err
			}
			balances = append(balances, w.Balance)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.Equal(t, []int64{10, 60}, balances)
		assert.Equal(t, int64(60), w.Balance)
		assert.Equal(t, int64(4), w.Version())
	})

	t.Run("gives up after the configured retries", func(t *testing.T) {
		store, _ := newTestStore()
		repo := newWalletRepo(store, testPartition, WithConflictRetries(1))
		_, err := repo.Execute(ctx, "w1", func(w *wallet) error { return w.Open("ana") })
		require.NoError(t, err)

		calls := 0
		_, err = repo.Execute(ctx, "w1", func(w *wallet) error {
			calls++
			_, err := repo.Log().Append(ctx, repo.StreamID("w1"), w.Version(), WalletCredited{Amount: 1})
			require.NoError(t, err)
			return w.Credit(1)
		})
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
		assert.Equal(t, 2, calls)
	})
}

func TestAggregateRepository_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	store, adapter := newTestStore()

	registry := NewTenantRegistry("wallets", func(p Partition) (*AggregateRepository[*wallet], error) {
		return NewAggregateRepository(store, p, newWallet)
	})

	acme, err := registry.Get("acme")
	require.NoError(t, err)
	_, err = acme.Execute(ctx, "w1", func(w *wallet) error {
		if err := w.Open("acme"); err != nil {
			return err
		}
		return w.Credit(100)
	})
	require.NoError(t, err)

	globex, err := registry.FromContext(WithTenantID(ctx, "globex"))
	require.NoError(t, err)
	w, err := globex.Retrieve(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.Version())
	assert.Zero(t, w.Balance)

	again, err := registry.Get("acme")
	require.NoError(t, err)
	assert.Same(t, acme, again)
	assert.Equal(t, 2, registry.Len())

	assert.Equal(t, 2, adapter.EventCount(TenantPartition("acme", "wallets")))
	assert.Equal(t, 0, adapter.EventCount(TenantPartition("globex", "wallets")))

	_, err = registry.Get("")
	assert.ErrorIs(t, err, ErrTenantRequired)
	_, err = registry.Get("../other")
	assert.ErrorIs(t, err, ErrInvalidPartition)
}
