package keel

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type WalletView struct {
	ID      string `json:"id"`
	Owner   string `json:"owner"`
	Balance int64  `json:"balance"`
	Frozen  bool   `json:"frozen"`
}

func walletViews(t *testing.T) *InMemoryRepository[WalletView] {
	t.Helper()
	repo := NewInMemoryRepository(func(v *WalletView) string { return v.ID })
	ctx := context.Background()
	for _, v := range []*WalletView{
		{ID: "w1", Owner: "ana", Balance: 100},
		{ID: "w2", Owner: "bob", Balance: 20, Frozen: true},
		{ID: "w3", Owner: "anya", Balance: 55},
		{ID: "w4", Owner: "cid", Balance: 55},
	} {
		require.NoError(t, repo.Insert(ctx, v))
	}
	return repo
}

func ids(views []*WalletView) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.ID
	}
	return out
}

func TestInMemoryRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	repo := walletViews(t)

	v, err := repo.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "ana", v.Owner)

	_, err = repo.Get(ctx, "w9")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, repo.Insert(ctx, &WalletView{ID: "w1"}), ErrAlreadyExists)

	require.NoError(t, repo.Update(ctx, "w1", func(v *WalletView) { v.Balance += 5 }))
	v, err = repo.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, int64(105), v.Balance)
	assert.ErrorIs(t, repo.Update(ctx, "w9", func(*WalletView) {}), ErrNotFound)

	require.NoError(t, repo.Upsert(ctx, &WalletView{ID: "w9", Owner: "zed"}))
	assert.Equal(t, 5, repo.Len())

	require.NoError(t, repo.Delete(ctx, "w9"))
	assert.ErrorIs(t, repo.Delete(ctx, "w9"), ErrNotFound)

	require.NoError(t, repo.Clear(ctx))
	assert.Zero(t, repo.Len())
}

func TestInMemoryRepository_Find(t *testing.T) {
	ctx := context.Background()
	repo := walletViews(t)

	tests := []struct {
		name  string
		query *Query
		want  []string
	}{
		{"all by id", NewQuery(), []string{"w1", "w2", "w3", "w4"}},
		{"eq by json tag", NewQuery().Where("owner", FilterOpEq, "bob"), []string{"w2"}},
		{"gte by field name", NewQuery().Where("Balance", FilterOpGte, 55), []string{"w1", "w3", "w4"}},
		{"lt", NewQuery().Where("balance", FilterOpLt, int64(55)), []string{"w2"}},
		{"ne bool", NewQuery().Where("frozen", FilterOpNe, true), []string{"w1", "w3", "w4"}},
		{"in", NewQuery().Where("owner", FilterOpIn, []string{"cid", "ana"}), []string{"w1", "w4"}},
		{"prefix", NewQuery().Where("owner", FilterOpPrefix, "an"), []string{"w1", "w3"}},
		{"combined", NewQuery().Where("owner", FilterOpPrefix, "an").Where("balance", FilterOpGt, 60), []string{"w1"}},
		{"order desc then id", NewQuery().OrderByDesc("balance"), []string{"w1", "w3", "w4", "w2"}},
		{"order two keys", NewQuery().OrderByAsc("balance").OrderByDesc("owner"), []string{"w2", "w4", "w3", "w1"}},
		{"paging", NewQuery().OrderByAsc("balance").WithOffset(1).WithLimit(2), []string{"w3", "w4"}},
		{"offset past end", NewQuery().WithOffset(10), []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.Find(ctx, tt.query.Build())
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}

	t.Run("count ignores paging", func(t *testing.T) {
		n, err := repo.Count(ctx, NewQuery().Where("balance", FilterOpGte, 55).WithLimit(1).Build())
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("invalid queries", func(t *testing.T) {
		for _, q := range []*Query{
			NewQuery().Where("missing", FilterOpEq, 1),
			NewQuery().Where("owner", FilterOpEq, 1),
			NewQuery().Where("owner", FilterOpIn, "ana"),
			NewQuery().Where("balance", FilterOpPrefix, "1"),
			NewQuery().Where("owner", FilterOp("LIKE"), "a"),
			NewQuery().OrderByAsc("missing"),
		} {
			_, err := repo.Find(ctx, q.Build())
			assert.ErrorIs(t, err, ErrInvalidQuery)
		}
	})
}

// walletViewProjection keeps WalletView read models in sync with wallet events.
type walletViewProjection struct {
	ProjectionBase
	views *InMemoryRepository[WalletView]
}

func (p *walletViewProjection) Apply(ctx context.Context, event StoredEvent) error {
	id := event.StreamID
	switch event.Type {
	case "WalletOpened":
		var e WalletOpened
		if err := json.Unmarshal(event.Data, &e); err != nil {
			return err
		}
		return p.views.Upsert(ctx, &WalletView{ID: id, Owner: e.Owner})
	case "WalletCredited":
		var e WalletCredited
		if err := json.Unmarshal(event.Data, &e); err != nil {
			return err
		}
		return p.views.Update(ctx, id, func(v *WalletView) { v.Balance += e.Amount })
	case "WalletDebited":
		var e WalletDebited
		if err := json.Unmarshal(event.Data, &e); err != nil {
			return err
		}
		return p.views.Update(ctx, id, func(v *WalletView) { v.Balance -= e.Amount })
	}
	return nil
}

func TestReadModelProjection(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	seedWallets(t, newTestLog(store))

	views := NewInMemoryRepository(func(v *WalletView) string { return v.ID })
	engine := newTestEngine(t, store)
	require.NoError(t, engine.Register(&walletViewProjection{
		ProjectionBase: NewProjectionBase("wallet-views"),
		views:          views,
	}))
	require.NoError(t, engine.CatchUp(ctx))

	a, err := views.Get(ctx, "Wallet-a")
	require.NoError(t, err)
	assert.Equal(t, int64(6), a.Balance)

	rich, err := views.Find(ctx, NewQuery().Where("balance", FilterOpGt, 0).Build())
	require.NoError(t, err)
	assert.Equal(t, []string{"Wallet-a"}, ids(rich))
}
