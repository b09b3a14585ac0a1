// Package projections holds read models built by the projection engine.
package projections

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/domain/accounts"
)

// BalancesProjection is the name the balances projection checkpoints under.
const BalancesProjection = "balances"

// Balance is the read model of one account.
type Balance struct {
	Key       string    `json:"key"`
	Partition string    `json:"partition"`
	AccountID string    `json:"accountId"`
	Owner     string    `json:"owner"`
	Currency  string    `json:"currency"`
	Balance   int64     `json:"balance"`
	Frozen    bool      `json:"frozen"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func balanceKey(partition, accountID string) string {
	return partition + "/" + accountID
}

// Balances keeps account balances per partition. One instance may be
// registered with the engines of several partitions.
//
// Events are applied at least once; an event at or below the version already
// applied to an account is ignored.
type Balances struct {
	keel.ProjectionBase
	serializer keel.Serializer
	repo       keel.ReadModelRepository[Balance]
}

// BalancesOption configures Balances.
type BalancesOption func(*Balances)

// WithBalanceRepository stores balances in repo instead of memory.
func WithBalanceRepository(repo keel.ReadModelRepository[Balance]) BalancesOption {
	return func(b *Balances) {
		b.repo = repo
	}
}

// NewBalances creates the projection. serializer must know the account
// events, which is the case for the store an accounts.Service was created on.
func NewBalances(serializer keel.Serializer, opts ...BalancesOption) *Balances {
	b := &Balances{
		ProjectionBase: keel.NewProjectionBase(BalancesProjection,
			"AccountOpened", "FundsDeposited", "FundsWithdrawn", "AccountFrozen"),
		serializer: serializer,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.repo == nil {
		b.repo = keel.NewInMemoryRepository(func(b *Balance) string { return b.Key })
	}
	return b
}

// Apply folds one account event into the read model.
func (b *Balances) Apply(ctx context.Context, event keel.StoredEvent) error {
	accountID, ok := strings.CutPrefix(event.StreamID, accounts.AggregateType+"-")
	if !ok {
		return nil
	}
	partition := ""
	if p, ok := keel.PartitionFromContext(ctx); ok {
		partition = p.Key()
	}
	key := balanceKey(partition, accountID)

	data, err := b.serializer.Deserialize(event.Data, event.Type)
	if err != nil {
		return err
	}

	if opened, ok := data.(accounts.AccountOpened); ok {
		err := b.repo.Insert(ctx, &Balance{
			Key:       key,
			Partition: partition,
			AccountID: accountID,
			Owner:     opened.Owner,
			Currency:  opened.Currency,
			Version:   event.Version,
			UpdatedAt: event.Timestamp,
		})
		if errors.Is(err, keel.ErrAlreadyExists) {
			return nil
		}
		return err
	}

	var applyErr error
	err = b.repo.Update(ctx, key, func(m *Balance) {
		if event.Version <= m.Version {
			return
		}
		switch e := data.(type) {
		case accounts.FundsDeposited:
			m.Balance += e.Amount
		case accounts.FundsWithdrawn:
			m.Balance -= e.Amount
		case accounts.AccountFrozen:
			m.Frozen = true
		default:
			applyErr = keel.NewSchemaDriftError(accounts.AggregateType, data)
			return
		}
		m.Version = event.Version
		m.UpdatedAt = event.Timestamp
	})
	if errors.Is(err, keel.ErrNotFound) {
		return fmt.Errorf("projections: %s for unknown account %s: %w", event.Type, key, err)
	}
	if err != nil {
		return err
	}
	return applyErr
}

// Get returns the balance of an account in partition p.
func (b *Balances) Get(ctx context.Context, p keel.Partition, accountID string) (*Balance, error) {
	return b.repo.Get(ctx, balanceKey(p.Key(), accountID))
}

// List returns the balances of partition p ordered by account ID.
func (b *Balances) List(ctx context.Context, p keel.Partition) ([]*Balance, error) {
	q := keel.NewQuery().
		Where("Partition", keel.FilterOpEq, p.Key()).
		OrderByAsc("AccountID")
	return b.repo.Find(ctx, q.Build())
}

// Total returns the sum of the balances held in currency in partition p.
func (b *Balances) Total(ctx context.Context, p keel.Partition, currency string) (int64, error) {
	q := keel.NewQuery().
		Where("Partition", keel.FilterOpEq, p.Key()).
		Where("Currency", keel.FilterOpEq, currency)
	found, err := b.repo.Find(ctx, q.Build())
	if err != nil {
		return 0, err
	}
	var total int64
	for _, m := range found {
		total += m.Balance
	}
	return total, nil
}

// Reset drops every balance so the projection can be rebuilt from position 0.
func (b *Balances) Reset(ctx context.Context) error {
	return b.repo.Clear(ctx)
}
