package treasury

import (
	"context"

	"github.com/keelhq/keel"
)

// Service runs pool commands against one partition.
type Service struct {
	repo  *keel.AggregateRepository[*Pool]
	rates RatePolicy
}

// NewService creates a service bound to partition p that prices conversions
// with rates.
func NewService(store *keel.EventStore, p keel.Partition, rates RatePolicy, opts ...keel.RepositoryOption) (*Service, error) {
	store.RegisterEvents(Events()...)
	repo, err := keel.NewAggregateRepository(store, p, New, opts...)
	if err != nil {
		return nil, err
	}
	return &Service{repo: repo, rates: rates}, nil
}

// Get returns the current state of a pool.
func (s *Service) Get(ctx context.Context, id string) (*Pool, error) {
	return s.repo.Retrieve(ctx, id)
}

// ProvideLiquidity adds reserves to a pool.
func (s *Service) ProvideLiquidity(ctx context.Context, poolID, currency string, amount int64) error {
	_, err := s.repo.Execute(ctx, poolID, func(p *Pool) error {
		return p.ProvideLiquidity(currency, amount)
	})
	return err
}

// Convert quotes the pair and converts amountIn. The returned event holds
// the amount actually paid out.
func (s *Service) Convert(ctx context.Context, poolID, conversionID, from, to string, amountIn int64) (CurrencyConverted, error) {
	rate, err := s.rates.Quote(ctx, from, to)
	if err != nil {
		return CurrencyConverted{}, err
	}

	var converted CurrencyConverted
	_, err = s.repo.Execute(ctx, poolID, func(p *Pool) error {
		var err error
		converted, err = p.Convert(conversionID, from, to, amountIn, rate)
		return err
	})
	if err != nil {
		return CurrencyConverted{}, err
	}
	return converted, nil
}

// ReverseConversion undoes a conversion with its recorded amounts.
func (s *Service) ReverseConversion(ctx context.Context, poolID, conversionID string) error {
	_, err := s.repo.Execute(ctx, poolID, func(p *Pool) error {
		return p.ReverseConversion(conversionID)
	})
	return err
}
