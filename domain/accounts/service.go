package accounts

import (
	"context"

	"github.com/keelhq/keel"
)

// Movement is the recorded outcome of a deposit or withdrawal. Sagas keep it
// so a compensation reverses exactly what was booked.
type Movement struct {
	AccountID string
	Amount    int64
	Currency  string
	Version   int64
}

// Service runs account commands against one partition.
type Service struct {
	repo *keel.AggregateRepository[*Account]
}

// NewService creates a service bound to partition p and registers the
// account events with the store.
func NewService(store *keel.EventStore, p keel.Partition, opts ...keel.RepositoryOption) (*Service, error) {
	store.RegisterEvents(Events()...)
	repo, err := keel.NewAggregateRepository(store, p, New, opts...)
	if err != nil {
		return nil, err
	}
	return &Service{repo: repo}, nil
}

// Repository returns the underlying repository.
func (s *Service) Repository() *keel.AggregateRepository[*Account] {
	return s.repo
}

// Get returns the current state of an account.
func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	return s.repo.Retrieve(ctx, id)
}

// Open creates an account.
func (s *Service) Open(ctx context.Context, id, owner, currency string) (*Account, error) {
	return s.repo.Execute(ctx, id, func(a *Account) error {
		return a.Open(owner, currency)
	})
}

// Deposit credits an account. currency must match the account's.
func (s *Service) Deposit(ctx context.Context, id string, amount int64, currency, reference string) (Movement, error) {
	a, err := s.repo.Execute(ctx, id, func(a *Account) error {
		return a.Deposit(amount, currency, reference)
	})
	if err != nil {
		return Movement{}, err
	}
	return Movement{AccountID: id, Amount: amount, Currency: a.Currency, Version: a.Version()}, nil
}

// Withdraw debits an account. currency must match the account's.
func (s *Service) Withdraw(ctx context.Context, id string, amount int64, currency, reference string) (Movement, error) {
	a, err := s.repo.Execute(ctx, id, func(a *Account) error {
		return a.Withdraw(amount, currency, reference)
	})
	if err != nil {
		return Movement{}, err
	}
	return Movement{AccountID: id, Amount: amount, Currency: a.Currency, Version: a.Version()}, nil
}

// Currency returns the currency an open account holds.
func (s *Service) Currency(ctx context.Context, id string) (string, error) {
	a, err := s.repo.Retrieve(ctx, id)
	if err != nil {
		return "", err
	}
	if !a.IsOpen() {
		return "", keel.NewDomainError(CodeNotOpen, "account %s is not open", id)
	}
	return a.Currency, nil
}

// Freeze blocks an account.
func (s *Service) Freeze(ctx context.Context, id, reason string) error {
	_, err := s.repo.Execute(ctx, id, func(a *Account) error {
		return a.Freeze(reason)
	})
	return err
}
