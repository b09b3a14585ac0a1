package lending

import (
	"context"

	"github.com/keelhq/keel"
)

// Service runs loan commands against one partition.
type Service struct {
	repo *keel.AggregateRepository[*Loan]
}

// NewService creates a service bound to partition p.
func NewService(store *keel.EventStore, p keel.Partition, opts ...keel.RepositoryOption) (*Service, error) {
	store.RegisterEvents(Events()...)
	repo, err := keel.NewAggregateRepository(store, p, New, opts...)
	if err != nil {
		return nil, err
	}
	return &Service{repo: repo}, nil
}

// Repository returns the underlying repository.
func (s *Service) Repository() *keel.AggregateRepository[*Loan] {
	return s.repo
}

// Get returns the current state of a loan.
func (s *Service) Get(ctx context.Context, id string) (*Loan, error) {
	return s.repo.Retrieve(ctx, id)
}

func (s *Service) Request(ctx context.Context, id, borrower, accountID string, principal int64, currency string) (*Loan, error) {
	return s.repo.Execute(ctx, id, func(l *Loan) error {
		return l.Request(borrower, accountID, principal, currency)
	})
}

func (s *Service) Approve(ctx context.Context, id, approvedBy string) (*Loan, error) {
	return s.repo.Execute(ctx, id, func(l *Loan) error {
		return l.Approve(approvedBy)
	})
}

// Disburse marks the loan disbursed and returns the amount recorded.
func (s *Service) Disburse(ctx context.Context, id, transferID string) (int64, error) {
	l, err := s.repo.Execute(ctx, id, func(l *Loan) error {
		return l.Disburse(transferID)
	})
	if err != nil {
		return 0, err
	}
	return l.Disbursed, nil
}

func (s *Service) ReverseDisbursement(ctx context.Context, id string, amount int64, reason string) error {
	_, err := s.repo.Execute(ctx, id, func(l *Loan) error {
		return l.ReverseDisbursement(amount, reason)
	})
	return err
}

func (s *Service) Repay(ctx context.Context, id string, amount int64) (*Loan, error) {
	return s.repo.Execute(ctx, id, func(l *Loan) error {
		return l.Repay(amount)
	})
}
