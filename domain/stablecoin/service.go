package stablecoin

import (
	"context"

	"github.com/keelhq/keel"
)

// Issuance is the recorded outcome of a mint or burn.
type Issuance struct {
	PositionID string
	Amount     int64
	Collateral int64
}

// Service runs position commands against one partition.
type Service struct {
	repo *keel.AggregateRepository[*Position]
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

// Get returns the current state of a position.
func (s *Service) Get(ctx context.Context, id string) (*Position, error) {
	return s.repo.Retrieve(ctx, id)
}

// Mint issues amount against collateral.
func (s *Service) Mint(ctx context.Context, id string, amount, collateral int64, reference string) (Issuance, error) {
	_, err := s.repo.Execute(ctx, id, func(p *Position) error {
		return p.Mint(amount, collateral, reference)
	})
	if err != nil {
		return Issuance{}, err
	}
	return Issuance{PositionID: id, Amount: amount, Collateral: collateral}, nil
}

// Burn retires amount and reports the collateral released.
func (s *Service) Burn(ctx context.Context, id string, amount int64, reference string) (Issuance, error) {
	var released int64
	_, err := s.repo.Execute(ctx, id, func(p *Position) error {
		if err := p.Burn(amount, reference); err != nil {
			return err
		}
		events := p.UncommittedEvents()
		released = events[len(events)-1].(StablecoinBurned).CollateralReleased
		return nil
	})
	if err != nil {
		return Issuance{}, err
	}
	return Issuance{PositionID: id, Amount: amount, Collateral: released}, nil
}
