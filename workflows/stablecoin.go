package workflows

import (
	"context"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/domain/accounts"
	"github.com/keelhq/keel/domain/stablecoin"
)

const (
	MintSaga = "stablecoin-mint"
	BurnSaga = "stablecoin-burn"
)

// Mint is the state of issuing stablecoin against collateral held in an
// account.
type Mint struct {
	PositionID string
	AccountID  string
	Amount     int64
	Collateral int64
	Reference  string
	// Currency of the collateral, by default the account's.
	Currency string

	Locked accounts.Movement
	Issued stablecoin.Issuance
}

// NewMint locks collateral by withdrawing it from the account, then mints.
func NewMint(accts *accounts.Service, coins *stablecoin.Service, opts ...Option) *keel.Saga[Mint] {
	o := newOptions(opts)

	return keel.NewSaga(MintSaga,
		keel.NewStep("lock-collateral",
			func(ctx context.Context, s *Mint) (accounts.Movement, error) {
				currency, err := resolveCurrency(ctx, accts, s.AccountID, s.Currency)
				if err != nil {
					return accounts.Movement{}, err
				}
				m, err := accts.Withdraw(ctx, s.AccountID, s.Collateral, currency, s.Reference)
				s.Locked = m
				return m, err
			},
			func(ctx context.Context, s *Mint, m accounts.Movement) error {
				_, err := accts.Deposit(ctx, m.AccountID, m.Amount, m.Currency, s.Reference+":unlock")
				return err
			}),
		keel.NewStep("mint",
			func(ctx context.Context, s *Mint) (stablecoin.Issuance, error) {
				i, err := coins.Mint(ctx, s.PositionID, s.Amount, s.Locked.Amount, s.Reference)
				s.Issued = i
				return i, err
			},
			func(ctx context.Context, s *Mint, i stablecoin.Issuance) error {
				_, err := coins.Burn(ctx, i.PositionID, i.Amount, s.Reference+":reversal")
				return err
			}),
		notifyStep(o, func(s *Mint) Notification {
			return Notification{Workflow: MintSaga, Reference: s.Reference, Amount: s.Issued.Amount}
		}),
	).Configure(o.sagaOpts...)
}

// Burn is the state of retiring stablecoin and returning the released
// collateral to an account.
type Burn struct {
	PositionID string
	AccountID  string
	Amount     int64
	Reference  string
	// Currency of the collateral, by default the account's.
	Currency string

	Burned   stablecoin.Issuance
	Released accounts.Movement
}

// NewBurn burns, then deposits the collateral the burn released. Undoing the
// burn mints the same amount back against the collateral it released.
func NewBurn(accts *accounts.Service, coins *stablecoin.Service, opts ...Option) *keel.Saga[Burn] {
	o := newOptions(opts)

	return keel.NewSaga(BurnSaga,
		keel.NewStep("burn",
			func(ctx context.Context, s *Burn) (stablecoin.Issuance, error) {
				i, err := coins.Burn(ctx, s.PositionID, s.Amount, s.Reference)
				s.Burned = i
				return i, err
			},
			func(ctx context.Context, s *Burn, i stablecoin.Issuance) error {
				_, err := coins.Mint(ctx, i.PositionID, i.Amount, i.Collateral, s.Reference+":reversal")
				return err
			}),
		keel.NewStep("release-collateral",
			func(ctx context.Context, s *Burn) (accounts.Movement, error) {
				currency, err := resolveCurrency(ctx, accts, s.AccountID, s.Currency)
				if err != nil {
					return accounts.Movement{}, err
				}
				m, err := accts.Deposit(ctx, s.AccountID, s.Burned.Collateral, currency, s.Reference)
				s.Released = m
				return m, err
			},
			func(ctx context.Context, s *Burn, m accounts.Movement) error {
				_, err := accts.Withdraw(ctx, m.AccountID, m.Amount, m.Currency, s.Reference+":relock")
				return err
			}),
		notifyStep(o, func(s *Burn) Notification {
			return Notification{Workflow: BurnSaga, Reference: s.Reference, Amount: s.Burned.Amount}
		}),
	).Configure(o.sagaOpts...)
}
