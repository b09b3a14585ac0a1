package workflows

import (
	"context"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/domain/accounts"
)

// TransferSaga is the saga name of NewTransfer.
const TransferSaga = "transfer"

// Transfer is the state of a transfer between two accounts.
type Transfer struct {
	TransferID string
	From       string
	To         string
	Amount     int64
	// Currency defaults to the currency of From. To must hold the same one.
	Currency string

	Withdrawn accounts.Movement
	Deposited accounts.Movement
}

// NewTransfer moves Amount from From to To, then notifies. If a step fails,
// the deposit is taken back from To and the withdrawal returned to From. A
// target account in another currency rejects the deposit.
func NewTransfer(accts *accounts.Service, opts ...Option) *keel.Saga[Transfer] {
	o := newOptions(opts)

	return keel.NewSaga(TransferSaga,
		keel.NewStep("withdraw",
			func(ctx context.Context, s *Transfer) (accounts.Movement, error) {
				currency, err := resolveCurrency(ctx, accts, s.From, s.Currency)
				if err != nil {
					return accounts.Movement{}, err
				}
				m, err := accts.Withdraw(ctx, s.From, s.Amount, currency, s.TransferID)
				s.Withdrawn = m
				return m, err
			},
			func(ctx context.Context, s *Transfer, m accounts.Movement) error {
				_, err := accts.Deposit(ctx, m.AccountID, m.Amount, m.Currency, s.TransferID+":refund")
				return err
			}),
		keel.NewStep("deposit",
			func(ctx context.Context, s *Transfer) (accounts.Movement, error) {
				m, err := accts.Deposit(ctx, s.To, s.Withdrawn.Amount, s.Withdrawn.Currency, s.TransferID)
				s.Deposited = m
				return m, err
			},
			func(ctx context.Context, s *Transfer, m accounts.Movement) error {
				_, err := accts.Withdraw(ctx, m.AccountID, m.Amount, m.Currency, s.TransferID+":reversal")
				return err
			}),
		notifyStep(o, func(s *Transfer) Notification {
			return Notification{
				Workflow:  TransferSaga,
				Reference: s.TransferID,
				Amount:    s.Deposited.Amount,
				Currency:  s.Deposited.Currency,
			}
		}),
	).Configure(o.sagaOpts...)
}
