package workflows

import (
	"context"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/domain/accounts"
	"github.com/keelhq/keel/domain/treasury"
)

// ConversionSaga is the saga name of NewConversion.
const ConversionSaga = "currency-conversion"

// Conversion is the state of converting funds between two accounts held in
// different currencies through a liquidity pool.
type Conversion struct {
	ConversionID string
	PoolID       string
	FromAccount  string
	ToAccount    string
	ToCurrency   string
	Amount       int64
	// FromCurrency defaults to the currency of FromAccount.
	FromCurrency string

	Debited   accounts.Movement
	Converted treasury.CurrencyConverted
	Credited  accounts.Movement
}

// NewConversion debits the source account, converts in the pool at the
// quoted rate and credits the converted amount to the target account. The
// credit and its reversal use the amount the pool actually paid out, so a
// rate change between the two has no effect. The target account must hold
// the currency the pool paid out.
func NewConversion(accts *accounts.Service, pools *treasury.Service, opts ...Option) *keel.Saga[Conversion] {
	o := newOptions(opts)

	return keel.NewSaga(ConversionSaga,
		keel.NewStep("debit",
			func(ctx context.Context, s *Conversion) (accounts.Movement, error) {
				currency, err := resolveCurrency(ctx, accts, s.FromAccount, s.FromCurrency)
				if err != nil {
					return accounts.Movement{}, err
				}
				m, err := accts.Withdraw(ctx, s.FromAccount, s.Amount, currency, s.ConversionID)
				s.Debited = m
				return m, err
			},
			func(ctx context.Context, s *Conversion, m accounts.Movement) error {
				_, err := accts.Deposit(ctx, m.AccountID, m.Amount, m.Currency, s.ConversionID+":refund")
				return err
			}),
		keel.NewStep("convert",
			func(ctx context.Context, s *Conversion) (treasury.CurrencyConverted, error) {
				c, err := pools.Convert(ctx, s.PoolID, s.ConversionID, s.Debited.Currency, s.ToCurrency, s.Debited.Amount)
				s.Converted = c
				return c, err
			},
			func(ctx context.Context, s *Conversion, c treasury.CurrencyConverted) error {
				return pools.ReverseConversion(ctx, s.PoolID, c.ConversionID)
			}),
		keel.NewStep("credit",
			func(ctx context.Context, s *Conversion) (accounts.Movement, error) {
				m, err := accts.Deposit(ctx, s.ToAccount, s.Converted.AmountOut, s.Converted.To, s.ConversionID)
				s.Credited = m
				return m, err
			},
			func(ctx context.Context, s *Conversion, m accounts.Movement) error {
				_, err := accts.Withdraw(ctx, m.AccountID, m.Amount, m.Currency, s.ConversionID+":reversal")
				return err
			}),
		notifyStep(o, func(s *Conversion) Notification {
			return Notification{
				Workflow:  ConversionSaga,
				Reference: s.ConversionID,
				Amount:    s.Credited.Amount,
				Currency:  s.ToCurrency,
			}
		}),
	).Configure(o.sagaOpts...)
}
