// Package accounts holds customer and internal accounts: a balance in one
// currency that can be credited, debited and frozen.
package accounts

import (
	"math"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/keelhq/keel"
)

// AggregateType is the stream prefix of account streams.
const AggregateType = "Account"

// Domain is the partition domain accounts are stored in.
const Domain = "accounts"

// Error codes returned as keel.DomainError.
const (
	CodeAlreadyOpen       = "account_already_open"
	CodeNotOpen           = "account_not_open"
	CodeFrozen            = "account_frozen"
	CodeInvalidAmount     = "invalid_amount"
	CodeInsufficientFunds = "insufficient_funds"
	CodeCurrencyMismatch  = "currency_mismatch"
	CodeBalanceOverflow   = "balance_overflow"
)

// AccountOpened is recorded once, when the account is created.
type AccountOpened struct {
	Owner    string `json:"owner" msgpack:"owner"`
	Currency string `json:"currency" msgpack:"currency"`
}

// FundsDeposited credits the account.
type FundsDeposited struct {
	Amount    int64  `json:"amount" msgpack:"amount"`
	Reference string `json:"reference,omitempty" msgpack:"reference"`
}

// FundsWithdrawn debits the account.
type FundsWithdrawn struct {
	Amount    int64  `json:"amount" msgpack:"amount"`
	Reference string `json:"reference,omitempty" msgpack:"reference"`
}

// AccountFrozen blocks further deposits and withdrawals.
type AccountFrozen struct {
	Reason string `json:"reason" msgpack:"reason"`
}

// Events returns a zero value of every account event, for registration.
func Events() []interface{} {
	return []interface{}{AccountOpened{}, FundsDeposited{}, FundsWithdrawn{}, AccountFrozen{}}
}

// Account is an event-sourced balance. Amounts are in minor units.
type Account struct {
	keel.AggregateBase

	Owner    string
	Currency string
	Balance  int64
	Frozen   bool
	opened   bool
}

// New returns an empty account with the given ID.
func New(id string) *Account {
	return &Account{AggregateBase: keel.NewAggregateBase(id, AggregateType)}
}

// IsOpen reports whether the account has been opened.
func (a *Account) IsOpen() bool {
	return a.opened
}

// Open creates the account.
func (a *Account) Open(owner, currency string) error {
	if a.opened {
		return keel.NewDomainError(CodeAlreadyOpen, "account %s is already open", a.AggregateID())
	}
	return a.record(AccountOpened{Owner: owner, Currency: currency})
}

// Deposit credits amount, which must be in the account's currency.
func (a *Account) Deposit(amount int64, currency, reference string) error {
	if err := a.checkActive(amount, currency); err != nil {
		return err
	}
	if a.Balance > math.MaxInt64-amount {
		return keel.NewDomainError(CodeBalanceOverflow,
			"account %s cannot hold %d %s more", a.AggregateID(), amount, a.Currency)
	}
	return a.record(FundsDeposited{Amount: amount, Reference: reference})
}

// Withdraw debits amount, which must be in the account's currency. The
// balance never goes negative.
func (a *Account) Withdraw(amount int64, currency, reference string) error {
	if err := a.checkActive(amount, currency); err != nil {
		return err
	}
	if amount > a.Balance {
		return keel.NewDomainError(CodeInsufficientFunds,
			"account %s has %d %s, %d requested", a.AggregateID(), a.Balance, a.Currency, amount)
	}
	return a.record(FundsWithdrawn{Amount: amount, Reference: reference})
}

// Freeze blocks the account. Freezing a frozen account is a no-op.
func (a *Account) Freeze(reason string) error {
	if !a.opened {
		return keel.NewDomainError(CodeNotOpen, "account %s is not open", a.AggregateID())
	}
	if a.Frozen {
		return nil
	}
	return a.record(AccountFrozen{Reason: reason})
}

func (a *Account) checkActive(amount int64, currency string) error {
	switch {
	case !a.opened:
		return keel.NewDomainError(CodeNotOpen, "account %s is not open", a.AggregateID())
	case a.Frozen:
		return keel.NewDomainError(CodeFrozen, "account %s is frozen", a.AggregateID())
	case amount <= 0:
		return keel.NewDomainError(CodeInvalidAmount, "amount must be positive, got %d", amount)
	case currency != a.Currency:
		return keel.NewDomainError(CodeCurrencyMismatch,
			"account %s holds %s, got %q", a.AggregateID(), a.Currency, currency)
	}
	return nil
}

func (a *Account) record(event interface{}) error {
	if err := a.ApplyEvent(event); err != nil {
		return err
	}
	a.Apply(event)
	return nil
}

// ApplyEvent folds one event into the state.
func (a *Account) ApplyEvent(event interface{}) error {
	switch e := event.(type) {
	case AccountOpened:
		a.opened = true
		a.Owner = e.Owner
		a.Currency = e.Currency
	case FundsDeposited:
		a.Balance += e.Amount
	case FundsWithdrawn:
		a.Balance -= e.Amount
	case AccountFrozen:
		a.Frozen = true
	default:
		return keel.NewSchemaDriftError(a.AggregateType(), event)
	}
	return nil
}

type snapshot struct {
	Owner    string `msgpack:"owner"`
	Currency string `msgpack:"currency"`
	Balance  int64  `msgpack:"balance"`
	Frozen   bool   `msgpack:"frozen"`
	Opened   bool   `msgpack:"opened"`
}

// Snapshot encodes the state with msgpack.
func (a *Account) Snapshot() ([]byte, error) {
	return msgpack.Marshal(snapshot{
		Owner:    a.Owner,
		Currency: a.Currency,
		Balance:  a.Balance,
		Frozen:   a.Frozen,
		Opened:   a.opened,
	})
}

// RestoreSnapshot replaces the state with a snapshot taken by Snapshot.
func (a *Account) RestoreSnapshot(state []byte) error {
	var s snapshot
	if err := msgpack.Unmarshal(state, &s); err != nil {
		return err
	}
	a.Owner, a.Currency, a.Balance, a.Frozen, a.opened = s.Owner, s.Currency, s.Balance, s.Frozen, s.Opened
	return nil
}
