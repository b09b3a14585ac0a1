// Package lending tracks loans from request through disbursement to repayment.
package lending

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/keelhq/keel"
)

const (
	// AggregateType is the stream prefix of loan streams.
	AggregateType = "Loan"

	// Domain is the partition domain loans are stored in.
	Domain = "lending"
)

// Error codes returned as keel.DomainError.
const (
	CodeInvalidState  = "loan_invalid_state"
	CodeInvalidAmount = "invalid_amount"
	CodeOverpayment   = "loan_overpayment"
)

// Status is the lifecycle stage of a loan.
type Status string

const (
	StatusNone      Status = ""
	StatusRequested Status = "requested"
	StatusApproved  Status = "approved"
	StatusDisbursed Status = "disbursed"
	StatusRepaid    Status = "repaid"
)

type LoanRequested struct {
	Borrower  string `json:"borrower" msgpack:"borrower"`
	AccountID string `json:"accountId" msgpack:"account_id"`
	Principal int64  `json:"principal" msgpack:"principal"`
	Currency  string `json:"currency" msgpack:"currency"`
}

type LoanApproved struct {
	ApprovedBy string `json:"approvedBy" msgpack:"approved_by"`
}

type LoanDisbursed struct {
	Amount     int64  `json:"amount" msgpack:"amount"`
	TransferID string `json:"transferId" msgpack:"transfer_id"`
}

// DisbursementReversed undoes a LoanDisbursed and returns the loan to approved.
type DisbursementReversed struct {
	Amount int64  `json:"amount" msgpack:"amount"`
	Reason string `json:"reason" msgpack:"reason"`
}

type LoanRepaid struct {
	Amount int64 `json:"amount" msgpack:"amount"`
}

// Events returns a zero value of every loan event, for registration.
func Events() []interface{} {
	return []interface{}{LoanRequested{}, LoanApproved{}, LoanDisbursed{}, DisbursementReversed{}, LoanRepaid{}}
}

// Loan is an event-sourced loan.
type Loan struct {
	keel.AggregateBase

	Borrower    string
	AccountID   string
	Principal   int64
	Currency    string
	Status      Status
	Disbursed   int64
	Outstanding int64
}

// New returns an empty loan.
func New(id string) *Loan {
	return &Loan{AggregateBase: keel.NewAggregateBase(id, AggregateType)}
}

// Request opens the loan.
func (l *Loan) Request(borrower, accountID string, principal int64, currency string) error {
	if l.Status != StatusNone {
		return l.invalidState("request")
	}
	if principal <= 0 {
		return keel.NewDomainError(CodeInvalidAmount, "principal must be positive, got %d", principal)
	}
	return l.record(LoanRequested{Borrower: borrower, AccountID: accountID, Principal: principal, Currency: currency})
}

// Approve accepts a requested loan.
func (l *Loan) Approve(approvedBy string) error {
	if l.Status != StatusRequested {
		return l.invalidState("approve")
	}
	return l.record(LoanApproved{ApprovedBy: approvedBy})
}

// Disburse marks the principal as paid out by transferID.
func (l *Loan) Disburse(transferID string) error {
	if l.Status != StatusApproved {
		return l.invalidState("disburse")
	}
	return l.record(LoanDisbursed{Amount: l.Principal, TransferID: transferID})
}

// ReverseDisbursement undoes a disbursement of amount.
func (l *Loan) ReverseDisbursement(amount int64, reason string) error {
	if l.Status != StatusDisbursed {
		return l.invalidState("reverse")
	}
	if amount != l.Disbursed {
		return keel.NewDomainError(CodeInvalidAmount, "loan %s disbursed %d, reversal of %d", l.AggregateID(), l.Disbursed, amount)
	}
	return l.record(DisbursementReversed{Amount: amount, Reason: reason})
}

// Repay reduces the outstanding balance.
func (l *Loan) Repay(amount int64) error {
	if l.Status != StatusDisbursed {
		return l.invalidState("repay")
	}
	switch {
	case amount <= 0:
		return keel.NewDomainError(CodeInvalidAmount, "repayment must be positive, got %d", amount)
	case amount > l.Outstanding:
		return keel.NewDomainError(CodeOverpayment, "loan %s owes %d, %d offered", l.AggregateID(), l.Outstanding, amount)
	}
	return l.record(LoanRepaid{Amount: amount})
}

func (l *Loan) invalidState(action string) error {
	status := l.Status
	if status == StatusNone {
		status = "unknown"
	}
	return keel.NewDomainError(CodeInvalidState, "cannot %s loan %s in state %s", action, l.AggregateID(), status)
}

func (l *Loan) record(event interface{}) error {
	if err := l.ApplyEvent(event); err != nil {
		return err
	}
	l.Apply(event)
	return nil
}

// ApplyEvent folds one event into the state.
func (l *Loan) ApplyEvent(event interface{}) error {
	switch e := event.(type) {
	case LoanRequested:
		l.Borrower, l.AccountID, l.Principal, l.Currency = e.Borrower, e.AccountID, e.Principal, e.Currency
		l.Status = StatusRequested
	case LoanApproved:
		l.Status = StatusApproved
	case LoanDisbursed:
		l.Status = StatusDisbursed
		l.Disbursed = e.Amount
		l.Outstanding = e.Amount
	case DisbursementReversed:
		l.Status = StatusApproved
		l.Disbursed = 0
		l.Outstanding = 0
	case LoanRepaid:
		l.Outstanding -= e.Amount
		if l.Outstanding == 0 {
			l.Status = StatusRepaid
		}
	default:
		return keel.NewSchemaDriftError(l.AggregateType(), event)
	}
	return nil
}

type snapshot struct {
	Borrower    string `msgpack:"borrower"`
	AccountID   string `msgpack:"account_id"`
	Principal   int64  `msgpack:"principal"`
	Currency    string `msgpack:"currency"`
	Status      Status `msgpack:"status"`
	Disbursed   int64  `msgpack:"disbursed"`
	Outstanding int64  `msgpack:"outstanding"`
}

// Snapshot encodes the state with msgpack.
func (l *Loan) Snapshot() ([]byte, error) {
	return msgpack.Marshal(snapshot{
		Borrower:    l.Borrower,
		AccountID:   l.AccountID,
		Principal:   l.Principal,
		Currency:    l.Currency,
		Status:      l.Status,
		Disbursed:   l.Disbursed,
		Outstanding: l.Outstanding,
	})
}

// RestoreSnapshot replaces the state with a snapshot taken by Snapshot.
func (l *Loan) RestoreSnapshot(state []byte) error {
	var s snapshot
	if err := msgpack.Unmarshal(state, &s); err != nil {
		return err
	}
	l.Borrower, l.AccountID, l.Principal, l.Currency = s.Borrower, s.AccountID, s.Principal, s.Currency
	l.Status, l.Disbursed, l.Outstanding = s.Status, s.Disbursed, s.Outstanding
	return nil
}
