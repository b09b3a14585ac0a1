package workflows

import (
	"context"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/domain/lending"
)

// LoanDisbursementSaga is the saga name of NewLoanDisbursement.
const LoanDisbursementSaga = "loan-disbursement"

// LoanDisbursement is the state of paying out a loan from a treasury account.
type LoanDisbursement struct {
	LoanID          string
	ApprovedBy      string
	TreasuryAccount string

	// Filled from the loan by the first step.
	BorrowerAccount string
	Principal       int64
	Currency        string
	Status          lending.Status

	Transfer  Transfer
	Disbursed int64
}

// NewLoanDisbursement approves a requested loan if needed, moves the
// principal from the treasury account to the borrower with the transfer
// saga, and marks the loan disbursed.
//
// The transfer runs as a child saga: if it fails it unwinds itself, and if a
// later step fails it is undone as a whole.
func NewLoanDisbursement(loans *lending.Service, transfer *keel.Saga[Transfer], opts ...Option) *keel.Saga[LoanDisbursement] {
	o := newOptions(opts)

	return keel.NewSaga(LoanDisbursementSaga,
		keel.Do("load", func(ctx context.Context, s *LoanDisbursement) error {
			loan, err := loans.Get(ctx, s.LoanID)
			if err != nil {
				return err
			}
			if loan.Status != lending.StatusRequested && loan.Status != lending.StatusApproved {
				return keel.NewDomainError(lending.CodeInvalidState,
					"loan %s cannot be disbursed in state %q", s.LoanID, loan.Status)
			}
			s.BorrowerAccount = loan.AccountID
			s.Principal = loan.Principal
			s.Currency = loan.Currency
			s.Status = loan.Status
			return nil
		}),
		keel.Do("approve", func(ctx context.Context, s *LoanDisbursement) error {
			loan, err := loans.Approve(ctx, s.LoanID, s.ApprovedBy)
			if err != nil {
				return err
			}
			s.Status = loan.Status
			return nil
		}).When(func(s *LoanDisbursement) bool {
			return s.Status == lending.StatusRequested
		}),
		keel.Child("transfer", transfer,
			func(s *LoanDisbursement) Transfer {
				return Transfer{
					TransferID: "loan-" + s.LoanID,
					From:       s.TreasuryAccount,
					To:         s.BorrowerAccount,
					Amount:     s.Principal,
					Currency:   s.Currency,
				}
			},
			func(s *LoanDisbursement, t *Transfer) {
				s.Transfer = *t
			}),
		keel.NewStep("disburse",
			func(ctx context.Context, s *LoanDisbursement) (int64, error) {
				amount, err := loans.Disburse(ctx, s.LoanID, s.Transfer.TransferID)
				s.Disbursed = amount
				return amount, err
			},
			func(ctx context.Context, s *LoanDisbursement, amount int64) error {
				return loans.ReverseDisbursement(ctx, s.LoanID, amount, "disbursement reversed")
			}),
		notifyStep(o, func(s *LoanDisbursement) Notification {
			return Notification{
				Workflow:  LoanDisbursementSaga,
				Reference: s.LoanID,
				Amount:    s.Disbursed,
				Currency:  s.Currency,
			}
		}),
	).Configure(o.sagaOpts...)
}
