package workflows

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/domain/accounts"
	"github.com/keelhq/keel/domain/lending"
	"github.com/keelhq/keel/testing/sagas"
)

func newLoanEnv(t *testing.T) (*env, *keel.Saga[LoanDisbursement]) {
	t.Helper()
	e := newEnv(t)
	e.open(t, "treasury", "USD", 10_000)
	e.open(t, "carol", "USD", 0)
	_, err := e.loans.Request(context.Background(), "7", "carol", "carol", 1_000, "USD")
	require.NoError(t, err)
	return e, NewLoanDisbursement(e.loans, NewTransfer(e.accounts))
}

func (e *env) loan(t *testing.T, id string) *lending.Loan {
	t.Helper()
	l, err := e.loans.Get(context.Background(), id)
	require.NoError(t, err)
	return l
}

func TestLoanDisbursement_Completes(t *testing.T) {
	e, saga := newLoanEnv(t)

	sagas.TestSaga(t, saga).
		When(&LoanDisbursement{LoanID: "7", ApprovedBy: "risk", TreasuryAccount: "treasury"}).
		ThenCompleted().
		ThenSteps("load", "approve", "transfer", "disburse").
		ThenSkipped("notify").
		ThenState(func(t sagas.TB, s *LoanDisbursement) {
			assert.Equal(t, "loan-7", s.Transfer.TransferID)
			assert.Equal(t, int64(1_000), s.Transfer.Deposited.Amount)
			assert.Equal(t, int64(1_000), s.Disbursed)
		})

	l := e.loan(t, "7")
	assert.Equal(t, lending.StatusDisbursed, l.Status)
	assert.Equal(t, int64(1_000), l.Outstanding)
	assert.Equal(t, int64(9_000), e.balance(t, "treasury"))
	assert.Equal(t, int64(1_000), e.balance(t, "carol"))
}

func TestLoanDisbursement_SkipsApprovalOfApprovedLoan(t *testing.T) {
	e, saga := newLoanEnv(t)
	_, err := e.loans.Approve(context.Background(), "7", "risk")
	require.NoError(t, err)

	sagas.TestSaga(t, saga).
		When(&LoanDisbursement{LoanID: "7", TreasuryAccount: "treasury"}).
		ThenCompleted().
		ThenSkipped("approve", "notify")
}

func TestLoanDisbursement_ChildFailureUnwindsTheChild(t *testing.T) {
	e, saga := newLoanEnv(t)
	require.NoError(t, e.accounts.Freeze(context.Background(), "carol", "kyc"))

	sagas.TestSaga(t, saga).
		When(&LoanDisbursement{LoanID: "7", ApprovedBy: "risk", TreasuryAccount: "treasury"}).
		ThenFailedAt("transfer").
		ThenSteps("load", "approve").
		ThenCompensated()

	assert.Equal(t, int64(10_000), e.balance(t, "treasury"), "the child returned the withdrawal")
	assert.Equal(t, lending.StatusApproved, e.loan(t, "7").Status)
}

func TestLoanDisbursement_TreasuryInAnotherCurrency(t *testing.T) {
	e := newEnv(t)
	e.open(t, "treasury-eur", "EUR", 10_000)
	e.open(t, "carol", "USD", 0)
	_, err := e.loans.Request(context.Background(), "7", "carol", "carol", 1_000, "USD")
	require.NoError(t, err)

	sagas.TestSaga(t, NewLoanDisbursement(e.loans, NewTransfer(e.accounts))).
		When(&LoanDisbursement{LoanID: "7", ApprovedBy: "risk", TreasuryAccount: "treasury-eur"}).
		ThenFailedAt("transfer").
		ThenError(keel.NewDomainError(accounts.CodeCurrencyMismatch, "")).
		ThenCompensated()

	assert.Equal(t, int64(10_000), e.balance(t, "treasury-eur"))
	assert.Equal(t, int64(0), e.balance(t, "carol"))
}

// The transfer completes, then recording the disbursement fails: the whole
// transfer is undone as the parent's compensation.
func TestLoanDisbursement_LaterFailureUndoesTheTransfer(t *testing.T) {
	e, saga := newLoanEnv(t)
	ledgerDown := errors.New("ledger down")
	// the loan stream takes the request and the approval, then nothing more
	e.adapter.FailAppends("Loan-7", 2, ledgerDown)

	sagas.TestSaga(t, saga).
		When(&LoanDisbursement{LoanID: "7", ApprovedBy: "risk", TreasuryAccount: "treasury"}).
		ThenFailedAt("disburse").
		ThenError(ledgerDown).
		ThenSteps("load", "approve", "transfer").
		ThenCompensated("transfer")

	assert.Equal(t, int64(10_000), e.balance(t, "treasury"))
	assert.Equal(t, int64(0), e.balance(t, "carol"))
	assert.Equal(t, []string{"AccountOpened", "FundsDeposited", "FundsWithdrawn"}, e.streamTypes(t, "Account-carol"))
	assert.Equal(t, lending.StatusApproved, e.loan(t, "7").Status)
}

func TestLoanDisbursement_CompensateCompletedRun(t *testing.T) {
	e, saga := newLoanEnv(t)
	ctx := context.Background()

	out, err := saga.Run(ctx, &LoanDisbursement{LoanID: "7", ApprovedBy: "risk", TreasuryAccount: "treasury"})
	require.NoError(t, err)
	require.NoError(t, out.Compensate(ctx))

	assert.Equal(t, []string{"disburse", "transfer"}, out.CompensatedSteps)
	assert.Equal(t, keel.SagaFailed, out.Status)
	assert.ErrorIs(t, out.Compensate(ctx), keel.ErrAlreadyCompensated)

	l := e.loan(t, "7")
	assert.Equal(t, lending.StatusApproved, l.Status)
	assert.Zero(t, l.Disbursed)
	assert.Equal(t, int64(10_000), e.balance(t, "treasury"))
	assert.Equal(t, int64(0), e.balance(t, "carol"))
}

func TestLoanDisbursement_RejectsLoansNotAwaitingPayout(t *testing.T) {
	e, saga := newLoanEnv(t)

	sagas.TestSaga(t, saga).
		When(&LoanDisbursement{LoanID: "404", TreasuryAccount: "treasury"}).
		ThenFailedAt("load").
		ThenError(keel.NewDomainError(lending.CodeInvalidState, ""))

	assert.Equal(t, int64(10_000), e.balance(t, "treasury"))
}
