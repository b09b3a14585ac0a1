package accounts

import (
	"context"

	"github.com/keelhq/keel"
)

// OpenAccount opens an account for a tenant.
type OpenAccount struct {
	Tenant    string `json:"tenant"`
	AccountID string `json:"accountId"`
	Owner     string `json:"owner"`
	Currency  string `json:"currency"`
}

func (c OpenAccount) CommandType() string { return "OpenAccount" }
func (c OpenAccount) TenantID() string    { return c.Tenant }

func (c OpenAccount) Validate() error {
	switch {
	case c.AccountID == "":
		return keel.NewValidationError(c.CommandType(), "accountId", "required")
	case c.Owner == "":
		return keel.NewValidationError(c.CommandType(), "owner", "required")
	case len(c.Currency) != 3:
		return keel.NewValidationError(c.CommandType(), "currency", "must be an ISO 4217 code")
	}
	return nil
}

// DepositFunds credits an account.
type DepositFunds struct {
	Tenant    string `json:"tenant"`
	AccountID string `json:"accountId"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

func (c DepositFunds) CommandType() string { return "DepositFunds" }
func (c DepositFunds) TenantID() string    { return c.Tenant }

func (c DepositFunds) Validate() error {
	return validateMovement(c.CommandType(), c.AccountID, c.Amount, c.Currency)
}

// WithdrawFunds debits an account.
type WithdrawFunds struct {
	Tenant    string `json:"tenant"`
	AccountID string `json:"accountId"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

func (c WithdrawFunds) CommandType() string { return "WithdrawFunds" }
func (c WithdrawFunds) TenantID() string    { return c.Tenant }

func (c WithdrawFunds) Validate() error {
	return validateMovement(c.CommandType(), c.AccountID, c.Amount, c.Currency)
}

func validateMovement(cmdType, accountID string, amount int64, currency string) error {
	switch {
	case accountID == "":
		return keel.NewValidationError(cmdType, "accountId", "required")
	case amount <= 0:
		return keel.NewValidationError(cmdType, "amount", "must be positive")
	case len(currency) != 3:
		return keel.NewValidationError(cmdType, "currency", "must be an ISO 4217 code")
	}
	return nil
}

// RegisterHandlers registers the account command handlers. Each command is
// routed to the service of the tenant resolved by keel.TenantMiddleware.
func RegisterHandlers(bus *keel.CommandBus, services *keel.TenantRegistry[*Service]) {
	bus.Register(
		keel.NewHandler(func(ctx context.Context, cmd OpenAccount) (keel.CommandResult, error) {
			svc, err := services.FromContext(ctx)
			if err != nil {
				return keel.NewErrorResult(err), err
			}
			a, err := svc.Open(ctx, cmd.AccountID, cmd.Owner, cmd.Currency)
			if err != nil {
				return keel.NewErrorResult(err), err
			}
			return keel.NewSuccessResult(cmd.AccountID, a.Version()), nil
		}),
		keel.NewHandler(func(ctx context.Context, cmd DepositFunds) (keel.CommandResult, error) {
			svc, err := services.FromContext(ctx)
			if err != nil {
				return keel.NewErrorResult(err), err
			}
			m, err := svc.Deposit(ctx, cmd.AccountID, cmd.Amount, cmd.Currency, cmd.Reference)
			if err != nil {
				return keel.NewErrorResult(err), err
			}
			return keel.NewSuccessResult(cmd.AccountID, m.Version), nil
		}),
		keel.NewHandler(func(ctx context.Context, cmd WithdrawFunds) (keel.CommandResult, error) {
			svc, err := services.FromContext(ctx)
			if err != nil {
				return keel.NewErrorResult(err), err
			}
			m, err := svc.Withdraw(ctx, cmd.AccountID, cmd.Amount, cmd.Currency, cmd.Reference)
			if err != nil {
				return keel.NewErrorResult(err), err
			}
			return keel.NewSuccessResult(cmd.AccountID, m.Version), nil
		}),
	)
}
