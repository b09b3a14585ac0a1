package commands

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/cli/styles"
	"github.com/keelhq/keel/cli/ui"
	"github.com/keelhq/keel/domain/lending"
	"github.com/keelhq/keel/workflows"
)

func parseAmount(s string) (int64, error) {
	amount, err := strconv.ParseInt(s, 10, 64)
	if err != nil || amount <= 0 {
		return 0, fmt.Errorf("amount must be a positive whole number of minor units, got %q", s)
	}
	return amount, nil
}

// NewAccountCommand creates the account command
func NewAccountCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Open and move funds on accounts",
		Long: `Work with the accounts of the configured tenant. Amounts are whole
minor units (cents).

Examples:
  keel account open alice --owner "Alice" --currency USD --deposit 1000
  keel account deposit alice 250
  keel account withdraw alice 100
  keel account freeze alice --reason "chargeback"
  keel account show alice`,
	}

	cmd.AddCommand(newAccountOpenCommand(opts))
	cmd.AddCommand(newAccountMoveCommand(opts, "deposit", "Credit an account"))
	cmd.AddCommand(newAccountMoveCommand(opts, "withdraw", "Debit an account"))
	cmd.AddCommand(newAccountFreezeCommand(opts))
	cmd.AddCommand(newAccountShowCommand(opts))
	return cmd
}

func newAccountOpenCommand(opts *rootOptions) *cobra.Command {
	var (
		owner    string
		currency string
		deposit  int64
	)

	cmd := &cobra.Command{
		Use:   "open <id>",
		Short: "Open an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			env, err := opts.openEnv(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close()

			accts, err := env.Accounts()
			if err != nil {
				return err
			}
			ctx := env.Context(cmd.Context())
			id := args[0]
			if owner == "" {
				owner = id
			}

			if _, err := accts.Open(ctx, id, owner, strings.ToUpper(currency)); err != nil {
				return err
			}
			fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Opened %s (%s)", id, strings.ToUpper(currency))))

			if deposit > 0 {
				m, err := accts.Deposit(ctx, id, deposit, strings.ToUpper(currency), "opening")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Deposited %d %s", m.Amount, m.Currency)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Account owner (default: the id)")
	cmd.Flags().StringVar(&currency, "currency", "USD", "Account currency")
	cmd.Flags().Int64Var(&deposit, "deposit", 0, "Opening deposit")
	return cmd
}

func newAccountMoveCommand(opts *rootOptions, verb, short string) *cobra.Command {
	var reference, currency string

	cmd := &cobra.Command{
		Use:   verb + " <id> <amount>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			env, err := opts.openEnv(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close()

			accts, err := env.Accounts()
			if err != nil {
				return err
			}
			ctx := env.Context(cmd.Context())
			if reference == "" {
				reference = verb + ":" + uuid.NewString()
			}

			if currency == "" {
				if currency, err = accts.Currency(ctx, args[0]); err != nil {
					return err
				}
			}

			move := accts.Deposit
			if verb == "withdraw" {
				move = accts.Withdraw
			}
			m, err := move(ctx, args[0], amount, strings.ToUpper(currency), reference)
			if err != nil {
				return err
			}

			acct, err := accts.Get(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), styles.FormatSuccess(fmt.Sprintf("%s %d %s on %s, balance %d",
				strings.ToUpper(verb[:1])+verb[1:], m.Amount, m.Currency, m.AccountID, acct.Balance)))
			return nil
		},
	}

	cmd.Flags().StringVar(&reference, "reference", "", "Reference recorded with the movement")
	cmd.Flags().StringVar(&currency, "currency", "", "Currency of the amount (default: the account's)")
	return cmd
}

func newAccountFreezeCommand(opts *rootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "freeze <id>",
		Short: "Block further movements on an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.openEnv(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close()

			accts, err := env.Accounts()
			if err != nil {
				return err
			}
			if err := accts.Freeze(env.Context(cmd.Context()), args[0], reason); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), styles.FormatWarning("Froze "+args[0]))
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "manual", "Reason recorded with the freeze")
	return cmd
}

func newAccountShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show the current state of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			env, err := opts.openEnv(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close()

			accts, err := env.Accounts()
			if err != nil {
				return err
			}
			acct, err := accts.Get(env.Context(cmd.Context()), args[0])
			if errors.Is(err, keel.ErrStreamNotFound) || (err == nil && !acct.IsOpen()) {
				return fmt.Errorf("account %s not found", args[0])
			}
			if err != nil {
				return err
			}

			status := "active"
			if acct.Frozen {
				status = "frozen"
			}
			fmt.Fprintln(out, styles.Title.Render("Account "+args[0]))
			fmt.Fprintln(out)
			fmt.Fprintln(out, styles.FormatKeyValue("Owner", acct.Owner))
			fmt.Fprintln(out, styles.FormatKeyValue("Currency", acct.Currency))
			fmt.Fprintln(out, styles.FormatKeyValue("Balance", fmt.Sprint(acct.Balance)))
			fmt.Fprintln(out, styles.FormatKeyValue("Version", fmt.Sprint(acct.Version())))
			fmt.Fprintln(out, styles.FormatKeyValue("Status", ui.StatusBadge(status)))
			return nil
		},
	}
}

// NewTransferCommand creates the transfer command
func NewTransferCommand(opts *rootOptions) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "transfer <from> <to> <amount>",
		Short: "Move funds between two accounts",
		Long: `Run the transfer saga: withdraw from the source account, deposit to
the target and notify. A failed step compensates the ones before it.

Examples:
  keel transfer alice bob 250
  keel transfer alice bob 250 --id invoice-42`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[2])
			if err != nil {
				return err
			}
			env, err := opts.openEnv(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close()

			accts, err := env.Accounts()
			if err != nil {
				return err
			}
			wopts, err := env.WorkflowOptions()
			if err != nil {
				return err
			}
			if id == "" {
				id = uuid.NewString()
			}

			state := workflows.Transfer{TransferID: id, From: args[0], To: args[1], Amount: amount}
			outcome, runErr := runSaga(cmd.Context(), env, workflows.NewTransfer(accts, wopts...), &state)
			return reportOutcome(cmd.OutOrStdout(), outcome, runErr,
				fmt.Sprintf("Transferred %d %s from %s to %s", state.Deposited.Amount, state.Deposited.Currency, state.From, state.To))
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Transfer id (default: random)")
	return cmd
}

// NewLoanCommand creates the loan command
func NewLoanCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loan",
		Short: "Request and disburse loans",
		Long: `Work with the loans of the configured tenant.

Examples:
  keel loan request loan-1 --borrower alice --account alice --principal 5000
  keel loan disburse loan-1 --treasury treasury --approved-by risk-desk
  keel loan show loan-1`,
	}

	cmd.AddCommand(newLoanRequestCommand(opts))
	cmd.AddCommand(newLoanDisburseCommand(opts))
	cmd.AddCommand(newLoanShowCommand(opts))
	return cmd
}

func newLoanRequestCommand(opts *rootOptions) *cobra.Command {
	var (
		borrower  string
		account   string
		principal int64
		currency  string
	)

	cmd := &cobra.Command{
		Use:   "request <id>",
		Short: "Request a loan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if principal <= 0 {
				return errors.New("--principal must be positive")
			}
			env, err := opts.openEnv(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close()

			loans, err := env.Loans()
			if err != nil {
				return err
			}
			if borrower == "" {
				borrower = account
			}
			loan, err := loans.Request(env.Context(cmd.Context()), args[0], borrower, account, principal, strings.ToUpper(currency))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), styles.FormatSuccess(fmt.Sprintf("Requested %s: %d %s for %s",
				args[0], loan.Principal, loan.Currency, loan.AccountID)))
			return nil
		},
	}

	cmd.Flags().StringVar(&borrower, "borrower", "", "Borrower name (default: the account)")
	cmd.Flags().StringVar(&account, "account", "", "Account receiving the principal")
	cmd.Flags().Int64Var(&principal, "principal", 0, "Principal in minor units")
	cmd.Flags().StringVar(&currency, "currency", "USD", "Loan currency")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("principal")
	return cmd
}

func newLoanDisburseCommand(opts *rootOptions) *cobra.Command {
	var (
		treasuryAccount string
		approvedBy      string
	)

	cmd := &cobra.Command{
		Use:   "disburse <id>",
		Short: "Approve a loan and pay it out from a treasury account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.openEnv(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close()

			accts, err := env.Accounts()
			if err != nil {
				return err
			}
			loans, err := env.Loans()
			if err != nil {
				return err
			}
			wopts, err := env.WorkflowOptions()
			if err != nil {
				return err
			}

			transfer := workflows.NewTransfer(accts, workflows.WithSagaOptions(keel.WithSagaLogger(env.Logger)))
			saga := workflows.NewLoanDisbursement(loans, transfer, wopts...)
			state := workflows.LoanDisbursement{LoanID: args[0], ApprovedBy: approvedBy, TreasuryAccount: treasuryAccount}
			outcome, runErr := runSaga(cmd.Context(), env, saga, &state)
			return reportOutcome(cmd.OutOrStdout(), outcome, runErr,
				fmt.Sprintf("Disbursed %d %s to %s", state.Disbursed, state.Currency, state.BorrowerAccount))
		},
	}

	cmd.Flags().StringVar(&treasuryAccount, "treasury", "treasury", "Account the principal is paid from")
	cmd.Flags().StringVar(&approvedBy, "approved-by", "cli", "Approver recorded on the loan")
	return cmd
}

func newLoanShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show the current state of a loan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			env, err := opts.openEnv(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close()

			loans, err := env.Loans()
			if err != nil {
				return err
			}
			loan, err := loans.Get(env.Context(cmd.Context()), args[0])
			if errors.Is(err, keel.ErrStreamNotFound) || (err == nil && loan.Status == lending.StatusNone) {
				return fmt.Errorf("loan %s not found", args[0])
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(out, styles.Title.Render("Loan "+args[0]))
			fmt.Fprintln(out)
			fmt.Fprintln(out, styles.FormatKeyValue("Borrower", loan.Borrower))
			fmt.Fprintln(out, styles.FormatKeyValue("Account", loan.AccountID))
			fmt.Fprintln(out, styles.FormatKeyValue("Principal", fmt.Sprintf("%d %s", loan.Principal, loan.Currency)))
			fmt.Fprintln(out, styles.FormatKeyValue("Disbursed", fmt.Sprint(loan.Disbursed)))
			fmt.Fprintln(out, styles.FormatKeyValue("Outstanding", fmt.Sprint(loan.Outstanding)))
			fmt.Fprintln(out, styles.FormatKeyValue("Status", ui.StatusBadge(string(loan.Status))))
			return nil
		},
	}
}

// NewCoinCommand creates the coin command
func NewCoinCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coin",
		Short: "Mint and burn stablecoin against account collateral",
		Long: `Issue stablecoin on a position backed by collateral withdrawn from an
account, or burn it and return the released collateral.

Examples:
  keel coin mint pos-1 --account alice --amount 100 --collateral 150
  keel coin burn pos-1 --account alice --amount 40`,
	}

	cmd.AddCommand(newCoinMintCommand(opts))
	cmd.AddCommand(newCoinBurnCommand(opts))
	return cmd
}

func newCoinMintCommand(opts *rootOptions) *cobra.Command {
	var (
		account    string
		amount     int64
		collateral int64
		reference  string
	)

	cmd := &cobra.Command{
		Use:   "mint <position>",
		Short: "Lock collateral and mint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if amount <= 0 || collateral <= 0 {
				return errors.New("--amount and --collateral must be positive")
			}
			env, err := opts.openEnv(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close()

			accts, err := env.Accounts()
			if err != nil {
				return err
			}
			coins, err := env.Coins()
			if err != nil {
				return err
			}
			wopts, err := env.WorkflowOptions()
			if err != nil {
				return err
			}
			if reference == "" {
				reference = uuid.NewString()
			}

			state := workflows.Mint{PositionID: args[0], AccountID: account, Amount: amount, Collateral: collateral, Reference: reference}
			outcome, runErr := runSaga(cmd.Context(), env, workflows.NewMint(accts, coins, wopts...), &state)
			return reportOutcome(cmd.OutOrStdout(), outcome, runErr,
				fmt.Sprintf("Minted %d on %s against %d collateral", state.Issued.Amount, state.PositionID, state.Locked.Amount))
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "Account the collateral is taken from")
	cmd.Flags().Int64Var(&amount, "amount", 0, "Stablecoin to mint")
	cmd.Flags().Int64Var(&collateral, "collateral", 0, "Collateral to lock")
	cmd.Flags().StringVar(&reference, "reference", "", "Reference recorded with the mint")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newCoinBurnCommand(opts *rootOptions) *cobra.Command {
	var (
		account   string
		amount    int64
		reference string
	)

	cmd := &cobra.Command{
		Use:   "burn <position>",
		Short: "Burn and release collateral",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if amount <= 0 {
				return errors.New("--amount must be positive")
			}
			env, err := opts.openEnv(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close()

			accts, err := env.Accounts()
			if err != nil {
				return err
			}
			coins, err := env.Coins()
			if err != nil {
				return err
			}
			wopts, err := env.WorkflowOptions()
			if err != nil {
				return err
			}
			if reference == "" {
				reference = uuid.NewString()
			}

			state := workflows.Burn{PositionID: args[0], AccountID: account, Amount: amount, Reference: reference}
			outcome, runErr := runSaga(cmd.Context(), env, workflows.NewBurn(accts, coins, wopts...), &state)
			return reportOutcome(cmd.OutOrStdout(), outcome, runErr,
				fmt.Sprintf("Burned %d on %s, released %d to %s", state.Burned.Amount, state.PositionID, state.Released.Amount, state.AccountID))
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "Account the released collateral is paid to")
	cmd.Flags().Int64Var(&amount, "amount", 0, "Stablecoin to burn")
	cmd.Flags().StringVar(&reference, "reference", "", "Reference recorded with the burn")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

// NewPoolCommand creates the pool command
func NewPoolCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Fund currency pools and convert between accounts",
		Long: `Conversions use the rates of treasury.rates in keel.yaml.

Examples:
  keel pool provide fx EUR 100000
  keel pool convert fx alice-usd alice-eur 1000 --to EUR`,
	}

	cmd.AddCommand(newPoolProvideCommand(opts))
	cmd.AddCommand(newPoolConvertCommand(opts))
	return cmd
}

func newPoolProvideCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "provide <pool> <currency> <amount>",
		Short: "Add liquidity to a pool",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[2])
			if err != nil {
				return err
			}
			env, err := opts.openEnv(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close()

			pools, err := env.Pools()
			if err != nil {
				return err
			}
			currency := strings.ToUpper(args[1])
			if err := pools.ProvideLiquidity(env.Context(cmd.Context()), args[0], currency, amount); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), styles.FormatSuccess(fmt.Sprintf("Added %d %s to %s", amount, currency, args[0])))
			return nil
		},
	}
}

func newPoolConvertCommand(opts *rootOptions) *cobra.Command {
	var (
		to string
		id string
	)

	cmd := &cobra.Command{
		Use:   "convert <pool> <from-account> <to-account> <amount>",
		Short: "Convert funds between accounts through a pool",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[3])
			if err != nil {
				return err
			}
			env, err := opts.openEnv(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close()

			accts, err := env.Accounts()
			if err != nil {
				return err
			}
			pools, err := env.Pools()
			if err != nil {
				return err
			}
			wopts, err := env.WorkflowOptions()
			if err != nil {
				return err
			}
			if id == "" {
				id = uuid.NewString()
			}

			state := workflows.Conversion{
				ConversionID: id,
				PoolID:       args[0],
				FromAccount:  args[1],
				ToAccount:    args[2],
				ToCurrency:   strings.ToUpper(to),
				Amount:       amount,
			}
			outcome, runErr := runSaga(cmd.Context(), env, workflows.NewConversion(accts, pools, wopts...), &state)
			return reportOutcome(cmd.OutOrStdout(), outcome, runErr,
				fmt.Sprintf("Converted %d %s into %d %s", state.Converted.AmountIn, state.Converted.From,
					state.Converted.AmountOut, state.Converted.To))
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "Currency of the target account")
	cmd.Flags().StringVar(&id, "id", "", "Conversion id (default: random)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// reportOutcome prints the steps of a saga run and returns the run error.
func reportOutcome(out io.Writer, outcome *keel.Outcome, runErr error, summary string) error {
	if outcome == nil {
		return runErr
	}

	table := ui.NewTable("Step", "Status")
	for _, step := range outcome.CompletedSteps {
		status := "completed"
		for _, c := range outcome.CompensatedSteps {
			if c == step {
				status = "compensated"
			}
		}
		for _, f := range outcome.CompensationFailures {
			if f.Step == step {
				status = "compensation_failed"
			}
		}
		table.AddRow(step, ui.StatusBadge(status))
	}
	for _, step := range outcome.SkippedSteps {
		table.AddRow(step, ui.StatusBadge("skipped"))
	}
	if outcome.FailedStep != "" {
		table.AddRow(outcome.FailedStep, ui.StatusBadge("failed"))
	}

	fmt.Fprintln(out, styles.FormatKeyValue("Saga", outcome.Saga+" "+styles.Muted.Render(outcome.SagaID)))
	fmt.Fprintln(out, styles.FormatKeyValue("Status", ui.StatusBadge(string(outcome.Status))))
	fmt.Fprintln(out, table.Render())

	if runErr != nil {
		return runErr
	}
	fmt.Fprintln(out, styles.FormatSuccess(summary))
	return nil
}
