package commands

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/keelhq/keel/adapters"
	"github.com/keelhq/keel/cli/styles"
	"github.com/keelhq/keel/cli/ui"
	"github.com/keelhq/keel/domain/accounts"
	"github.com/keelhq/keel/projections"
)

// NewDiagnoseCommand creates the diagnose command
func NewDiagnoseCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Run diagnostic checks",
		Long: `Run diagnostic checks on your keel setup.

This command verifies:
  • Configuration file validity
  • Database connectivity
  • Partitions of the tenant
  • Projection lag`,
		Aliases: []string{"diag", "doctor"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			d := &diagnosis{opts: opts, traceOut: cmd.ErrOrStderr()}
			defer d.close()
			d.run(ctx, cmd.OutOrStdout())
			return nil
		},
	}
}

// CheckStatus represents the status of a diagnostic check
type CheckStatus int

const (
	StatusOK CheckStatus = iota
	StatusWarning
	StatusError
)

// CheckResult represents the result of a diagnostic check
type CheckResult struct {
	Name           string
	Status         CheckStatus
	Message        string
	Recommendation string
}

func newCheckResult(name string, status CheckStatus, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message}
}

func (r CheckResult) withRecommendation(rec string) CheckResult {
	r.Recommendation = rec
	return r
}

// DiagnosticCheck represents a diagnostic check function
type DiagnosticCheck struct {
	Name  string
	Check func(ctx context.Context, d *diagnosis) CheckResult
}

// diagnosis opens the environment once and shares it between checks.
type diagnosis struct {
	opts     *rootOptions
	traceOut io.Writer

	env    *Env
	envErr error
	opened bool
}

func (d *diagnosis) open(ctx context.Context) (*Env, error) {
	if !d.opened {
		d.opened = true
		d.env, d.envErr = d.opts.openEnv(ctx, d.traceOut)
	}
	return d.env, d.envErr
}

func (d *diagnosis) close() {
	if d.env != nil {
		d.env.Close()
	}
}

func (d *diagnosis) run(ctx context.Context, out io.Writer) {
	fmt.Fprintln(out, styles.Title.Render(styles.IconAnchor+" Running Diagnostics"))
	fmt.Fprintln(out)

	checks := []DiagnosticCheck{
		{Name: "Go Version", Check: checkGoVersion},
		{Name: "Configuration", Check: checkConfiguration},
		{Name: "Database Connection", Check: checkDatabaseConnection},
		{Name: "Partitions", Check: checkPartitions},
		{Name: "Projections", Check: checkProjections},
	}

	results := make([]CheckResult, 0, len(checks))
	allPassed := true

	for _, check := range checks {
		fmt.Fprintf(out, "  %s Checking %s... ", styles.IconPending, check.Name)

		result := check.Check(ctx, d)
		results = append(results, result)

		switch result.Status {
		case StatusOK:
			fmt.Fprintln(out, styles.SuccessStyle.Render("OK"))
		case StatusWarning:
			fmt.Fprintln(out, styles.WarningStyle.Render("WARNING"))
			allPassed = false
		default:
			fmt.Fprintln(out, styles.ErrorStyle.Render("FAILED"))
			allPassed = false
		}
		if result.Message != "" {
			fmt.Fprintf(out, "    %s\n", styles.Muted.Render(result.Message))
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, ui.Divider(50))
	fmt.Fprintln(out)

	if allPassed {
		fmt.Fprintln(out, styles.FormatSuccess("All checks passed! Your keel setup is healthy."))
		return
	}
	fmt.Fprintln(out, styles.FormatWarning("Some checks failed or have warnings."))
	fmt.Fprintln(out)
	fmt.Fprintln(out, styles.Subtitle.Render("Recommendations:"))
	for _, r := range results {
		if r.Recommendation != "" {
			fmt.Fprintf(out, "  %s %s\n", styles.IconArrow, r.Recommendation)
		}
	}
}

func checkGoVersion(context.Context, *diagnosis) CheckResult {
	return newCheckResult("Go Version", StatusOK, runtime.Version())
}

func checkConfiguration(_ context.Context, d *diagnosis) CheckResult {
	const name = "Configuration"
	cfg, _, err := d.opts.loadConfig()
	if err != nil {
		return newCheckResult(name, StatusError, err.Error()).
			withRecommendation("Run 'keel init' or fix keel.yaml")
	}
	return newCheckResult(name, StatusOK,
		fmt.Sprintf("Project: %s, Tenant: %s, Driver: %s", cfg.Project.Name, cfg.Tenant, cfg.Database.Driver))
}

func checkDatabaseConnection(ctx context.Context, d *diagnosis) CheckResult {
	const name = "Database Connection"
	env, err := d.open(ctx)
	if err != nil {
		return newCheckResult(name, StatusError, err.Error()).withRecommendation("Verify database.url and credentials")
	}
	if hc, ok := env.Adapter.(adapters.HealthChecker); ok {
		if err := hc.Ping(ctx); err != nil {
			return newCheckResult(name, StatusError, err.Error()).withRecommendation("Check the database server")
		}
	}
	return newCheckResult(name, StatusOK, "Connected to "+env.Config.Database.Driver)
}

func checkPartitions(ctx context.Context, d *diagnosis) CheckResult {
	const name = "Partitions"
	env, err := d.open(ctx)
	if err != nil {
		return newCheckResult(name, StatusWarning, "Skipped (no database)")
	}
	parts, err := listPartitions(ctx, env.Adapter)
	if err != nil {
		return newCheckResult(name, StatusError, err.Error())
	}

	var missing []string
	for _, domain := range Domains {
		if !slices.Contains(parts, env.Partition(domain)) {
			missing = append(missing, domain)
		}
	}
	if len(missing) > 0 {
		return newCheckResult(name, StatusWarning,
			fmt.Sprintf("Tenant %s is missing %v", env.Config.Tenant, missing)).
			withRecommendation("Run 'keel migrate' to create them")
	}
	return newCheckResult(name, StatusOK, fmt.Sprintf("%d partitions, tenant %s complete", len(parts), env.Config.Tenant))
}

func checkProjections(ctx context.Context, d *diagnosis) CheckResult {
	const name = "Projections"
	env, err := d.open(ctx)
	if err != nil {
		return newCheckResult(name, StatusWarning, "Skipped (no database)")
	}

	p := env.Partition(accounts.Domain)
	checkpoints, err := env.checkpoints(p)
	if err != nil {
		return newCheckResult(name, StatusOK, "Skipped (no checkpoint store)")
	}
	checkpoint, err := checkpoints.GetCheckpoint(ctx, projections.BalancesProjection)
	if err != nil {
		return newCheckResult(name, StatusError, err.Error())
	}
	last, err := lastPosition(ctx, env.Store, p)
	if err != nil {
		return newCheckResult(name, StatusError, err.Error())
	}
	if checkpoint < last {
		return newCheckResult(name, StatusWarning,
			fmt.Sprintf("%s is %d events behind", projections.BalancesProjection, last-checkpoint)).
			withRecommendation("Run 'keel projection rebuild'")
	}
	return newCheckResult(name, StatusOK, projections.BalancesProjection+" is up to date")
}

// NewVersionCommand creates the version command
func NewVersionCommand(version, commit, date string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ui.SimpleBanner())
			fmt.Fprintln(out)

			table := ui.NewTable("", "")
			table.AddRow("Version", version)
			table.AddRow("Commit", commit)
			table.AddRow("Built", date)
			table.AddRow("Go", runtime.Version())
			table.AddRow("OS/Arch", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH))
			fmt.Fprintln(out, table.Render())
			return nil
		},
	}
}
