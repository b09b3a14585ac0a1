// Package commands implements the keel CLI.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keelhq/keel/cli/styles"
	"github.com/keelhq/keel/cli/ui"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// NewRootCommand creates the root command for the keel CLI
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "keel",
		Short: "Operate event-sourced ledgers and sagas",
		Long: ui.SimpleBanner() + `

keel keeps accounts, loans, stablecoin positions and currency pools as
event-sourced aggregates, partitioned per tenant, and moves money between
them with compensating sagas.

` + styles.Subtitle.Render("Quick Start:") + `

  ` + styles.Code.Render("keel init") + `                      Create keel.yaml
  ` + styles.Code.Render("keel migrate") + `                   Create the tenant's partitions
  ` + styles.Code.Render("keel account open alice") + `        Open an account
  ` + styles.Code.Render("keel transfer alice bob 100") + `    Move funds with the transfer saga
  ` + styles.Code.Render("keel projection rebuild") + `        Rebuild the balances read model`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				styles.DisableColors()
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to keel.yaml (default: search upwards from the working directory)")
	flags.StringVarP(&opts.tenant, "tenant", "t", "", "Tenant to operate on (overrides KEEL_TENANT and keel.yaml)")
	flags.BoolVar(&opts.trace, "trace", false, "Write OpenTelemetry spans to stderr")
	flags.BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(NewInitCommand())
	rootCmd.AddCommand(NewMigrateCommand(opts))
	rootCmd.AddCommand(NewAccountCommand(opts))
	rootCmd.AddCommand(NewTransferCommand(opts))
	rootCmd.AddCommand(NewLoanCommand(opts))
	rootCmd.AddCommand(NewCoinCommand(opts))
	rootCmd.AddCommand(NewPoolCommand(opts))
	rootCmd.AddCommand(NewProjectionCommand(opts))
	rootCmd.AddCommand(NewStreamCommand(opts))
	rootCmd.AddCommand(NewDiagnoseCommand(opts))
	rootCmd.AddCommand(NewVersionCommand(Version, Commit, BuildDate))

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styles.FormatError(err.Error()))
		return err
	}
	return nil
}
