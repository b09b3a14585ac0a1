package commands

import (
	"fmt"
	"io"
	"slices"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/cli/styles"
	"github.com/keelhq/keel/cli/ui"
	"github.com/keelhq/keel/domain/accounts"
	"github.com/keelhq/keel/projections"
)

// NewProjectionCommand creates the projection command
func NewProjectionCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projection",
		Short: "Inspect and rebuild read models",
		Long: `Inspect and rebuild the read models of the tenant. The balances
projection keeps one row per account of the accounts partition.

Examples:
  keel projection status            # Checkpoint and lag
  keel projection rebuild           # Replay the partition into balances
  keel projection rebuild --to 120  # Replay up to position 120`,
		Aliases: []string{"proj"},
	}

	cmd.AddCommand(newProjectionStatusCommand(opts))
	cmd.AddCommand(newProjectionRebuildCommand(opts))
	return cmd
}

func newProjectionStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the checkpoint and lag of the balances projection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			env, err := opts.openEnv(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := env.Context(cmd.Context())
			p := env.Partition(accounts.Domain)
			checkpoints, err := env.checkpoints(p)
			if err != nil {
				return err
			}
			checkpoint, err := checkpoints.GetCheckpoint(ctx, projections.BalancesProjection)
			if err != nil {
				return err
			}
			last, err := lastPosition(ctx, env.Store, p)
			if err != nil {
				return err
			}

			status := "ok"
			if checkpoint < last {
				status = "catching_up"
			}
			fmt.Fprintln(out, styles.Title.Render("Projection "+projections.BalancesProjection))
			fmt.Fprintln(out)
			fmt.Fprintln(out, styles.FormatKeyValue("Partition", p.Key()))
			fmt.Fprintln(out, styles.FormatKeyValue("Checkpoint", fmt.Sprint(checkpoint)))
			fmt.Fprintln(out, styles.FormatKeyValue("Last position", fmt.Sprint(last)))
			fmt.Fprintln(out, styles.FormatKeyValue("Lag", fmt.Sprint(last-min(checkpoint, last))))
			fmt.Fprintln(out, styles.FormatKeyValue("Status", ui.StatusBadge(status)))
			return nil
		},
	}
}

func newProjectionRebuildCommand(opts *rootOptions) *cobra.Command {
	var (
		force     bool
		to        uint64
		batchSize int
	)

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Replay the accounts partition into the balances projection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if !force && ui.Interactive(out) {
				confirmed := false
				form := huh.NewForm(
					huh.NewGroup(
						huh.NewConfirm().
							Title("Rebuild projection '" + projections.BalancesProjection + "'?").
							Description("The checkpoint is moved back and every event is replayed").
							Value(&confirmed),
					),
				).WithTheme(huh.ThemeBase())
				if err := form.Run(); err != nil {
					return err
				}
				if !confirmed {
					fmt.Fprintln(out, styles.FormatInfo("Cancelled"))
					return nil
				}
			}

			env, err := opts.openEnv(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := env.Context(cmd.Context())
			p := env.Partition(accounts.Domain)
			checkpoints, err := env.checkpoints(p)
			if err != nil {
				return err
			}
			rebuilder, err := keel.NewProjectionRebuilder(env.Store, p,
				keel.WithRebuilderBatchSize(batchSize),
				keel.WithRebuilderCheckpoints(checkpoints),
				keel.WithRebuilderLogger(env.Logger))
			if err != nil {
				return err
			}

			balances := projections.NewBalances(env.Store.Serializer())
			rebuildOpts := keel.DefaultRebuildOptions()
			rebuildOpts.ToPosition = to

			var result keel.RebuildProgress
			if ui.Interactive(out) {
				result, err = rebuildWithProgress(out, func(onProgress keel.ProgressCallback) (keel.RebuildProgress, error) {
					rebuildOpts.OnProgress = onProgress
					return rebuilder.Rebuild(ctx, balances, rebuildOpts)
				})
			} else {
				rebuildOpts.OnProgress = func(pr keel.RebuildProgress) {
					fmt.Fprintln(out, styles.Muted.Render(fmt.Sprintf("  %d/%d events, position %d",
						pr.ProcessedEvents, pr.TotalEvents, pr.CurrentPosition)))
				}
				result, err = rebuilder.Rebuild(ctx, balances, rebuildOpts)
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Rebuilt %s: %d events up to position %d in %s",
				projections.BalancesProjection, result.ProcessedEvents, result.CurrentPosition, result.Duration.Round(time.Millisecond))))

			rows, err := balances.List(ctx, p)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				return nil
			}
			slices.SortFunc(rows, func(a, b *projections.Balance) int {
				switch {
				case a.AccountID < b.AccountID:
					return -1
				case a.AccountID > b.AccountID:
					return 1
				}
				return 0
			})

			fmt.Fprintln(out)
			table := ui.NewTable("Account", "Owner", "Currency", "Balance", "Status")
			for _, b := range rows {
				status := "active"
				if b.Frozen {
					status = "frozen"
				}
				table.AddRow(b.AccountID, b.Owner, b.Currency, fmt.Sprint(b.Balance), status)
			}
			fmt.Fprintln(out, table.Render())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip confirmation")
	cmd.Flags().Uint64Var(&to, "to", 0, "Stop at this position (default: the end of the partition)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 1000, "Events read per batch")
	return cmd
}

// rebuildWithProgress runs rebuild behind a progress bar fed by its
// progress callback.
func rebuildWithProgress(out io.Writer, rebuild func(keel.ProgressCallback) (keel.RebuildProgress, error)) (keel.RebuildProgress, error) {
	program := tea.NewProgram(ui.NewProgress("Rebuilding "+projections.BalancesProjection), tea.WithOutput(out))

	type finished struct {
		result keel.RebuildProgress
		err    error
	}
	done := make(chan finished, 1)
	go func() {
		result, err := rebuild(func(pr keel.RebuildProgress) {
			percent := 0.99
			if pr.TotalEvents > 0 {
				percent = min(float64(pr.ProcessedEvents)/float64(pr.TotalEvents), 0.99)
			}
			program.Send(ui.ProgressMsg{
				Percent: percent,
				Message: fmt.Sprintf("%d/%d events", pr.ProcessedEvents, pr.TotalEvents),
			})
		})
		done <- finished{result, err}
		program.Send(ui.ProgressMsg{Percent: 1, Message: fmt.Sprintf("%d events replayed", result.ProcessedEvents)})
	}()

	_, runErr := program.Run()
	f := <-done
	if runErr != nil {
		return f.result, runErr
	}
	return f.result, f.err
}
