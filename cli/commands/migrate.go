package commands

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/adapters"
	"github.com/keelhq/keel/cli/styles"
	"github.com/keelhq/keel/cli/ui"
)

// NewMigrateCommand creates the migrate command
func NewMigrateCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the partitions of the tenant",
		Long: `Create the shared tables and one partition per domain for the
configured tenant. Running it again is a no-op.

Examples:
  keel migrate                 # Partitions of the configured tenant
  keel migrate -t globex       # Partitions of another tenant
  keel migrate partitions      # List every partition in the store`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			env, err := opts.openEnv(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close()

			table := ui.NewTable("Partition", "Table suffix")
			err = ui.Spin(out, "Creating partitions of "+env.Config.Tenant, func() (string, error) {
				for _, domain := range Domains {
					p := env.Partition(domain)
					if err := ensurePartition(cmd.Context(), env.Adapter, p); err != nil {
						return "", fmt.Errorf("partition %s: %w", p.Key(), err)
					}
					table.AddRow(p.Key(), p.TableSuffix())
				}
				return fmt.Sprintf("%d partitions ready", len(Domains)), nil
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(out)
			fmt.Fprintln(out, table.Render())
			return nil
		},
	}

	cmd.AddCommand(newMigratePartitionsCommand(opts))
	return cmd
}

func newMigratePartitionsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "partitions",
		Short: "List every partition in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			env, err := opts.openEnv(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close()

			parts, err := listPartitions(cmd.Context(), env.Adapter)
			if err != nil {
				return err
			}
			if len(parts) == 0 {
				fmt.Fprintln(out, styles.FormatInfo("No partitions yet, run 'keel migrate'"))
				return nil
			}

			fmt.Fprintln(out, styles.Title.Render(styles.IconDatabase+" Partitions"))
			fmt.Fprintln(out)
			table := ui.NewTable("Tenant", "Domain", "Events")
			for _, p := range parts {
				last, err := lastPosition(cmd.Context(), env.Store, p)
				if err != nil {
					return err
				}
				tenant := p.TenantID
				if tenant == "" {
					tenant = styles.Muted.Render("(shared)")
				}
				table.AddRow(tenant, p.Domain, fmt.Sprint(last))
			}
			fmt.Fprintln(out, table.Render())
			return nil
		},
	}
}

func ensurePartition(ctx context.Context, adapter adapters.EventStoreAdapter, p keel.Partition) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if pi, ok := adapter.(adapters.PartitionInitializer); ok {
		return pi.EnsurePartition(ctx, p)
	}
	return nil
}

// listPartitions returns the partitions the adapter knows about, sorted by
// key. The memory adapter lists them without a context.
func listPartitions(ctx context.Context, adapter adapters.EventStoreAdapter) ([]keel.Partition, error) {
	var (
		parts []keel.Partition
		err   error
	)
	switch a := unwrapAdapter(adapter).(type) {
	case interface {
		Partitions(context.Context) ([]adapters.Partition, error)
	}:
		parts, err = a.Partitions(ctx)
	case interface{ Partitions() []adapters.Partition }:
		parts = a.Partitions()
	default:
		return nil, fmt.Errorf("the %T adapter cannot list partitions", adapter)
	}
	if err != nil {
		return nil, err
	}
	slices.SortFunc(parts, func(a, b keel.Partition) int {
		switch {
		case a.Key() < b.Key():
			return -1
		case a.Key() > b.Key():
			return 1
		}
		return 0
	})
	return parts, nil
}

// unwrapAdapter returns the adapter below the tracing middleware.
func unwrapAdapter(adapter adapters.EventStoreAdapter) adapters.EventStoreAdapter {
	if u, ok := adapter.(interface {
		Unwrap() adapters.EventStoreAdapter
	}); ok {
		return u.Unwrap()
	}
	return adapter
}

func lastPosition(ctx context.Context, store *keel.EventStore, p keel.Partition) (uint64, error) {
	log, err := store.Partition(p)
	if err != nil {
		return 0, err
	}
	return log.LastPosition(ctx)
}
