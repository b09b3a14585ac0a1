package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/cli/styles"
	"github.com/keelhq/keel/cli/ui"
	"github.com/keelhq/keel/domain/accounts"
)

// exportedEvent is the JSON form of one stored event.
type exportedEvent struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Version       int64           `json:"version"`
	Position      uint64          `json:"position"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// NewStreamCommand creates the stream command
func NewStreamCommand(opts *rootOptions) *cobra.Command {
	var (
		domain string
		from   int64
		limit  int
		output string
	)

	cmd := &cobra.Command{
		Use:   "stream <stream-id>",
		Short: "Show the events of a stream",
		Long: `Show the events of one stream in a partition of the tenant. Stream
ids are the aggregate type and id, for example Account-alice.

Examples:
  keel stream Account-alice
  keel stream Loan-loan-1 --domain lending
  keel stream Account-alice --output alice.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			streamID := args[0]
			if !slices.Contains(Domains, domain) {
				return fmt.Errorf("unknown domain %q, expected one of %v", domain, Domains)
			}

			env, err := opts.openEnv(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer env.Close()

			log, err := env.Store.Partition(env.Partition(domain))
			if err != nil {
				return err
			}
			events, err := collectEvents(env.Context(cmd.Context()), env, log, streamID, from, limit)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(out, styles.FormatInfo(fmt.Sprintf("No events in stream '%s'", streamID)))
				return nil
			}

			if output != "" {
				return exportEvents(out, output, events)
			}

			fmt.Fprintln(out, styles.Title.Render(fmt.Sprintf("%s %s / %s", styles.IconList, log.Partition().Key(), streamID)))
			fmt.Fprintln(out)
			table := ui.NewTable("Version", "Type", "Position", "Recorded", "Correlation")
			for _, e := range events {
				table.AddRow(fmt.Sprint(e.Version), e.Type, fmt.Sprint(e.Position),
					e.Timestamp.Format(time.RFC3339), e.CorrelationID)
			}
			fmt.Fprintln(out, table.Render())
			return nil
		},
	}

	cmd.Flags().StringVarP(&domain, "domain", "d", accounts.Domain, "Partition domain of the stream")
	cmd.Flags().Int64VarP(&from, "from", "f", 0, "Show events after this version")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "Maximum events to show")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the events as JSON to this file instead")
	return cmd
}

// collectEvents reads up to limit events of streamID and re-encodes their
// payloads as JSON, whatever serializer stored them. Payloads of unknown
// types are kept as base64.
func collectEvents(ctx context.Context, env *Env, log *keel.EventLog, streamID string, from int64, limit int) ([]exportedEvent, error) {
	var events []exportedEvent
	for stored, err := range log.ReadFrom(ctx, streamID, from) {
		if err != nil {
			return nil, err
		}
		if limit > 0 && len(events) == limit {
			break
		}

		var data json.RawMessage
		if payload, err := env.Store.Serializer().Deserialize(stored.Data, stored.Type); err == nil {
			data, err = json.Marshal(payload)
			if err != nil {
				return nil, err
			}
		} else if data, err = json.Marshal(stored.Data); err != nil {
			return nil, err
		}
		events = append(events, exportedEvent{
			ID:            stored.ID,
			Type:          stored.Type,
			Version:       stored.Version,
			Position:      stored.GlobalPosition,
			Timestamp:     stored.Timestamp,
			CorrelationID: stored.Metadata.CorrelationID,
			CausationID:   stored.Metadata.CausationID,
			Data:          data,
		})
	}
	return events, nil
}

func exportEvents(out io.Writer, path string, events []exportedEvent) error {
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Exported %d events to %s", len(events), path)))
	return nil
}
