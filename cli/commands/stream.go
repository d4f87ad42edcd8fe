package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrel-es/kestrel/adapters"
	"github.com/kestrel-es/kestrel/cli/styles"
)

// NewStreamCommand creates the stream command.
func NewStreamCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Inspect an aggregate's stored events",
		Long: `Inspect the stored event log of a single aggregate.

Examples:
  kestrel stream show account-42            # List stored records
  kestrel stream show account-42 --data     # Include payloads
  kestrel stream verify account-42          # Check the log can be replayed`,
	}

	cmd.AddCommand(newStreamShowCommand(configPath))
	cmd.AddCommand(newStreamVerifyCommand(configPath))

	return cmd
}

func newStreamShowCommand(configPath *string) *cobra.Command {
	var (
		from     int64
		withData bool
	)

	cmd := &cobra.Command{
		Use:   "show <aggregate-id>",
		Short: "List the stored records of an aggregate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			aggregateID := args[0]
			out := cmd.OutOrStdout()

			return withAdapter(cmd.Context(), *configPath, func(adapter adapters.EventStoreAdapter) error {
				events, err := adapter.Load(cmd.Context(), aggregateID, from)
				if err != nil {
					return fmt.Errorf("failed to load %s: %w", aggregateID, err)
				}

				if len(events) == 0 {
					fmt.Fprintln(out, styles.FormatInfo(fmt.Sprintf("No events stored for %s", aggregateID)))
					return nil
				}

				fmt.Fprintln(out, styles.Title.Render(fmt.Sprintf("%s %s", styles.IconStream, aggregateID)))
				fmt.Fprintln(out)
				renderEvents(out, events, withData)
				fmt.Fprintf(out, "\n%d event(s)\n", len(events))
				return nil
			})
		},
	}

	cmd.Flags().Int64VarP(&from, "from", "f", 0, "Only show events after this sequence")
	cmd.Flags().BoolVar(&withData, "data", false, "Print event payloads")

	return cmd
}

func renderEvents(out io.Writer, events []adapters.StoredEvent, withData bool) {
	headers := []string{"Seq", "Type", "Actor", "Occurred At"}
	if withData {
		headers = append(headers, "Data")
	}

	table := styles.NewTable(headers...)
	for _, e := range events {
		actor := e.ActorID
		if actor == "" {
			actor = "-"
		}
		row := []string{
			strconv.FormatInt(e.Sequence, 10),
			e.Type,
			actor,
			e.OccurredAt.UTC().Format(time.RFC3339),
		}
		if withData {
			row = append(row, formatPayload(e.Data))
		}
		table.Row(row...)
	}
	fmt.Fprintln(out, table.String())
}

// formatPayload renders JSON payloads compactly and anything else as a
// byte count.
func formatPayload(data []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err == nil {
		return buf.String()
	}
	return fmt.Sprintf("<%d bytes>", len(data))
}

func newStreamVerifyCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <aggregate-id>",
		Short: "Check that an aggregate's log is contiguous",
		Long: `Check that the stored sequence numbers run 1..N without gaps or duplicates
and that the stored snapshot, if any, points inside the log.

Exits with status 2 when the history is corrupt.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			aggregateID := args[0]
			out := cmd.OutOrStdout()

			return withAdapter(cmd.Context(), *configPath, func(adapter adapters.EventStoreAdapter) error {
				report, err := VerifyStream(cmd.Context(), adapter, aggregateID)
				if err != nil {
					return err
				}
				report.Render(out)
				return report.Err()
			})
		},
	}
}
