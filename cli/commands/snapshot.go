package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrel-es/kestrel"
	"github.com/kestrel-es/kestrel/adapters"
	"github.com/kestrel-es/kestrel/cli/styles"
)

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect stored aggregate snapshots",
	}

	cmd.AddCommand(newSnapshotShowCommand(configPath))
	cmd.AddCommand(newSnapshotDeleteCommand(configPath))

	return cmd
}

func snapshotAdapter(adapter adapters.EventStoreAdapter) (adapters.SnapshotAdapter, error) {
	sa, ok := adapter.(adapters.SnapshotAdapter)
	if !ok {
		return nil, kestrel.ErrSnapshotsNotSupported
	}
	return sa, nil
}

func newSnapshotShowCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <aggregate-id>",
		Short: "Print the position and schema of an aggregate's snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			aggregateID := args[0]
			out := cmd.OutOrStdout()

			return withAdapter(cmd.Context(), *configPath, func(adapter adapters.EventStoreAdapter) error {
				sa, err := snapshotAdapter(adapter)
				if err != nil {
					return err
				}

				snapshot, err := sa.LoadSnapshot(cmd.Context(), aggregateID)
				if err != nil {
					return fmt.Errorf("failed to load snapshot for %s: %w", aggregateID, err)
				}
				if snapshot == nil {
					fmt.Fprintln(out, styles.FormatInfo(fmt.Sprintf("No snapshot stored for %s", aggregateID)))
					return nil
				}

				fmt.Fprintln(out, styles.Title.Render(fmt.Sprintf("%s %s", styles.IconSnapshot, aggregateID)))
				if snapshot.TenantID != "" {
					fmt.Fprintln(out, styles.FormatKeyValue("Tenant", snapshot.TenantID))
				}
				fmt.Fprintln(out, styles.FormatKeyValue("Sequence", fmt.Sprint(snapshot.Sequence)))
				fmt.Fprintln(out, styles.FormatKeyValue("Schema version", fmt.Sprint(snapshot.SchemaVersion)))
				fmt.Fprintln(out, styles.FormatKeyValue("Size", fmt.Sprintf("%d bytes", len(snapshot.Data))))
				fmt.Fprintln(out, styles.FormatKeyValue("Created", snapshot.CreatedAt.UTC().Format(time.RFC3339)))
				return nil
			})
		},
	}
}

func newSnapshotDeleteCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <aggregate-id>",
		Short: "Delete an aggregate's snapshot so the next load replays the full log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			aggregateID := args[0]
			out := cmd.OutOrStdout()

			return withAdapter(cmd.Context(), *configPath, func(adapter adapters.EventStoreAdapter) error {
				sa, err := snapshotAdapter(adapter)
				if err != nil {
					return err
				}
				if err := sa.DeleteSnapshot(cmd.Context(), aggregateID); err != nil && !errors.Is(err, adapters.ErrStreamNotFound) {
					return fmt.Errorf("failed to delete snapshot for %s: %w", aggregateID, err)
				}
				fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Deleted snapshot for %s", aggregateID)))
				return nil
			})
		},
	}
}
