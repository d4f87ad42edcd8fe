package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestrel-es/kestrel/adapters"
	"github.com/kestrel-es/kestrel/cli/styles"
	"github.com/kestrel-es/kestrel/cli/ui"
)

// migrationReporter is implemented by adapters that can tell whether their
// schema has been created.
type migrationReporter interface {
	MigrationVersion(ctx context.Context) (int, error)
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the event store schema",
		Long: `Create the tables the configured driver needs. Running it again is a no-op.

Examples:
  kestrel migrate          # Create or update the schema
  kestrel migrate status   # Report whether the schema exists`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return withAdapter(cmd.Context(), *configPath, func(adapter adapters.EventStoreAdapter) error {
				err := ui.RunSpinner(cmd.Context(), out, "Creating event store schema...", adapter.Initialize)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintln(out, styles.FormatSuccess("Event store schema is up to date"))
				return nil
			})
		},
	}

	cmd.AddCommand(newMigrateStatusCommand(configPath))
	return cmd
}

func newMigrateStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the event store schema exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return withAdapter(cmd.Context(), *configPath, func(adapter adapters.EventStoreAdapter) error {
				reporter, ok := adapter.(migrationReporter)
				if !ok {
					fmt.Fprintln(out, styles.FormatInfo("This driver does not report schema status"))
					return nil
				}

				version, err := reporter.MigrationVersion(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to read migration status: %w", err)
				}
				if version == 0 {
					fmt.Fprintln(out, styles.FormatWarning("Schema not created; run kestrel migrate"))
					return nil
				}
				fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Schema version %d", version)))
				return nil
			})
		},
	}
}
