package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/kestrel-es/kestrel/cli/styles"
)

// NewVersionCommand creates the version command.
func NewVersionCommand(version, commit, date string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table := styles.NewTable("", "").
				Row("Version", version).
				Row("Commit", commit).
				Row("Built", date).
				Row("Go", runtime.Version()).
				Row("OS/Arch", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH))

			fmt.Fprintln(cmd.OutOrStdout(), table.String())
			return nil
		},
	}
}
