// Package commands provides the CLI command implementations for kestrel.
package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kestrel-es/kestrel"
	"github.com/kestrel-es/kestrel/cli/styles"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Exit codes returned by Execute.
const (
	ExitOK        = 0
	ExitError     = 1
	ExitIntegrity = 2
)

// NewRootCommand creates the root command for the kestrel CLI.
func NewRootCommand() *cobra.Command {
	var (
		noColor    bool
		configPath string
	)

	rootCmd := &cobra.Command{
		Use:   "kestrel",
		Short: "Inspect and maintain kestrel event stores",
		Long: styles.Title.Render("kestrel") + ` rebuilds aggregates from ordered event logs.

This tool prepares storage and inspects the stored history of individual
aggregates.

` + styles.Subtitle.Render("Quick Start:") + `

  ` + styles.Code.Render("kestrel init") + `                  Write kestrel.yaml
  ` + styles.Code.Render("kestrel migrate") + `               Create the event store schema
  ` + styles.Code.Render("kestrel stream verify <id>") + `    Check an aggregate's log`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				styles.DisableColors()
			}
		},
	}

	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to kestrel.yaml (default: search upward from the working directory)")

	rootCmd.AddCommand(NewInitCommand())
	rootCmd.AddCommand(NewMigrateCommand(&configPath))
	rootCmd.AddCommand(NewStreamCommand(&configPath))
	rootCmd.AddCommand(NewSnapshotCommand(&configPath))
	rootCmd.AddCommand(NewVersionCommand(Version, Commit, BuildDate))

	return rootCmd
}

// Execute runs the root command with args and returns the process exit code.
// Errors are printed to stderr.
func Execute(args []string, stdout, stderr io.Writer) int {
	rootCmd := NewRootCommand()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(stderr, styles.FormatError(err.Error()))
		return ExitCode(err)
	}
	return ExitOK
}

// ExitCode maps err to a process exit code. Corrupted history gets its own
// code so scripts can tell it apart from connectivity or usage problems.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, kestrel.ErrDataIntegrity):
		return ExitIntegrity
	default:
		return ExitError
	}
}
