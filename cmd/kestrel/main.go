// kestrel is the command-line interface for kestrel event stores.
//
// Usage:
//
//	kestrel <command> [flags]
//
// Commands:
//
//	init      Write a kestrel.yaml configuration file
//	migrate   Create the event store schema
//	stream    Inspect and verify an aggregate's stored events
//	snapshot  Inspect stored aggregate snapshots
//	version   Show version information
//
// Examples:
//
//	kestrel init --driver=sqlite --url=events.db
//	kestrel migrate
//	kestrel stream verify account-42
package main

import (
	"os"

	"github.com/kestrel-es/kestrel/cli/commands"
)

// Build information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.BuildDate = buildDate

	os.Exit(commands.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
