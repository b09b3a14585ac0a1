// keel is the command-line interface for keel ledgers.
//
// Usage:
//
//	keel <command> [flags]
//
// Commands:
//
//	init        Create a keel.yaml configuration
//	migrate     Create the partitions of a tenant
//	account     Open accounts and move funds
//	transfer    Move funds with the transfer saga
//	loan        Request and disburse loans
//	coin        Mint and burn stablecoin
//	pool        Fund currency pools and convert
//	projection  Inspect and rebuild read models
//	stream      Show the events of a stream
//	diagnose    Run diagnostic checks on your setup
//	version     Show version information
//
// Examples:
//
//	# Create a sqlite-backed project
//	keel init ledger --non-interactive
//
//	# Open two accounts and transfer between them
//	keel account open alice --deposit 1000
//	keel account open bob
//	keel transfer alice bob 250
//
//	# Rebuild the balances read model
//	keel projection rebuild --force
package main

import (
	"os"

	"github.com/keelhq/keel/cli/commands"
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

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
