// Package cmd implements the syncengine demo CLI using cobra. The demo
// CLI is not part of the core sync engine — it exists only to exercise
// two Engine instances against each other over an in-process transport
// pair.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var versionStr = "dev"

// SetVersion sets the version string shown by --version.
func SetVersion(v string) {
	versionStr = v
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:   "syncengine",
	Short: "Demo driver for the mobile/host row-sync engine",
	Long: `syncengine is a demo CLI around the bidirectional, offline-tolerant
row-sync engine: it opens two local SQLite peers and drives one full
sync session between them over an in-process transport, printing the
observed lifecycle events as they happen.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
