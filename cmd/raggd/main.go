package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/raggd/raggd/internal/logging"
)

// rootCmd is the raggd entry point. The core package does not own the CLI
// (§6.4); this binary is a thin wrapper that resolves a workspace, loads
// raggd.toml, and dispatches to the core's idempotent operations.
var rootCmd = &cobra.Command{
	Use:   "raggd",
	Short: "raggd - retrieval-augmented source indexing",
	Long: `raggd maintains a per-source parsed-chunk index and, optionally,
vector indexes built from it, under a single workspace root.

All operations except "db reset" and "db downgrade" are safe to retry.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Configure("console", flagVerbose, "")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagWorkspace, "workspace", "w", "", "Workspace root (default: $RAGGD_WORKSPACE or ~/.raggd)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(dbCmd, sourceCmd, healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
