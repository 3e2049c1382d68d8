// Heimdall — sandboxed code execution service for AI agents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "heimdall",
	Short: "Heimdall — sandboxed Python and bash execution for AI agents.",
	Long: `Heimdall executes untrusted Python and bash against a confined workspace.
Python runs in a killable WASM interpreter with a hard wall-clock timeout;
bash runs in an embedded interpreter with no host binary or network access.
Every path is confined to the workspace and every write is quota-checked.`,
	RunE:          runServe, // Default to MCP stdio mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, gatewayCmd, execCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
