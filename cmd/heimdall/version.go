package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags.
var version = "0.1.0-dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the Heimdall version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println("heimdall", version)
	},
}
