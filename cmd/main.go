package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.3.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sentience",
		Short: "Agent verification runtime for browser automation",
		Long: `Sentience drives a browser under programmatic control and produces an
audit trail of what an agent did, what it observed, and whether each
intended outcome was reached.

Usage:
  sentience run --url URL --expect TEXT     # Drive a page and verify an outcome
  sentience upload --dir RUNDIR             # Upload persisted failure artifacts
  sentience config show                     # Inspect configuration`,
		Version: version,
	}

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
