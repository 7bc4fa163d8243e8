// Package main provides the entry point for the cell-sensor daemon and its
// operator commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cell-sensor",
		Short: "Cellular modem diag capture and analysis daemon",
		Long: `cell-sensor records the modem's diag stream into a local store, analyzes
it for suspicious network behaviour, and serves recordings over HTTP.

Commands:
  run            Run the capture daemon
  entries        List recordings in the store
  config         Print the effective configuration
  collect-logs   Package logs, recordings, config, and diagnostics for support
  version        Print the version`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to config file (default: /etc/cell-sensor/config.json, then ./config.json)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(entriesCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(collectLogsCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}
