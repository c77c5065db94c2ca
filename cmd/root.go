// Package cmd implements the mcdpid CLI using cobra.
package cmd

import (
	"github.com/spf13/cobra"
)

// configFile is the global --config flag shared by every subcommand.
var configFile string

var rootCmd = &cobra.Command{
	Use:   "mcdpid",
	Short: "mcdpid - adaptive multicore DPI pipeline runtime",
	Long: `mcdpid hosts an adaptive parallel packet-processing pipeline that
measures its own worker utilization and energy draw and reconfigures worker
count and CPU frequency to stay inside a target load band while minimizing
power.

It wraps a sequential DPI engine and drives it through a push/pull callback
interface; this binary supplies the packet source (an offline pcap file) and
a minimal classification-result sink, and exposes Prometheus metrics and
structured logs for everything the pipeline itself reports.`,
	Version: "0.1.0",
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/mcdpi/config.yml",
		"config file path")

	rootCmd.AddCommand(runCmd)
}
