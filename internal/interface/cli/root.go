// Package cli implements the calimero-node command-line entrypoint: a
// thin cobra wrapper around internal/node's constructor and lifecycle.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "calimero-node",
	Short: "Calimero node-core process",
	Long: `calimero-node runs one Calimero context-replication process: a
libp2p-connected node that propagates causal deltas across untrusted
peers and reconciles each context's state via its causal DAG.

Getting started:
  calimero-node run                   start the node with default config
  calimero-node run -c calimero.yaml  start with a config file`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(v, c, d string) {
	version, commit, date = v, c, d
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("calimero-node %s (commit %s, built %s)\n", version, commit, date)
		return nil
	},
}
