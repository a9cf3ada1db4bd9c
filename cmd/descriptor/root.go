package main

import (
	"github.com/DaniellsQ/ttorrent/pkg/config"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	version = "1.0.0"
	commit  = "unknown"
	date    = "unknown"

	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "descriptor",
	Short: "Create and inspect transfer descriptors",
	Long: `Create and inspect the bencoded transfer descriptors read by the client.

A descriptor records the file name, size, SHA-256 piece hashes, a Merkle
root over those hashes, and the multiaddrs of peers to contact first.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.SetupLogging(config.LoggingConfig{Level: logLevel, Format: "text"})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug|info|warn|error)")
	rootCmd.AddCommand(createCmd, infoCmd, versionCmd)
}
