// Package cli implements the nearcast command-line interface using Cobra.
// serve and init act on the local config; every other command talks to a
// running daemon through its admin API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nearcast/nearcast/internal/daemon"
)

var (
	configPath string
	apiURL     string
)

var rootCmd = &cobra.Command{
	Use:   "nearcast",
	Short: "nearcast: location-aware peer messaging",
	Long: `nearcast hosts peers that know where they are.

A message goes straight to the target when it is online and within the
sender's radius, falls back to a remote call, and otherwise waits in the
target's durable inbox until it comes back.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $NEARCAST_HOME/config.toml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "Admin API base URL (default from config)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads --config, or the default config file.
func loadConfig() (daemon.Config, error) {
	if configPath != "" {
		return daemon.LoadConfigFile(configPath)
	}
	return daemon.LoadConfig()
}
