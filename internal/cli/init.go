package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nearcast/nearcast/internal/daemon"
)

func init() {
	initCmd.Flags().BoolVar(&initDemo, "demo", false, "Include the four demo peers")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

var (
	initDemo  bool
	initForce bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = daemon.ConfigPath()
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg := daemon.DefaultConfig()
	if initDemo {
		cfg.Peers = daemon.DemoPeers()
	}
	if err := daemon.SaveConfigFile(path, cfg); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d peers)\n", path, len(cfg.Peers))
	return nil
}
