package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nearcast/nearcast/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveDemo, "demo", false, "Host the four demo peers when none are configured")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost string
	servePort int
	serveDemo bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the configured peers and the admin API",
	Long:  `Start every configured peer and serve the admin API at localhost:7070.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Override config from flags
	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}
	if len(cfg.Peers) == 0 {
		if !serveDemo {
			return fmt.Errorf("no peers configured; run 'nearcast init --demo' or pass --demo")
		}
		cfg.Peers = daemon.DemoPeers()
	}

	d, err := daemon.NewWithConfig(cfg, nil)
	if err != nil {
		return err
	}
	return d.Serve(cmd.Context())
}
