package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nearcast/nearcast/internal/domain"
)

func init() {
	rootCmd.AddCommand(showCmd)
}

var showCmd = &cobra.Command{
	Use:   "show PEER",
	Short: "Show detailed information about a peer",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	var p domain.PeerRecord
	if err := c.get(cmd.Context(), peerPath(args[0], ""), &p); err != nil {
		return err
	}
	printPeer(cmd, p)
	return nil
}

func printPeer(cmd *cobra.Command, p domain.PeerRecord) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Name:      %s\n", p.Name)
	fmt.Fprintf(out, "ID:        %s\n", p.ID)
	fmt.Fprintf(out, "Presence:  %s\n", p.Presence)
	fmt.Fprintf(out, "Location:  %s\n", p.Location)
	fmt.Fprintf(out, "Radius:    %s km\n", km(p.RadiusKm))
	fmt.Fprintf(out, "Contacts:  %d\n", len(p.Contacts))
	if p.Endpoints.DirectAddr != "" {
		fmt.Fprintf(out, "Direct:    %s\n", p.Endpoints.DirectAddr)
	}
	if p.Endpoints.RPCAddr != "" {
		fmt.Fprintf(out, "RPC:       %s\n", p.Endpoints.RPCAddr)
	}
}
