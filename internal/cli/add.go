package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nearcast/nearcast/internal/api"
	"github.com/nearcast/nearcast/internal/domain"
	"github.com/nearcast/nearcast/internal/geo"
)

func init() {
	addCmd.Flags().StringVar(&addAt, "at", "", `Location as "LAT, LON" (required)`)
	addCmd.Flags().Float64Var(&addRadius, "radius", 0, "Communication radius in km (required)")
	addCmd.Flags().StringVar(&addDirect, "direct", "", "Direct listener address (default ephemeral)")
	addCmd.Flags().StringVar(&addRPC, "rpc", "", "Remote-call listener address (default ephemeral)")
	_ = addCmd.MarkFlagRequired("at")
	_ = addCmd.MarkFlagRequired("radius")
	rootCmd.AddCommand(addCmd)
}

var (
	addAt     string
	addRadius float64
	addDirect string
	addRPC    string
)

var addCmd = &cobra.Command{
	Use:   "add NAME --at LAT,LON --radius KM",
	Short: "Host a new peer on the running daemon",
	Long: `Host a new peer on the running daemon. The peer comes online at once
but is not written to the config file.`,
	Example: `  nearcast add Eve --at="-3.7320, -38.5268" --radius 1`,
	Args:    cobra.ExactArgs(1),
	RunE:    runAdd,
}

func runAdd(cmd *cobra.Command, args []string) error {
	loc, err := geo.ParseCoordinates(addAt)
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}

	var resp struct {
		Peer    domain.PeerRecord `json:"peer"`
		Warning string            `json:"warning"`
	}
	err = c.post(cmd.Context(), "/api/peers", api.CreatePeerRequest{
		Name:       args[0],
		Latitude:   loc.Lat,
		Longitude:  loc.Lon,
		RadiusKm:   addRadius,
		DirectAddr: addDirect,
		RPCAddr:    addRPC,
	}, &resp)
	if err != nil {
		return err
	}
	if resp.Warning != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), "Warning:", resp.Warning)
	}
	printPeer(cmd, resp.Peer)
	return nil
}
