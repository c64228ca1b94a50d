package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nearcast/nearcast/internal/api"
	"github.com/nearcast/nearcast/internal/domain"
	"github.com/nearcast/nearcast/internal/geo"
)

func init() {
	rootCmd.AddCommand(moveCmd)
	rootCmd.AddCommand(radiusCmd)
	rootCmd.AddCommand(presenceCmd)
}

var moveCmd = &cobra.Command{
	Use:   "move PEER LAT,LON | PEER LAT LON",
	Short: "Move a hosted peer",
	Long: `Move a hosted peer. Coordinates may be pasted as copied from a map,
e.g. nearcast move Alice -- "-3.7442, -38.5356".`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runMove,
}

func runMove(cmd *cobra.Command, args []string) error {
	loc, err := geo.ParseCoordinates(strings.Join(args[1:], ","))
	if err != nil {
		return err
	}
	lat, lon := loc.Lat, loc.Lon
	return updatePeer(cmd, args[0], "/location", api.LocationRequest{Latitude: &lat, Longitude: &lon})
}

var radiusCmd = &cobra.Command{
	Use:   "radius PEER KM",
	Short: "Change a hosted peer's radius",
	Args:  cobra.ExactArgs(2),
	RunE:  runRadius,
}

func runRadius(cmd *cobra.Command, args []string) error {
	r, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid radius %q: %w", args[1], err)
	}
	return updatePeer(cmd, args[0], "/radius", api.RadiusRequest{RadiusKm: r})
}

var presenceCmd = &cobra.Command{
	Use:       "presence PEER online|offline",
	Short:     "Set a hosted peer online or offline",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{string(domain.PresenceOnline), string(domain.PresenceOffline)},
	RunE:      runPresence,
}

func runPresence(cmd *cobra.Command, args []string) error {
	return updatePeer(cmd, args[0], "/presence", api.PresenceRequest{Presence: domain.Presence(args[1])})
}

func updatePeer(cmd *cobra.Command, peer, suffix string, req any) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	var p domain.PeerRecord
	if err := c.put(cmd.Context(), peerPath(peer, suffix), req, &p); err != nil {
		return err
	}
	printPeer(cmd, p)
	return nil
}
