package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nearcast/nearcast/internal/domain"
)

func init() {
	rootCmd.AddCommand(peersCmd)
}

var peersCmd = &cobra.Command{
	Use:     "peers",
	Aliases: []string{"ls"},
	Short:   "List every peer in the directory",
	RunE:    runPeers,
}

func runPeers(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	var out struct {
		Peers []domain.PeerRecord `json:"peers"`
	}
	if err := c.get(cmd.Context(), "/api/peers", &out); err != nil {
		return err
	}

	if len(out.Peers) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No peers registered. Is 'nearcast serve' running with peers configured?")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tPRESENCE\tLOCATION\tRADIUS KM\tCONTACTS")
	for _, p := range out.Peers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			p.Name,
			p.ID,
			p.Presence,
			p.Location,
			km(p.RadiusKm),
			len(p.Contacts),
		)
	}
	return w.Flush()
}
