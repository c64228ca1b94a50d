package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nearcast/nearcast/internal/app/routing"
	"github.com/nearcast/nearcast/internal/domain"
)

func init() {
	rootCmd.AddCommand(contactsCmd)
	rootCmd.AddCommand(statsCmd)
}

var contactsCmd = &cobra.Command{
	Use:   "contacts PEER",
	Short: "List a peer's contacts, nearest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runContacts,
}

func runContacts(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	var out struct {
		Contacts []routing.ContactView `json:"contacts"`
	}
	if err := c.get(cmd.Context(), peerPath(args[0], "/contacts"), &out); err != nil {
		return err
	}

	if len(out.Contacts) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%s has no contacts.\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPRESENCE\tDISTANCE KM\tDELIVERY")
	for _, ct := range out.Contacts {
		delivery := "queued"
		if ct.InRange && ct.Presence == domain.PresenceOnline {
			delivery = "direct"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ct.Name, ct.Presence, km(ct.DistanceKm), delivery)
	}
	return w.Flush()
}

var statsCmd = &cobra.Command{
	Use:   "stats PEER",
	Short: "Summarise a peer's contacts",
	Args:  cobra.ExactArgs(1),
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	var s routing.Stats
	if err := c.get(cmd.Context(), peerPath(args[0], "/stats"), &s); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Presence:         %s\n", s.Presence)
	fmt.Fprintf(out, "Location:         %s\n", s.Location)
	fmt.Fprintf(out, "Radius:           %s km\n", km(s.RadiusKm))
	fmt.Fprintf(out, "Contacts:         %d\n", s.Contacts)
	fmt.Fprintf(out, "Online:           %d\n", s.OnlineContacts)
	fmt.Fprintf(out, "In range:         %d\n", s.InRangeContacts)
	fmt.Fprintf(out, "Sync available:   %d\n", s.SyncAvailable)
	fmt.Fprintf(out, "Async required:   %d\n", s.AsyncRequired)
	return nil
}
