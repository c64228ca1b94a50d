package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nearcast/nearcast/internal/api"
	"github.com/nearcast/nearcast/internal/app/routing"
)

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(broadcastCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send FROM TO MESSAGE...",
	Short: "Send a message from a hosted peer",
	Long: `Send a message from a hosted peer to any peer in the directory.
FROM and TO may be names or ids.`,
	Args: cobra.MinimumNArgs(3),
	RunE: runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	req := api.SendRequest{To: args[1], Body: strings.Join(args[2:], " ")}
	var res routing.SendResult
	if err := c.post(cmd.Context(), peerPath(args[0], "/messages"), req, &res); err != nil {
		return err
	}
	printSendResult(cmd.OutOrStdout(), args[1], res)
	return nil
}

func printSendResult(w io.Writer, to string, res routing.SendResult) {
	if res.Channel == "" {
		fmt.Fprintf(w, "%s: not delivered: %s\n", to, res.Error)
		return
	}
	fmt.Fprintf(w, "%s: %s via %s", to, res.Mode, res.Channel)
	for _, a := range res.Failed {
		fmt.Fprintf(w, " (%s failed: %s)", a.Channel, a.Error)
	}
	fmt.Fprintln(w)
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast FROM [MESSAGE...]",
	Short: "Send the same message to every contact",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBroadcast,
}

func runBroadcast(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	req := api.BroadcastRequest{Body: strings.Join(args[1:], " ")}
	var out struct {
		Results []routing.SendResult `json:"results"`
	}
	if err := c.post(cmd.Context(), peerPath(args[0], "/broadcast"), req, &out); err != nil {
		return err
	}

	if len(out.Results) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%s has no contacts.\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tMODE\tCHANNEL")
	for _, r := range out.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.TargetID, r.Mode, r.Channel)
	}
	return w.Flush()
}
