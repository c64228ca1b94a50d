package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nearcast/nearcast/internal/api"
	"github.com/nearcast/nearcast/internal/app/routing"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat FROM TO",
	Short: "Send each line typed on stdin as a message",
	Args:  cobra.ExactArgs(2),
	RunE:  runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	from, to := args[0], args[1]
	c, err := newClient()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, ">>> %s -> %s (type /bye to exit)\n", from, to)

	scanner := newLineScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, ">>> ")
		if !scanner.Scan() {
			break
		}
		input := scanner.Text()

		if input == "/bye" || input == "/exit" || input == "/quit" {
			fmt.Fprintln(out, "Goodbye!")
			return nil
		}

		if input == "" {
			continue
		}

		var res routing.SendResult
		req := api.SendRequest{To: to, Body: input}
		if err := c.post(cmd.Context(), peerPath(from, "/messages"), req, &res); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
			continue
		}
		printSendResult(out, to, res)
	}

	return scanner.Err()
}
