package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMailboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mailbox",
		Short: "Send and poll agent mailboxes",
	}
	cmd.AddCommand(newMailboxSendCmd())
	cmd.AddCommand(newMailboxPollCmd())
	return cmd
}

func newMailboxSendCmd() *cobra.Command {
	var sender string
	cmd := &cobra.Command{
		Use:   "send <recipient> <content>",
		Short: "Send a message to an agent's mailbox",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, _, box, _, err := openCoordination(cmd)
			if err != nil {
				return err
			}
			id, err := box.Send(sender, args[0], args[1])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s\n", id, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&sender, "from", "operator", "Sender name")
	return cmd
}

func newMailboxPollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll <recipient>",
		Short: "Print all messages in a mailbox (non-destructive)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, _, box, _, err := openCoordination(cmd)
			if err != nil {
				return err
			}
			msgs, err := box.Poll(args[0])
			if err != nil {
				return err
			}
			for _, m := range msgs {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %s -> %s: %s\n",
					m.SentAt.Format("2006-01-02 15:04:05"), m.Sender, m.Recipient, m.Content)
			}
			if len(msgs) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "mailbox empty")
			}
			return nil
		},
	}
	return cmd
}
