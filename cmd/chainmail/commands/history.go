package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// history <peer>: print the newest messages of a conversation.
func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <peer>",
		Short: "Show the newest messages exchanged with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(cmd); err != nil {
				return err
			}
			if err := messenger.Start(cmd.Context()); err != nil {
				return err
			}
			texts, err := messenger.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			for _, t := range texts {
				fmt.Printf("%s  %s  %s\n", t.Timestamp, t.From, t.Body)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of messages")
	return cmd
}
