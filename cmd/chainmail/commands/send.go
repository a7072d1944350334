package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// send <peer> <message>: encrypt and send one message.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Encrypt and send a message to a peer address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(cmd); err != nil {
				return err
			}
			if err := messenger.Start(cmd.Context()); err != nil {
				return err
			}
			id, err := messenger.SendText(cmd.Context(), args[0], []byte(args[1]))
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}
