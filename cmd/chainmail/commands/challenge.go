package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chainmail-im/chainmail/internal/keyring"
)

// challenge <address>: print the text the wallet must sign to unlock.
func challengeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "challenge <address>",
		Short: "Print the unlock challenge for a wallet address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := keyring.BuildChallenge(args[0])
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	}
}
