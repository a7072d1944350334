package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chainmail-im/chainmail/internal/backup"
)

// export <file>: write an encrypted backup of the whole vault. Works on
// a locked vault; the rows are already ciphertext.
func exportCmd() *cobra.Command {
	var passphrase string
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Export the vault as an encrypted backup file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := backup.Export(cmd.Context(), db, passphrase)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], data, 0o600); err != nil {
				return fmt.Errorf("failed to write backup: %w", err)
			}
			fmt.Printf("exported to %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&passphrase, "passphrase", "p", "", "backup passphrase (min 8 characters)")
	_ = cmd.MarkFlagRequired("passphrase")
	return cmd
}

// import <file>: replace the vault with a backup's contents.
func importCmd() *cobra.Command {
	var passphrase string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the vault with an encrypted backup's contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read backup: %w", err)
			}
			if err := backup.Import(cmd.Context(), db, passphrase, data); err != nil {
				return err
			}
			fmt.Println("vault restored")
			return nil
		},
	}
	cmd.Flags().StringVarP(&passphrase, "passphrase", "p", "", "backup passphrase")
	_ = cmd.MarkFlagRequired("passphrase")
	return cmd
}
