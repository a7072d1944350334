// Package commands implements the chainmail CLI.
package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chainmail-im/chainmail/internal/app"
	"github.com/chainmail-im/chainmail/internal/config"
	"github.com/chainmail-im/chainmail/internal/transport"
	"github.com/chainmail-im/chainmail/internal/vault"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath string
	address    string
	signature  string

	cfg       *config.Config
	messenger *app.Messenger
	db        *vault.Vault
)

func Execute() error {
	root := &cobra.Command{
		Use:           "chainmail",
		Short:         "Wallet-keyed end-to-end encrypted messaging",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

			if configPath == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				configPath = filepath.Join(dir, ".chainmail", "config.yaml")
			}

			var err error
			cfg, err = config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
				zerolog.SetGlobalLevel(level)
			}

			if err := os.MkdirAll(filepath.Dir(cfg.VaultPath), 0o700); err != nil {
				return err
			}
			db, err = vault.Open(cfg.VaultPath)
			if err != nil {
				return err
			}
			messenger = app.NewMessenger(db, transport.NewNATS(cfg.NATS))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if messenger != nil {
				messenger.Lock()
			}
			if db != nil {
				return db.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.chainmail/config.yaml)")
	root.PersistentFlags().StringVar(&address, "address", "", "wallet address")
	root.PersistentFlags().StringVar(&signature, "signature", "", "wallet signature of the unlock challenge")

	root.AddCommand(challengeCmd(), runCmd(), sendCmd(), historyCmd(), exportCmd(), importCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		return err
	}
	return nil
}

// unlock brings the messenger up for commands that need a session.
func unlock(cmd *cobra.Command) error {
	if address == "" || signature == "" {
		return fmt.Errorf("--address and --signature are required")
	}
	return messenger.Unlock(cmd.Context(), signature, address)
}
