// Package commands implements the bitchat CLI.
package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/permissionlesstech/bitchat-go/internal/store"
)

var (
	home       string
	passphrase string
	relayURL   string
	nickname   string
	debug      bool

	fileStore *store.FileStore
	logger    *zap.Logger
)

// Execute runs the CLI.
func Execute() error {
	root := &cobra.Command{
		Use:   "bitchat",
		Short: "Decentralized mesh messaging with end-to-end encryption",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".bitchat")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}
			var err error
			if debug {
				logger, err = zap.NewDevelopment()
			} else {
				logger, err = zap.NewProduction()
			}
			if err != nil {
				return err
			}
			fileStore = store.NewFileStore(home)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.bitchat)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting identity keys")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay base URL (e.g. http://127.0.0.1:8080)")
	root.PersistentFlags().StringVar(&nickname, "nickname", "", "display name announced to peers")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "verbose logging")

	root.AddCommand(initCmd(), fingerprintCmd(), peersCmd(), favoriteCmd(),
		verifyCmd(), channelCmd(), sendCmd(), recvCmd())
	return root.Execute()
}
