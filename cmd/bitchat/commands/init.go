package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/permissionlesstech/bitchat-go/internal/crypto"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate identity keys and store them securely",
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p)")
			}
			id, err := crypto.NewIdentity()
			if err != nil {
				return err
			}
			if err := fileStore.SaveIdentity(passphrase, id); err != nil {
				return err
			}
			fmt.Printf("Identity created.\nFingerprint: %s\nRelay identity: %s\n",
				id.Fingerprint(), hex.EncodeToString(id.RelayPub[:]))
			return nil
		},
	}
}
