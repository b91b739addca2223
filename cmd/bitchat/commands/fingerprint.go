package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print identity fingerprint and relay identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := loadIdentity()
			if err != nil {
				return err
			}
			fmt.Printf("Fingerprint: %s\n", id.Fingerprint())
			fmt.Printf("Static key:  %s\n", hex.EncodeToString(id.StaticPub[:]))
			fmt.Printf("Relay key:   %s\n", hex.EncodeToString(id.RelayPub[:]))
			return nil
		},
	}
}
