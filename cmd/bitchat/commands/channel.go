package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/permissionlesstech/bitchat-go/internal/services/channel"
)

// channel derive <name>: print the fact that a key derives cleanly.
// Joining for real happens inside a running node; this command exists so
// two users can check they typed the same password before going on air.
func channelCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Channel key utilities",
	}

	derive := &cobra.Command{
		Use:   "derive <name>",
		Short: "Derive a channel key and print a check value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("password required (--password)")
			}
			key := channel.DeriveKey(args[0], password)
			fmt.Printf("channel %q key commitment: %s\n", args[0], key.Commitment())
			return nil
		},
	}
	derive.Flags().StringVar(&password, "password", "", "channel password")
	cmd.AddCommand(derive)
	return cmd
}
