package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/permissionlesstech/bitchat-go/internal/domain"
)

// favorite <peer>: mark a peer as favorite, authorizing relay fallback
// once they reciprocate. With --relay-key the peer's relay identity can
// be recorded from an out-of-band exchange.
func favoriteCmd() *cobra.Command {
	var (
		remove   bool
		relayKey string
		petname  string
	)
	cmd := &cobra.Command{
		Use:   "favorite <peer>",
		Short: "Mark or unmark a peer as favorite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := loadIdentity()
			if err != nil {
				return err
			}
			node, err := buildNode(id)
			if err != nil {
				return err
			}
			peer, err := peerArg(node, args[0])
			if err != nil {
				return err
			}
			node.Registry().SetFavoriteSent(peer, !remove)
			if petname != "" {
				node.Registry().SetPetname(peer, petname)
			}
			if relayKey != "" {
				var rk domain.RelayKey
				raw, err := hex.DecodeString(relayKey)
				if err != nil || len(raw) != len(rk) {
					return fmt.Errorf("bad relay key")
				}
				copy(rk[:], raw)
				if err := node.Registry().BindRelay(peer, rk); err != nil {
					return err
				}
			}
			if err := savePeers(node); err != nil {
				return err
			}
			if remove {
				fmt.Println("favorite removed")
			} else {
				fmt.Println("favorite marked")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&remove, "remove", false, "unmark instead of mark")
	cmd.Flags().StringVar(&relayKey, "relay-key", "", "peer relay identity (hex, from out-of-band exchange)")
	cmd.Flags().StringVar(&petname, "petname", "", "local-only name for the peer")
	return cmd
}
