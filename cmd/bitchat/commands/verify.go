package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/permissionlesstech/bitchat-go/internal/domain"
)

// verify <peer> <fingerprint>: confirm an out-of-band fingerprint
// comparison. Verification sticks to the identity binding and survives
// session resets.
func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <peer> <fingerprint>",
		Short: "Mark a peer's fingerprint as verified out of band",
		Args:  cobra.ExactArgs(2),
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
			p, ok := node.Registry().ByStatic(peer)
			if !ok {
				return domain.ErrUnknownPeer
			}
			if p.Fingerprint != domain.Fingerprint(args[1]) {
				return fmt.Errorf("fingerprint mismatch: expected %s", p.Fingerprint)
			}
			node.Registry().SetVerified(peer)
			if err := savePeers(node); err != nil {
				return err
			}
			fmt.Println("verified")
			return nil
		},
	}
}
