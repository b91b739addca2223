package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func peersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List known peers and how they are reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := loadIdentity()
			if err != nil {
				return err
			}
			node, err := buildNode(id)
			if err != nil {
				return err
			}
			peers := node.ExportPeerIdentities()
			sort.Slice(peers, func(i, j int) bool {
				return peers[i].Fingerprint < peers[j].Fingerprint
			})
			for _, p := range peers {
				flags := ""
				if p.Verified {
					flags += " verified"
				}
				if p.MutualFavorite() {
					flags += " mutual-favorite"
				} else if p.FavoriteSent {
					flags += " favorite"
				}
				fmt.Printf("%s  %-20s%s\n", p.Fingerprint, p.Name(), flags)
			}
			return nil
		},
	}
}
