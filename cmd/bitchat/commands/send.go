package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/permissionlesstech/bitchat-go/internal/app"
	"github.com/permissionlesstech/bitchat-go/internal/domain"
)

// send <peer> <message>: encrypt and send a private message over the
// relay. Requires a mutual favorite relationship; the CLI has no radio,
// so mesh delivery only happens when the node is embedded behind a
// driver.
func sendCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "send <peer> <message>",
		Short: "Encrypt and send a private message to a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if relayURL == "" {
				return fmt.Errorf("no relay configured. use --relay")
			}
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

			ctx, cancel := context.WithTimeout(context.Background(), wait)
			defer cancel()
			events := node.Events()
			go func() { _ = node.Run(ctx) }()

			msgID, err := node.SendPrivate(peer, args[1])
			if err != nil {
				return err
			}

			// The handshake and the ack both ride the relay; wait for
			// the record to settle or for the deadline.
			for {
				select {
				case <-ctx.Done():
					rec, _ := node.DeliveryRecord(msgID)
					fmt.Printf("status: %s\n", rec.State)
					return savePeers(node)
				case ev := <-events:
					if ev.Kind != app.EventDeliveryUpdated || ev.Delivery.MessageID != msgID {
						continue
					}
					switch ev.Delivery.State {
					case domain.DeliverySending, domain.DeliverySent:
						continue
					default:
						fmt.Printf("status: %s\n", ev.Delivery.State)
						return savePeers(node)
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 45*time.Second, "how long to wait for delivery")
	return cmd
}
