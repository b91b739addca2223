package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/permissionlesstech/bitchat-go/internal/app"
)

// recv: subscribe to the relay and print decrypted inbound messages
// until interrupted.
func recvCmd() *cobra.Command {
	var runFor time.Duration
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Listen for inbound messages on the relay",
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

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if runFor > 0 {
				ctx, cancel = context.WithTimeout(ctx, runFor)
				defer cancel()
			}
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sig
				cancel()
			}()

			events := node.Events()
			go func() {
				for ev := range events {
					if ev.Kind == app.EventMessageReceived && ev.Message != nil {
						from := ev.Message.Name
						if from == "" {
							from = ev.Message.From.String()
						}
						fmt.Printf("[%s] %s\n", from, ev.Message.Text)
					}
				}
			}()

			err = node.Run(ctx)
			if saveErr := savePeers(node); saveErr != nil {
				return saveErr
			}
			if err == context.Canceled || err == context.DeadlineExceeded {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&runFor, "for", 0, "stop after this long (0 = until interrupted)")
	return cmd
}
