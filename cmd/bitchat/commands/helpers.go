package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/permissionlesstech/bitchat-go/internal/app"
	"github.com/permissionlesstech/bitchat-go/internal/crypto"
	"github.com/permissionlesstech/bitchat-go/internal/domain"
	"github.com/permissionlesstech/bitchat-go/internal/relay"
)

func loadIdentity() (*crypto.Identity, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase required (-p)")
	}
	id, err := fileStore.LoadIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("load identity (did you run init?): %w", err)
	}
	return id, nil
}

// buildNode assembles a relay-backed node from the checkpointed state.
// The CLI has no radio; mesh-side behaviour is exercised by the library
// tests and by embedding the node behind a real driver.
func buildNode(id *crypto.Identity) (*app.Node, error) {
	cfg := app.Config{
		Logger:   logger,
		Nickname: nickname,
	}
	if relayURL != "" {
		cfg.Relay = relay.NewHTTP(relayURL)
	}
	node := app.NewNode(id, cfg)

	peers, err := fileStore.LoadPeers()
	if err != nil {
		return nil, err
	}
	node.ImportPeerIdentities(peers)
	return node, nil
}

func savePeers(node *app.Node) error {
	return fileStore.SavePeers(node.ExportPeerIdentities())
}

// peerArg resolves a CLI peer argument: a petname, display name,
// fingerprint, or full hex static key.
func peerArg(node *app.Node, arg string) (domain.X25519Public, error) {
	if p, ok := node.Registry().ByName(arg); ok {
		return p.StaticKey, nil
	}
	if p, ok := node.Registry().ByFingerprint(domain.Fingerprint(arg)); ok {
		return p.StaticKey, nil
	}
	var key domain.X25519Public
	raw, err := hex.DecodeString(arg)
	if err != nil || len(raw) != len(key) {
		return key, fmt.Errorf("unknown peer %q", arg)
	}
	copy(key[:], raw)
	return key, nil
}
