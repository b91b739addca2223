package crypto

import (
	"github.com/permissionlesstech/bitchat-go/internal/domain"
)

// Identity carries this node's long-term key material: the static key
// that anchors handshake identity, and a separate pseudonymous key for
// the relay network. The two are unrelated on purpose; linking them is
// only ever done explicitly through favorite exchange.
type Identity struct {
	StaticPriv domain.X25519Private `json:"static_priv"`
	StaticPub  domain.X25519Public  `json:"static_pub"`
	RelayPriv  domain.X25519Private `json:"relay_priv"`
	RelayPub   domain.RelayKey      `json:"relay_pub"`
}

// NewIdentity generates fresh static and relay key pairs.
func NewIdentity() (*Identity, error) {
	sPriv, sPub, err := GenerateX25519()
	if err != nil {
		return nil, err
	}
	rPriv, rPub, err := GenerateX25519()
	if err != nil {
		return nil, err
	}
	id := &Identity{StaticPriv: sPriv, StaticPub: sPub, RelayPriv: rPriv}
	copy(id.RelayPub[:], rPub[:])
	return id, nil
}

// Fingerprint returns the fingerprint of this node's static key.
func (id *Identity) Fingerprint() domain.Fingerprint {
	return FingerprintOf(id.StaticPub)
}
