package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/permissionlesstech/bitchat-go/internal/domain"
)

// FingerprintOf returns the stable fingerprint of a static public key.
//
// It hashes with SHA-256 and truncates to 10 bytes (20 hex chars), which
// is short enough to compare out of band and long enough that collisions
// are not a practical concern for a contact list.
func FingerprintOf(pub domain.X25519Public) domain.Fingerprint {
	sum := sha256.Sum256(pub[:])
	return domain.Fingerprint(hex.EncodeToString(sum[:10]))
}
