package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/permissionlesstech/bitchat-go/internal/domain"
)

const (
	// KeyBytes is the symmetric key size used everywhere.
	KeyBytes = chacha20poly1305.KeySize
	// NonceBytes is the AEAD nonce size.
	NonceBytes = chacha20poly1305.NonceSize
	// TagBytes is the AEAD authentication tag size.
	TagBytes = chacha20poly1305.Overhead
)

// Seal encrypts plaintext under key with a random nonce and returns
// nonce||ciphertext. Random nonces are required here: mesh frames are
// lossy and unordered, so counter nonces cannot be kept in sync.
func Seal(key, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, NonceBytes, NonceBytes+len(plaintext)+TagBytes)
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:NonceBytes], plaintext, ad), nil
}

// Open decrypts a nonce||ciphertext blob produced by Seal. All failure
// modes, wrong key, truncated frame or bad tag, collapse into the single
// ErrDecryptFailed so callers cannot distinguish them.
func Open(key, blob, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, domain.ErrDecryptFailed
	}
	if len(blob) < NonceBytes+TagBytes {
		return nil, domain.ErrDecryptFailed
	}
	pt, err := aead.Open(nil, blob[:NonceBytes], blob[NonceBytes:], ad)
	if err != nil {
		return nil, domain.ErrDecryptFailed
	}
	return pt, nil
}
