package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/permissionlesstech/bitchat-go/internal/util/memzero"
)

// SaltBytes is the salt size for passphrase key derivation.
const SaltBytes = 16

// DeriveKEK derives a key-encryption key from a passphrase and salt using
// Argon2id.
func DeriveKEK(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, KeyBytes)
}

// EncryptSecret encrypts plaintext under a KEK derived from the
// passphrase, returning salt||nonce||ciphertext.
func EncryptSecret(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, SaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	kek := DeriveKEK(passphrase, salt)
	defer memzero.Zero(kek)

	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, err
	}
	out := make([]byte, SaltBytes, SaltBytes+NonceBytes+len(plaintext)+TagBytes)
	copy(out, salt)
	nonce := make([]byte, NonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// DecryptSecret reverses EncryptSecret.
func DecryptSecret(passphrase string, blob []byte) ([]byte, error) {
	if len(blob) < SaltBytes+NonceBytes+TagBytes {
		return nil, errors.New("secret blob truncated")
	}
	kek := DeriveKEK(passphrase, blob[:SaltBytes])
	defer memzero.Zero(kek)

	aead, err := chacha20poly1305.New(kek)
	if err != nil {
		return nil, err
	}
	nonce := blob[SaltBytes : SaltBytes+NonceBytes]
	return aead.Open(nil, nonce, blob[SaltBytes+NonceBytes:], nil)
}
