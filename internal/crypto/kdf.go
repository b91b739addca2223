package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF derives outLen bytes from ikm with HKDF-SHA256 (RFC 5869).
func HKDF(ikm, salt, info []byte, outLen int) []byte {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		// The hkdf reader only errors once the output limit (255*32
		// bytes) is exceeded, which no caller requests.
		panic(err)
	}
	return out
}
