// Package wire implements the bit-exact envelope framing:
//
//	[version:1][kind:1][ttl:1][id:16][senderIdentity:32][payloadLen:2][payload:N]
//
// payloadLen is big-endian. The codec is deliberately dumb: it neither
// decrypts nor interprets payloads, that happens after routing.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/permissionlesstech/bitchat-go/internal/domain"
)

// HeaderBytes is the fixed frame header size.
const HeaderBytes = 1 + 1 + 1 + 16 + 32 + 2

// MaxPayloadBytes is the largest payload the 2-byte length field can carry.
const MaxPayloadBytes = math.MaxUint16

var (
	// ErrFrameTruncated indicates a frame shorter than its declared length.
	ErrFrameTruncated = errors.New("wire: frame truncated")
	// ErrBadVersion indicates an unsupported protocol version byte.
	ErrBadVersion = errors.New("wire: unsupported protocol version")
	// ErrPayloadTooLarge indicates a payload exceeding the length field.
	ErrPayloadTooLarge = errors.New("wire: payload too large")
)

// Marshal encodes an envelope into a wire frame.
func Marshal(env domain.Envelope) ([]byte, error) {
	if len(env.Payload) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, 0, HeaderBytes+len(env.Payload))
	buf = append(buf, env.Version, byte(env.Kind), env.TTL)
	buf = append(buf, env.ID.Bytes()...)
	buf = append(buf, env.Sender[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(env.Payload)))
	buf = append(buf, env.Payload...)
	return buf, nil
}

// Unmarshal decodes a wire frame. Trailing bytes beyond the declared
// payload length are rejected, a well-formed frame is exactly
// HeaderBytes+payloadLen long.
func Unmarshal(frame []byte) (domain.Envelope, error) {
	var env domain.Envelope
	if len(frame) < HeaderBytes {
		return env, ErrFrameTruncated
	}
	env.Version = frame[0]
	if env.Version != domain.ProtocolVersion {
		return env, fmt.Errorf("%w: %d", ErrBadVersion, env.Version)
	}
	env.Kind = domain.Kind(frame[1])
	env.TTL = frame[2]
	copy(env.ID[:], frame[3:19])
	copy(env.Sender[:], frame[19:51])
	n := int(binary.BigEndian.Uint16(frame[51:53]))
	if len(frame) != HeaderBytes+n {
		return env, ErrFrameTruncated
	}
	env.Payload = append([]byte(nil), frame[HeaderBytes:]...)
	return env, nil
}

// DirectedPayload prepends the recipient static key to a body, forming
// the payload layout used by all directed kinds.
func DirectedPayload(recipient domain.X25519Public, body []byte) []byte {
	out := make([]byte, 0, len(recipient)+len(body))
	out = append(out, recipient[:]...)
	return append(out, body...)
}
