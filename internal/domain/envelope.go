package domain

import "github.com/gofrs/uuid/v5"

// ProtocolVersion is the wire protocol version byte.
const ProtocolVersion = 1

// MaxTTL is the hop budget assigned to freshly originated envelopes.
const MaxTTL = 7

// Kind identifies the envelope payload type on the wire.
type Kind byte

const (
	// KindAnnounce carries a peer's display name, broadcast on connect.
	KindAnnounce Kind = 0x01
	// KindBroadcast is a plaintext message to everyone in radio range.
	KindBroadcast Kind = 0x04
	// KindPrivate is a session-encrypted message to one peer.
	KindPrivate Kind = 0x05
	// KindChannelMessage is a channel-key-encrypted group message.
	KindChannelMessage Kind = 0x06
	// KindDeliveryAck acknowledges receipt of a message.
	KindDeliveryAck Kind = 0x0A
	// KindReadAck acknowledges that a message was read. Supersedes delivery.
	KindReadAck Kind = 0x0B
	// KindHandshakeInit, KindHandshakeResponse and KindHandshakeFinish
	// carry the 3-message handshake payloads verbatim as opaque blobs.
	KindHandshakeInit     Kind = 0x10
	KindHandshakeResponse Kind = 0x11
	KindHandshakeFinish   Kind = 0x12
	// KindChannelJoin announces membership in a named channel.
	KindChannelJoin Kind = 0x14
	// KindChannelLeave withdraws a channel membership announcement.
	KindChannelLeave Kind = 0x15
	// KindFavoriteNotice is an authenticated, session-encrypted "I
	// favorite you" (or retraction) carrying the sender's relay key.
	KindFavoriteNotice Kind = 0x16
)

// Directed reports whether envelopes of this kind carry a recipient
// static key as the first 32 bytes of the payload. Directed envelopes are
// delivered locally only when addressed to this node, though they are
// still relayed while TTL remains.
func (k Kind) Directed() bool {
	switch k {
	case KindPrivate, KindDeliveryAck, KindReadAck,
		KindHandshakeInit, KindHandshakeResponse, KindHandshakeFinish,
		KindFavoriteNotice:
		return true
	}
	return false
}

// MessageID is the sender-assigned unique envelope id. Its 16 bytes are
// written verbatim into the wire frame.
type MessageID = uuid.UUID

// Envelope is the unit on the wire. The (ID, Sender) pair is the
// deduplication key for mesh flooding.
type Envelope struct {
	Version byte
	Kind    Kind
	TTL     byte
	ID      MessageID
	Sender  X25519Public
	Payload []byte
}

// Recipient extracts the recipient static key from a directed payload.
// The second return is false for undirected kinds or truncated payloads.
func (e Envelope) Recipient() (X25519Public, bool) {
	var r X25519Public
	if !e.Kind.Directed() || len(e.Payload) < len(r) {
		return r, false
	}
	copy(r[:], e.Payload)
	return r, true
}

// Body returns the payload after the recipient prefix for directed kinds,
// or the whole payload otherwise.
func (e Envelope) Body() []byte {
	if e.Kind.Directed() && len(e.Payload) >= 32 {
		return e.Payload[32:]
	}
	return e.Payload
}
