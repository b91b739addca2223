package wire_test

import (
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/permissionlesstech/bitchat-go/internal/domain"
	"github.com/permissionlesstech/bitchat-go/internal/protocol/wire"
)

func sampleEnvelope(t *testing.T) domain.Envelope {
	t.Helper()
	var sender domain.X25519Public
	for i := range sender {
		sender[i] = byte(i)
	}
	return domain.Envelope{
		Version: domain.ProtocolVersion,
		Kind:    domain.KindBroadcast,
		TTL:     domain.MaxTTL,
		ID:      uuid.Must(uuid.NewV4()),
		Sender:  sender,
		Payload: []byte("hello mesh"),
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	env := sampleEnvelope(t)
	frame, err := wire.Marshal(env)
	require.NoError(t, err)
	require.Len(t, frame, wire.HeaderBytes+len(env.Payload))

	got, err := wire.Unmarshal(frame)
	require.NoError(t, err)
	require.Equal(t, env, got)
}

func TestMarshalLayout(t *testing.T) {
	env := sampleEnvelope(t)
	frame, err := wire.Marshal(env)
	require.NoError(t, err)

	require.Equal(t, byte(domain.ProtocolVersion), frame[0])
	require.Equal(t, byte(domain.KindBroadcast), frame[1])
	require.Equal(t, byte(domain.MaxTTL), frame[2])
	require.Equal(t, env.ID.Bytes(), frame[3:19])
	require.Equal(t, env.Sender.Slice(), frame[19:51])
	require.Equal(t, []byte{0x00, 0x0A}, frame[51:53])
	require.Equal(t, env.Payload, frame[53:])
}

func TestUnmarshalRejectsTruncated(t *testing.T) {
	env := sampleEnvelope(t)
	frame, err := wire.Marshal(env)
	require.NoError(t, err)

	_, err = wire.Unmarshal(frame[:wire.HeaderBytes-1])
	require.ErrorIs(t, err, wire.ErrFrameTruncated)

	// Declared length longer than the actual payload.
	_, err = wire.Unmarshal(frame[:len(frame)-1])
	require.ErrorIs(t, err, wire.ErrFrameTruncated)

	// Trailing garbage after the declared payload.
	_, err = wire.Unmarshal(append(frame, 0xFF))
	require.ErrorIs(t, err, wire.ErrFrameTruncated)
}

func TestUnmarshalRejectsBadVersion(t *testing.T) {
	env := sampleEnvelope(t)
	frame, err := wire.Marshal(env)
	require.NoError(t, err)
	frame[0] = 99

	_, err = wire.Unmarshal(frame)
	require.ErrorIs(t, err, wire.ErrBadVersion)
}

func TestMarshalRejectsOversizedPayload(t *testing.T) {
	env := sampleEnvelope(t)
	env.Payload = make([]byte, wire.MaxPayloadBytes+1)
	_, err := wire.Marshal(env)
	require.ErrorIs(t, err, wire.ErrPayloadTooLarge)
}

func TestDirectedPayloadRecipient(t *testing.T) {
	var rcpt domain.X25519Public
	rcpt[0] = 0xAB

	env := sampleEnvelope(t)
	env.Kind = domain.KindPrivate
	env.Payload = wire.DirectedPayload(rcpt, []byte("sealed"))

	got, ok := env.Recipient()
	require.True(t, ok)
	require.Equal(t, rcpt, got)
	require.Equal(t, []byte("sealed"), env.Body())

	// Broadcast kinds carry no recipient.
	env.Kind = domain.KindBroadcast
	_, ok = env.Recipient()
	require.False(t, ok)
}
