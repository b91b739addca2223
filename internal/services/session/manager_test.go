package session_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/permissionlesstech/bitchat-go/internal/crypto"
	"github.com/permissionlesstech/bitchat-go/internal/domain"
	"github.com/permissionlesstech/bitchat-go/internal/services/identity"
	"github.com/permissionlesstech/bitchat-go/internal/services/session"
)

// pair wires two managers back to back: each sender delivers frames
// synchronously into the other manager.
type pair struct {
	alice, bob       *session.Manager
	alicePub, bobPub domain.X25519Public
}

func newPair(t *testing.T, cfg session.Config) *pair {
	t.Helper()
	aliceID, err := crypto.NewIdentity()
	require.NoError(t, err)
	bobID, err := crypto.NewIdentity()
	require.NoError(t, err)

	p := &pair{alicePub: aliceID.StaticPub, bobPub: bobID.StaticPub}
	sendToBob := func(peer domain.X25519Public, kind domain.Kind, payload []byte) error {
		return p.bob.HandleFrame(p.alicePub, kind, payload)
	}
	sendToAlice := func(peer domain.X25519Public, kind domain.Kind, payload []byte) error {
		return p.alice.HandleFrame(p.bobPub, kind, payload)
	}
	p.alice = session.NewManager(zap.NewNop(), identity.NewRegistry(zap.NewNop()), aliceID, sendToBob, cfg)
	p.bob = session.NewManager(zap.NewNop(), identity.NewRegistry(zap.NewNop()), bobID, sendToAlice, cfg)
	return p
}

func TestHandshakeEstablishesBothSides(t *testing.T) {
	p := newPair(t, session.Config{})

	require.Equal(t, domain.SessionIdle, p.alice.State(p.bobPub))
	require.NoError(t, p.alice.Initiate(p.bobPub))

	require.Equal(t, domain.SessionEstablished, p.alice.State(p.bobPub))
	require.Equal(t, domain.SessionEstablished, p.bob.State(p.alicePub))

	// Traffic flows in both directions.
	ct, err := p.alice.Encrypt(p.bobPub, []byte("hello"))
	require.NoError(t, err)
	pt, err := p.bob.Decrypt(p.alicePub, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), pt)

	ct, err = p.bob.Encrypt(p.alicePub, []byte("hi back"))
	require.NoError(t, err)
	pt, err = p.alice.Decrypt(p.bobPub, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("hi back"), pt)
}

func TestInitiateIsIdempotentWhenUsable(t *testing.T) {
	p := newPair(t, session.Config{})
	require.NoError(t, p.alice.Initiate(p.bobPub))
	// A second initiate against a usable session is a no-op.
	require.NoError(t, p.alice.Initiate(p.bobPub))
	require.Equal(t, domain.SessionEstablished, p.alice.State(p.bobPub))
}

func TestEncryptRequiresEstablished(t *testing.T) {
	p := newPair(t, session.Config{})

	_, err := p.alice.Encrypt(p.bobPub, []byte("hello"))
	require.ErrorIs(t, err, domain.ErrNotEstablished)
	_, err = p.alice.Decrypt(p.bobPub, []byte("junk"))
	require.ErrorIs(t, err, domain.ErrNotEstablished)
}

func TestDecryptGarbageIsUniform(t *testing.T) {
	p := newPair(t, session.Config{})
	require.NoError(t, p.alice.Initiate(p.bobPub))

	_, err := p.bob.Decrypt(p.alicePub, []byte("not a frame"))
	require.ErrorIs(t, err, domain.ErrDecryptFailed)

	ct, err := p.alice.Encrypt(p.bobPub, []byte("hello"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0x01
	_, err = p.bob.Decrypt(p.alicePub, ct)
	require.ErrorIs(t, err, domain.ErrDecryptFailed)
}

func TestVerifyOnlyFromEstablished(t *testing.T) {
	p := newPair(t, session.Config{})
	fp := crypto.FingerprintOf(p.bobPub)

	// No path from Idle to Verified.
	require.ErrorIs(t, p.alice.Verify(p.bobPub, fp), domain.ErrNotEstablished)

	require.NoError(t, p.alice.Initiate(p.bobPub))

	require.Error(t, p.alice.Verify(p.bobPub, domain.Fingerprint("deadbeef")))
	require.Equal(t, domain.SessionEstablished, p.alice.State(p.bobPub))

	require.NoError(t, p.alice.Verify(p.bobPub, fp))
	require.Equal(t, domain.SessionVerified, p.alice.State(p.bobPub))
}

func TestResetKeepsIdentityContinuity(t *testing.T) {
	p := newPair(t, session.Config{})
	require.NoError(t, p.alice.Initiate(p.bobPub))
	require.NoError(t, p.alice.Verify(p.bobPub, crypto.FingerprintOf(p.bobPub)))

	p.alice.Reset(p.bobPub)
	require.Equal(t, domain.SessionIdle, p.alice.State(p.bobPub))
	_, err := p.alice.Encrypt(p.bobPub, []byte("hello"))
	require.ErrorIs(t, err, domain.ErrNotEstablished)

	// Re-handshake comes straight back to Verified: the registry kept the
	// verified fingerprint binding.
	p.bob.Reset(p.alicePub)
	require.NoError(t, p.alice.Initiate(p.bobPub))
	require.Equal(t, domain.SessionVerified, p.alice.State(p.bobPub))
}

func TestHandshakeTimeoutRetriesThenFails(t *testing.T) {
	aliceID, err := crypto.NewIdentity()
	require.NoError(t, err)
	bobID, err := crypto.NewIdentity()
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		sends int
	)
	blackhole := func(domain.X25519Public, domain.Kind, []byte) error {
		mu.Lock()
		sends++
		mu.Unlock()
		return nil
	}
	mgr := session.NewManager(zap.NewNop(), identity.NewRegistry(zap.NewNop()), aliceID, blackhole,
		session.Config{HandshakeTimeout: 20 * time.Millisecond, MaxAttempts: 2})

	failed := make(chan error, 1)
	mgr.OnFailed(func(peer domain.X25519Public, err error) {
		require.Equal(t, bobID.StaticPub, peer)
		failed <- err
	})

	require.NoError(t, mgr.Initiate(bobID.StaticPub))

	select {
	case err := <-failed:
		require.ErrorIs(t, err, domain.ErrHandshakeTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake never gave up")
	}

	require.Equal(t, domain.SessionIdle, mgr.State(bobID.StaticPub))
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, sends)
}

func TestTamperedHandshakeReportsAuthFailure(t *testing.T) {
	aliceID, err := crypto.NewIdentity()
	require.NoError(t, err)
	bobID, err := crypto.NewIdentity()
	require.NoError(t, err)

	var alice, bob *session.Manager
	// Bob's reply to the init gets a bit flipped in flight.
	sendToBob := func(peer domain.X25519Public, kind domain.Kind, payload []byte) error {
		return bob.HandleFrame(aliceID.StaticPub, kind, payload)
	}
	sendToAlice := func(peer domain.X25519Public, kind domain.Kind, payload []byte) error {
		tampered := append([]byte(nil), payload...)
		tampered[40] ^= 0x01
		return alice.HandleFrame(bobID.StaticPub, kind, tampered)
	}
	alice = session.NewManager(zap.NewNop(), identity.NewRegistry(zap.NewNop()), aliceID, sendToBob, session.Config{})
	bob = session.NewManager(zap.NewNop(), identity.NewRegistry(zap.NewNop()), bobID, sendToAlice, session.Config{})

	var failedWith error
	alice.OnFailed(func(_ domain.X25519Public, err error) { failedWith = err })

	err = alice.Initiate(bobID.StaticPub)
	require.ErrorIs(t, err, domain.ErrHandshakeAuthFailure)
	require.ErrorIs(t, failedWith, domain.ErrHandshakeAuthFailure)
	require.Equal(t, domain.SessionIdle, alice.State(bobID.StaticPub))
}

func TestSimultaneousInitiationConverges(t *testing.T) {
	aliceID, err := crypto.NewIdentity()
	require.NoError(t, err)
	bobID, err := crypto.NewIdentity()
	require.NoError(t, err)

	// Queued senders: both sides get to initiate before either frame is
	// delivered, like two radios waking up in range of each other.
	type frame struct {
		kind    domain.Kind
		payload []byte
	}
	var toAlice, toBob []frame
	sendToBob := func(_ domain.X25519Public, kind domain.Kind, payload []byte) error {
		toBob = append(toBob, frame{kind, append([]byte(nil), payload...)})
		return nil
	}
	sendToAlice := func(_ domain.X25519Public, kind domain.Kind, payload []byte) error {
		toAlice = append(toAlice, frame{kind, append([]byte(nil), payload...)})
		return nil
	}
	alice := session.NewManager(zap.NewNop(), identity.NewRegistry(zap.NewNop()), aliceID, sendToBob, session.Config{})
	bob := session.NewManager(zap.NewNop(), identity.NewRegistry(zap.NewNop()), bobID, sendToAlice, session.Config{})

	var aliceFailed, bobFailed error
	alice.OnFailed(func(_ domain.X25519Public, err error) { aliceFailed = err })
	bob.OnFailed(func(_ domain.X25519Public, err error) { bobFailed = err })

	require.NoError(t, alice.Initiate(bobID.StaticPub))
	require.NoError(t, bob.Initiate(aliceID.StaticPub))

	for len(toAlice)+len(toBob) > 0 {
		if len(toBob) > 0 {
			f := toBob[0]
			toBob = toBob[1:]
			require.NoError(t, bob.HandleFrame(aliceID.StaticPub, f.kind, f.payload))
		}
		if len(toAlice) > 0 {
			f := toAlice[0]
			toAlice = toAlice[1:]
			require.NoError(t, alice.HandleFrame(bobID.StaticPub, f.kind, f.payload))
		}
	}

	require.NoError(t, aliceFailed)
	require.NoError(t, bobFailed)
	require.Equal(t, domain.SessionEstablished, alice.State(bobID.StaticPub))
	require.Equal(t, domain.SessionEstablished, bob.State(aliceID.StaticPub))

	ct, err := alice.Encrypt(bobID.StaticPub, []byte("crossed"))
	require.NoError(t, err)
	pt, err := bob.Decrypt(aliceID.StaticPub, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("crossed"), pt)

	ct, err = bob.Encrypt(aliceID.StaticPub, []byte("and back"))
	require.NoError(t, err)
	pt, err = alice.Decrypt(bobID.StaticPub, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("and back"), pt)
}

func TestForgedFramesKeepSessionLive(t *testing.T) {
	p := newPair(t, session.Config{})
	require.NoError(t, p.alice.Initiate(p.bobPub))

	var failedWith error
	p.alice.OnFailed(func(_ domain.X25519Public, err error) { failedWith = err })

	// An attacker replaying an init against the live session must not
	// tear it down: the reply goes out but the keys stay.
	forged := make([]byte, 32)
	forged[0] = 0x42
	_ = p.alice.HandleFrame(p.bobPub, domain.KindHandshakeInit, forged)

	require.Equal(t, domain.SessionEstablished, p.alice.State(p.bobPub))

	// Likewise a garbage finish against the pending side handshake.
	require.Error(t, p.alice.HandleFrame(p.bobPub, domain.KindHandshakeFinish, make([]byte, 64)))
	require.Equal(t, domain.SessionEstablished, p.alice.State(p.bobPub))

	// And a finish with no side handshake pending at all.
	require.Error(t, p.alice.HandleFrame(p.bobPub, domain.KindHandshakeFinish, make([]byte, 64)))
	require.Equal(t, domain.SessionEstablished, p.alice.State(p.bobPub))

	require.NoError(t, failedWith)
	ct, err := p.alice.Encrypt(p.bobPub, []byte("still here"))
	require.NoError(t, err)
	pt, err := p.bob.Decrypt(p.alicePub, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("still here"), pt)
}

func TestPeerRekeyKeepsSessionUsable(t *testing.T) {
	p := newPair(t, session.Config{})
	require.NoError(t, p.alice.Initiate(p.bobPub))

	// Bob lost his keys and handshakes again. Alice serves the new
	// handshake beside her live session and swaps keys on completion.
	p.bob.Reset(p.alicePub)
	require.NoError(t, p.bob.Initiate(p.alicePub))

	require.Equal(t, domain.SessionEstablished, p.alice.State(p.bobPub))
	require.Equal(t, domain.SessionEstablished, p.bob.State(p.alicePub))

	ct, err := p.alice.Encrypt(p.bobPub, []byte("fresh keys"))
	require.NoError(t, err)
	pt, err := p.bob.Decrypt(p.alicePub, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("fresh keys"), pt)

	ct, err = p.bob.Encrypt(p.alicePub, []byte("confirmed"))
	require.NoError(t, err)
	pt, err = p.alice.Decrypt(p.bobPub, ct)
	require.NoError(t, err)
	require.Equal(t, []byte("confirmed"), pt)
}

func TestExportImport(t *testing.T) {
	p := newPair(t, session.Config{})
	require.NoError(t, p.alice.Initiate(p.bobPub))

	snaps := p.alice.Export()
	require.Len(t, snaps, 1)
	require.Equal(t, p.bobPub, snaps[0].Peer)
	require.Equal(t, domain.SessionEstablished, snaps[0].State)

	// Restored sessions land in Idle: key material is never checkpointed.
	fresh := newPair(t, session.Config{})
	fresh.alice.Import(snaps)
	require.Equal(t, domain.SessionIdle, fresh.alice.State(p.bobPub))
}
