// Package handshake implements the 3-message mutually-authenticated key
// agreement that bootstraps a peer session. The pattern is XX-shaped:
// both static keys travel encrypted, identities are mutually proven, and
// the transcript hash binds every message to everything before it.
//
//	msg1  initiator -> responder: e
//	msg2  responder -> initiator: e, ee, s, es
//	msg3  initiator -> responder: s, se
//
// The package is a pure state machine: it produces and consumes opaque
// blobs and never touches a transport or a clock.
package handshake

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/permissionlesstech/bitchat-go/internal/crypto"
	"github.com/permissionlesstech/bitchat-go/internal/domain"
	"github.com/permissionlesstech/bitchat-go/internal/util/memzero"
)

const protocolName = "bitchat/xx/25519-chacha20poly1305-sha256/v1"

var (
	// ErrAuthFailure indicates a handshake ciphertext failed to open:
	// the peer does not hold the keys it claims.
	ErrAuthFailure = errors.New("handshake: authentication failure")
	// ErrOutOfOrder indicates a message arrived for the wrong step.
	ErrOutOfOrder = errors.New("handshake: message out of order")
	// ErrMalformed indicates a message of the wrong length.
	ErrMalformed = errors.New("handshake: malformed message")
)

const (
	msg1Bytes = 32
	msg2Bytes = 32 + 32 + crypto.TagBytes + crypto.TagBytes
	msg3Bytes = 32 + crypto.TagBytes + crypto.TagBytes
)

// State is one side of an in-flight handshake. Not safe for concurrent
// use; the session layer serializes access under the per-peer lock.
type State struct {
	initiator bool
	step      int

	ck []byte // chaining key
	h  []byte // transcript hash
	k  []byte // current message key, nil until first mixKey
	n  uint64 // message counter under k

	sPriv domain.X25519Private
	sPub  domain.X25519Public
	ePriv domain.X25519Private
	ePub  domain.X25519Public

	remoteEphemeral domain.X25519Public
	remoteStatic    domain.X25519Public
}

// NewInitiator starts a handshake as the initiating side.
func NewInitiator(staticPriv domain.X25519Private, staticPub domain.X25519Public) *State {
	return newState(true, staticPriv, staticPub)
}

// NewResponder starts a handshake as the responding side.
func NewResponder(staticPriv domain.X25519Private, staticPub domain.X25519Public) *State {
	return newState(false, staticPriv, staticPub)
}

func newState(initiator bool, sPriv domain.X25519Private, sPub domain.X25519Public) *State {
	seed := sha256.Sum256([]byte(protocolName))
	st := &State{
		initiator: initiator,
		sPriv:     sPriv,
		sPub:      sPub,
		ck:        append([]byte(nil), seed[:]...),
		h:         append([]byte(nil), seed[:]...),
	}
	return st
}

// WriteMessage1 produces msg1 (initiator only).
func (s *State) WriteMessage1() ([]byte, error) {
	if !s.initiator || s.step != 0 {
		return nil, ErrOutOfOrder
	}
	if err := s.genEphemeral(); err != nil {
		return nil, err
	}
	s.mixHash(s.ePub[:])
	s.step = 1
	return append([]byte(nil), s.ePub[:]...), nil
}

// ReadMessage1 consumes msg1 (responder only).
func (s *State) ReadMessage1(m []byte) error {
	if s.initiator || s.step != 0 {
		return ErrOutOfOrder
	}
	if len(m) != msg1Bytes {
		return ErrMalformed
	}
	copy(s.remoteEphemeral[:], m)
	s.mixHash(s.remoteEphemeral[:])
	s.step = 1
	return nil
}

// WriteMessage2 produces msg2 (responder only): fresh ephemeral, then the
// responder's static key encrypted under the ee-derived key, then an
// authentication tag over the transcript under the es-derived key.
func (s *State) WriteMessage2() ([]byte, error) {
	if s.initiator || s.step != 1 {
		return nil, ErrOutOfOrder
	}
	if err := s.genEphemeral(); err != nil {
		return nil, err
	}
	out := append([]byte(nil), s.ePub[:]...)
	s.mixHash(s.ePub[:])

	if err := s.mixDH(s.ePriv, s.remoteEphemeral); err != nil { // ee
		return nil, err
	}
	c1, err := s.encryptAndHash(s.sPub[:])
	if err != nil {
		return nil, err
	}
	out = append(out, c1...)

	if err := s.mixDH(s.sPriv, s.remoteEphemeral); err != nil { // es
		return nil, err
	}
	c2, err := s.encryptAndHash(nil)
	if err != nil {
		return nil, err
	}
	out = append(out, c2...)
	s.step = 2
	return out, nil
}

// ReadMessage2 consumes msg2 (initiator only) and learns the responder's
// static key.
func (s *State) ReadMessage2(m []byte) error {
	if !s.initiator || s.step != 1 {
		return ErrOutOfOrder
	}
	if len(m) != msg2Bytes {
		return ErrMalformed
	}
	copy(s.remoteEphemeral[:], m[:32])
	s.mixHash(s.remoteEphemeral[:])

	if err := s.mixDH(s.ePriv, s.remoteEphemeral); err != nil { // ee
		return err
	}
	sb, err := s.decryptAndHash(m[32 : 64+crypto.TagBytes])
	if err != nil {
		return err
	}
	copy(s.remoteStatic[:], sb)

	if err := s.mixDHPub(s.remoteStatic, s.ePriv); err != nil { // es
		return err
	}
	if _, err := s.decryptAndHash(m[64+crypto.TagBytes:]); err != nil {
		return err
	}
	s.step = 2
	return nil
}

// WriteMessage3 produces msg3 (initiator only): the initiator's static
// key encrypted to the transcript, proving its identity.
func (s *State) WriteMessage3() ([]byte, error) {
	if !s.initiator || s.step != 2 {
		return nil, ErrOutOfOrder
	}
	c1, err := s.encryptAndHash(s.sPub[:])
	if err != nil {
		return nil, err
	}
	if err := s.mixDH(s.sPriv, s.remoteEphemeral); err != nil { // se
		return nil, err
	}
	c2, err := s.encryptAndHash(nil)
	if err != nil {
		return nil, err
	}
	s.step = 3
	return append(c1, c2...), nil
}

// ReadMessage3 consumes msg3 (responder only) and learns the initiator's
// static key.
func (s *State) ReadMessage3(m []byte) error {
	if s.initiator || s.step != 2 {
		return ErrOutOfOrder
	}
	if len(m) != msg3Bytes {
		return ErrMalformed
	}
	sb, err := s.decryptAndHash(m[:32+crypto.TagBytes])
	if err != nil {
		return err
	}
	copy(s.remoteStatic[:], sb)

	if err := s.mixDHPub(s.remoteStatic, s.ePriv); err != nil { // se
		return err
	}
	if _, err := s.decryptAndHash(m[32+crypto.TagBytes:]); err != nil {
		return err
	}
	s.step = 3
	return nil
}

// Complete reports whether all three messages have been processed.
func (s *State) Complete() bool { return s.step == 3 }

// RemoteStatic returns the peer's authenticated static key. Only valid
// once Complete.
func (s *State) RemoteStatic() domain.X25519Public { return s.remoteStatic }

// Split derives the two directional transport keys from the final
// chaining key. The first key carries initiator-to-responder traffic.
// The handshake state is wiped afterwards.
func (s *State) Split() (sendKey, recvKey []byte, err error) {
	if !s.Complete() {
		return nil, nil, ErrOutOfOrder
	}
	okm := crypto.HKDF(nil, s.ck, []byte(protocolName+"/split"), 64)
	k1, k2 := okm[:32], okm[32:]
	if s.initiator {
		sendKey, recvKey = k1, k2
	} else {
		sendKey, recvKey = k2, k1
	}
	s.wipe()
	return sendKey, recvKey, nil
}

func (s *State) genEphemeral() error {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	s.ePriv, s.ePub = priv, pub
	return nil
}

func (s *State) mixHash(data []byte) {
	hh := sha256.New()
	hh.Write(s.h)
	hh.Write(data)
	s.h = hh.Sum(nil)
}

func (s *State) mixDH(priv domain.X25519Private, pub domain.X25519Public) error {
	dh, err := crypto.DH(priv, pub)
	if err != nil {
		return err
	}
	s.mixKey(dh[:])
	memzero.Zero(dh[:])
	return nil
}

// mixDHPub is mixDH with the arguments describing the remote side's
// static key and our ephemeral; DH is symmetric so the computation is
// identical, the separate name keeps the call sites readable.
func (s *State) mixDHPub(pub domain.X25519Public, priv domain.X25519Private) error {
	return s.mixDH(priv, pub)
}

func (s *State) mixKey(dh []byte) {
	okm := crypto.HKDF(dh, s.ck, nil, 64)
	memzero.Zero(s.ck)
	s.ck = okm[:32]
	s.k = okm[32:]
	s.n = 0
}

func (s *State) aeadNonce() []byte {
	nonce := make([]byte, crypto.NonceBytes)
	binary.BigEndian.PutUint64(nonce[crypto.NonceBytes-8:], s.n)
	s.n++
	return nonce
}

func (s *State) encryptAndHash(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.k)
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, s.aeadNonce(), plaintext, s.h)
	s.mixHash(ct)
	return ct, nil
}

func (s *State) decryptAndHash(ct []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.k)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, s.aeadNonce(), ct, s.h)
	if err != nil {
		return nil, ErrAuthFailure
	}
	s.mixHash(ct)
	return pt, nil
}

func (s *State) wipe() {
	memzero.Zero(s.ck)
	memzero.Zero(s.k)
	memzero.Zero(s.ePriv[:])
}
