// Sentinel errors used across layers for stable error mapping.
package domain

import "errors"

var (
	// ErrHandshakeTimeout indicates the 3-message handshake did not
	// complete within the deadline.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrHandshakeAuthFailure indicates the peer failed mutual
	// authentication. Possible impersonation; never retried silently
	// with the same key material.
	ErrHandshakeAuthFailure = errors.New("handshake authentication failure")

	// ErrNotEstablished indicates encrypt/decrypt was requested outside
	// an Established or Verified session.
	ErrNotEstablished = errors.New("session not established")

	// ErrDecryptFailed indicates an authentication tag mismatch on a
	// frame. Wrong key and corrupt frame are deliberately not
	// distinguished.
	ErrDecryptFailed = errors.New("decrypt failed")

	// ErrUnreachable indicates no viable transport exists for the peer.
	ErrUnreachable = errors.New("peer unreachable")

	// ErrWrongPassword indicates a channel ciphertext did not open under
	// the derived channel key.
	ErrWrongPassword = errors.New("wrong channel password")

	// ErrAckTimeout indicates an outbound message was never acknowledged
	// within the ack window.
	ErrAckTimeout = errors.New("ack timeout")

	// ErrUnknownPeer indicates a lookup for an identity the registry has
	// never seen.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrIdentityConflict indicates a merge would bind one relay identity
	// to two different static keys.
	ErrIdentityConflict = errors.New("identity conflict")
)
