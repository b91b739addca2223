package domain

import "encoding/hex"

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

// Slice returns the key as a []byte.
func (p X25519Public) Slice() []byte { return p[:] }

// String returns a short hex form for logs.
func (p X25519Public) String() string { return hex.EncodeToString(p[:8]) }

// IsZero reports whether the key is all zeros.
func (p X25519Public) IsZero() bool { return p == X25519Public{} }

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

// Slice returns the key as a []byte.
func (k X25519Private) Slice() []byte { return k[:] }

// RelayKey is a pseudonymous identity usable on the relay network. It is
// deliberately a distinct type from X25519Public: relay identities are
// unrelated to mesh addresses and static keys and must never be conflated
// with them in lookups.
type RelayKey [32]byte

// Slice returns the key as a []byte.
func (k RelayKey) Slice() []byte { return k[:] }

// String returns a short hex form for logs.
func (k RelayKey) String() string { return hex.EncodeToString(k[:8]) }

// IsZero reports whether the key is all zeros.
func (k RelayKey) IsZero() bool { return k == RelayKey{} }

// Fingerprint is a stable identifier derived from a peer's static public
// key, presented to users for out-of-band verification.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }

// MeshAddr is the short-lived address of a peer on the local radio mesh.
// It is only valid while the peer is radio-connected and may be reassigned
// across sessions; it must never be used as a long-term key.
type MeshAddr string

// String returns the string form of the address.
func (a MeshAddr) String() string { return string(a) }
