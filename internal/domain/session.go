package domain

// SessionState is the per-peer cryptographic session state.
type SessionState int

const (
	// SessionIdle means no key material exists for the peer.
	SessionIdle SessionState = iota
	// SessionHandshaking means the 3-message handshake is in flight.
	SessionHandshaking
	// SessionEstablished means symmetric keys are derived and usable.
	SessionEstablished
	// SessionVerified is a strict user-confirmed upgrade of Established.
	SessionVerified
)

// String implements fmt.Stringer.
func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionHandshaking:
		return "handshaking"
	case SessionEstablished:
		return "established"
	case SessionVerified:
		return "verified"
	}
	return "unknown"
}

// Usable reports whether encrypt/decrypt is permitted in this state.
func (s SessionState) Usable() bool {
	return s == SessionEstablished || s == SessionVerified
}

// SessionSnapshot is the externally persistable view of one session.
// Symmetric keys are transient and never leave the process; what survives
// a checkpoint is the identity binding and handshake bookkeeping.
type SessionSnapshot struct {
	Peer        X25519Public `json:"peer"`
	Fingerprint Fingerprint  `json:"fingerprint"`
	State       SessionState `json:"state"`
	Attempts    int          `json:"attempts"`
}
