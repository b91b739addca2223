// Package session runs the per-peer handshake state machine and owns the
// derived symmetric keys. Encrypt and decrypt are only permitted in the
// Established and Verified states.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/permissionlesstech/bitchat-go/internal/crypto"
	"github.com/permissionlesstech/bitchat-go/internal/domain"
	"github.com/permissionlesstech/bitchat-go/internal/protocol/handshake"
	"github.com/permissionlesstech/bitchat-go/internal/services/identity"
	"github.com/permissionlesstech/bitchat-go/internal/util/memzero"
)

const (
	// DefaultHandshakeTimeout bounds one handshake attempt.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultMaxAttempts bounds automatic handshake retries, to avoid
	// handshake-flood abuse.
	DefaultMaxAttempts = 3
)

// Sender emits a handshake frame toward a peer. The manager never touches
// transports itself; the node injects routing here.
type Sender func(peer domain.X25519Public, kind domain.Kind, payload []byte) error

// Config carries the manager's tunables.
type Config struct {
	HandshakeTimeout time.Duration
	MaxAttempts      int
}

// Manager owns every peer session. Each session is mutated under its own
// lock so concurrent inbound callbacks for different peers never contend.
type Manager struct {
	log      *zap.Logger
	registry *identity.Registry
	send     Sender

	staticPriv domain.X25519Private
	staticPub  domain.X25519Public

	timeout     time.Duration
	maxAttempts int

	mu       sync.RWMutex
	sessions map[domain.X25519Public]*peerSession

	// onEstablished fires outside the session lock once keys derive.
	onEstablished func(peer domain.X25519Public)
	// onFailed fires when a handshake gives up for good.
	onFailed func(peer domain.X25519Public, err error)
}

type peerSession struct {
	mu    sync.Mutex
	state domain.SessionState
	hs    *handshake.State
	// initiating marks hs as an outbound attempt, so a crossed inbound
	// init can be tie-broken instead of clobbering it.
	initiating bool
	// rehs is a responder handshake running beside a live session. The
	// established keys stay valid until it completes.
	rehs     *handshake.State
	sendKey  []byte
	recvKey  []byte
	attempts int

	timer *time.Timer
	// gen guards against a stale timer firing after the state advanced:
	// the closure captures the generation it was armed under and a
	// mismatch makes it a no-op.
	gen uint64
}

// NewManager builds a session manager around this node's static identity.
func NewManager(log *zap.Logger, reg *identity.Registry, id *crypto.Identity, send Sender, cfg Config) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Manager{
		log:         log,
		registry:    reg,
		send:        send,
		staticPriv:  id.StaticPriv,
		staticPub:   id.StaticPub,
		timeout:     cfg.HandshakeTimeout,
		maxAttempts: cfg.MaxAttempts,
		sessions:    make(map[domain.X25519Public]*peerSession),
	}
}

// OnEstablished registers the established callback. Must be called before
// any handshake traffic flows.
func (m *Manager) OnEstablished(fn func(peer domain.X25519Public)) { m.onEstablished = fn }

// OnFailed registers the terminal-failure callback.
func (m *Manager) OnFailed(fn func(peer domain.X25519Public, err error)) { m.onFailed = fn }

func (m *Manager) session(peer domain.X25519Public) *peerSession {
	m.mu.RLock()
	s, ok := m.sessions[peer]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.sessions[peer]; ok {
		return s
	}
	s = &peerSession{state: domain.SessionIdle}
	m.sessions[peer] = s
	return s
}

// State reports the peer's session state. A session that is Established
// and whose identity binding the user has verified reports Verified.
func (m *Manager) State(peer domain.X25519Public) domain.SessionState {
	s := m.session(peer)
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.effectiveStateLocked(peer, s)
}

func (m *Manager) effectiveStateLocked(peer domain.X25519Public, s *peerSession) domain.SessionState {
	if s.state == domain.SessionEstablished {
		if p, ok := m.registry.ByStatic(peer); ok && p.Verified {
			return domain.SessionVerified
		}
	}
	return s.state
}

// Initiate starts (or restarts) a handshake toward peer. It is a no-op if
// a handshake is already in flight or the session is usable.
func (m *Manager) Initiate(peer domain.X25519Public) error {
	s := m.session(peer)
	s.mu.Lock()
	if s.state == domain.SessionHandshaking || s.state.Usable() {
		s.mu.Unlock()
		return nil
	}
	s.attempts = 0
	frame, err := m.startAttemptLocked(peer, s)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return m.send(peer, domain.KindHandshakeInit, frame)
}

// startAttemptLocked arms one handshake attempt and returns msg1.
func (m *Manager) startAttemptLocked(peer domain.X25519Public, s *peerSession) ([]byte, error) {
	hs := handshake.NewInitiator(m.staticPriv, m.staticPub)
	frame, err := hs.WriteMessage1()
	if err != nil {
		return nil, err
	}
	s.hs = hs
	s.initiating = true
	s.state = domain.SessionHandshaking
	s.attempts++
	m.armTimeoutLocked(peer, s)
	m.log.Debug("handshake attempt",
		zap.Stringer("peer", peer), zap.Int("attempt", s.attempts))
	return frame, nil
}

func (m *Manager) armTimeoutLocked(peer domain.X25519Public, s *peerSession) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(m.timeout, func() { m.handshakeExpired(peer, gen) })
}

// handshakeExpired runs in the timer goroutine. A generation mismatch
// means the awaited event already happened; firing then is a no-op.
func (m *Manager) handshakeExpired(peer domain.X25519Public, gen uint64) {
	s := m.session(peer)
	s.mu.Lock()
	if s.gen != gen || s.state != domain.SessionHandshaking {
		s.mu.Unlock()
		return
	}
	if s.attempts < m.maxAttempts {
		frame, err := m.startAttemptLocked(peer, s)
		s.mu.Unlock()
		if err == nil {
			err = m.send(peer, domain.KindHandshakeInit, frame)
		}
		if err != nil {
			m.log.Warn("handshake retry failed", zap.Stringer("peer", peer), zap.Error(err))
		}
		return
	}
	s.state = domain.SessionIdle
	s.hs = nil
	s.initiating = false
	s.mu.Unlock()
	m.log.Warn("handshake timed out", zap.Stringer("peer", peer))
	if m.onFailed != nil {
		m.onFailed(peer, domain.ErrHandshakeTimeout)
	}
}

// HandleFrame advances the handshake with an inbound frame from peer.
// Responder sessions are created on demand for an inbound init. Auth
// failures are terminal for the attempt and are never silently retried
// with the same key material; stray or replayed frames are dropped
// without disturbing whatever is in flight.
func (m *Manager) HandleFrame(peer domain.X25519Public, kind domain.Kind, payload []byte) error {
	s := m.session(peer)
	s.mu.Lock()

	var (
		reply       []byte
		replyKind   domain.Kind
		established bool
		err         error
	)
	switch kind {
	case domain.KindHandshakeInit:
		if s.state == domain.SessionHandshaking && s.initiating &&
			bytes.Compare(m.staticPub[:], peer[:]) > 0 {
			// Crossed initiation. Exactly one side must keep its
			// initiator role or both stall as responders; the higher
			// static key keeps it and ignores the peer's init, the
			// lower side yields below.
			s.mu.Unlock()
			return nil
		}
		hs := handshake.NewResponder(m.staticPriv, m.staticPub)
		if err = hs.ReadMessage1(payload); err == nil {
			reply, err = hs.WriteMessage2()
		}
		if err == nil {
			replyKind = domain.KindHandshakeResponse
			if s.state.Usable() {
				// An init against a live session is unauthenticated at
				// this point. Run it on the side and keep the current
				// keys; they are swapped only once msg3 authenticates.
				s.rehs = hs
			} else {
				s.hs = hs
				s.initiating = false
				s.state = domain.SessionHandshaking
				m.armTimeoutLocked(peer, s)
			}
		}

	case domain.KindHandshakeResponse:
		if s.hs == nil {
			s.mu.Unlock()
			return handshake.ErrOutOfOrder
		}
		if err = s.hs.ReadMessage2(payload); err == nil {
			reply, err = s.hs.WriteMessage3()
		}
		if err == nil {
			replyKind = domain.KindHandshakeFinish
			err = m.establishLocked(peer, s)
			established = err == nil
		}

	case domain.KindHandshakeFinish:
		if s.state.Usable() {
			if s.rehs == nil {
				s.mu.Unlock()
				return handshake.ErrOutOfOrder
			}
			if err = s.rehs.ReadMessage3(payload); err == nil {
				err = m.rekeyLocked(peer, s)
			}
			if err != nil {
				// The side handshake failed; the live session is
				// untouched.
				s.rehs = nil
				s.mu.Unlock()
				return err
			}
			s.mu.Unlock()
			return nil
		}
		if s.hs == nil {
			s.mu.Unlock()
			return handshake.ErrOutOfOrder
		}
		if err = s.hs.ReadMessage3(payload); err == nil {
			err = m.establishLocked(peer, s)
			established = err == nil
		}

	default:
		s.mu.Unlock()
		return fmt.Errorf("session: not a handshake kind: %#x", byte(kind))
	}

	if err != nil {
		if errors.Is(err, handshake.ErrOutOfOrder) || errors.Is(err, handshake.ErrMalformed) {
			// A late or garbled frame is not an attack on this attempt;
			// drop it and let the timeout govern the handshake.
			s.mu.Unlock()
			return err
		}
		m.failLocked(s)
		s.mu.Unlock()
		if m.onFailed != nil {
			m.onFailed(peer, domain.ErrHandshakeAuthFailure)
		}
		return fmt.Errorf("%w: %w", domain.ErrHandshakeAuthFailure, err)
	}

	s.mu.Unlock()

	if reply != nil {
		if err := m.send(peer, replyKind, reply); err != nil {
			return err
		}
	}
	if established && m.onEstablished != nil {
		m.onEstablished(peer)
	}
	return nil
}

// establishLocked derives the directional keys, binds the fingerprint in
// the registry, and cancels the handshake timer under the same lock.
func (m *Manager) establishLocked(peer domain.X25519Public, s *peerSession) error {
	remote := s.hs.RemoteStatic()
	if remote != peer {
		// The authenticated static key must match the identity the
		// envelope claimed, otherwise someone is splicing handshakes.
		return fmt.Errorf("session: envelope sender %s != handshake identity %s", peer, remote)
	}
	sendKey, recvKey, err := s.hs.Split()
	if err != nil {
		return err
	}
	s.sendKey, s.recvKey = sendKey, recvKey
	s.hs = nil
	s.rehs = nil
	s.initiating = false
	s.state = domain.SessionEstablished
	s.attempts = 0
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++ // invalidate any in-flight timer
	m.registry.Touch(peer)
	m.log.Info("session established",
		zap.Stringer("peer", peer),
		zap.Stringer("fingerprint", crypto.FingerprintOf(peer)))
	return nil
}

// rekeyLocked swaps the live directional keys for the ones derived by a
// completed side handshake. The session never leaves Established.
func (m *Manager) rekeyLocked(peer domain.X25519Public, s *peerSession) error {
	remote := s.rehs.RemoteStatic()
	if remote != peer {
		return fmt.Errorf("session: envelope sender %s != handshake identity %s", peer, remote)
	}
	sendKey, recvKey, err := s.rehs.Split()
	if err != nil {
		return err
	}
	memzero.Zero(s.sendKey)
	memzero.Zero(s.recvKey)
	s.sendKey, s.recvKey = sendKey, recvKey
	s.rehs = nil
	m.registry.Touch(peer)
	m.log.Info("session rekeyed", zap.Stringer("peer", peer))
	return nil
}

func (m *Manager) failLocked(s *peerSession) {
	s.hs = nil
	s.rehs = nil
	s.initiating = false
	s.state = domain.SessionIdle
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

// Encrypt seals plaintext for peer under the session send key.
func (m *Manager) Encrypt(peer domain.X25519Public, plaintext []byte) ([]byte, error) {
	s := m.session(peer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Usable() {
		return nil, domain.ErrNotEstablished
	}
	return crypto.Seal(s.sendKey, plaintext, nil)
}

// Decrypt opens a frame from peer under the session receive key. Every
// failure mode reports the uniform ErrDecryptFailed.
func (m *Manager) Decrypt(peer domain.X25519Public, blob []byte) ([]byte, error) {
	s := m.session(peer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Usable() {
		return nil, domain.ErrNotEstablished
	}
	return crypto.Open(s.recvKey, blob, nil)
}

// Verify upgrades an Established session after the user compared
// fingerprints out of band. There is no path from Idle to Verified.
func (m *Manager) Verify(peer domain.X25519Public, fp domain.Fingerprint) error {
	s := m.session(peer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.SessionEstablished {
		return domain.ErrNotEstablished
	}
	if crypto.FingerprintOf(peer) != fp {
		return fmt.Errorf("session: fingerprint mismatch for %s", peer)
	}
	m.registry.SetVerified(peer)
	return nil
}

// Reset tears the session down to Idle, discarding keys. The fingerprint
// binding survives in the registry so a re-handshake keeps identity
// continuity. Used on transport loss and on single-session corruption.
func (m *Manager) Reset(peer domain.X25519Public) {
	s := m.session(peer)
	s.mu.Lock()
	defer s.mu.Unlock()
	memzero.Zero(s.sendKey)
	memzero.Zero(s.recvKey)
	s.sendKey, s.recvKey = nil, nil
	m.failLocked(s)
}

// Export snapshots every session's persistable state for an external
// checkpoint. Symmetric keys never leave the process.
func (m *Manager) Export() []domain.SessionSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.SessionSnapshot, 0, len(m.sessions))
	for peer, s := range m.sessions {
		s.mu.Lock()
		out = append(out, domain.SessionSnapshot{
			Peer:        peer,
			Fingerprint: crypto.FingerprintOf(peer),
			State:       m.effectiveStateLocked(peer, s),
			Attempts:    s.attempts,
		})
		s.mu.Unlock()
	}
	return out
}

// Import restores session records from a snapshot. Key material cannot be
// checkpointed, so every restored session lands in Idle; what carries over
// is the peer set and identity continuity.
func (m *Manager) Import(snaps []domain.SessionSnapshot) {
	for _, snap := range snaps {
		s := m.session(snap.Peer)
		s.mu.Lock()
		if s.state == domain.SessionIdle && s.hs == nil {
			s.attempts = 0
		}
		s.mu.Unlock()
	}
}
