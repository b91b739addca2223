// Package channel derives symmetric keys for password-protected group
// channels and tracks joined channels with their known membership.
// Channel keys are independent of per-peer sessions: a late joiner with
// the right password derives the same key and can read history.
package channel

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/permissionlesstech/bitchat-go/internal/crypto"
	"github.com/permissionlesstech/bitchat-go/internal/domain"
)

// Argon2id parameters. Fixed forever: changing them would silently change
// every derived key. Channel names are public, so the derivation must be
// slow enough to resist offline password guessing.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
)

const saltContext = "bitchat.channel.v1:"

// Key is a symmetric channel key bound to a channel name. It is stable
// for the lifetime of the membership; a password change is logically a
// new channel.
type Key struct {
	Name string
	key  [chacha20poly1305.KeySize]byte
}

// DeriveKey deterministically derives the channel key from the channel
// name and password. Same inputs always yield the same key.
func DeriveKey(name, password string) Key {
	salt := sha256.Sum256([]byte(saltContext + name))
	raw := argon2.IDKey([]byte(password), salt[:16], argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	k := Key{Name: name}
	copy(k.key[:], raw)
	return k
}

// Encrypt seals plaintext under the channel key. The channel name is
// bound as associated data so a ciphertext cannot be replayed into a
// different channel that happens to share a password.
func (k Key) Encrypt(plaintext []byte) ([]byte, error) {
	return crypto.Seal(k.key[:], plaintext, []byte(k.Name))
}

// Decrypt opens a channel ciphertext. A failure means the wrong password
// (or a corrupt frame); it is reported as ErrWrongPassword without
// revealing which byte failed.
func (k Key) Decrypt(blob []byte) ([]byte, error) {
	pt, err := crypto.Open(k.key[:], blob, []byte(k.Name))
	if err != nil {
		return nil, domain.ErrWrongPassword
	}
	return pt, nil
}

// Commitment returns a short public commitment to the key. Two members
// can compare commitments to confirm they derived the same key without
// revealing anything useful for guessing the password beyond what a
// captured ciphertext already gives.
func (k Key) Commitment() string {
	sum := sha256.Sum256(append([]byte("bitchat.channel.commit:"), k.key[:]...))
	return hex.EncodeToString(sum[:4])
}

// Manager tracks joined channels and their known members.
type Manager struct {
	log *zap.Logger

	mu      sync.RWMutex
	keys    map[string]Key
	members map[string]map[domain.Fingerprint]struct{}
}

// NewManager returns an empty channel manager.
func NewManager(log *zap.Logger) *Manager {
	return &Manager{
		log:     log,
		keys:    make(map[string]Key),
		members: make(map[string]map[domain.Fingerprint]struct{}),
	}
}

// Join derives and retains the key for a channel. Joining an already
// joined channel with a different password replaces the key, which is
// logically a new channel.
func (m *Manager) Join(name, password string) Key {
	key := DeriveKey(name, password)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[name] = key
	if m.members[name] == nil {
		m.members[name] = make(map[domain.Fingerprint]struct{})
	}
	m.log.Info("joined channel", zap.String("channel", name))
	return key
}

// Leave forgets a channel's key and membership.
func (m *Manager) Leave(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, name)
	delete(m.members, name)
}

// Lookup returns the retained key for a joined channel.
func (m *Manager) Lookup(name string) (Key, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[name]
	return k, ok
}

// Joined lists the joined channel names.
func (m *Manager) Joined() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.keys))
	for name := range m.keys {
		out = append(out, name)
	}
	return out
}

// AddMember records a peer's membership announcement for a channel we
// track. Membership feeds the delivery tracker's group totals.
func (m *Manager) AddMember(name string, peer domain.Fingerprint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[name] == nil {
		if _, joined := m.keys[name]; !joined {
			return
		}
		m.members[name] = make(map[domain.Fingerprint]struct{})
	}
	m.members[name][peer] = struct{}{}
}

// RemoveMember withdraws a membership announcement.
func (m *Manager) RemoveMember(name string, peer domain.Fingerprint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.members[name]; ok {
		delete(set, peer)
	}
}

// Members returns the known membership of a channel at this moment.
func (m *Manager) Members(name string) []domain.Fingerprint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.members[name]
	out := make([]domain.Fingerprint, 0, len(set))
	for fp := range set {
		out = append(out, fp)
	}
	return out
}
