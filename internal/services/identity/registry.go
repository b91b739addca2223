// Package identity reconciles a peer's multiple addressable identities:
// the ephemeral mesh address, the stable static key, and the optional
// pseudonymous relay key. It answers "how do I currently reach peer X".
package identity

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/permissionlesstech/bitchat-go/internal/crypto"
	"github.com/permissionlesstech/bitchat-go/internal/domain"
)

// Registry is an arena-style peer table: records live under a canonical
// internal id, and each external identity form (static key, mesh address,
// relay key, fingerprint) is a secondary index onto that id. Merges update
// the indexes, never the canonical id.
type Registry struct {
	log *zap.Logger

	mu     sync.RWMutex
	nextID uint64
	peers  map[uint64]*domain.PeerIdentity

	byStatic      map[domain.X25519Public]uint64
	byMesh        map[domain.MeshAddr]uint64
	byRelay       map[domain.RelayKey]uint64
	byFingerprint map[domain.Fingerprint]uint64
}

// NewRegistry returns an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		log:           log,
		peers:         make(map[uint64]*domain.PeerIdentity),
		byStatic:      make(map[domain.X25519Public]uint64),
		byMesh:        make(map[domain.MeshAddr]uint64),
		byRelay:       make(map[domain.RelayKey]uint64),
		byFingerprint: make(map[domain.Fingerprint]uint64),
	}
}

// upsertLocked returns the canonical id for a static key, creating the
// record on first sight.
func (r *Registry) upsertLocked(static domain.X25519Public) uint64 {
	if id, ok := r.byStatic[static]; ok {
		return id
	}
	r.nextID++
	id := r.nextID
	fp := crypto.FingerprintOf(static)
	r.peers[id] = &domain.PeerIdentity{StaticKey: static, Fingerprint: fp}
	r.byStatic[static] = id
	r.byFingerprint[fp] = id
	r.log.Debug("new peer record",
		zap.Stringer("peer", static),
		zap.Stringer("fingerprint", fp))
	return id
}

// Touch ensures a record exists for the static key and returns its
// fingerprint.
func (r *Registry) Touch(static domain.X25519Public) domain.Fingerprint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[r.upsertLocked(static)].Fingerprint
}

// BindMesh records that the peer with the given static key is currently
// reachable at addr, updating the display name if one was announced.
// A mesh address is ephemeral: rebinding it to a different static key on
// reconnect is normal and steals the index entry from the old record.
func (r *Registry) BindMesh(static domain.X25519Public, addr domain.MeshAddr, displayName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.upsertLocked(static)
	p := r.peers[id]
	if old, ok := r.byMesh[addr]; ok && old != id {
		r.peers[old].MeshAddr = ""
	}
	if p.MeshAddr != "" && p.MeshAddr != addr {
		delete(r.byMesh, p.MeshAddr)
	}
	p.MeshAddr = addr
	if displayName != "" {
		p.DisplayName = displayName
	}
	r.byMesh[addr] = id
}

// ClearMesh drops the mesh binding for addr, typically on disconnect.
// It returns the static key that was bound there, if any.
func (r *Registry) ClearMesh(addr domain.MeshAddr) (domain.X25519Public, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byMesh[addr]
	if !ok {
		return domain.X25519Public{}, false
	}
	delete(r.byMesh, addr)
	p := r.peers[id]
	p.MeshAddr = ""
	return p.StaticKey, true
}

// BindRelay merges a relay-known pseudonymous identity into the record for
// a mesh-known static key. The merge is idempotent; binding the same relay
// key to a second static key is a conflict and is refused.
func (r *Registry) BindRelay(static domain.X25519Public, relay domain.RelayKey) error {
	if relay.IsZero() {
		return fmt.Errorf("bind relay: zero key")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if other, ok := r.byRelay[relay]; ok {
		if r.peers[other].StaticKey == static {
			return nil
		}
		return fmt.Errorf("relay key %s already bound: %w", relay, domain.ErrIdentityConflict)
	}
	id := r.upsertLocked(static)
	p := r.peers[id]
	if !p.RelayKey.IsZero() && p.RelayKey != relay {
		// The peer rotated its relay identity; drop the stale index.
		delete(r.byRelay, p.RelayKey)
	}
	p.RelayKey = relay
	r.byRelay[relay] = id
	return nil
}

// SetFavoriteSent records our own favorite mark for the peer.
func (r *Registry) SetFavoriteSent(static domain.X25519Public, favorite bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[r.upsertLocked(static)].FavoriteSent = favorite
}

// SetFavoriteReceived records the peer's authenticated favorite notice.
func (r *Registry) SetFavoriteReceived(static domain.X25519Public, favorite bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[r.upsertLocked(static)].FavoriteReceived = favorite
}

// SetPetname assigns the local-only name override.
func (r *Registry) SetPetname(static domain.X25519Public, petname string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[r.upsertLocked(static)].Petname = petname
}

// SetVerified marks the peer's fingerprint binding as user-confirmed.
// Verification never downgrades: passing it again is a no-op.
func (r *Registry) SetVerified(static domain.X25519Public) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[r.upsertLocked(static)].Verified = true
}

// Forget removes a peer entirely. This is the only way a record dies.
func (r *Registry) Forget(static domain.X25519Public) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byStatic[static]
	if !ok {
		return
	}
	p := r.peers[id]
	delete(r.byStatic, p.StaticKey)
	delete(r.byFingerprint, p.Fingerprint)
	if p.MeshAddr != "" {
		delete(r.byMesh, p.MeshAddr)
	}
	if !p.RelayKey.IsZero() {
		delete(r.byRelay, p.RelayKey)
	}
	delete(r.peers, id)
}

// ByStatic looks a peer up by its long-term key.
func (r *Registry) ByStatic(static domain.X25519Public) (domain.PeerIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byStatic[static]
	if !ok {
		return domain.PeerIdentity{}, false
	}
	return *r.peers[id], true
}

// ByMesh resolves a short mesh address back to the full record, giving
// session continuity across radio reconnects.
func (r *Registry) ByMesh(addr domain.MeshAddr) (domain.PeerIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byMesh[addr]
	if !ok {
		return domain.PeerIdentity{}, false
	}
	return *r.peers[id], true
}

// ByFingerprint looks a peer up by its fingerprint.
func (r *Registry) ByFingerprint(fp domain.Fingerprint) (domain.PeerIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byFingerprint[fp]
	if !ok {
		return domain.PeerIdentity{}, false
	}
	return *r.peers[id], true
}

// ByName finds a peer by petname or display name. First match wins;
// names are not unique the way keys are.
func (r *Registry) ByName(name string) (domain.PeerIdentity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.peers {
		if p.Petname == name || p.DisplayName == name {
			return *p, true
		}
	}
	return domain.PeerIdentity{}, false
}

// Resolve picks the best current transport for the peer: mesh while
// radio-connected, relay for mutual favorites with a known relay key,
// otherwise unreachable.
func (r *Registry) Resolve(static domain.X25519Public) domain.Reachability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byStatic[static]
	if !ok {
		return domain.Reachability{Kind: domain.ReachUnreachable}
	}
	p := r.peers[id]
	if p.MeshAddr != "" {
		return domain.Reachability{Kind: domain.ReachMesh, MeshAddr: p.MeshAddr}
	}
	if p.MutualFavorite() && !p.RelayKey.IsZero() {
		return domain.Reachability{Kind: domain.ReachRelay, RelayKey: p.RelayKey}
	}
	return domain.Reachability{Kind: domain.ReachUnreachable}
}

// Snapshot returns a copy of every record for external persistence or
// the peer-list UI.
func (r *Registry) Snapshot() []domain.PeerIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PeerIdentity, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// Restore loads records from a snapshot. Mesh addresses are transient and
// deliberately not restored. Restoring is additive and idempotent; a
// record already marked Verified keeps its fingerprint binding untouched.
func (r *Registry) Restore(peers []domain.PeerIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range peers {
		id := r.upsertLocked(in.StaticKey)
		p := r.peers[id]
		if in.Petname != "" {
			p.Petname = in.Petname
		}
		if in.DisplayName != "" && p.DisplayName == "" {
			p.DisplayName = in.DisplayName
		}
		p.FavoriteSent = p.FavoriteSent || in.FavoriteSent
		p.FavoriteReceived = p.FavoriteReceived || in.FavoriteReceived
		p.Verified = p.Verified || in.Verified
		if !in.RelayKey.IsZero() {
			if _, taken := r.byRelay[in.RelayKey]; !taken {
				p.RelayKey = in.RelayKey
				r.byRelay[in.RelayKey] = id
			}
		}
	}
}
