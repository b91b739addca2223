package domain

// PeerIdentity is the unit of peer bookkeeping. The static public key is
// the only identity guaranteed to be unique and persistent; the mesh
// address comes and goes with radio connectivity, and the relay key is
// present only once the peer has been exchanged as a favorite.
type PeerIdentity struct {
	StaticKey   X25519Public `json:"static_key"`
	Fingerprint Fingerprint  `json:"fingerprint"`

	// MeshAddr is empty while the peer is not radio-connected.
	MeshAddr MeshAddr `json:"mesh_addr,omitempty"`

	// RelayKey is zero until learned through favorite exchange.
	RelayKey RelayKey `json:"relay_key,omitempty"`

	DisplayName string `json:"display_name,omitempty"`

	// Petname is a locally assigned override. Never transmitted.
	Petname string `json:"petname,omitempty"`

	// FavoriteSent records that we marked this peer a favorite;
	// FavoriteReceived that they told us they marked us.
	FavoriteSent     bool `json:"favorite_sent"`
	FavoriteReceived bool `json:"favorite_received"`

	// Verified records a user-confirmed fingerprint comparison. It is a
	// property of the identity binding and survives session resets.
	Verified bool `json:"verified"`
}

// MutualFavorite reports whether both sides have marked each other,
// which is the precondition for relay fallback delivery.
func (p PeerIdentity) MutualFavorite() bool { return p.FavoriteSent && p.FavoriteReceived }

// Name returns the petname if set, otherwise the transmitted display name,
// otherwise the short key form.
func (p PeerIdentity) Name() string {
	if p.Petname != "" {
		return p.Petname
	}
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.StaticKey.String()
}

// ReachKind tags the Reachability variant.
type ReachKind uint8

const (
	// ReachMesh means the peer is currently radio-connected.
	ReachMesh ReachKind = iota
	// ReachRelay means the peer is mesh-unreachable but relay-eligible.
	ReachRelay
	// ReachUnreachable means no viable transport exists.
	ReachUnreachable
)

// Reachability is the tagged result of transport selection: exactly one
// of the address fields is meaningful for the given Kind. It is matched
// exhaustively at the single call site that chooses a transport.
type Reachability struct {
	Kind     ReachKind
	MeshAddr MeshAddr
	RelayKey RelayKey
}
