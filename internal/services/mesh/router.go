// Package mesh implements TTL-bounded flood routing with deduplication
// over the abstracted radio transport. It has no per-peer session state
// and no topology knowledge: envelopes are relayed opaquely and payload
// decryption happens after routing, in the session layer.
package mesh

import (
	"time"

	"go.uber.org/zap"

	"github.com/permissionlesstech/bitchat-go/internal/domain"
	"github.com/permissionlesstech/bitchat-go/internal/protocol/wire"
)

// DefaultDedupWindow is how long a (id, sender) pair stays in the
// recently-seen set.
const DefaultDedupWindow = 5 * time.Minute

// DeliverFunc receives envelopes addressed to this node. from is the
// neighbor the frame arrived on, or empty for relay-delivered frames.
type DeliverFunc func(from domain.MeshAddr, env domain.Envelope)

// Router floods envelopes across the mesh.
type Router struct {
	log       *zap.Logger
	self      domain.X25519Public
	transport domain.MeshTransport
	deliver   DeliverFunc
	seen      *seenCache
}

// Config carries the router's tunables.
type Config struct {
	DedupWindow time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewRouter builds a router. deliver is invoked synchronously from the
// inbound path for every envelope addressed to this node.
func NewRouter(log *zap.Logger, self domain.X25519Public, transport domain.MeshTransport, deliver DeliverFunc, cfg Config) *Router {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	return &Router{
		log:       log,
		self:      self,
		transport: transport,
		deliver:   deliver,
		seen:      newSeenCache(cfg.DedupWindow, cfg.Now),
	}
}

// HandleFrame processes one inbound frame from a connected neighbor. It
// is safe to call concurrently from multiple connection callbacks.
//
// A frame seen within the dedup window is dropped silently. An unseen
// frame is delivered locally when addressed to this node (directed kinds
// carry a recipient; everything else is broadcast and always delivered),
// and rebroadcast with ttl-1 to every neighbor except the arrival one
// while ttl > 1.
func (r *Router) HandleFrame(from domain.MeshAddr, frame []byte) error {
	env, err := wire.Unmarshal(frame)
	if err != nil {
		r.log.Debug("dropping malformed frame", zap.Stringer("from", from), zap.Error(err))
		return err
	}
	if env.Sender == r.self {
		// Our own flood came back around.
		return nil
	}
	if !r.seen.insert(seenKey{id: env.ID, sender: env.Sender}) {
		return nil
	}
	if r.addressedToSelf(env) {
		r.deliver(from, env)
	}
	if env.TTL > 1 {
		relay := env
		relay.TTL--
		r.fanOut(relay, from)
	}
	return nil
}

// HandleRelayFrame processes a frame that arrived over the relay
// transport. Relay frames share the dedup set with mesh frames, so a
// message that arrives on both transports is still delivered once, but
// they are never re-flooded onto the mesh: the relay path is end-to-end.
func (r *Router) HandleRelayFrame(frame []byte) error {
	env, err := wire.Unmarshal(frame)
	if err != nil {
		r.log.Debug("dropping malformed relay frame", zap.Error(err))
		return err
	}
	if env.Sender == r.self {
		return nil
	}
	if !r.seen.insert(seenKey{id: env.ID, sender: env.Sender}) {
		return nil
	}
	if r.addressedToSelf(env) {
		r.deliver("", env)
	}
	return nil
}

// Originate floods a locally created envelope to all neighbors. The
// envelope is recorded as seen so its own echo is ignored.
func (r *Router) Originate(env domain.Envelope) error {
	r.seen.insert(seenKey{id: env.ID, sender: env.Sender})
	return r.fanOut(env, "")
}

// SendDirect writes an envelope to a single neighbor without flooding,
// used for announcing to a freshly connected peer.
func (r *Router) SendDirect(addr domain.MeshAddr, env domain.Envelope) error {
	frame, err := wire.Marshal(env)
	if err != nil {
		return err
	}
	return r.transport.Send(addr, frame)
}

func (r *Router) addressedToSelf(env domain.Envelope) bool {
	rcpt, ok := env.Recipient()
	if !ok {
		// Broadcast kinds have no destination check.
		return true
	}
	return rcpt == r.self
}

func (r *Router) fanOut(env domain.Envelope, except domain.MeshAddr) error {
	frame, err := wire.Marshal(env)
	if err != nil {
		return err
	}
	var firstErr error
	for _, addr := range r.transport.Neighbors() {
		if addr == except {
			continue
		}
		if err := r.transport.Send(addr, frame); err != nil {
			// One dead link must not stop the flood.
			r.log.Debug("mesh send failed", zap.Stringer("to", addr), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
