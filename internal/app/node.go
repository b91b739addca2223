// Package app wires the identity registry, session manager, mesh router,
// relay fallback, delivery tracker and channel keys into one node, and
// exposes the command/event surface the presentation layer consumes.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/permissionlesstech/bitchat-go/internal/crypto"
	"github.com/permissionlesstech/bitchat-go/internal/domain"
	"github.com/permissionlesstech/bitchat-go/internal/protocol/wire"
	"github.com/permissionlesstech/bitchat-go/internal/services/channel"
	"github.com/permissionlesstech/bitchat-go/internal/services/delivery"
	"github.com/permissionlesstech/bitchat-go/internal/services/identity"
	"github.com/permissionlesstech/bitchat-go/internal/services/mesh"
	"github.com/permissionlesstech/bitchat-go/internal/services/session"
)

// Config carries node wiring options.
type Config struct {
	Logger   *zap.Logger
	Nickname string

	// Mesh is the radio transport driver; nil means relay-only operation.
	Mesh domain.MeshTransport
	// Relay is the fallback transport; nil disables relay delivery.
	Relay domain.RelayClient

	Session     session.Config
	DedupWindow time.Duration
	AckTimeout  time.Duration
}

// Node is the multi-transport secure session and delivery core.
type Node struct {
	log      *zap.Logger
	id       *crypto.Identity
	nickname string

	registry *identity.Registry
	sessions *session.Manager
	router   *mesh.Router
	tracker  *delivery.Tracker
	channels *channel.Manager
	relay    domain.RelayClient

	events Bus

	mu      sync.Mutex
	pending map[domain.X25519Public][]pendingSend
}

// pendingSend is an outbound item parked until the session establishes.
// Plaintext is held, not ciphertext: keys do not exist yet.
type pendingSend struct {
	id        domain.MessageID
	kind      domain.Kind
	plaintext []byte
}

type noopTransport struct{}

func (noopTransport) Neighbors() []domain.MeshAddr       { return nil }
func (noopTransport) Send(domain.MeshAddr, []byte) error { return domain.ErrUnreachable }

// NewNode builds a node around the given identity.
func NewNode(id *crypto.Identity, cfg Config) *Node {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	transport := cfg.Mesh
	if transport == nil {
		transport = noopTransport{}
	}

	n := &Node{
		log:      log,
		id:       id,
		nickname: cfg.Nickname,
		relay:    cfg.Relay,
		pending:  make(map[domain.X25519Public][]pendingSend),
	}
	n.registry = identity.NewRegistry(log.Named("identity"))
	n.channels = channel.NewManager(log.Named("channel"))
	n.tracker = delivery.NewTracker(log.Named("delivery"), func(rec domain.DeliveryRecord) {
		n.events.publish(Event{Kind: EventDeliveryUpdated, Delivery: &rec})
	}, delivery.Config{AckTimeout: cfg.AckTimeout})
	n.sessions = session.NewManager(log.Named("session"), n.registry, id, n.sendHandshakeFrame, cfg.Session)
	n.sessions.OnEstablished(n.sessionEstablished)
	n.sessions.OnFailed(n.sessionFailed)
	n.router = mesh.NewRouter(log.Named("mesh"), id.StaticPub, transport, n.deliver,
		mesh.Config{DedupWindow: cfg.DedupWindow})
	return n
}

// Events returns the UI-facing event stream.
func (n *Node) Events() <-chan Event { return n.events.Subscribe() }

// Registry exposes peer list snapshots for the UI boundary.
func (n *Node) Registry() *identity.Registry { return n.registry }

// Channels exposes the channel membership view.
func (n *Node) Channels() *channel.Manager { return n.channels }

// SessionState reports a peer's current encryption status.
func (n *Node) SessionState(peer domain.X25519Public) domain.SessionState {
	return n.sessions.State(peer)
}

// Fingerprint returns this node's own fingerprint.
func (n *Node) Fingerprint() domain.Fingerprint { return n.id.Fingerprint() }

// Run starts the relay subscription and blocks until ctx is cancelled.
// Mesh traffic needs no pump: the driver pushes frames into HandleMeshFrame.
func (n *Node) Run(ctx context.Context) error {
	if n.relay == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	frames, err := n.relay.Subscribe(ctx, n.id.RelayPub)
	if err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			_ = n.router.HandleRelayFrame(frame)
		}
	}
}

// ---------- transport driver callbacks ----------

// HandleMeshFrame is invoked by the radio driver for every inbound frame.
// Safe for concurrent use across connection callbacks.
func (n *Node) HandleMeshFrame(from domain.MeshAddr, frame []byte) {
	_ = n.router.HandleFrame(from, frame)
}

// PeerConnected is invoked by the radio driver when a neighbor link comes
// up. The node announces itself so the neighbor can bind our identity.
func (n *Node) PeerConnected(addr domain.MeshAddr) {
	env := n.newEnvelope(domain.KindAnnounce, []byte(n.nickname))
	if err := n.router.SendDirect(addr, env); err != nil {
		n.log.Debug("announce failed", zap.Stringer("to", addr), zap.Error(err))
	}
}

// PeerDisconnected is invoked by the radio driver when a neighbor link
// drops. The mesh binding is cleared and the session falls back to Idle;
// the fingerprint binding survives in the registry.
func (n *Node) PeerDisconnected(addr domain.MeshAddr) {
	static, ok := n.registry.ClearMesh(addr)
	if !ok {
		return
	}
	n.sessions.Reset(static)
	n.events.publish(Event{Kind: EventPeerDisconnected, Peer: static, MeshAddr: addr})
	n.events.publish(Event{Kind: EventSessionChanged, Peer: static, State: domain.SessionIdle})
}

// ---------- outbound commands ----------

// SendBroadcast floods a plaintext message to everyone in radio range.
// Broadcasts are fire-and-forget: no delivery record is kept.
func (n *Node) SendBroadcast(text string) (domain.MessageID, error) {
	env := n.newEnvelope(domain.KindBroadcast, []byte(text))
	return env.ID, n.router.Originate(env)
}

// SendPrivate encrypts and sends a message to one peer, creating a
// delivery record. If no session exists yet the message is parked, a
// handshake starts, and the send completes on establishment. Sends to
// unreachable peers fail fast rather than queueing forever.
func (n *Node) SendPrivate(peer domain.X25519Public, text string) (domain.MessageID, error) {
	id := uuid.Must(uuid.NewV4())
	fp := n.registry.Touch(peer)
	n.tracker.Track(id, []domain.Fingerprint{fp})

	if n.registry.Resolve(peer).Kind == domain.ReachUnreachable {
		n.tracker.MarkFailed(id, "unreachable")
		return id, fmt.Errorf("send to %s: %w", peer, domain.ErrUnreachable)
	}

	if !n.sessions.State(peer).Usable() {
		n.park(peer, pendingSend{id: id, kind: domain.KindPrivate, plaintext: []byte(text)})
		if err := n.sessions.Initiate(peer); err != nil {
			n.tracker.MarkFailed(id, err.Error())
			return id, err
		}
		return id, nil
	}
	return id, n.sendPrivateNow(peer, id, []byte(text))
}

func (n *Node) sendPrivateNow(peer domain.X25519Public, id domain.MessageID, plaintext []byte) error {
	sealed, err := n.sessions.Encrypt(peer, plaintext)
	if err != nil {
		n.tracker.MarkFailed(id, err.Error())
		return err
	}
	env := n.newEnvelopeWithID(id, domain.KindPrivate, wire.DirectedPayload(peer, sealed))
	if err := n.routeEnvelope(peer, env); err != nil {
		n.tracker.MarkFailed(id, err.Error())
		return err
	}
	n.tracker.MarkSent(id)
	return nil
}

// SendChannel encrypts a message under the channel key and delivers it to
// the mesh flood plus, for mesh-unreachable mutual favorites, the relay.
// The delivery record aggregates the membership known at send time.
func (n *Node) SendChannel(name, text string) (domain.MessageID, error) {
	key, ok := n.channels.Lookup(name)
	if !ok {
		return domain.MessageID{}, fmt.Errorf("channel %q not joined", name)
	}
	sealed, err := key.Encrypt([]byte(text))
	if err != nil {
		return domain.MessageID{}, err
	}
	body, err := channelBody(name, sealed)
	if err != nil {
		return domain.MessageID{}, err
	}

	members := n.channels.Members(name)
	env := n.newEnvelope(domain.KindChannelMessage, body)
	n.tracker.Track(env.ID, members)

	if err := n.router.Originate(env); err != nil {
		n.log.Debug("channel flood failed", zap.String("channel", name), zap.Error(err))
	}
	// Relay copies for members we cannot reach over the mesh.
	frame, err := wire.Marshal(env)
	if err == nil && n.relay != nil {
		for _, fp := range members {
			p, ok := n.registry.ByFingerprint(fp)
			if !ok {
				continue
			}
			if r := n.registry.Resolve(p.StaticKey); r.Kind == domain.ReachRelay {
				if err := n.relay.Publish(context.Background(), r.RelayKey, frame); err != nil {
					n.log.Debug("channel relay publish failed",
						zap.Stringer("peer", p.StaticKey), zap.Error(err))
				}
			}
		}
	}
	n.tracker.MarkSent(env.ID)
	return env.ID, nil
}

// JoinChannel derives the channel key and announces membership.
func (n *Node) JoinChannel(name, password string) error {
	n.channels.Join(name, password)
	env := n.newEnvelope(domain.KindChannelJoin, []byte(name))
	return n.router.Originate(env)
}

// LeaveChannel forgets the key and withdraws the membership announcement.
func (n *Node) LeaveChannel(name string) error {
	n.channels.Leave(name)
	env := n.newEnvelope(domain.KindChannelLeave, []byte(name))
	return n.router.Originate(env)
}

// MarkFavorite records our favorite mark and tells the peer over an
// authenticated channel, carrying our relay identity so mutual favorites
// can fall back to relay delivery.
func (n *Node) MarkFavorite(peer domain.X25519Public, favorite bool) error {
	n.registry.SetFavoriteSent(peer, favorite)
	body := favoriteNoticeBody(favorite, n.id.RelayPub)
	if !n.sessions.State(peer).Usable() {
		n.park(peer, pendingSend{id: uuid.Must(uuid.NewV4()), kind: domain.KindFavoriteNotice, plaintext: body})
		return n.sessions.Initiate(peer)
	}
	return n.sendFavoriteNoticeNow(peer, body)
}

func (n *Node) sendFavoriteNoticeNow(peer domain.X25519Public, body []byte) error {
	sealed, err := n.sessions.Encrypt(peer, body)
	if err != nil {
		return err
	}
	env := n.newEnvelope(domain.KindFavoriteNotice, wire.DirectedPayload(peer, sealed))
	return n.routeEnvelope(peer, env)
}

// MarkRead reports that the user read a message; the sender's delivery
// record upgrades to Read.
func (n *Node) MarkRead(sender domain.X25519Public, id domain.MessageID) error {
	env := n.newEnvelope(domain.KindReadAck, wire.DirectedPayload(sender, id.Bytes()))
	return n.routeEnvelope(sender, env)
}

// VerifyPeer upgrades the session after an out-of-band fingerprint
// comparison.
func (n *Node) VerifyPeer(peer domain.X25519Public, fp domain.Fingerprint) error {
	if err := n.sessions.Verify(peer, fp); err != nil {
		return err
	}
	n.events.publish(Event{Kind: EventSessionChanged, Peer: peer, State: domain.SessionVerified})
	return nil
}

// CancelSend suppresses further UI callbacks for an in-flight send. The
// wire operation, once handed to a transport, is never recalled; only the
// local callbacks go quiet, avoiding ambiguous partial sends.
func (n *Node) CancelSend(id domain.MessageID) { n.tracker.Mute(id) }

// DeliveryRecord returns the current record for a message.
func (n *Node) DeliveryRecord(id domain.MessageID) (domain.DeliveryRecord, bool) {
	return n.tracker.Record(id)
}

// ---------- snapshots for the external store ----------

// ExportPeerIdentities snapshots the peer registry.
func (n *Node) ExportPeerIdentities() []domain.PeerIdentity { return n.registry.Snapshot() }

// ImportPeerIdentities restores a registry snapshot.
func (n *Node) ImportPeerIdentities(peers []domain.PeerIdentity) { n.registry.Restore(peers) }

// ExportSessionState snapshots per-peer session bookkeeping.
func (n *Node) ExportSessionState() []domain.SessionSnapshot { return n.sessions.Export() }

// ImportSessionState restores session bookkeeping.
func (n *Node) ImportSessionState(snaps []domain.SessionSnapshot) { n.sessions.Import(snaps) }

// ExportDeliveryRecords snapshots delivery history for UIs.
func (n *Node) ExportDeliveryRecords() []domain.DeliveryRecord { return n.tracker.Export() }

// ---------- internals ----------

func (n *Node) newEnvelope(kind domain.Kind, payload []byte) domain.Envelope {
	return n.newEnvelopeWithID(uuid.Must(uuid.NewV4()), kind, payload)
}

func (n *Node) newEnvelopeWithID(id domain.MessageID, kind domain.Kind, payload []byte) domain.Envelope {
	return domain.Envelope{
		Version: domain.ProtocolVersion,
		Kind:    kind,
		TTL:     domain.MaxTTL,
		ID:      id,
		Sender:  n.id.StaticPub,
		Payload: payload,
	}
}

// routeEnvelope is the single place that chooses a transport, matching
// the reachability variant exhaustively.
func (n *Node) routeEnvelope(peer domain.X25519Public, env domain.Envelope) error {
	switch r := n.registry.Resolve(peer); r.Kind {
	case domain.ReachMesh:
		return n.router.Originate(env)
	case domain.ReachRelay:
		if n.relay == nil {
			return domain.ErrUnreachable
		}
		frame, err := wire.Marshal(env)
		if err != nil {
			return err
		}
		return n.relay.Publish(context.Background(), r.RelayKey, frame)
	case domain.ReachUnreachable:
		return domain.ErrUnreachable
	default:
		return fmt.Errorf("unhandled reachability %d", r.Kind)
	}
}

// sendHandshakeFrame is the session manager's outbound path.
func (n *Node) sendHandshakeFrame(peer domain.X25519Public, kind domain.Kind, payload []byte) error {
	env := n.newEnvelope(kind, wire.DirectedPayload(peer, payload))
	return n.routeEnvelope(peer, env)
}

func (n *Node) park(peer domain.X25519Public, item pendingSend) {
	n.mu.Lock()
	n.pending[peer] = append(n.pending[peer], item)
	n.mu.Unlock()
}

func (n *Node) sessionEstablished(peer domain.X25519Public) {
	n.events.publish(Event{Kind: EventSessionChanged, Peer: peer, State: n.sessions.State(peer)})
	n.mu.Lock()
	parked := n.pending[peer]
	delete(n.pending, peer)
	n.mu.Unlock()
	for _, item := range parked {
		var err error
		switch item.kind {
		case domain.KindPrivate:
			err = n.sendPrivateNow(peer, item.id, item.plaintext)
		case domain.KindFavoriteNotice:
			err = n.sendFavoriteNoticeNow(peer, item.plaintext)
		}
		if err != nil {
			n.log.Warn("parked send failed", zap.Stringer("peer", peer), zap.Error(err))
		}
	}
}

func (n *Node) sessionFailed(peer domain.X25519Public, err error) {
	n.mu.Lock()
	parked := n.pending[peer]
	delete(n.pending, peer)
	n.mu.Unlock()
	for _, item := range parked {
		if item.kind == domain.KindPrivate {
			n.tracker.MarkFailed(item.id, err.Error())
		}
	}
	n.events.publish(Event{Kind: EventHandshakeFailed, Peer: peer, Err: err})
}

// deliver receives every envelope the router accepted for this node, from
// either transport. from is empty for relay-delivered envelopes.
func (n *Node) deliver(from domain.MeshAddr, env domain.Envelope) {
	switch env.Kind {
	case domain.KindAnnounce:
		n.handleAnnounce(from, env)

	case domain.KindHandshakeInit, domain.KindHandshakeResponse, domain.KindHandshakeFinish:
		if err := n.sessions.HandleFrame(env.Sender, env.Kind, env.Body()); err != nil {
			n.log.Debug("handshake frame rejected",
				zap.Stringer("peer", env.Sender), zap.Error(err))
		}

	case domain.KindBroadcast:
		n.publishMessage(env, "", false, string(env.Payload))

	case domain.KindPrivate:
		pt, err := n.sessions.Decrypt(env.Sender, env.Body())
		if err != nil {
			// Uniform drop: wrong key and corrupt frame look the same,
			// and the frame is not treated as valid for anything else.
			n.log.Debug("private frame dropped", zap.Stringer("peer", env.Sender), zap.Error(err))
			return
		}
		n.publishMessage(env, "", true, string(pt))
		n.ack(env.Sender, env.ID, domain.KindDeliveryAck)

	case domain.KindChannelMessage:
		n.handleChannelMessage(env)

	case domain.KindDeliveryAck, domain.KindReadAck:
		id, err := uuid.FromBytes(env.Body())
		if err != nil {
			return
		}
		n.tracker.HandleAck(id, crypto.FingerprintOf(env.Sender), env.Kind == domain.KindReadAck)

	case domain.KindChannelJoin:
		n.channels.AddMember(string(env.Payload), crypto.FingerprintOf(env.Sender))

	case domain.KindChannelLeave:
		n.channels.RemoveMember(string(env.Payload), crypto.FingerprintOf(env.Sender))

	case domain.KindFavoriteNotice:
		n.handleFavoriteNotice(env)

	default:
		n.log.Debug("unknown envelope kind", zap.Uint8("kind", byte(env.Kind)))
	}
}

func (n *Node) handleAnnounce(from domain.MeshAddr, env domain.Envelope) {
	name := string(env.Payload)
	if from == "" {
		// Announce via relay carries no usable mesh binding.
		n.registry.Touch(env.Sender)
		return
	}
	_, known := n.registry.ByMesh(from)
	n.registry.BindMesh(env.Sender, from, name)
	if !known {
		n.events.publish(Event{Kind: EventPeerConnected, Peer: env.Sender, MeshAddr: from})
	}
}

func (n *Node) handleChannelMessage(env domain.Envelope) {
	name, sealed, err := splitChannelBody(env.Payload)
	if err != nil {
		return
	}
	key, ok := n.channels.Lookup(name)
	if !ok {
		// Not our channel; the router already relayed it.
		return
	}
	pt, err := key.Decrypt(sealed)
	if err != nil {
		n.log.Debug("channel frame dropped", zap.String("channel", name), zap.Error(err))
		return
	}
	n.channels.AddMember(name, crypto.FingerprintOf(env.Sender))
	n.publishMessage(env, name, false, string(pt))
	n.ack(env.Sender, env.ID, domain.KindDeliveryAck)
}

func (n *Node) handleFavoriteNotice(env domain.Envelope) {
	pt, err := n.sessions.Decrypt(env.Sender, env.Body())
	if err != nil {
		n.log.Debug("favorite notice dropped", zap.Stringer("peer", env.Sender), zap.Error(err))
		return
	}
	favorite, relayKey, err := splitFavoriteNotice(pt)
	if err != nil {
		return
	}
	n.registry.SetFavoriteReceived(env.Sender, favorite)
	if favorite && !relayKey.IsZero() {
		if err := n.registry.BindRelay(env.Sender, relayKey); err != nil {
			n.log.Warn("relay identity merge refused",
				zap.Stringer("peer", env.Sender), zap.Error(err))
		}
	}
}

func (n *Node) publishMessage(env domain.Envelope, channelName string, private bool, text string) {
	name := ""
	if p, ok := n.registry.ByStatic(env.Sender); ok {
		name = p.Name()
	}
	n.events.publish(Event{
		Kind: EventMessageReceived,
		Peer: env.Sender,
		Message: &Message{
			ID:      env.ID,
			From:    env.Sender,
			Name:    name,
			Channel: channelName,
			Private: private,
			Text:    text,
		},
	})
}

// ack sends a delivery or read acknowledgement back through whatever
// transport currently reaches the sender.
func (n *Node) ack(to domain.X25519Public, id domain.MessageID, kind domain.Kind) {
	env := n.newEnvelope(kind, wire.DirectedPayload(to, id.Bytes()))
	if err := n.routeEnvelope(to, env); err != nil {
		n.log.Debug("ack not deliverable", zap.Stringer("peer", to), zap.Error(err))
	}
}

// channelBody frames a channel payload as [nameLen:1][name][sealed].
func channelBody(name string, sealed []byte) ([]byte, error) {
	if len(name) == 0 || len(name) > 255 {
		return nil, fmt.Errorf("channel name length %d out of range", len(name))
	}
	out := make([]byte, 0, 1+len(name)+len(sealed))
	out = append(out, byte(len(name)))
	out = append(out, name...)
	return append(out, sealed...), nil
}

func splitChannelBody(payload []byte) (name string, sealed []byte, err error) {
	if len(payload) < 2 {
		return "", nil, fmt.Errorf("channel body truncated")
	}
	n := int(payload[0])
	if len(payload) < 1+n {
		return "", nil, fmt.Errorf("channel body truncated")
	}
	return string(payload[1 : 1+n]), payload[1+n:], nil
}

// favoriteNoticeBody frames the authenticated notice: [flag:1][relayKey:32].
func favoriteNoticeBody(favorite bool, relay domain.RelayKey) []byte {
	out := make([]byte, 0, 1+len(relay))
	flag := byte(0)
	if favorite {
		flag = 1
	}
	out = append(out, flag)
	return append(out, relay[:]...)
}

func splitFavoriteNotice(pt []byte) (favorite bool, relay domain.RelayKey, err error) {
	if len(pt) != 1+len(relay) {
		return false, relay, fmt.Errorf("favorite notice truncated")
	}
	copy(relay[:], pt[1:])
	return pt[0] == 1, relay, nil
}
