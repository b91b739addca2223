package app_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/permissionlesstech/bitchat-go/internal/app"
	"github.com/permissionlesstech/bitchat-go/internal/crypto"
	"github.com/permissionlesstech/bitchat-go/internal/domain"
	"github.com/permissionlesstech/bitchat-go/internal/relay"
)

// testNet is an in-memory radio mesh: every attached node is every other
// node's neighbor and frames are delivered synchronously.
type testNet struct {
	mu    sync.Mutex
	nodes map[domain.MeshAddr]*app.Node
}

func newTestNet() *testNet {
	return &testNet{nodes: make(map[domain.MeshAddr]*app.Node)}
}

func (tn *testNet) attach(addr domain.MeshAddr, n *app.Node) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	tn.nodes[addr] = n
}

func (tn *testNet) detach(addr domain.MeshAddr) {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	delete(tn.nodes, addr)
}

// testPort is one node's view of the net.
type testPort struct {
	net  *testNet
	self domain.MeshAddr
}

func (p *testPort) Neighbors() []domain.MeshAddr {
	p.net.mu.Lock()
	defer p.net.mu.Unlock()
	out := make([]domain.MeshAddr, 0, len(p.net.nodes))
	for addr := range p.net.nodes {
		if addr != p.self {
			out = append(out, addr)
		}
	}
	return out
}

func (p *testPort) Send(to domain.MeshAddr, frame []byte) error {
	p.net.mu.Lock()
	n := p.net.nodes[to]
	p.net.mu.Unlock()
	if n == nil {
		return domain.ErrUnreachable
	}
	n.HandleMeshFrame(p.self, frame)
	return nil
}

// countingRelay wraps a relay client and counts publishes.
type countingRelay struct {
	domain.RelayClient
	publishes atomic.Int64
}

func (c *countingRelay) Publish(ctx context.Context, to domain.RelayKey, frame []byte) error {
	c.publishes.Add(1)
	return c.RelayClient.Publish(ctx, to, frame)
}

func newTestNode(t *testing.T, net *testNet, addr domain.MeshAddr, nick string, rc domain.RelayClient) (*app.Node, *crypto.Identity) {
	t.Helper()
	id, err := crypto.NewIdentity()
	require.NoError(t, err)
	n := app.NewNode(id, app.Config{
		Nickname: nick,
		Mesh:     &testPort{net: net, self: addr},
		Relay:    rc,
	})
	net.attach(addr, n)
	return n, id
}

// connect brings the radio link up in both directions so the nodes
// exchange announces.
func connect(a, b *app.Node, addrA, addrB domain.MeshAddr) {
	a.PeerConnected(addrB)
	b.PeerConnected(addrA)
}

func waitEvent(t *testing.T, ch <-chan app.Event, want app.EventKind) app.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("event %d never arrived", want)
		}
	}
}

func drainDeliveryStates(ch <-chan app.Event) []domain.DeliveryState {
	var states []domain.DeliveryState
	for {
		select {
		case ev := <-ch:
			if ev.Kind == app.EventDeliveryUpdated {
				states = append(states, ev.Delivery.State)
			}
		default:
			return states
		}
	}
}

func TestAnnounceBindsPeers(t *testing.T) {
	net := newTestNet()
	a, aID := newTestNode(t, net, "addr-a", "alice", nil)
	b, bID := newTestNode(t, net, "addr-b", "bob", nil)

	connect(a, b, "addr-a", "addr-b")

	pb, ok := a.Registry().ByMesh("addr-b")
	require.True(t, ok)
	require.Equal(t, bID.StaticPub, pb.StaticKey)
	require.Equal(t, "bob", pb.DisplayName)

	pa, ok := b.Registry().ByMesh("addr-a")
	require.True(t, ok)
	require.Equal(t, aID.StaticPub, pa.StaticKey)
	require.Equal(t, "alice", pa.DisplayName)
}

func TestBroadcastReachesEveryone(t *testing.T) {
	net := newTestNet()
	a, _ := newTestNode(t, net, "addr-a", "alice", nil)
	b, _ := newTestNode(t, net, "addr-b", "bob", nil)
	c, _ := newTestNode(t, net, "addr-c", "carol", nil)
	connect(a, b, "addr-a", "addr-b")

	bEvents := b.Events()
	cEvents := c.Events()

	id, err := a.SendBroadcast("hi all")
	require.NoError(t, err)

	for _, ch := range []<-chan app.Event{bEvents, cEvents} {
		ev := waitEvent(t, ch, app.EventMessageReceived)
		require.Equal(t, "hi all", ev.Message.Text)
		require.False(t, ev.Message.Private)
	}

	// Broadcasts are fire-and-forget.
	_, tracked := a.DeliveryRecord(id)
	require.False(t, tracked)
}

func TestPrivateMessageHandshakesAndDelivers(t *testing.T) {
	net := newTestNet()
	a, _ := newTestNode(t, net, "addr-a", "alice", nil)
	b, bID := newTestNode(t, net, "addr-b", "bob", nil)
	connect(a, b, "addr-a", "addr-b")

	aEvents := a.Events()
	bEvents := b.Events()

	id, err := a.SendPrivate(bID.StaticPub, "hello bob")
	require.NoError(t, err)

	// The whole dance, handshake included, ran synchronously over the
	// in-memory mesh.
	require.True(t, a.SessionState(bID.StaticPub).Usable())

	ev := waitEvent(t, bEvents, app.EventMessageReceived)
	require.Equal(t, "hello bob", ev.Message.Text)
	require.True(t, ev.Message.Private)
	require.Equal(t, "alice", ev.Message.Name)

	rec, ok := a.DeliveryRecord(id)
	require.True(t, ok)
	require.Equal(t, domain.DeliveryDelivered, rec.State)

	// The loopback transport feeds the ack back before the send call
	// returns, so the record jumps from Sending straight to Delivered
	// and the late Sent mark is absorbed without a downgrade.
	states := drainDeliveryStates(aEvents)
	require.Equal(t, []domain.DeliveryState{
		domain.DeliverySending,
		domain.DeliveryDelivered,
	}, states)
}

func TestReadAckUpgradesRecord(t *testing.T) {
	net := newTestNet()
	a, aID := newTestNode(t, net, "addr-a", "alice", nil)
	b, bID := newTestNode(t, net, "addr-b", "bob", nil)
	connect(a, b, "addr-a", "addr-b")

	bEvents := b.Events()
	id, err := a.SendPrivate(bID.StaticPub, "read me")
	require.NoError(t, err)

	ev := waitEvent(t, bEvents, app.EventMessageReceived)
	require.NoError(t, b.MarkRead(aID.StaticPub, ev.Message.ID))

	rec, _ := a.DeliveryRecord(id)
	require.Equal(t, domain.DeliveryRead, rec.State)
}

func TestSendToUnknownPeerFailsFast(t *testing.T) {
	net := newTestNet()
	a, _ := newTestNode(t, net, "addr-a", "alice", nil)

	var stranger domain.X25519Public
	stranger[0] = 0x55

	id, err := a.SendPrivate(stranger, "anyone there")
	require.ErrorIs(t, err, domain.ErrUnreachable)

	rec, ok := a.DeliveryRecord(id)
	require.True(t, ok)
	require.Equal(t, domain.DeliveryFailed, rec.State)
	require.Equal(t, "unreachable", rec.Reason)
}

func TestVerifyPeerUpgradesSession(t *testing.T) {
	net := newTestNet()
	a, _ := newTestNode(t, net, "addr-a", "alice", nil)
	b, bID := newTestNode(t, net, "addr-b", "bob", nil)
	connect(a, b, "addr-a", "addr-b")

	_, err := a.SendPrivate(bID.StaticPub, "hi")
	require.NoError(t, err)
	require.Equal(t, domain.SessionEstablished, a.SessionState(bID.StaticPub))

	require.NoError(t, a.VerifyPeer(bID.StaticPub, bID.Fingerprint()))
	require.Equal(t, domain.SessionVerified, a.SessionState(bID.StaticPub))
}

func TestChannelMessageDelivery(t *testing.T) {
	net := newTestNet()
	a, _ := newTestNode(t, net, "addr-a", "alice", nil)
	b, bID := newTestNode(t, net, "addr-b", "bob", nil)
	connect(a, b, "addr-a", "addr-b")

	require.NoError(t, a.JoinChannel("#general", "hunter2"))
	require.NoError(t, b.JoinChannel("#general", "hunter2"))

	// B's join announcement flooded to A, who already tracks the channel.
	require.Len(t, a.Channels().Members("#general"), 1)

	bEvents := b.Events()
	id, err := a.SendChannel("#general", "hello channel")
	require.NoError(t, err)

	ev := waitEvent(t, bEvents, app.EventMessageReceived)
	require.Equal(t, "hello channel", ev.Message.Text)
	require.Equal(t, "#general", ev.Message.Channel)

	rec, ok := a.DeliveryRecord(id)
	require.True(t, ok)
	require.Equal(t, domain.DeliveryDelivered, rec.State)
	require.Equal(t, crypto.FingerprintOf(bID.StaticPub), rec.Recipients[0].Peer)
}

func TestChannelWrongPasswordStaysSealed(t *testing.T) {
	net := newTestNet()
	a, _ := newTestNode(t, net, "addr-a", "alice", nil)
	b, _ := newTestNode(t, net, "addr-b", "bob", nil)
	connect(a, b, "addr-a", "addr-b")

	require.NoError(t, a.JoinChannel("#general", "right"))
	require.NoError(t, b.JoinChannel("#general", "wrong"))

	bEvents := b.Events()
	_, err := a.SendChannel("#general", "secret")
	require.NoError(t, err)

	select {
	case ev := <-bEvents:
		if ev.Kind == app.EventMessageReceived {
			t.Fatalf("wrong-password member decrypted %q", ev.Message.Text)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMeshPreferredOverRelay(t *testing.T) {
	net := newTestNet()
	hub := &countingRelay{RelayClient: relay.NewHub()}
	a, _ := newTestNode(t, net, "addr-a", "alice", hub)
	b, bID := newTestNode(t, net, "addr-b", "bob", hub)
	connect(a, b, "addr-a", "addr-b")

	id, err := a.SendPrivate(bID.StaticPub, "over the air")
	require.NoError(t, err)

	rec, ok := a.DeliveryRecord(id)
	require.True(t, ok)
	require.Equal(t, domain.DeliveryDelivered, rec.State)
	require.Zero(t, hub.publishes.Load(), "relay must stay idle while the mesh reaches the peer")
}

func TestRelayFallbackForMutualFavorites(t *testing.T) {
	net := newTestNet()
	hub := relay.NewHub()
	a, aID := newTestNode(t, net, "addr-a", "alice", hub)
	b, bID := newTestNode(t, net, "addr-b", "bob", hub)
	connect(a, b, "addr-a", "addr-b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()
	go func() { _ = b.Run(ctx) }()

	// Establish sessions and exchange favorites while radio-connected.
	_, err := a.SendPrivate(bID.StaticPub, "pre-flight")
	require.NoError(t, err)
	require.NoError(t, a.MarkFavorite(bID.StaticPub, true))
	require.NoError(t, b.MarkFavorite(aID.StaticPub, true))

	pb, _ := a.Registry().ByStatic(bID.StaticPub)
	require.True(t, pb.MutualFavorite())
	require.False(t, pb.RelayKey.IsZero())

	// Radio range lost on both ends.
	net.detach("addr-a")
	net.detach("addr-b")
	a.PeerDisconnected("addr-b")
	b.PeerDisconnected("addr-a")
	require.Equal(t, domain.SessionIdle, a.SessionState(bID.StaticPub))

	bEvents := b.Events()
	id, err := a.SendPrivate(bID.StaticPub, "hello from far away")
	require.NoError(t, err)

	// Handshake and message both travel store-and-forward now.
	ev := waitEvent(t, bEvents, app.EventMessageReceived)
	require.Equal(t, "hello from far away", ev.Message.Text)

	require.Eventually(t, func() bool {
		rec, ok := a.DeliveryRecord(id)
		return ok && rec.State == domain.DeliveryDelivered
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOneSidedFavoriteNoRelay(t *testing.T) {
	net := newTestNet()
	hub := relay.NewHub()
	a, _ := newTestNode(t, net, "addr-a", "alice", hub)
	b, bID := newTestNode(t, net, "addr-b", "bob", hub)
	connect(a, b, "addr-a", "addr-b")

	_, err := a.SendPrivate(bID.StaticPub, "pre-flight")
	require.NoError(t, err)
	// Only alice favorites; bob never reciprocates.
	require.NoError(t, a.MarkFavorite(bID.StaticPub, true))

	net.detach("addr-a")
	net.detach("addr-b")
	a.PeerDisconnected("addr-b")
	b.PeerDisconnected("addr-a")

	id, err := a.SendPrivate(bID.StaticPub, "are you there")
	require.ErrorIs(t, err, domain.ErrUnreachable)
	rec, _ := a.DeliveryRecord(id)
	require.Equal(t, domain.DeliveryFailed, rec.State)
}

func TestDisconnectResetsSessionKeepsIdentity(t *testing.T) {
	net := newTestNet()
	a, _ := newTestNode(t, net, "addr-a", "alice", nil)
	b, bID := newTestNode(t, net, "addr-b", "bob", nil)
	connect(a, b, "addr-a", "addr-b")

	_, err := a.SendPrivate(bID.StaticPub, "first contact")
	require.NoError(t, err)
	require.NoError(t, a.VerifyPeer(bID.StaticPub, bID.Fingerprint()))

	a.PeerDisconnected("addr-b")
	require.Equal(t, domain.SessionIdle, a.SessionState(bID.StaticPub))

	// Reconnect: the peer record, verified flag included, carried over
	// and a fresh handshake restores Verified.
	b.PeerConnected("addr-a")

	pb, ok := a.Registry().ByStatic(bID.StaticPub)
	require.True(t, ok)
	require.True(t, pb.Verified)

	_, err = a.SendPrivate(bID.StaticPub, "hello again")
	require.NoError(t, err)
	require.Equal(t, domain.SessionVerified, a.SessionState(bID.StaticPub))
}

func TestPeerSnapshotRoundTripThroughNode(t *testing.T) {
	net := newTestNet()
	a, _ := newTestNode(t, net, "addr-a", "alice", nil)
	b, bID := newTestNode(t, net, "addr-b", "bob", nil)
	connect(a, b, "addr-a", "addr-b")

	_, err := a.SendPrivate(bID.StaticPub, "hi")
	require.NoError(t, err)
	require.NoError(t, a.VerifyPeer(bID.StaticPub, bID.Fingerprint()))

	snap := a.ExportPeerIdentities()

	fresh, _ := newTestNode(t, newTestNet(), "addr-x", "alice2", nil)
	fresh.ImportPeerIdentities(snap)
	pb, ok := fresh.Registry().ByStatic(bID.StaticPub)
	require.True(t, ok)
	require.True(t, pb.Verified)
	require.Equal(t, "bob", pb.DisplayName)
}
