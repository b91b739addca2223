package app

import (
	"sync"

	"github.com/permissionlesstech/bitchat-go/internal/domain"
)

// EventKind tags events crossing the UI boundary.
type EventKind int

const (
	// EventPeerConnected fires when a peer appears on the mesh.
	EventPeerConnected EventKind = iota
	// EventPeerDisconnected fires when a peer's radio link drops.
	EventPeerDisconnected
	// EventMessageReceived fires for every decrypted inbound message.
	EventMessageReceived
	// EventDeliveryUpdated fires on each delivery record transition.
	EventDeliveryUpdated
	// EventSessionChanged fires when a peer's session state moves.
	EventSessionChanged
	// EventHandshakeFailed fires when a handshake gives up for good.
	EventHandshakeFailed
)

// Message is a decrypted inbound message as presented to the UI.
type Message struct {
	ID      domain.MessageID
	From    domain.X25519Public
	Name    string
	Channel string // empty for private and broadcast
	Private bool
	Text    string
}

// Event is one notification to the presentation layer.
type Event struct {
	Kind     EventKind
	Peer     domain.X25519Public
	MeshAddr domain.MeshAddr
	State    domain.SessionState
	Message  *Message
	Delivery *domain.DeliveryRecord
	Err      error
}

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber that stops draining loses events rather than stalling the
// inbound path.
type Bus struct {
	mu   sync.Mutex
	subs []chan Event
}

// Subscribe returns a buffered event stream.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 128)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
