package domain

import "context"

// MeshTransport is the narrow surface of the platform radio driver. The
// driver owns connection lifecycle and byte framing on the air; inbound
// frames and connect/disconnect events are pushed into the core by the
// driver calling the node's handlers.
type MeshTransport interface {
	// Neighbors returns the currently connected neighbor addresses.
	Neighbors() []MeshAddr
	// Send writes one framed envelope to a connected neighbor.
	Send(addr MeshAddr, frame []byte) error
}

// RelayClient is the narrow surface of the public store-and-forward relay
// network. Delivery is asynchronous: published frames may arrive with
// arbitrary delay or not at all, and never carry ordering guarantees
// relative to mesh-delivered frames from the same peer.
type RelayClient interface {
	// Publish sends a framed envelope tagged with the recipient's
	// pseudonymous identity.
	Publish(ctx context.Context, to RelayKey, frame []byte) error
	// Subscribe yields inbound frames addressed to own. The stream is
	// lazy and restartable; it closes when ctx is cancelled.
	Subscribe(ctx context.Context, own RelayKey) (<-chan []byte, error)
}
