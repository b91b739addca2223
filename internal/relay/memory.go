// Package relay provides implementations of the store-and-forward relay
// transport: an in-process hub for tests and local development, and an
// HTTP client speaking to the dev relay server.
package relay

import (
	"context"
	"sync"

	"github.com/permissionlesstech/bitchat-go/internal/domain"
)

// Hub is an in-process relay network. Frames published to an identity
// with no live subscriber are queued and drained on the next subscribe,
// matching the store-and-forward contract.
type Hub struct {
	mu     sync.Mutex
	subs   map[domain.RelayKey][]chan []byte
	queued map[domain.RelayKey][][]byte
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:   make(map[domain.RelayKey][]chan []byte),
		queued: make(map[domain.RelayKey][][]byte),
	}
}

var _ domain.RelayClient = (*Hub)(nil)

// Publish delivers the frame to live subscribers of to, or queues it.
func (h *Hub) Publish(_ context.Context, to domain.RelayKey, frame []byte) error {
	cp := append([]byte(nil), frame...)
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[to]
	if len(subs) == 0 {
		h.queued[to] = append(h.queued[to], cp)
		return nil
	}
	for _, ch := range subs {
		select {
		case ch <- cp:
		default:
			// A stalled subscriber does not block the hub.
		}
	}
	return nil
}

// subscribeBuffer is the channel headroom for frames published after the
// subscription went live.
const subscribeBuffer = 64

// Subscribe yields inbound frames for own, draining anything queued while
// offline. The channel is sized to hold the whole backlog, so nothing
// store-and-forwarded is lost. It closes when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, own domain.RelayKey) (<-chan []byte, error) {
	h.mu.Lock()
	backlog := h.queued[own]
	delete(h.queued, own)
	ch := make(chan []byte, subscribeBuffer+len(backlog))
	// The backlog fits the buffer, so these sends cannot block; doing
	// them under the lock keeps concurrent publishes ordered after it.
	for _, frame := range backlog {
		ch <- frame
	}
	h.subs[own] = append(h.subs[own], ch)
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		live := h.subs[own][:0]
		for _, c := range h.subs[own] {
			if c != ch {
				live = append(live, c)
			}
		}
		h.subs[own] = live
		h.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}
