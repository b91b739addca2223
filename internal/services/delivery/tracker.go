// Package delivery tracks per-message delivery and read acknowledgement
// state across both transports, aggregating group sends into a partial
// delivery count.
package delivery

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/permissionlesstech/bitchat-go/internal/domain"
)

// DefaultAckTimeout is how long a sent message waits for acks before
// unacked recipients are marked failed.
const DefaultAckTimeout = 30 * time.Second

// UpdateFunc observes every record transition, for the UI boundary.
type UpdateFunc func(rec domain.DeliveryRecord)

// Tracker owns all outbound delivery records.
type Tracker struct {
	log      *zap.Logger
	timeout  time.Duration
	now      func() time.Time
	onUpdate UpdateFunc

	mu      sync.Mutex
	records map[domain.MessageID]*record
}

type record struct {
	rec   domain.DeliveryRecord
	index map[domain.Fingerprint]int // recipient -> position in rec.Recipients
	timer *time.Timer
	gen   uint64
	done  bool
	muted bool
}

// Config carries the tracker's tunables.
type Config struct {
	AckTimeout time.Duration
	Now        func() time.Time
}

// NewTracker builds a tracker. onUpdate may be nil.
func NewTracker(log *zap.Logger, onUpdate UpdateFunc, cfg Config) *Tracker {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		log:      log,
		timeout:  cfg.AckTimeout,
		now:      cfg.Now,
		onUpdate: onUpdate,
		records:  make(map[domain.MessageID]*record),
	}
}

// Track creates a record in Sending for a message addressed to the given
// recipients. For channel sends the recipient set is the known membership
// at send time.
func (t *Tracker) Track(id domain.MessageID, recipients []domain.Fingerprint) {
	t.mu.Lock()
	now := t.now()
	r := &record{
		rec: domain.DeliveryRecord{
			MessageID: id,
			State:     domain.DeliverySending,
			Total:     len(recipients),
			CreatedAt: now,
			UpdatedAt: now,
		},
		index: make(map[domain.Fingerprint]int, len(recipients)),
	}
	for i, fp := range recipients {
		r.rec.Recipients = append(r.rec.Recipients, domain.RecipientAck{Peer: fp})
		r.index[fp] = i
	}
	t.records[id] = r
	snapshot := r.rec
	t.mu.Unlock()
	t.notify(snapshot)
}

// MarkSent transitions the record to Sent once a transport accepted the
// envelope, and arms the ack timeout. Accepting is not delivery. On a
// loopback transport the first acks can land before the accept returns;
// the record then already advanced past Sent and only the timeout is
// armed, the state never moves backwards.
func (t *Tracker) MarkSent(id domain.MessageID) {
	t.mu.Lock()
	r, ok := t.records[id]
	if !ok || r.done {
		t.mu.Unlock()
		return
	}
	advanced := false
	if r.rec.State == domain.DeliverySending {
		r.rec.State = domain.DeliverySent
		r.rec.UpdatedAt = t.now()
		advanced = true
	}
	if r.timer == nil {
		r.gen++
		gen := r.gen
		r.timer = time.AfterFunc(t.timeout, func() { t.expire(id, gen) })
	}
	snapshot, muted := r.rec, r.muted
	t.mu.Unlock()
	if advanced && !muted {
		t.notify(snapshot)
	}
}

// MarkFailed force-fails a record, e.g. when no transport would accept
// the envelope. The caller may retry with a fresh send.
func (t *Tracker) MarkFailed(id domain.MessageID, reason string) {
	t.mu.Lock()
	r, ok := t.records[id]
	if !ok || r.done {
		t.mu.Unlock()
		return
	}
	r.rec.State = domain.DeliveryFailed
	r.rec.Reason = reason
	r.rec.UpdatedAt = t.now()
	t.finishLocked(r)
	snapshot, muted := r.rec, r.muted
	t.mu.Unlock()
	if !muted {
		t.notify(snapshot)
	}
}

// HandleAck applies a delivery or read acknowledgement from a recipient.
// Acks from peers outside the recorded recipient set are ignored, as are
// duplicates and acks arriving after the record settled. Read supersedes
// Delivered and never downgrades.
func (t *Tracker) HandleAck(id domain.MessageID, from domain.Fingerprint, read bool) {
	t.mu.Lock()
	r, ok := t.records[id]
	if !ok || r.done {
		t.mu.Unlock()
		return
	}
	i, ok := r.index[from]
	if !ok {
		t.mu.Unlock()
		return
	}
	ra := &r.rec.Recipients[i]
	changed := false
	if !ra.Delivered {
		ra.Delivered = true
		ra.Failed = false
		changed = true
	}
	if read && !ra.Read {
		ra.Read = true
		changed = true
	}
	if !changed {
		t.mu.Unlock()
		return
	}
	r.rec.UpdatedAt = t.now()
	t.recomputeLocked(r)
	snapshot, muted := r.rec, r.muted
	t.mu.Unlock()
	if !muted {
		t.notify(snapshot)
	}
}

// expire runs in the timer goroutine; a generation mismatch means the
// record already settled and the late timer is a no-op.
func (t *Tracker) expire(id domain.MessageID, gen uint64) {
	t.mu.Lock()
	r, ok := t.records[id]
	if !ok || r.gen != gen || r.done {
		t.mu.Unlock()
		return
	}
	for i := range r.rec.Recipients {
		if !r.rec.Recipients[i].Delivered {
			r.rec.Recipients[i].Failed = true
		}
	}
	r.rec.UpdatedAt = t.now()
	reached := t.reached(r)
	switch {
	case reached == 0:
		r.rec.State = domain.DeliveryFailed
		r.rec.Reason = "timeout"
	case reached < r.rec.Total:
		// The record keeps the partial count; it is not binary.
		r.rec.State = domain.DeliveryPartial
		r.rec.Reason = "timeout"
	}
	r.rec.Reached = reached
	t.finishLocked(r)
	snapshot, muted := r.rec, r.muted
	t.mu.Unlock()
	t.log.Debug("ack window closed",
		zap.Stringer("message", id),
		zap.Int("reached", snapshot.Reached),
		zap.Int("total", snapshot.Total))
	if !muted {
		t.notify(snapshot)
	}
}

// recomputeLocked derives the aggregate state from per-recipient acks.
func (t *Tracker) recomputeLocked(r *record) {
	reached := t.reached(r)
	r.rec.Reached = reached
	if reached < r.rec.Total {
		if reached > 0 {
			r.rec.State = domain.DeliveryPartial
		}
		return
	}
	allRead := true
	for i := range r.rec.Recipients {
		if !r.rec.Recipients[i].Read {
			allRead = false
			break
		}
	}
	if allRead {
		r.rec.State = domain.DeliveryRead
	} else {
		r.rec.State = domain.DeliveryDelivered
	}
	if !allRead {
		// Delivered but not yet read: keep the timer running so late
		// read acks can still upgrade the record.
		return
	}
	t.finishLocked(r)
}

func (t *Tracker) reached(r *record) int {
	n := 0
	for i := range r.rec.Recipients {
		if r.rec.Recipients[i].Delivered {
			n++
		}
	}
	return n
}

// finishLocked settles the record: the ack timer is cancelled under the
// same lock that processed the terminating event.
func (t *Tracker) finishLocked(r *record) {
	r.done = true
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Mute suppresses UI-facing update callbacks for a record. Cancelling an
// in-flight send never cancels the wire operation once started; it only
// silences the local callbacks, so a transport that already accepted the
// envelope may still deliver it.
func (t *Tracker) Mute(id domain.MessageID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[id]; ok {
		r.muted = true
	}
}

// Record returns a copy of one record.
func (t *Tracker) Record(id domain.MessageID) (domain.DeliveryRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return domain.DeliveryRecord{}, false
	}
	return r.rec, true
}

// Export snapshots every record for history UIs.
func (t *Tracker) Export() []domain.DeliveryRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.DeliveryRecord, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r.rec)
	}
	return out
}

func (t *Tracker) notify(rec domain.DeliveryRecord) {
	if t.onUpdate != nil {
		t.onUpdate(rec)
	}
}
