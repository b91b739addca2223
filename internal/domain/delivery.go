package domain

import "time"

// DeliveryState is the aggregate status of one outbound message.
type DeliveryState int

const (
	// DeliverySending means the message has not yet been handed to a transport.
	DeliverySending DeliveryState = iota
	// DeliverySent means a transport accepted the envelope (not that it arrived).
	DeliverySent
	// DeliveryDelivered means every recipient acknowledged receipt.
	DeliveryDelivered
	// DeliveryRead means every recipient acknowledged reading. Supersedes Delivered.
	DeliveryRead
	// DeliveryPartial means some but not all recipients are accounted for.
	DeliveryPartial
	// DeliveryFailed means no recipient acknowledged before the timeout,
	// or the send itself failed.
	DeliveryFailed
)

// String implements fmt.Stringer.
func (s DeliveryState) String() string {
	switch s {
	case DeliverySending:
		return "sending"
	case DeliverySent:
		return "sent"
	case DeliveryDelivered:
		return "delivered"
	case DeliveryRead:
		return "read"
	case DeliveryPartial:
		return "partially delivered"
	case DeliveryFailed:
		return "failed"
	}
	return "unknown"
}

// RecipientAck is the per-recipient acknowledgement status inside a record.
type RecipientAck struct {
	Peer      Fingerprint `json:"peer"`
	Delivered bool        `json:"delivered"`
	Read      bool        `json:"read"`
	Failed    bool        `json:"failed"`
}

// DeliveryRecord tracks one outbound message across all its recipients.
// For group sends the record aggregates per-recipient acks; it keeps the
// partial count after a timeout rather than collapsing to a binary result.
type DeliveryRecord struct {
	MessageID  MessageID      `json:"message_id"`
	State      DeliveryState  `json:"state"`
	Reached    int            `json:"reached"`
	Total      int            `json:"total"`
	Recipients []RecipientAck `json:"recipients"`
	Reason     string         `json:"reason,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
