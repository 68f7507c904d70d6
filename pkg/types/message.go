package types

import (
	"maps"
	"time"
)

// QueueMessage is a single message handle received from a pull-based queue.
type QueueMessage struct {
	// ID is the unique identifier assigned by the source queue.
	ID string
	// ReceiptHandle is the opaque token the queue needs to acknowledge
	// (delete) this particular delivery of the message.
	ReceiptHandle string
	// Payload is the raw byte content of the message.
	Payload []byte
	// Attributes carries any string metadata published alongside the payload.
	Attributes map[string]string
	// PublishTime is the timestamp when the message was originally published.
	PublishTime time.Time
	// DeliveryAttempt counts how many times the queue has handed this message out.
	DeliveryAttempt int
}

// Clone returns a deep copy of the message. The payload and attribute map of
// the copy share no memory with the original.
func (m QueueMessage) Clone() QueueMessage {
	c := m
	if m.Payload != nil {
		c.Payload = make([]byte, len(m.Payload))
		copy(c.Payload, m.Payload)
	}
	if m.Attributes != nil {
		c.Attributes = maps.Clone(m.Attributes)
	}
	return c
}

// MessageID returns the queue-assigned ID. Buffered pollers log it instead
// of the whole message so payloads never end up in logs.
func (m QueueMessage) MessageID() string {
	return m.ID
}

// MessageIDs returns the IDs of msgs in order.
func MessageIDs(msgs []QueueMessage) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
