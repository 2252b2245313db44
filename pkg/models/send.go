package models

import "time"

// SendStatus tracks a message send record through its queue handoff.
type SendStatus string

const (
	// SendStatusScheduled means the send is parked until ScheduledAt
	// (send-time optimization) and will be flushed by the campaign
	// scheduler poller.
	SendStatusScheduled SendStatus = "scheduled"
	// SendStatusQueued means the delivery job was handed to the queue.
	SendStatusQueued SendStatus = "queued"
)

// SendRecord is the persisted tracking row for one message produced by a
// message node. Delivery itself is at-least-once; IdempotencyKey lets the
// downstream consumer deduplicate.
type SendRecord struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	FlowID         string     `json:"flow_id"`
	FlowNodeID     string     `json:"flow_node_id"`
	ProfileID      string     `json:"profile_id"`
	Channel        string     `json:"channel"` // email or sms
	To             string     `json:"to"`
	From           string     `json:"from,omitempty"`
	Subject        string     `json:"subject,omitempty"`
	Body           string     `json:"body"`
	Tags           []string   `json:"tags,omitempty"`
	IdempotencyKey string     `json:"idempotency_key"`
	Status         SendStatus `json:"status"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	QueuedAt       *time.Time `json:"queued_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
