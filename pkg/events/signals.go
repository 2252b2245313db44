// Package events defines the signal and lifecycle event types flowing over
// the bus between the activator, the segment calculator and the engine.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Bus topics.
const SignalTopic = "cadence.signals"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Inbound signals consumed by the trigger matcher.
	EventFiredSignal     EventType = "signal.event_fired"
	SegmentEnteredSignal EventType = "signal.segment_entered"
	SegmentExitedSignal  EventType = "signal.segment_exited"

	// Engine lifecycle notifications.
	EnrollmentCreatedEvent   EventType = "enrollment.created"
	EnrollmentCompletedEvent EventType = "enrollment.completed"
	EnrollmentExitedEvent    EventType = "enrollment.exited"
	EnrollmentFailedEvent    EventType = "enrollment.failed"
	MessageQueuedEvent       EventType = "message.queued"
)

type BaseEvent struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
	OrganizationID string    `json:"organization_id"`
}

func NewBaseEvent(eventType EventType, organizationID string) BaseEvent {
	return BaseEvent{
		ID:             uuid.NewString(),
		Type:           eventType,
		Timestamp:      time.Now().UTC(),
		OrganizationID: organizationID,
	}
}

// EventFired is an inbound behavioral event signal (order placed, page
// viewed) for one profile.
type EventFired struct {
	BaseEvent

	ProfileID  string         `json:"profile_id"`
	EventName  string         `json:"event_name"`
	Properties map[string]any `json:"properties,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func (e EventFired) GetType() EventType {
	return EventFiredSignal
}

// SegmentEntered notifies that a profile entered a segment.
type SegmentEntered struct {
	BaseEvent

	ProfileID string `json:"profile_id"`
	SegmentID string `json:"segment_id"`
}

func (e SegmentEntered) GetType() EventType {
	return SegmentEnteredSignal
}

// SegmentExited notifies that a profile left a segment.
type SegmentExited struct {
	BaseEvent

	ProfileID string `json:"profile_id"`
	SegmentID string `json:"segment_id"`
}

func (e SegmentExited) GetType() EventType {
	return SegmentExitedSignal
}

// EnrollmentCreated is published when the trigger matcher enrolls a
// profile.
type EnrollmentCreated struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
	FlowID       string `json:"flow_id"`
	ProfileID    string `json:"profile_id"`
	Cycle        int    `json:"cycle"`
}

func (e EnrollmentCreated) GetType() EventType {
	return EnrollmentCreatedEvent
}

// EnrollmentCompleted is published when an enrollment reaches the end of
// its graph.
type EnrollmentCompleted struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
	FlowID       string `json:"flow_id"`
	ProfileID    string `json:"profile_id"`
}

func (e EnrollmentCompleted) GetType() EventType {
	return EnrollmentCompletedEvent
}

// EnrollmentExited is published for explicit or forced exits.
type EnrollmentExited struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
	FlowID       string `json:"flow_id"`
	ProfileID    string `json:"profile_id"`
	Reason       string `json:"reason"`
}

func (e EnrollmentExited) GetType() EventType {
	return EnrollmentExitedEvent
}

// EnrollmentFailed is published when a step fails terminally.
type EnrollmentFailed struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
	FlowID       string `json:"flow_id"`
	ProfileID    string `json:"profile_id"`
	Error        string `json:"error"`
}

func (e EnrollmentFailed) GetType() EventType {
	return EnrollmentFailedEvent
}

// MessageQueued is published after a delivery job is handed to the send
// queue.
type MessageQueued struct {
	BaseEvent

	SendID     string `json:"send_id"`
	FlowID     string `json:"flow_id"`
	FlowNodeID string `json:"flow_node_id"`
	ProfileID  string `json:"profile_id"`
	Channel    string `json:"channel"`
}

func (e MessageQueued) GetType() EventType {
	return MessageQueuedEvent
}
