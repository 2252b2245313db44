package models

import (
	"slices"
	"time"
)

// EnrollmentStatus is the lifecycle state of one profile's traversal of one
// flow.
type EnrollmentStatus string

const (
	EnrollmentStatusActive    EnrollmentStatus = "active"
	EnrollmentStatusCompleted EnrollmentStatus = "completed"
	EnrollmentStatusExited    EnrollmentStatus = "exited"
	EnrollmentStatusFailed    EnrollmentStatus = "failed"
)

// Exit reasons recorded on exited enrollments.
const (
	ExitReasonManual         = "manual_exit"
	ExitReasonFlowInactive   = "flow_inactive"
	ExitReasonFlowDeleted    = "flow_deleted"
	ExitReasonProfileDeleted = "profile_deleted"
)

// FlowEnrollment is one profile's live execution state within one flow. At
// most one active enrollment exists per (flow, profile) pair; terminal
// records are re-activated in place on re-trigger, bumping Cycle.
type FlowEnrollment struct {
	ID             string           `json:"id"`
	FlowID         string           `json:"flow_id"`
	ProfileID      string           `json:"profile_id"`
	OrganizationID string           `json:"organization_id"`
	Status         EnrollmentStatus `json:"status"`

	// CurrentNodeID is nil only when the enrollment is terminal or the
	// flow's trigger had no successor at enrollment time.
	CurrentNodeID *string `json:"current_node_id,omitempty"`
	// NextActionAt is the persisted wake time; nil when terminal.
	NextActionAt *time.Time `json:"next_action_at,omitempty"`

	VisitedNodes   []string       `json:"visited_nodes,omitempty"`
	CompletedNodes []string       `json:"completed_nodes,omitempty"`
	TriggerContext map[string]any `json:"trigger_context,omitempty"`

	// Cycle counts activations of this record and keys send idempotency.
	Cycle int `json:"cycle"`

	ExitReason    string `json:"exit_reason,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	ClaimedBy *string    `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	EnrolledAt time.Time  `json:"enrolled_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// IsTerminal reports whether the enrollment reached a final state.
func (e *FlowEnrollment) IsTerminal() bool {
	switch e.Status {
	case EnrollmentStatusCompleted, EnrollmentStatusExited, EnrollmentStatusFailed:
		return true
	default:
		return false
	}
}

// MarkVisited appends the node to the ordered visited set, once.
func (e *FlowEnrollment) MarkVisited(nodeID string) {
	if !slices.Contains(e.VisitedNodes, nodeID) {
		e.VisitedNodes = append(e.VisitedNodes, nodeID)
	}
}

// MarkCompleted adds the node to the completed set.
func (e *FlowEnrollment) MarkCompleted(nodeID string) {
	if !slices.Contains(e.CompletedNodes, nodeID) {
		e.CompletedNodes = append(e.CompletedNodes, nodeID)
	}
}

// Advance moves the cursor to the given node with the given wake time.
func (e *FlowEnrollment) Advance(nodeID string, wakeAt time.Time) {
	e.CurrentNodeID = &nodeID
	e.NextActionAt = &wakeAt
}

// Finalize transitions the enrollment into a terminal status and clears the
// cursor, wake time and claim. Terminal enrollments are immutable.
func (e *FlowEnrollment) Finalize(status EnrollmentStatus, reason string, now time.Time) {
	e.Status = status
	e.CurrentNodeID = nil
	e.NextActionAt = nil
	e.ClaimedBy = nil
	e.ClaimedAt = nil
	e.FinishedAt = &now
	e.UpdatedAt = now

	switch status {
	case EnrollmentStatusExited:
		e.ExitReason = reason
	case EnrollmentStatusFailed:
		e.FailureReason = reason
	}
}

// Reactivate resets a terminal record for a fresh cycle: cleared
// visited/completed sets, new trigger context, cursor at the trigger's
// successor (or nil for a dangling trigger) and an immediate wake time.
func (e *FlowEnrollment) Reactivate(entryNodeID *string, triggerContext map[string]any, now time.Time) {
	e.Status = EnrollmentStatusActive
	e.VisitedNodes = nil
	e.CompletedNodes = nil
	e.TriggerContext = triggerContext
	e.CurrentNodeID = entryNodeID
	e.NextActionAt = &now
	e.ExitReason = ""
	e.FailureReason = ""
	e.FinishedAt = nil
	e.Cycle++
	e.UpdatedAt = now
}
