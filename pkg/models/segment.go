package models

import "time"

// Segment is a named, dynamically recomputed audience defined by a
// condition tree.
type Segment struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id" validate:"required"`
	Name           string          `json:"name"            validate:"required,min=3"`
	Conditions     *ConditionGroup `json:"conditions"      validate:"required"`
	IsActive       bool            `json:"is_active"`
	MemberCount    int             `json:"member_count"`
	// RecalcSchedule is an optional cron expression overriding the default
	// recalculation cadence.
	RecalcSchedule   string     `json:"recalc_schedule,omitempty"`
	LastCalculatedAt *time.Time `json:"last_calculated_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// SegmentMembership is one (segment, profile) membership interval. A
// membership is current iff ExitedAt is nil; at most one current membership
// exists per pair.
type SegmentMembership struct {
	SegmentID string     `json:"segment_id"`
	ProfileID string     `json:"profile_id"`
	EnteredAt time.Time  `json:"entered_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
}

// IsCurrent reports whether the membership interval is still open.
func (m *SegmentMembership) IsCurrent() bool {
	return m.ExitedAt == nil
}
