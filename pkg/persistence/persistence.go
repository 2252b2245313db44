// Package persistence provides the storage abstraction layer for flows,
// enrollments, profiles, segments and send records.
package persistence

import (
	"context"
	"time"

	"github.com/cadencehq/cadence/pkg/models"
)

// Persistence bundles the repositories backing the engine. Implementations
// must be safe for concurrent use by multiple poller instances.
type Persistence interface {
	Flows() FlowRepository
	Enrollments() EnrollmentRepository
	Profiles() ProfileRepository
	Segments() SegmentRepository
	Events() EventRepository
	Sends() SendRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// FlowRepository stores authored flow graphs. The engine only reads them;
// authoring happens outside this system.
type FlowRepository interface {
	ByID(ctx context.Context, id string) (*models.Flow, error)
	All(ctx context.Context) ([]*models.Flow, error)
	// ActiveByTriggerType returns the organization's active flows whose
	// trigger matches the given type, the candidate set for signal
	// matching.
	ActiveByTriggerType(ctx context.Context, organizationID string, triggerType models.TriggerType) ([]*models.Flow, error)
	Save(ctx context.Context, flow *models.Flow) error
	// AdjustStats applies counter deltas atomically.
	AdjustStats(ctx context.Context, flowID string, enrolled, active, completed int) error
}

// EnrollmentRepository stores per-profile flow execution state.
type EnrollmentRepository interface {
	ByID(ctx context.Context, id string) (*models.FlowEnrollment, error)
	// ByFlowAndProfile returns the single enrollment record for the pair,
	// or ErrEnrollmentNotFound.
	ByFlowAndProfile(ctx context.Context, flowID, profileID string) (*models.FlowEnrollment, error)
	ByFlow(ctx context.Context, flowID string) ([]*models.FlowEnrollment, error)
	Save(ctx context.Context, enrollment *models.FlowEnrollment) error
	// ClaimDue atomically claims up to limit active enrollments whose
	// next_action_at has passed and that are not already claimed under a
	// live lease. Claimed rows are stamped with workerID so concurrent
	// pollers never process the same enrollment twice.
	ClaimDue(ctx context.Context, workerID string, limit int, now time.Time) ([]*models.FlowEnrollment, error)
	// Release persists the enrollment's new state and clears its claim.
	Release(ctx context.Context, enrollment *models.FlowEnrollment) error
}

// ProfileRepository stores customer profiles. Property writes are partial
// merges so concurrent flows acting on the same profile do not lose
// updates.
type ProfileRepository interface {
	ByID(ctx context.Context, id string) (*models.Profile, error)
	ByOrganization(ctx context.Context, organizationID string) ([]*models.Profile, error)
	Save(ctx context.Context, profile *models.Profile) error
	// MergeProperties applies dotted-path writes without replacing the
	// whole bag.
	MergeProperties(ctx context.Context, profileID string, updates []models.PropertyUpdate) error
	// ModifyTags adds and removes tags with set semantics.
	ModifyTags(ctx context.Context, profileID string, add, remove []string) error
}

// SegmentRepository stores segments and their membership intervals.
type SegmentRepository interface {
	ByID(ctx context.Context, id string) (*models.Segment, error)
	ActiveByOrganization(ctx context.Context, organizationID string) ([]*models.Segment, error)
	Save(ctx context.Context, segment *models.Segment) error
	// CurrentMembers returns profile ids with an open membership interval.
	CurrentMembers(ctx context.Context, segmentID string) ([]string, error)
	IsMember(ctx context.Context, segmentID, profileID string) (bool, error)
	// ApplyDiff creates memberships for entered ids (duplicate-safe),
	// closes memberships for exited ids, and updates the segment's
	// member count and last-calculated timestamp in the same transaction.
	ApplyDiff(ctx context.Context, segmentID string, entered, exited []string, now time.Time) error
}

// EventRepository stores the behavioral event history consulted by event
// conditions and the send-time optimizer.
type EventRepository interface {
	Record(ctx context.Context, event models.ProfileEvent) error
	ByProfileSince(ctx context.Context, profileID string, since time.Time) ([]models.ProfileEvent, error)
}

// SendRepository stores message tracking rows, including sends parked for
// send-time optimization.
type SendRepository interface {
	Save(ctx context.Context, record *models.SendRecord) error
	ByID(ctx context.Context, id string) (*models.SendRecord, error)
	// DueScheduled returns scheduled sends whose scheduled_at has passed,
	// the work set of the campaign scheduler poller.
	DueScheduled(ctx context.Context, limit int, now time.Time) ([]*models.SendRecord, error)
}
