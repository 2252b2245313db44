// Package memory provides an in-memory persistence implementation for
// tests and local development. Claim semantics mirror the SQL
// implementation so engine behavior is identical across backends.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
)

// ClaimLease is how long a claim protects an enrollment from other workers
// before it is considered abandoned.
const ClaimLease = 5 * time.Minute

type Persistence struct {
	mu sync.RWMutex

	flows       map[string]*models.Flow
	enrollments map[string]*models.FlowEnrollment
	profiles    map[string]*models.Profile
	segments    map[string]*models.Segment
	memberships []*models.SegmentMembership
	events      []models.ProfileEvent
	sends       map[string]*models.SendRecord
}

func NewPersistence() *Persistence {
	return &Persistence{
		flows:       make(map[string]*models.Flow),
		enrollments: make(map[string]*models.FlowEnrollment),
		profiles:    make(map[string]*models.Profile),
		segments:    make(map[string]*models.Segment),
		sends:       make(map[string]*models.SendRecord),
	}
}

func (p *Persistence) Flows() persistence.FlowRepository             { return &flowRepo{p} }
func (p *Persistence) Enrollments() persistence.EnrollmentRepository { return &enrollmentRepo{p} }
func (p *Persistence) Profiles() persistence.ProfileRepository       { return &profileRepo{p} }
func (p *Persistence) Segments() persistence.SegmentRepository       { return &segmentRepo{p} }
func (p *Persistence) Events() persistence.EventRepository           { return &eventRepo{p} }
func (p *Persistence) Sends() persistence.SendRepository             { return &sendRepo{p} }

func (p *Persistence) HealthCheck(_ context.Context) error { return nil }
func (p *Persistence) Close(_ context.Context) error       { return nil }

// Flow repository

type flowRepo struct{ p *Persistence }

func (r *flowRepo) ByID(_ context.Context, id string) (*models.Flow, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	flow, ok := r.p.flows[id]
	if !ok {
		return nil, persistence.ErrFlowNotFound
	}

	return cloneFlow(flow), nil
}

func (r *flowRepo) All(_ context.Context) ([]*models.Flow, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	flows := make([]*models.Flow, 0, len(r.p.flows))
	for _, flow := range r.p.flows {
		flows = append(flows, cloneFlow(flow))
	}

	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })

	return flows, nil
}

func (r *flowRepo) ActiveByTriggerType(_ context.Context, organizationID string, triggerType models.TriggerType) ([]*models.Flow, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	var flows []*models.Flow

	for _, flow := range r.p.flows {
		if flow.OrganizationID != organizationID {
			continue
		}

		if flow.Status != models.FlowStatusActive {
			continue
		}

		if flow.Trigger.Type != triggerType {
			continue
		}

		flows = append(flows, cloneFlow(flow))
	}

	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })

	return flows, nil
}

func (r *flowRepo) Save(_ context.Context, flow *models.Flow) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}

	r.p.flows[flow.ID] = cloneFlow(flow)

	return nil
}

func (r *flowRepo) AdjustStats(_ context.Context, flowID string, enrolled, active, completed int) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	flow, ok := r.p.flows[flowID]
	if !ok {
		return persistence.ErrFlowNotFound
	}

	flow.Stats.TotalEnrolled += enrolled
	flow.Stats.ActiveCount += active
	flow.Stats.CompletedCount += completed

	return nil
}

// Enrollment repository

type enrollmentRepo struct{ p *Persistence }

func (r *enrollmentRepo) ByID(_ context.Context, id string) (*models.FlowEnrollment, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	enrollment, ok := r.p.enrollments[id]
	if !ok {
		return nil, persistence.ErrEnrollmentNotFound
	}

	return cloneEnrollment(enrollment), nil
}

func (r *enrollmentRepo) ByFlowAndProfile(_ context.Context, flowID, profileID string) (*models.FlowEnrollment, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	for _, enrollment := range r.p.enrollments {
		if enrollment.FlowID == flowID && enrollment.ProfileID == profileID {
			return cloneEnrollment(enrollment), nil
		}
	}

	return nil, persistence.ErrEnrollmentNotFound
}

func (r *enrollmentRepo) ByFlow(_ context.Context, flowID string) ([]*models.FlowEnrollment, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	var enrollments []*models.FlowEnrollment

	for _, enrollment := range r.p.enrollments {
		if enrollment.FlowID == flowID {
			enrollments = append(enrollments, cloneEnrollment(enrollment))
		}
	}

	sort.Slice(enrollments, func(i, j int) bool { return enrollments[i].ID < enrollments[j].ID })

	return enrollments, nil
}

func (r *enrollmentRepo) Save(_ context.Context, enrollment *models.FlowEnrollment) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if enrollment.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}

		enrollment.ID = id.String()
	}

	r.p.enrollments[enrollment.ID] = cloneEnrollment(enrollment)

	return nil
}

func (r *enrollmentRepo) ClaimDue(_ context.Context, workerID string, limit int, now time.Time) ([]*models.FlowEnrollment, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var due []*models.FlowEnrollment

	for _, enrollment := range r.p.enrollments {
		if enrollment.Status != models.EnrollmentStatusActive {
			continue
		}

		if enrollment.NextActionAt == nil || enrollment.NextActionAt.After(now) {
			continue
		}

		if enrollment.ClaimedAt != nil && enrollment.ClaimedAt.After(now.Add(-ClaimLease)) {
			continue
		}

		due = append(due, enrollment)
	}

	sort.Slice(due, func(i, j int) bool { return due[i].NextActionAt.Before(*due[j].NextActionAt) })

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*models.FlowEnrollment, 0, len(due))

	for _, enrollment := range due {
		worker := workerID
		claimedAt := now
		enrollment.ClaimedBy = &worker
		enrollment.ClaimedAt = &claimedAt
		claimed = append(claimed, cloneEnrollment(enrollment))
	}

	return claimed, nil
}

func (r *enrollmentRepo) Release(_ context.Context, enrollment *models.FlowEnrollment) error {
	enrollment.ClaimedBy = nil
	enrollment.ClaimedAt = nil

	return r.Save(context.Background(), enrollment)
}

// Profile repository

type profileRepo struct{ p *Persistence }

func (r *profileRepo) ByID(_ context.Context, id string) (*models.Profile, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	profile, ok := r.p.profiles[id]
	if !ok {
		return nil, persistence.ErrProfileNotFound
	}

	return cloneProfile(profile), nil
}

func (r *profileRepo) ByOrganization(_ context.Context, organizationID string) ([]*models.Profile, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	var profiles []*models.Profile

	for _, profile := range r.p.profiles {
		if profile.OrganizationID == organizationID {
			profiles = append(profiles, cloneProfile(profile))
		}
	}

	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })

	return profiles, nil
}

func (r *profileRepo) Save(_ context.Context, profile *models.Profile) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if profile.ID == "" {
		profile.ID = uuid.NewString()
	}

	r.p.profiles[profile.ID] = cloneProfile(profile)

	return nil
}

func (r *profileRepo) MergeProperties(_ context.Context, profileID string, updates []models.PropertyUpdate) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	profile, ok := r.p.profiles[profileID]
	if !ok {
		return persistence.ErrProfileNotFound
	}

	if profile.Properties == nil {
		profile.Properties = make(map[string]any)
	}

	for _, update := range updates {
		setPath(profile.Properties, strings.Split(update.Path, "."), update.Value)
	}

	profile.UpdatedAt = time.Now().UTC()

	return nil
}

func (r *profileRepo) ModifyTags(_ context.Context, profileID string, add, remove []string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	profile, ok := r.p.profiles[profileID]
	if !ok {
		return persistence.ErrProfileNotFound
	}

	if profile.Properties == nil {
		profile.Properties = make(map[string]any)
	}

	tags := profile.Tags()
	removed := make(map[string]struct{}, len(remove))

	for _, tag := range remove {
		removed[tag] = struct{}{}
	}

	next := make([]string, 0, len(tags)+len(add))
	seen := make(map[string]struct{}, len(tags)+len(add))

	for _, tag := range tags {
		if _, drop := removed[tag]; drop {
			continue
		}

		if _, dup := seen[tag]; dup {
			continue
		}

		seen[tag] = struct{}{}
		next = append(next, tag)
	}

	for _, tag := range add {
		if _, drop := removed[tag]; drop {
			continue
		}

		if _, dup := seen[tag]; dup {
			continue
		}

		seen[tag] = struct{}{}
		next = append(next, tag)
	}

	profile.Properties["tags"] = next
	profile.UpdatedAt = time.Now().UTC()

	return nil
}

func setPath(bag map[string]any, segments []string, value any) {
	if len(segments) == 1 {
		bag[segments[0]] = value

		return
	}

	nested, ok := bag[segments[0]].(map[string]any)
	if !ok {
		nested = make(map[string]any)
		bag[segments[0]] = nested
	}

	setPath(nested, segments[1:], value)
}

// Segment repository

type segmentRepo struct{ p *Persistence }

func (r *segmentRepo) ByID(_ context.Context, id string) (*models.Segment, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	segment, ok := r.p.segments[id]
	if !ok {
		return nil, persistence.ErrSegmentNotFound
	}

	clone := *segment

	return &clone, nil
}

func (r *segmentRepo) ActiveByOrganization(_ context.Context, organizationID string) ([]*models.Segment, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	var segments []*models.Segment

	for _, segment := range r.p.segments {
		if segment.OrganizationID == organizationID && segment.IsActive {
			clone := *segment
			segments = append(segments, &clone)
		}
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].ID < segments[j].ID })

	return segments, nil
}

func (r *segmentRepo) Save(_ context.Context, segment *models.Segment) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if segment.ID == "" {
		segment.ID = uuid.NewString()
	}

	clone := *segment
	r.p.segments[segment.ID] = &clone

	return nil
}

func (r *segmentRepo) CurrentMembers(_ context.Context, segmentID string) ([]string, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	var members []string

	for _, membership := range r.p.memberships {
		if membership.SegmentID == segmentID && membership.IsCurrent() {
			members = append(members, membership.ProfileID)
		}
	}

	sort.Strings(members)

	return members, nil
}

func (r *segmentRepo) IsMember(_ context.Context, segmentID, profileID string) (bool, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	for _, membership := range r.p.memberships {
		if membership.SegmentID == segmentID && membership.ProfileID == profileID && membership.IsCurrent() {
			return true, nil
		}
	}

	return false, nil
}

func (r *segmentRepo) ApplyDiff(_ context.Context, segmentID string, entered, exited []string, now time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	segment, ok := r.p.segments[segmentID]
	if !ok {
		return persistence.ErrSegmentNotFound
	}

	current := make(map[string]*models.SegmentMembership)

	for _, membership := range r.p.memberships {
		if membership.SegmentID == segmentID && membership.IsCurrent() {
			current[membership.ProfileID] = membership
		}
	}

	for _, profileID := range entered {
		// Duplicate-safe: an already-open membership stays untouched.
		if _, exists := current[profileID]; exists {
			continue
		}

		r.p.memberships = append(r.p.memberships, &models.SegmentMembership{
			SegmentID: segmentID,
			ProfileID: profileID,
			EnteredAt: now,
		})
	}

	for _, profileID := range exited {
		if membership, exists := current[profileID]; exists {
			exitedAt := now
			membership.ExitedAt = &exitedAt
		}
	}

	count := 0

	for _, membership := range r.p.memberships {
		if membership.SegmentID == segmentID && membership.IsCurrent() {
			count++
		}
	}

	calculatedAt := now
	segment.MemberCount = count
	segment.LastCalculatedAt = &calculatedAt
	segment.UpdatedAt = now

	return nil
}

// Event repository

type eventRepo struct{ p *Persistence }

func (r *eventRepo) Record(_ context.Context, event models.ProfileEvent) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	r.p.events = append(r.p.events, event)

	return nil
}

func (r *eventRepo) ByProfileSince(_ context.Context, profileID string, since time.Time) ([]models.ProfileEvent, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	var events []models.ProfileEvent

	for _, event := range r.p.events {
		if event.ProfileID != profileID {
			continue
		}

		if event.OccurredAt.Before(since) {
			continue
		}

		events = append(events, event)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].OccurredAt.Before(events[j].OccurredAt) })

	return events, nil
}

// Send repository

type sendRepo struct{ p *Persistence }

func (r *sendRepo) Save(_ context.Context, record *models.SendRecord) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if record.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}

		record.ID = id.String()
	}

	clone := *record
	r.p.sends[record.ID] = &clone

	return nil
}

func (r *sendRepo) ByID(_ context.Context, id string) (*models.SendRecord, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	record, ok := r.p.sends[id]
	if !ok {
		return nil, persistence.ErrSendNotFound
	}

	clone := *record

	return &clone, nil
}

func (r *sendRepo) DueScheduled(_ context.Context, limit int, now time.Time) ([]*models.SendRecord, error) {
	r.p.mu.RLock()
	defer r.p.mu.RUnlock()

	var due []*models.SendRecord

	for _, record := range r.p.sends {
		if record.Status != models.SendStatusScheduled {
			continue
		}

		if record.ScheduledAt == nil || record.ScheduledAt.After(now) {
			continue
		}

		clone := *record
		due = append(due, &clone)
	}

	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(*due[j].ScheduledAt) })

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

// Deep-ish clones: enough isolation that callers cannot mutate stored state
// through returned pointers.

func cloneFlow(flow *models.Flow) *models.Flow {
	clone := *flow
	clone.Nodes = append([]*models.FlowNode(nil), flow.Nodes...)
	clone.Edges = append([]*models.FlowEdge(nil), flow.Edges...)

	return &clone
}

func cloneEnrollment(enrollment *models.FlowEnrollment) *models.FlowEnrollment {
	clone := *enrollment
	clone.VisitedNodes = append([]string(nil), enrollment.VisitedNodes...)
	clone.CompletedNodes = append([]string(nil), enrollment.CompletedNodes...)

	return &clone
}

func cloneProfile(profile *models.Profile) *models.Profile {
	clone := *profile
	clone.Properties = cloneBag(profile.Properties)

	return &clone
}

func cloneBag(bag map[string]any) map[string]any {
	if bag == nil {
		return nil
	}

	clone := make(map[string]any, len(bag))

	for k, v := range bag {
		if nested, ok := v.(map[string]any); ok {
			clone[k] = cloneBag(nested)

			continue
		}

		clone[k] = v
	}

	return clone
}
