// Package triggers turns inbound signals into flow enrollments.
package triggers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/pkg/conditions"
	"github.com/cadencehq/cadence/pkg/eventbus"
	"github.com/cadencehq/cadence/pkg/events"
	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
)

// Matcher maps one signal to the set of active flows it should enroll the
// profile into. Failure of one flow's matching or enrollment never prevents
// evaluation of the remaining candidate flows.
type Matcher struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
}

func NewMatcher(store persistence.Persistence, publisher eventbus.EventPublisher, logger *slog.Logger) *Matcher {
	return &Matcher{
		persistence: store,
		publisher:   publisher,
		logger:      logger.With("module", "trigger_matcher"),
	}
}

// OnSignal dispatches a bus signal to its matching rule and returns the
// profile ids that were actually enrolled.
func (m *Matcher) OnSignal(ctx context.Context, signal any) ([]string, error) {
	switch s := signal.(type) {
	case *events.EventFired:
		return m.onEventFired(ctx, s)
	case *events.SegmentEntered:
		return m.onSegmentSignal(ctx, s.OrganizationID, s.ProfileID, s.SegmentID, models.TriggerTypeSegmentEntry)
	case *events.SegmentExited:
		return m.onSegmentSignal(ctx, s.OrganizationID, s.ProfileID, s.SegmentID, models.TriggerTypeSegmentExit)
	default:
		return nil, fmt.Errorf("unsupported signal type %T", signal)
	}
}

func (m *Matcher) onEventFired(ctx context.Context, signal *events.EventFired) ([]string, error) {
	logger := m.logger.With("profile_id", signal.ProfileID, "event_name", signal.EventName)

	occurredAt := signal.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = signal.Timestamp
	}

	// Record the event first so has_done conditions and the send-time
	// optimizer see it regardless of matching outcome.
	err := m.persistence.Events().Record(ctx, models.ProfileEvent{
		ID:         signal.ID,
		ProfileID:  signal.ProfileID,
		Name:       signal.EventName,
		Properties: signal.Properties,
		OccurredAt: occurredAt,
	})
	if err != nil {
		logger.Error("Failed to record profile event", "error", err)
	}

	profile, err := m.persistence.Profiles().ByID(ctx, signal.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile %s: %w", signal.ProfileID, err)
	}

	flows, err := m.persistence.Flows().ActiveByTriggerType(ctx, signal.OrganizationID, models.TriggerTypeEvent)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate flows: %w", err)
	}

	triggerContext := map[string]any{"event_name": signal.EventName}
	for k, v := range signal.Properties {
		triggerContext[k] = v
	}

	var enrolled []string

	for _, flow := range flows {
		if flow.Trigger.EventName != signal.EventName {
			continue
		}

		if group := flow.Trigger.FilterGroup(); group != nil {
			augmented := profile.WithEventContext(signal.Properties)
			if !conditions.Evaluate(augmented, group, conditions.Context{Now: occurredAt}) {
				continue
			}
		}

		ok, err := m.Enroll(ctx, flow, profile.ID, triggerContext)
		if err != nil {
			logger.Error("Failed to enroll profile in flow", "flow_id", flow.ID, "error", err)

			continue
		}

		if ok {
			enrolled = append(enrolled, profile.ID)
		}
	}

	return enrolled, nil
}

func (m *Matcher) onSegmentSignal(
	ctx context.Context,
	organizationID, profileID, segmentID string,
	triggerType models.TriggerType,
) ([]string, error) {
	logger := m.logger.With("profile_id", profileID, "segment_id", segmentID, "trigger_type", triggerType)

	flows, err := m.persistence.Flows().ActiveByTriggerType(ctx, organizationID, triggerType)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate flows: %w", err)
	}

	triggerContext := map[string]any{"segment_id": segmentID}

	var enrolled []string

	for _, flow := range flows {
		if flow.Trigger.SegmentID != segmentID {
			continue
		}

		ok, err := m.Enroll(ctx, flow, profileID, triggerContext)
		if err != nil {
			logger.Error("Failed to enroll profile in flow", "flow_id", flow.ID, "error", err)

			continue
		}

		if ok {
			enrolled = append(enrolled, profileID)
		}
	}

	return enrolled, nil
}

// Enroll applies the entry rules: an already-active enrollment is an
// idempotent no-op; a terminal record is re-activated in place for a fresh
// cycle; otherwise a new record is created at the trigger's successor.
func (m *Matcher) Enroll(ctx context.Context, flow *models.Flow, profileID string, triggerContext map[string]any) (bool, error) {
	now := time.Now().UTC()

	var entryNodeID *string
	if entry, ok := flow.EntryNodeID(); ok {
		entryNodeID = &entry
	}

	existing, err := m.persistence.Enrollments().ByFlowAndProfile(ctx, flow.ID, profileID)
	if err != nil && !persistence.IsNotFound(err) {
		return false, fmt.Errorf("failed to look up enrollment: %w", err)
	}

	var enrollment *models.FlowEnrollment

	switch {
	case existing != nil && !existing.IsTerminal():
		m.logger.Debug("Profile already active in flow, skipping",
			"flow_id", flow.ID, "profile_id", profileID)

		return false, nil
	case existing != nil:
		existing.Reactivate(entryNodeID, triggerContext, now)
		enrollment = existing
	default:
		enrollment = &models.FlowEnrollment{
			ID:             uuid.NewString(),
			FlowID:         flow.ID,
			ProfileID:      profileID,
			OrganizationID: flow.OrganizationID,
			Status:         models.EnrollmentStatusActive,
			CurrentNodeID:  entryNodeID,
			NextActionAt:   &now,
			TriggerContext: triggerContext,
			Cycle:          1,
			EnrolledAt:     now,
			UpdatedAt:      now,
		}
	}

	err = m.persistence.Enrollments().Save(ctx, enrollment)
	if err != nil {
		return false, fmt.Errorf("failed to save enrollment: %w", err)
	}

	err = m.persistence.Flows().AdjustStats(ctx, flow.ID, 1, 1, 0)
	if err != nil {
		m.logger.Error("Failed to adjust flow stats", "flow_id", flow.ID, "error", err)
	}

	m.notifyEnrolled(ctx, enrollment)

	return true, nil
}

func (m *Matcher) notifyEnrolled(ctx context.Context, enrollment *models.FlowEnrollment) {
	if m.publisher == nil {
		return
	}

	event := events.EnrollmentCreated{
		BaseEvent:    events.NewBaseEvent(events.EnrollmentCreatedEvent, enrollment.OrganizationID),
		EnrollmentID: enrollment.ID,
		FlowID:       enrollment.FlowID,
		ProfileID:    enrollment.ProfileID,
		Cycle:        enrollment.Cycle,
	}

	err := m.publisher.Publish(ctx, enrollment.ID, event)
	if err != nil {
		m.logger.Error("Failed to publish enrollment created event", "error", err)
	}
}
