package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cadencehq/cadence/pkg/eventbus"
	"github.com/cadencehq/cadence/pkg/events"
	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
)

const (
	// retryBackoff is how far a retryable step failure pushes the wake
	// time before the next attempt.
	retryBackoff = 30 * time.Second

	// maxStepsPerTick bounds how many nodes one enrollment may traverse
	// inside a single claim, so a mis-authored cycle of zero-delay nodes
	// cannot wedge a worker.
	maxStepsPerTick = 25
)

// Executor is the enrollment state machine. Step resolves the current node,
// dispatches it to the processor for its kind and advances the cursor,
// repeating while the wake time stays in the past.
type Executor struct {
	persistence persistence.Persistence
	resolver    Resolver
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
}

func NewExecutor(
	persistence persistence.Persistence,
	resolver Resolver,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		persistence: persistence,
		resolver:    resolver,
		publisher:   publisher,
		logger:      logger.With("module", "engine_executor"),
	}
}

// Step processes one claimed enrollment and releases it afterwards. Errors
// are returned only for storage failures; node-level failures finalize the
// enrollment instead.
func (e *Executor) Step(ctx context.Context, enrollment *models.FlowEnrollment) error {
	logger := e.logger.With(
		"enrollment_id", enrollment.ID,
		"flow_id", enrollment.FlowID,
		"profile_id", enrollment.ProfileID,
		"cycle", enrollment.Cycle,
	)

	now := time.Now().UTC()

	flow, err := e.persistence.Flows().ByID(ctx, enrollment.FlowID)
	if err != nil {
		if persistence.IsNotFound(err) {
			e.finalize(ctx, logger, enrollment, models.EnrollmentStatusExited, models.ExitReasonFlowDeleted, now)

			return e.persistence.Enrollments().Release(ctx, enrollment)
		}

		return fmt.Errorf("failed to fetch flow %s: %w", enrollment.FlowID, err)
	}

	if flow.Status != models.FlowStatusActive {
		e.finalize(ctx, logger, enrollment, models.EnrollmentStatusExited, models.ExitReasonFlowInactive, now)

		return e.persistence.Enrollments().Release(ctx, enrollment)
	}

	profile, err := e.persistence.Profiles().ByID(ctx, enrollment.ProfileID)
	if err != nil {
		if persistence.IsNotFound(err) {
			e.finalize(ctx, logger, enrollment, models.EnrollmentStatusExited, models.ExitReasonProfileDeleted, now)

			return e.persistence.Enrollments().Release(ctx, enrollment)
		}

		return fmt.Errorf("failed to fetch profile %s: %w", enrollment.ProfileID, err)
	}

	steps := 0
	for enrollment.Status == models.EnrollmentStatusActive {
		if enrollment.CurrentNodeID == nil {
			// A dangling trigger enrolls with no entry node; the first
			// tick completes the traversal.
			e.finalize(ctx, logger, enrollment, models.EnrollmentStatusCompleted, "", now)

			break
		}

		if enrollment.NextActionAt != nil && enrollment.NextActionAt.After(now) {
			break
		}

		if steps >= maxStepsPerTick {
			logger.Warn("Step limit reached for this tick, deferring remainder")

			wake := now.Add(retryBackoff)
			enrollment.NextActionAt = &wake

			break
		}

		steps++

		e.processNode(ctx, logger, flow, profile, enrollment, now)
	}

	enrollment.UpdatedAt = now

	return e.persistence.Enrollments().Release(ctx, enrollment)
}

func (e *Executor) processNode(
	ctx context.Context,
	logger *slog.Logger,
	flow *models.Flow,
	profile *models.Profile,
	enrollment *models.FlowEnrollment,
	now time.Time,
) {
	nodeID := *enrollment.CurrentNodeID

	node := flow.NodeByID(nodeID)
	if node == nil {
		e.finalize(ctx, logger, enrollment, models.EnrollmentStatusFailed,
			fmt.Sprintf("node %s not found in flow graph", nodeID), now)

		return
	}

	logger = logger.With("node_id", node.ID, "node_kind", node.Kind)

	enrollment.MarkVisited(node.ID)

	switch node.Kind {
	case models.NodeKindDelay:
		// Waking up on a delay node happens when the delay is the
		// trigger's direct successor or follows another delay.
		e.advancePastDelay(ctx, logger, flow, enrollment, node, now)

		return
	case models.NodeKindTrigger:
		// Trigger nodes are graph entry markers, never executed.
		enrollment.MarkCompleted(node.ID)
		e.advance(ctx, logger, flow, enrollment, node.ID, Result{}, now)

		return
	}

	processor, err := e.resolver.ProcessorFor(node.Kind)
	if err != nil {
		e.finalize(ctx, logger, enrollment, models.EnrollmentStatusFailed,
			fmt.Sprintf("no processor for node kind %q", node.Kind), now)

		return
	}

	result, err := processor.Process(ctx, ProcessorContext{
		Flow:       flow,
		Node:       node,
		Enrollment: enrollment,
		Profile:    profile,
		Logger:     logger,
		Now:        now,
	})
	if err != nil {
		if IsRetryable(err) {
			logger.Warn("Node step failed, will retry", "error", err)

			wake := now.Add(retryBackoff)
			enrollment.NextActionAt = &wake

			return
		}

		e.finalize(ctx, logger, enrollment, models.EnrollmentStatusFailed, err.Error(), now)

		return
	}

	enrollment.MarkCompleted(node.ID)

	if result.Exit {
		reason := result.ExitReason
		if reason == "" {
			reason = models.ExitReasonManual
		}

		e.finalize(ctx, logger, enrollment, models.EnrollmentStatusExited, reason, now)

		return
	}

	e.advance(ctx, logger, flow, enrollment, node.ID, result, now)
}

// advance resolves the next node from the processor result and moves the
// cursor. No resolvable next node completes the enrollment.
func (e *Executor) advance(
	ctx context.Context,
	logger *slog.Logger,
	flow *models.Flow,
	enrollment *models.FlowEnrollment,
	currentNodeID string,
	result Result,
	now time.Time,
) {
	var nextID string

	switch {
	case result.NextNodeID != "":
		nextID = result.NextNodeID
	case result.Branch != "":
		edge, ok := flow.EdgeByLabel(currentNodeID, result.Branch)
		if !ok {
			logger.Debug("No edge for branch, completing", "branch", result.Branch)
			e.finalize(ctx, logger, enrollment, models.EnrollmentStatusCompleted, "", now)

			return
		}

		nextID = edge.Target
	default:
		edge, ok := flow.SingleOutgoingEdge(currentNodeID)
		if !ok {
			e.finalize(ctx, logger, enrollment, models.EnrollmentStatusCompleted, "", now)

			return
		}

		nextID = edge.Target
	}

	next := flow.NodeByID(nextID)
	if next == nil {
		e.finalize(ctx, logger, enrollment, models.EnrollmentStatusFailed,
			fmt.Sprintf("edge target %s not found in flow graph", nextID), now)

		return
	}

	if next.Kind == models.NodeKindDelay {
		e.advancePastDelay(ctx, logger, flow, enrollment, next, now)

		return
	}

	enrollment.Advance(nextID, now)
}

// advancePastDelay treats the delay node as a wait annotation: it is marked
// visited and completed in the same pass, the wake time moves forward by its
// duration, and the cursor lands on the node the delay points at.
func (e *Executor) advancePastDelay(
	ctx context.Context,
	logger *slog.Logger,
	flow *models.Flow,
	enrollment *models.FlowEnrollment,
	delay *models.FlowNode,
	now time.Time,
) {
	enrollment.MarkVisited(delay.ID)
	enrollment.MarkCompleted(delay.ID)

	wake := now
	if delay.Delay != nil {
		wake = now.Add(delay.Delay.Duration())
	}

	edge, ok := flow.SingleOutgoingEdge(delay.ID)
	if !ok {
		e.finalize(ctx, logger, enrollment, models.EnrollmentStatusCompleted, "", now)

		return
	}

	enrollment.Advance(edge.Target, wake)
}

func (e *Executor) finalize(
	ctx context.Context,
	logger *slog.Logger,
	enrollment *models.FlowEnrollment,
	status models.EnrollmentStatus,
	reason string,
	now time.Time,
) {
	enrollment.Finalize(status, reason, now)

	logger.Info("Enrollment finalized", "status", status, "reason", reason)

	active, completed := -1, 0
	if status == models.EnrollmentStatusCompleted {
		completed = 1
	}

	err := e.persistence.Flows().AdjustStats(ctx, enrollment.FlowID, 0, active, completed)
	if err != nil {
		logger.Error("Failed to adjust flow stats", "error", err)
	}

	e.notify(ctx, logger, enrollment, status, reason)
}

func (e *Executor) notify(
	ctx context.Context,
	logger *slog.Logger,
	enrollment *models.FlowEnrollment,
	status models.EnrollmentStatus,
	reason string,
) {
	if e.publisher == nil {
		return
	}

	var event eventbus.Event

	switch status {
	case models.EnrollmentStatusCompleted:
		event = events.EnrollmentCompleted{
			BaseEvent:    events.NewBaseEvent(events.EnrollmentCompletedEvent, enrollment.OrganizationID),
			EnrollmentID: enrollment.ID,
			FlowID:       enrollment.FlowID,
			ProfileID:    enrollment.ProfileID,
		}
	case models.EnrollmentStatusExited:
		event = events.EnrollmentExited{
			BaseEvent:    events.NewBaseEvent(events.EnrollmentExitedEvent, enrollment.OrganizationID),
			EnrollmentID: enrollment.ID,
			FlowID:       enrollment.FlowID,
			ProfileID:    enrollment.ProfileID,
			Reason:       reason,
		}
	case models.EnrollmentStatusFailed:
		event = events.EnrollmentFailed{
			BaseEvent:    events.NewBaseEvent(events.EnrollmentFailedEvent, enrollment.OrganizationID),
			EnrollmentID: enrollment.ID,
			FlowID:       enrollment.FlowID,
			ProfileID:    enrollment.ProfileID,
			Error:        reason,
		}
	default:
		return
	}

	err := e.publisher.Publish(ctx, enrollment.ID, event)
	if err != nil {
		logger.Error("Failed to publish enrollment event", "error", err)
	}
}
