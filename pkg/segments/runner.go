package segments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cadencehq/cadence/pkg/eventbus"
	"github.com/cadencehq/cadence/pkg/events"
	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
)

// DefaultRecalcSchedule drives segments that declare no schedule of their
// own.
const DefaultRecalcSchedule = "@every 1h"

// tickSchedule is how often the runner checks which segments are due.
const tickSchedule = "@every 5m"

// Runner periodically recalculates every active segment and publishes
// entry/exit signals for the trigger matcher to consume.
type Runner struct {
	calculator  *Calculator
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	logger      *slog.Logger

	organizationIDs []string
	cron            *cron.Cron
}

func NewRunner(
	calculator *Calculator,
	store persistence.Persistence,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
	organizationIDs []string,
) *Runner {
	return &Runner{
		calculator:      calculator,
		persistence:     store,
		publisher:       publisher,
		logger:          logger.With("module", "segment_runner"),
		organizationIDs: organizationIDs,
	}
}

func (r *Runner) Start(ctx context.Context) error {
	r.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := r.cron.AddFunc(tickSchedule, func() {
		r.RecalcDue(ctx, time.Now().UTC())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule segment recalculation: %w", err)
	}

	r.logger.Info("Starting segment runner", "organizations", len(r.organizationIDs))
	r.cron.Start()

	return nil
}

func (r *Runner) Stop() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

// RecalcDue recalculates every active segment whose schedule has elapsed
// since its last calculation. Failures are isolated per segment.
func (r *Runner) RecalcDue(ctx context.Context, now time.Time) {
	for _, organizationID := range r.organizationIDs {
		segments, err := r.persistence.Segments().ActiveByOrganization(ctx, organizationID)
		if err != nil {
			r.logger.Error("Failed to list active segments",
				"organization_id", organizationID, "error", err)

			continue
		}

		for _, segment := range segments {
			if !r.due(segment, now) {
				continue
			}

			diff, err := r.calculator.Calculate(ctx, segment)
			if err != nil {
				r.logger.Error("Failed to recalculate segment",
					"segment_id", segment.ID, "error", err)

				continue
			}

			r.publishDiff(ctx, segment, diff)
		}
	}
}

func (r *Runner) due(segment *models.Segment, now time.Time) bool {
	if segment.LastCalculatedAt == nil {
		return true
	}

	scheduleExpr := segment.RecalcSchedule
	if scheduleExpr == "" {
		scheduleExpr = DefaultRecalcSchedule
	}

	schedule, err := cron.ParseStandard(scheduleExpr)
	if err != nil {
		r.logger.Warn("Invalid recalc schedule, using default",
			"segment_id", segment.ID, "schedule", scheduleExpr)

		schedule, _ = cron.ParseStandard(DefaultRecalcSchedule)
	}

	return !schedule.Next(*segment.LastCalculatedAt).After(now)
}

func (r *Runner) publishDiff(ctx context.Context, segment *models.Segment, diff *Diff) {
	if r.publisher == nil {
		return
	}

	for _, profileID := range diff.Entered {
		event := events.SegmentEntered{
			BaseEvent: events.NewBaseEvent(events.SegmentEnteredSignal, segment.OrganizationID),
			ProfileID: profileID,
			SegmentID: segment.ID,
		}

		err := r.publisher.Publish(ctx, profileID, event)
		if err != nil {
			r.logger.Error("Failed to publish segment entered signal",
				"segment_id", segment.ID, "profile_id", profileID, "error", err)
		}
	}

	for _, profileID := range diff.Exited {
		event := events.SegmentExited{
			BaseEvent: events.NewBaseEvent(events.SegmentExitedSignal, segment.OrganizationID),
			ProfileID: profileID,
			SegmentID: segment.ID,
		}

		err := r.publisher.Publish(ctx, profileID, event)
		if err != nil {
			r.logger.Error("Failed to publish segment exited signal",
				"segment_id", segment.ID, "profile_id", profileID, "error", err)
		}
	}
}
