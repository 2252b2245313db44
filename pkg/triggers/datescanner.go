package triggers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
)

// DefaultDateScanSchedule runs the daily date-property scan at 06:00 UTC.
const DefaultDateScanSchedule = "0 6 * * *"

// DateScanner drives date_property triggers (birthdays, renewal dates): once
// a day it scans the profiles of every active date-triggered flow and
// enrolls those whose named date property falls on today's month and day.
type DateScanner struct {
	persistence persistence.Persistence
	matcher     *Matcher
	logger      *slog.Logger
	schedule    string
	cron        *cron.Cron
}

func NewDateScanner(store persistence.Persistence, matcher *Matcher, logger *slog.Logger, schedule string) *DateScanner {
	if schedule == "" {
		schedule = DefaultDateScanSchedule
	}

	return &DateScanner{
		persistence: store,
		matcher:     matcher,
		logger:      logger.With("module", "date_scanner"),
		schedule:    schedule,
	}
}

func (s *DateScanner) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := s.cron.AddFunc(s.schedule, func() {
		s.Scan(ctx, time.Now().UTC())
	})
	if err != nil {
		return fmt.Errorf("invalid date scan schedule %q: %w", s.schedule, err)
	}

	s.logger.Info("Starting date-property scanner", "schedule", s.schedule)
	s.cron.Start()

	return nil
}

func (s *DateScanner) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Scan enrolls profiles whose date property anniversary is today. Failures
// are isolated per flow and per profile.
func (s *DateScanner) Scan(ctx context.Context, now time.Time) {
	flows, err := s.persistence.Flows().All(ctx)
	if err != nil {
		s.logger.Error("Failed to list flows for date scan", "error", err)

		return
	}

	for _, flow := range flows {
		if flow.Status != models.FlowStatusActive || flow.Trigger.Type != models.TriggerTypeDateProperty {
			continue
		}

		if flow.Trigger.DateProperty == "" {
			s.logger.Warn("Date-triggered flow has no date property", "flow_id", flow.ID)

			continue
		}

		s.scanFlow(ctx, flow, now)
	}
}

func (s *DateScanner) scanFlow(ctx context.Context, flow *models.Flow, now time.Time) {
	logger := s.logger.With("flow_id", flow.ID, "date_property", flow.Trigger.DateProperty)

	profiles, err := s.persistence.Profiles().ByOrganization(ctx, flow.OrganizationID)
	if err != nil {
		logger.Error("Failed to list profiles for date scan", "error", err)

		return
	}

	enrolled := 0

	for _, profile := range profiles {
		raw, ok := profile.Property(flow.Trigger.DateProperty)
		if !ok {
			continue
		}

		date, ok := parseDate(raw)
		if !ok {
			continue
		}

		if date.Month() != now.Month() || date.Day() != now.Day() {
			continue
		}

		ok, err := s.matcher.Enroll(ctx, flow, profile.ID, map[string]any{
			"date_property": flow.Trigger.DateProperty,
			"date_value":    date.Format("2006-01-02"),
		})
		if err != nil {
			logger.Error("Failed to enroll profile from date scan",
				"profile_id", profile.ID, "error", err)

			continue
		}

		if ok {
			enrolled++
		}
	}

	logger.Info("Date scan finished", "profiles", len(profiles), "enrolled", enrolled)
}

func parseDate(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	}

	return time.Time{}, false
}
