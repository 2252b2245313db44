// Package segments recomputes segment membership and emits entry/exit
// signals.
package segments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cadencehq/cadence/pkg/conditions"
	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
)

// eventLookback bounds the event history fetched per profile when the
// segment tree contains event leaves.
const eventLookback = 365 * 24 * time.Hour

// Diff is the outcome of one recalculation.
type Diff struct {
	Entered []string
	Exited  []string
}

// Calculator evaluates a segment's condition tree over the organization's
// profile pool and applies the membership diff. Bulk evaluation runs
// in memory with batch-fetched lookups for event and segment leaves; that
// trades per-profile query precision for one pass over the pool.
type Calculator struct {
	persistence persistence.Persistence
	logger      *slog.Logger
}

func NewCalculator(store persistence.Persistence, logger *slog.Logger) *Calculator {
	return &Calculator{
		persistence: store,
		logger:      logger.With("module", "segment_calculator"),
	}
}

// Calculate recomputes the member set, diffs it against current
// memberships and persists the diff (duplicate-safe, with member count and
// last-calculated timestamp updated atomically).
func (c *Calculator) Calculate(ctx context.Context, segment *models.Segment) (*Diff, error) {
	logger := c.logger.With("segment_id", segment.ID)

	now := time.Now().UTC()

	profiles, err := c.persistence.Profiles().ByOrganization(ctx, segment.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}

	needsEvents := treeHasKind(segment.Conditions, models.ConditionKindEvent)

	newSet := make(map[string]bool, len(profiles))

	for _, profile := range profiles {
		ectx := conditions.Context{
			Now: now,
			IsMember: func(segmentID, profileID string) bool {
				member, err := c.persistence.Segments().IsMember(ctx, segmentID, profileID)
				if err != nil {
					return false
				}

				return member
			},
		}

		if needsEvents {
			history, err := c.persistence.Events().ByProfileSince(ctx, profile.ID, now.Add(-eventLookback))
			if err != nil {
				logger.Warn("Event history lookup failed, evaluating closed",
					"profile_id", profile.ID, "error", err)
			} else {
				ectx.Events = history
			}
		}

		if conditions.Evaluate(profile, segment.Conditions, ectx) {
			newSet[profile.ID] = true
		}
	}

	current, err := c.persistence.Segments().CurrentMembers(ctx, segment.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list current members: %w", err)
	}

	diff := diffMembers(newSet, current)

	err = c.persistence.Segments().ApplyDiff(ctx, segment.ID, diff.Entered, diff.Exited, now)
	if err != nil {
		return nil, fmt.Errorf("failed to apply membership diff: %w", err)
	}

	logger.Info("Segment recalculated",
		"members", len(newSet), "entered", len(diff.Entered), "exited", len(diff.Exited))

	return diff, nil
}

// diffMembers splits the new member set against the current one: ids newly
// present entered, current ids no longer present exited.
func diffMembers(newSet map[string]bool, current []string) *Diff {
	diff := &Diff{}

	currentSet := make(map[string]bool, len(current))
	for _, id := range current {
		currentSet[id] = true

		if !newSet[id] {
			diff.Exited = append(diff.Exited, id)
		}
	}

	for id := range newSet {
		if !currentSet[id] {
			diff.Entered = append(diff.Entered, id)
		}
	}

	return diff
}

func treeHasKind(group *models.ConditionGroup, kind models.ConditionKind) bool {
	if group == nil {
		return false
	}

	for _, child := range group.Children {
		if child.Group != nil && treeHasKind(child.Group, kind) {
			return true
		}

		if child.Leaf != nil && child.Leaf.Kind == kind {
			return true
		}
	}

	return false
}
