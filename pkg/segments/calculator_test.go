package segments_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence/memory"
	"github.com/cadencehq/cadence/pkg/segments"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func planSegment(id, plan string) *models.Segment {
	return &models.Segment{
		ID:             id,
		OrganizationID: "org-1",
		Name:           id,
		IsActive:       true,
		Conditions: models.GroupOf(models.LogicalAnd, models.LeafNode(models.Condition{
			Kind:     models.ConditionKindProperty,
			Field:    "plan",
			Operator: models.OpEquals,
			Value:    plan,
		})),
	}
}

func savePlanProfile(t *testing.T, store *memory.Persistence, id, plan string) {
	t.Helper()

	require.NoError(t, store.Profiles().Save(context.Background(), &models.Profile{
		ID:             id,
		OrganizationID: "org-1",
		Properties:     map[string]any{"plan": plan},
	}))
}

func TestCalculateInitialMembership(t *testing.T) {
	store := memory.NewPersistence()
	ctx := context.Background()

	savePlanProfile(t, store, "profile-1", "pro")
	savePlanProfile(t, store, "profile-2", "pro")
	savePlanProfile(t, store, "profile-3", "free")

	segment := planSegment("seg-pro", "pro")
	require.NoError(t, store.Segments().Save(ctx, segment))

	calculator := segments.NewCalculator(store, testLogger())

	diff, err := calculator.Calculate(ctx, segment)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"profile-1", "profile-2"}, diff.Entered)
	assert.Empty(t, diff.Exited)

	members, err := store.Segments().CurrentMembers(ctx, "seg-pro")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"profile-1", "profile-2"}, members)
}

func TestCalculateDiffsAgainstCurrentMembers(t *testing.T) {
	store := memory.NewPersistence()
	ctx := context.Background()

	savePlanProfile(t, store, "profile-1", "pro")
	savePlanProfile(t, store, "profile-2", "pro")
	savePlanProfile(t, store, "profile-3", "pro")

	segment := planSegment("seg-pro", "pro")
	require.NoError(t, store.Segments().Save(ctx, segment))

	calculator := segments.NewCalculator(store, testLogger())

	_, err := calculator.Calculate(ctx, segment)
	require.NoError(t, err)

	// profile-1 downgrades, profile-4 appears.
	savePlanProfile(t, store, "profile-1", "free")
	savePlanProfile(t, store, "profile-4", "pro")

	diff, err := calculator.Calculate(ctx, segment)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"profile-4"}, diff.Entered)
	assert.ElementsMatch(t, []string{"profile-1"}, diff.Exited)

	members, err := store.Segments().CurrentMembers(ctx, "seg-pro")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"profile-2", "profile-3", "profile-4"}, members)
}

func TestCalculateUnchangedSetYieldsEmptyDiff(t *testing.T) {
	store := memory.NewPersistence()
	ctx := context.Background()

	savePlanProfile(t, store, "profile-1", "pro")

	segment := planSegment("seg-pro", "pro")
	require.NoError(t, store.Segments().Save(ctx, segment))

	calculator := segments.NewCalculator(store, testLogger())

	_, err := calculator.Calculate(ctx, segment)
	require.NoError(t, err)

	diff, err := calculator.Calculate(ctx, segment)
	require.NoError(t, err)
	assert.Empty(t, diff.Entered)
	assert.Empty(t, diff.Exited)
}

func TestCalculateEventLeafUsesHistory(t *testing.T) {
	store := memory.NewPersistence()
	ctx := context.Background()
	now := time.Now().UTC()

	savePlanProfile(t, store, "profile-buyer", "free")
	savePlanProfile(t, store, "profile-idle", "free")

	require.NoError(t, store.Events().Record(ctx, models.ProfileEvent{
		ProfileID:  "profile-buyer",
		Name:       "purchase",
		OccurredAt: now.Add(-48 * time.Hour),
	}))

	segment := &models.Segment{
		ID:             "seg-buyers",
		OrganizationID: "org-1",
		Name:           "Recent Buyers",
		IsActive:       true,
		Conditions: models.GroupOf(models.LogicalAnd, models.LeafNode(models.Condition{
			Kind:       models.ConditionKindEvent,
			Operator:   models.OpHasDone,
			EventName:  "purchase",
			WithinDays: 30,
		})),
	}
	require.NoError(t, store.Segments().Save(ctx, segment))

	calculator := segments.NewCalculator(store, testLogger())

	diff, err := calculator.Calculate(ctx, segment)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"profile-buyer"}, diff.Entered)
}

func TestCalculateSegmentLeafReferencesOtherSegment(t *testing.T) {
	store := memory.NewPersistence()
	ctx := context.Background()

	savePlanProfile(t, store, "profile-1", "pro")
	savePlanProfile(t, store, "profile-2", "free")

	base := planSegment("seg-pro", "pro")
	require.NoError(t, store.Segments().Save(ctx, base))

	derived := &models.Segment{
		ID:             "seg-derived",
		OrganizationID: "org-1",
		Name:           "Derived",
		IsActive:       true,
		Conditions: models.GroupOf(models.LogicalAnd, models.LeafNode(models.Condition{
			Kind:      models.ConditionKindSegment,
			Operator:  models.OpIsMember,
			SegmentID: "seg-pro",
		})),
	}
	require.NoError(t, store.Segments().Save(ctx, derived))

	calculator := segments.NewCalculator(store, testLogger())

	_, err := calculator.Calculate(ctx, base)
	require.NoError(t, err)

	diff, err := calculator.Calculate(ctx, derived)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"profile-1"}, diff.Entered)
}
