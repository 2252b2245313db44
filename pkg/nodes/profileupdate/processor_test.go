package profileupdate_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/pkg/engine"
	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/nodes/profileupdate"
	"github.com/cadencehq/cadence/pkg/persistence/memory"
)

func processorContext(node *models.FlowNode, profile *models.Profile) engine.ProcessorContext {
	return engine.ProcessorContext{
		Flow:    &models.Flow{ID: "flow-1", OrganizationID: "org-1"},
		Node:    node,
		Profile: profile,
		Enrollment: &models.FlowEnrollment{
			ID:        "enr-1",
			FlowID:    "flow-1",
			ProfileID: profile.ID,
			Cycle:     1,
		},
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})),
		Now:    time.Now().UTC(),
	}
}

func updateNode(updates ...models.PropertyUpdate) *models.FlowNode {
	return &models.FlowNode{
		ID:            "update-1",
		Kind:          models.NodeKindUpdateProfile,
		ProfileUpdate: &models.ProfileUpdatePayload{Updates: updates},
	}
}

func TestProcessMergesProperties(t *testing.T) {
	store := memory.NewPersistence()
	ctx := context.Background()

	profile := &models.Profile{
		ID:             "profile-1",
		OrganizationID: "org-1",
		Properties: map[string]any{
			"plan":    "free",
			"billing": map[string]any{"cycle": "monthly", "currency": "BRL"},
		},
	}
	require.NoError(t, store.Profiles().Save(ctx, profile))

	processor := profileupdate.NewProcessor(store)
	node := updateNode(
		models.PropertyUpdate{Path: "plan", Value: "pro"},
		models.PropertyUpdate{Path: "billing.cycle", Value: "yearly"},
	)

	_, err := processor.Process(ctx, processorContext(node, profile))
	require.NoError(t, err)

	stored, err := store.Profiles().ByID(ctx, "profile-1")
	require.NoError(t, err)
	assert.Equal(t, "pro", stored.Properties["plan"])

	billing, ok := stored.Properties["billing"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "yearly", billing["cycle"])
	assert.Equal(t, "BRL", billing["currency"], "untouched sibling keys survive the merge")
}

func TestProcessMirrorsOntoLocalProfile(t *testing.T) {
	store := memory.NewPersistence()
	ctx := context.Background()

	profile := &models.Profile{ID: "profile-1", OrganizationID: "org-1"}
	require.NoError(t, store.Profiles().Save(ctx, profile))

	processor := profileupdate.NewProcessor(store)
	node := updateNode(models.PropertyUpdate{Path: "lifecycle.stage", Value: "activated"})

	_, err := processor.Process(ctx, processorContext(node, profile))
	require.NoError(t, err)

	value, ok := profile.Property("lifecycle.stage")
	require.True(t, ok)
	assert.Equal(t, "activated", value)
}

func TestProcessMissingProfileFails(t *testing.T) {
	store := memory.NewPersistence()

	processor := profileupdate.NewProcessor(store)
	node := updateNode(models.PropertyUpdate{Path: "plan", Value: "pro"})
	profile := &models.Profile{ID: "ghost", OrganizationID: "org-1"}

	_, err := processor.Process(context.Background(), processorContext(node, profile))
	require.Error(t, err)
}

func TestProcessEmptyUpdatesFails(t *testing.T) {
	store := memory.NewPersistence()
	ctx := context.Background()

	profile := &models.Profile{ID: "profile-1", OrganizationID: "org-1"}
	require.NoError(t, store.Profiles().Save(ctx, profile))

	processor := profileupdate.NewProcessor(store)

	_, err := processor.Process(ctx, processorContext(updateNode(), profile))
	require.Error(t, err)
}
