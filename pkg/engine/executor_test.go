package engine_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/pkg/engine"
	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/nodes/conditionnode"
	"github.com/cadencehq/cadence/pkg/nodes/exitnode"
	"github.com/cadencehq/cadence/pkg/nodes/message"
	"github.com/cadencehq/cadence/pkg/nodes/webhooknode"
	"github.com/cadencehq/cadence/pkg/persistence/memory"
	"github.com/cadencehq/cadence/pkg/queue"
	"github.com/cadencehq/cadence/pkg/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	store    *memory.Persistence
	queue    *queue.MemoryQueue
	executor *engine.Executor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.NewPersistence()
	deliveryQueue := queue.NewMemoryQueue()
	logger := testLogger()

	reg := registry.NewRegistry(logger)
	reg.Register(message.NewProcessor(models.NodeKindEmail, store, deliveryQueue, nil))
	reg.Register(message.NewProcessor(models.NodeKindSMS, store, deliveryQueue, nil))
	reg.Register(conditionnode.NewProcessor(store))
	reg.Register(webhooknode.NewProcessor(&http.Client{Timeout: time.Second}))
	reg.Register(exitnode.NewProcessor())

	return &testEnv{
		store:    store,
		queue:    deliveryQueue,
		executor: engine.NewExecutor(store, reg, nil, logger),
	}
}

func (env *testEnv) saveFlow(t *testing.T, flow *models.Flow) {
	t.Helper()
	require.NoError(t, env.store.Flows().Save(context.Background(), flow))
}

func (env *testEnv) saveProfile(t *testing.T, profile *models.Profile) {
	t.Helper()
	require.NoError(t, env.store.Profiles().Save(context.Background(), profile))
}

func (env *testEnv) enroll(t *testing.T, flow *models.Flow, profileID, nodeID string) *models.FlowEnrollment {
	t.Helper()

	now := time.Now().UTC()
	enrollment := &models.FlowEnrollment{
		ID:             "enr-" + profileID,
		FlowID:         flow.ID,
		ProfileID:      profileID,
		OrganizationID: flow.OrganizationID,
		Status:         models.EnrollmentStatusActive,
		Cycle:          1,
		NextActionAt:   &now,
		EnrolledAt:     now,
		UpdatedAt:      now,
	}

	if nodeID != "" {
		enrollment.CurrentNodeID = &nodeID
	}

	require.NoError(t, env.store.Enrollments().Save(context.Background(), enrollment))

	return enrollment
}

func (env *testEnv) reload(t *testing.T, id string) *models.FlowEnrollment {
	t.Helper()

	enrollment, err := env.store.Enrollments().ByID(context.Background(), id)
	require.NoError(t, err)

	return enrollment
}

func welcomeFlow() *models.Flow {
	return &models.Flow{
		ID:             "flow-welcome",
		OrganizationID: "org-1",
		Name:           "Welcome Series",
		Status:         models.FlowStatusActive,
		Trigger:        models.TriggerDescriptor{Type: models.TriggerTypeEvent, EventName: "user_signed_up"},
		Nodes: []*models.FlowNode{
			{ID: "trigger-1", Kind: models.NodeKindTrigger},
			{ID: "email-1", Kind: models.NodeKindEmail, Message: &models.MessagePayload{
				Subject: "Welcome, {{ .profile.first_name }}!",
				Body:    "Glad to have you.",
			}},
			{ID: "wait-1", Kind: models.NodeKindDelay, Delay: &models.DelayPayload{
				Amount: 2, Unit: models.DelayUnitHours,
			}},
			{ID: "email-2", Kind: models.NodeKindEmail, Message: &models.MessagePayload{
				Subject: "Checking in",
				Body:    "How is it going?",
			}},
		},
		Edges: []*models.FlowEdge{
			{ID: "e1", Source: "trigger-1", Target: "email-1"},
			{ID: "e2", Source: "email-1", Target: "wait-1"},
			{ID: "e3", Source: "wait-1", Target: "email-2"},
		},
	}
}

func anaProfile() *models.Profile {
	return &models.Profile{
		ID:             "profile-ana",
		OrganizationID: "org-1",
		Email:          "ana@example.com",
		FirstName:      "Ana",
	}
}

func TestStepSendsAndParksOnDelay(t *testing.T) {
	env := newTestEnv(t)

	flow := welcomeFlow()
	env.saveFlow(t, flow)
	env.saveProfile(t, anaProfile())

	enrollment := env.enroll(t, flow, "profile-ana", "email-1")

	before := time.Now().UTC()
	require.NoError(t, env.executor.Step(context.Background(), enrollment))

	loaded := env.reload(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusActive, loaded.Status)
	require.NotNil(t, loaded.CurrentNodeID)
	assert.Equal(t, "email-2", *loaded.CurrentNodeID)

	// The delay is a wait annotation: visited and completed in the same
	// pass, with the wake time pushed out by its duration.
	assert.Contains(t, loaded.VisitedNodes, "email-1")
	assert.Contains(t, loaded.VisitedNodes, "wait-1")
	assert.Contains(t, loaded.CompletedNodes, "wait-1")

	require.NotNil(t, loaded.NextActionAt)
	assert.WithinDuration(t, before.Add(2*time.Hour), *loaded.NextActionAt, 5*time.Second)

	jobs := env.queue.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "ana@example.com", jobs[0].To)
	assert.Equal(t, "Welcome, Ana!", jobs[0].Subject)
	assert.Equal(t, "flow-welcome:email-1:profile-ana:1", jobs[0].IdempotencyKey)
}

func TestStepResumesAfterDelayElapsed(t *testing.T) {
	env := newTestEnv(t)

	flow := welcomeFlow()
	env.saveFlow(t, flow)
	env.saveProfile(t, anaProfile())

	// Parked on email-2 with a wake time already in the past.
	enrollment := env.enroll(t, flow, "profile-ana", "email-2")

	require.NoError(t, env.executor.Step(context.Background(), enrollment))

	loaded := env.reload(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, loaded.Status)
	assert.Nil(t, loaded.CurrentNodeID)
	assert.Nil(t, loaded.NextActionAt)
	require.NotNil(t, loaded.FinishedAt)
	assert.Len(t, env.queue.Jobs(), 1)
}

func TestStepFutureWakeIsUntouched(t *testing.T) {
	env := newTestEnv(t)

	flow := welcomeFlow()
	env.saveFlow(t, flow)
	env.saveProfile(t, anaProfile())

	enrollment := env.enroll(t, flow, "profile-ana", "email-2")
	wake := time.Now().UTC().Add(time.Hour)
	enrollment.NextActionAt = &wake
	require.NoError(t, env.store.Enrollments().Save(context.Background(), enrollment))

	require.NoError(t, env.executor.Step(context.Background(), enrollment))

	loaded := env.reload(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusActive, loaded.Status)
	assert.Empty(t, env.queue.Jobs())
}

func TestStepDanglingTriggerCompletes(t *testing.T) {
	env := newTestEnv(t)

	flow := welcomeFlow()
	flow.Edges = nil
	env.saveFlow(t, flow)
	env.saveProfile(t, anaProfile())

	enrollment := env.enroll(t, flow, "profile-ana", "")

	require.NoError(t, env.executor.Step(context.Background(), enrollment))

	loaded := env.reload(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, loaded.Status)
	assert.Empty(t, loaded.VisitedNodes)
}

func TestStepFlowInactiveExits(t *testing.T) {
	env := newTestEnv(t)

	flow := welcomeFlow()
	flow.Status = models.FlowStatusPaused
	env.saveFlow(t, flow)
	env.saveProfile(t, anaProfile())

	enrollment := env.enroll(t, flow, "profile-ana", "email-1")

	require.NoError(t, env.executor.Step(context.Background(), enrollment))

	loaded := env.reload(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusExited, loaded.Status)
	assert.Equal(t, models.ExitReasonFlowInactive, loaded.ExitReason)
	assert.Empty(t, env.queue.Jobs())
}

func TestStepFlowDeletedExits(t *testing.T) {
	env := newTestEnv(t)
	env.saveProfile(t, anaProfile())

	enrollment := env.enroll(t, welcomeFlow(), "profile-ana", "email-1")

	require.NoError(t, env.executor.Step(context.Background(), enrollment))

	loaded := env.reload(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusExited, loaded.Status)
	assert.Equal(t, models.ExitReasonFlowDeleted, loaded.ExitReason)
}

func TestStepProfileDeletedExits(t *testing.T) {
	env := newTestEnv(t)

	flow := welcomeFlow()
	env.saveFlow(t, flow)

	enrollment := env.enroll(t, flow, "profile-gone", "email-1")

	require.NoError(t, env.executor.Step(context.Background(), enrollment))

	loaded := env.reload(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusExited, loaded.Status)
	assert.Equal(t, models.ExitReasonProfileDeleted, loaded.ExitReason)
}

func TestStepWebhookFailureStillAdvances(t *testing.T) {
	env := newTestEnv(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	flow := welcomeFlow()
	flow.Nodes = []*models.FlowNode{
		{ID: "trigger-1", Kind: models.NodeKindTrigger},
		{ID: "hook-1", Kind: models.NodeKindWebhook, Webhook: &models.WebhookPayload{URL: server.URL}},
		{ID: "email-1", Kind: models.NodeKindEmail, Message: &models.MessagePayload{Body: "after hook"}},
	}
	flow.Edges = []*models.FlowEdge{
		{ID: "e1", Source: "trigger-1", Target: "hook-1"},
		{ID: "e2", Source: "hook-1", Target: "email-1"},
	}
	env.saveFlow(t, flow)
	env.saveProfile(t, anaProfile())

	enrollment := env.enroll(t, flow, "profile-ana", "hook-1")

	require.NoError(t, env.executor.Step(context.Background(), enrollment))

	loaded := env.reload(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, loaded.Status)
	assert.Contains(t, loaded.CompletedNodes, "hook-1")
	assert.Len(t, env.queue.Jobs(), 1)
}

func TestStepQueueFailureKeepsEnrollmentActive(t *testing.T) {
	env := newTestEnv(t)

	flow := welcomeFlow()
	env.saveFlow(t, flow)
	env.saveProfile(t, anaProfile())

	enrollment := env.enroll(t, flow, "profile-ana", "email-1")
	env.queue.FailNext = assert.AnError

	before := time.Now().UTC()
	require.NoError(t, env.executor.Step(context.Background(), enrollment))

	loaded := env.reload(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusActive, loaded.Status)
	require.NotNil(t, loaded.CurrentNodeID)
	assert.Equal(t, "email-1", *loaded.CurrentNodeID)
	assert.NotContains(t, loaded.CompletedNodes, "email-1")

	require.NotNil(t, loaded.NextActionAt)
	assert.WithinDuration(t, before.Add(30*time.Second), *loaded.NextActionAt, 5*time.Second)

	// Next attempt succeeds and traverses the delay.
	loaded.NextActionAt = &before
	require.NoError(t, env.store.Enrollments().Save(context.Background(), loaded))
	require.NoError(t, env.executor.Step(context.Background(), loaded))

	final := env.reload(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusActive, final.Status)
	assert.Contains(t, final.CompletedNodes, "email-1")
	assert.Len(t, env.queue.Jobs(), 1)
}

func TestStepMissingProcessorFails(t *testing.T) {
	env := newTestEnv(t)

	flow := welcomeFlow()
	flow.Nodes = append(flow.Nodes, &models.FlowNode{
		ID: "split-1", Kind: models.NodeKindSplit,
		Split: &models.SplitPayload{Mode: models.SplitModeRandom, Variants: []models.SplitVariant{{ID: "a"}}},
	})
	env.saveFlow(t, flow)
	env.saveProfile(t, anaProfile())

	enrollment := env.enroll(t, flow, "profile-ana", "split-1")

	require.NoError(t, env.executor.Step(context.Background(), enrollment))

	loaded := env.reload(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusFailed, loaded.Status)
	assert.Contains(t, loaded.FailureReason, "no processor")
}

func TestStepConditionRoutesBranches(t *testing.T) {
	env := newTestEnv(t)

	flow := welcomeFlow()
	flow.Nodes = []*models.FlowNode{
		{ID: "trigger-1", Kind: models.NodeKindTrigger},
		{ID: "cond-1", Kind: models.NodeKindCondition, Condition: &models.ConditionPayload{
			Conditions: models.GroupOf(models.LogicalAnd, models.LeafNode(models.Condition{
				Kind:     models.ConditionKindProperty,
				Field:    "plan",
				Operator: models.OpEquals,
				Value:    "pro",
			})),
		}},
		{ID: "email-yes", Kind: models.NodeKindEmail, Message: &models.MessagePayload{Body: "pro body"}},
		{ID: "email-no", Kind: models.NodeKindEmail, Message: &models.MessagePayload{Body: "free body"}},
	}
	flow.Edges = []*models.FlowEdge{
		{ID: "e1", Source: "trigger-1", Target: "cond-1"},
		{ID: "e2", Source: "cond-1", Target: "email-yes", Label: models.BranchYes},
		{ID: "e3", Source: "cond-1", Target: "email-no", Label: models.BranchNo},
	}
	env.saveFlow(t, flow)

	pro := anaProfile()
	pro.Properties = map[string]any{"plan": "pro"}
	env.saveProfile(t, pro)

	free := &models.Profile{ID: "profile-bob", OrganizationID: "org-1", Email: "bob@example.com"}
	env.saveProfile(t, free)

	proEnrollment := env.enroll(t, flow, "profile-ana", "cond-1")
	require.NoError(t, env.executor.Step(context.Background(), proEnrollment))

	freeEnrollment := env.enroll(t, flow, "profile-bob", "cond-1")
	require.NoError(t, env.executor.Step(context.Background(), freeEnrollment))

	jobs := env.queue.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "pro body", jobs[0].Body)
	assert.Equal(t, "free body", jobs[1].Body)
}

func TestStepMissingBranchEdgeCompletes(t *testing.T) {
	env := newTestEnv(t)

	flow := welcomeFlow()
	flow.Nodes = []*models.FlowNode{
		{ID: "trigger-1", Kind: models.NodeKindTrigger},
		{ID: "cond-1", Kind: models.NodeKindCondition, Condition: &models.ConditionPayload{
			Conditions: models.GroupOf(models.LogicalAnd, models.LeafNode(models.Condition{
				Kind:     models.ConditionKindProperty,
				Field:    "plan",
				Operator: models.OpEquals,
				Value:    "pro",
			})),
		}},
		{ID: "email-yes", Kind: models.NodeKindEmail, Message: &models.MessagePayload{Body: "pro body"}},
	}
	// Only the yes branch is wired; a no outcome has nowhere to go.
	flow.Edges = []*models.FlowEdge{
		{ID: "e1", Source: "trigger-1", Target: "cond-1"},
		{ID: "e2", Source: "cond-1", Target: "email-yes", Label: models.BranchYes},
	}
	env.saveFlow(t, flow)
	env.saveProfile(t, anaProfile())

	enrollment := env.enroll(t, flow, "profile-ana", "cond-1")

	require.NoError(t, env.executor.Step(context.Background(), enrollment))

	loaded := env.reload(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, loaded.Status)
	assert.Empty(t, env.queue.Jobs())
}

func TestStepExitNodeExitsWithManualReason(t *testing.T) {
	env := newTestEnv(t)

	flow := welcomeFlow()
	flow.Nodes = append(flow.Nodes, &models.FlowNode{ID: "exit-1", Kind: models.NodeKindExit})
	env.saveFlow(t, flow)
	env.saveProfile(t, anaProfile())

	enrollment := env.enroll(t, flow, "profile-ana", "exit-1")

	require.NoError(t, env.executor.Step(context.Background(), enrollment))

	loaded := env.reload(t, enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusExited, loaded.Status)
	assert.Equal(t, models.ExitReasonManual, loaded.ExitReason)
}

func TestStepAdjustsFlowStats(t *testing.T) {
	env := newTestEnv(t)

	flow := welcomeFlow()
	flow.Stats = models.FlowStats{TotalEnrolled: 1, ActiveCount: 1}
	env.saveFlow(t, flow)
	env.saveProfile(t, anaProfile())

	enrollment := env.enroll(t, flow, "profile-ana", "email-2")

	require.NoError(t, env.executor.Step(context.Background(), enrollment))

	loaded, err := env.store.Flows().ByID(context.Background(), flow.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Stats.TotalEnrolled)
	assert.Equal(t, 0, loaded.Stats.ActiveCount)
	assert.Equal(t, 1, loaded.Stats.CompletedCount)
}
