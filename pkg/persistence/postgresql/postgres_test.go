package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
	"github.com/cadencehq/cadence/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"sends", "profile_events", "segment_memberships", "segments", "enrollments", "profiles", "flows", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("cadence_test"),
			postgres.WithUsername("cadence"),
			postgres.WithPassword("cadence"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func testFlow(organizationID string) *models.Flow {
	now := time.Now().UTC().Truncate(time.Millisecond)

	return &models.Flow{
		ID:             uuid.New().String(),
		OrganizationID: organizationID,
		Name:           "Welcome Series",
		Status:         models.FlowStatusActive,
		Trigger: models.TriggerDescriptor{
			Type:      models.TriggerTypeEvent,
			EventName: "user_signed_up",
		},
		Nodes: []*models.FlowNode{
			{ID: "trigger-1", Kind: models.NodeKindTrigger},
			{ID: "email-1", Kind: models.NodeKindEmail, Message: &models.MessagePayload{
				Subject: "Welcome!",
				Body:    "Hi {{ .profile.first_name }}",
			}},
		},
		Edges: []*models.FlowEdge{
			{ID: "e1", Source: "trigger-1", Target: "email-1"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	var exists bool

	err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = 'flows')`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists, "flows table should exist")

	err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = 'schema_migrations')`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists, "schema_migrations table should exist")

	var version int

	err = db.QueryRowContext(ctx, "SELECT version FROM schema_migrations WHERE version = 1").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	err := p.HealthCheck(ctx)
	assert.NoError(t, err)
}

func TestFlowRepository_SaveAndRetrieve(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	flow := testFlow("org-1")

	err := p.Flows().Save(ctx, flow)
	require.NoError(t, err)

	loaded, err := p.Flows().ByID(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.Name, loaded.Name)
	assert.Equal(t, models.TriggerTypeEvent, loaded.Trigger.Type)
	require.Len(t, loaded.Nodes, 2)
	assert.Equal(t, models.NodeKindEmail, loaded.Nodes[1].Kind)
	require.NotNil(t, loaded.Nodes[1].Message)
	assert.Equal(t, "Welcome!", loaded.Nodes[1].Message.Subject)

	_, err = p.Flows().ByID(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrFlowNotFound)
}

func TestFlowRepository_ActiveByTriggerType(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	active := testFlow("org-1")
	require.NoError(t, p.Flows().Save(ctx, active))

	paused := testFlow("org-1")
	paused.Status = models.FlowStatusPaused
	require.NoError(t, p.Flows().Save(ctx, paused))

	segment := testFlow("org-1")
	segment.Trigger = models.TriggerDescriptor{Type: models.TriggerTypeSegmentEntry, SegmentID: "seg-1"}
	require.NoError(t, p.Flows().Save(ctx, segment))

	flows, err := p.Flows().ActiveByTriggerType(ctx, "org-1", models.TriggerTypeEvent)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, active.ID, flows[0].ID)
}

func TestFlowRepository_AdjustStats(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	flow := testFlow("org-1")
	require.NoError(t, p.Flows().Save(ctx, flow))

	require.NoError(t, p.Flows().AdjustStats(ctx, flow.ID, 1, 1, 0))
	require.NoError(t, p.Flows().AdjustStats(ctx, flow.ID, 0, -1, 1))

	loaded, err := p.Flows().ByID(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Stats.TotalEnrolled)
	assert.Equal(t, 0, loaded.Stats.ActiveCount)
	assert.Equal(t, 1, loaded.Stats.CompletedCount)

	// Counters never go negative.
	require.NoError(t, p.Flows().AdjustStats(ctx, flow.ID, 0, -5, 0))

	loaded, err = p.Flows().ByID(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.Stats.ActiveCount)

	err = p.Flows().AdjustStats(ctx, "missing", 1, 0, 0)
	assert.ErrorIs(t, err, persistence.ErrFlowNotFound)
}

func testEnrollment(flowID, profileID string, nextActionAt time.Time) *models.FlowEnrollment {
	node := "email-1"
	now := time.Now().UTC().Truncate(time.Millisecond)

	return &models.FlowEnrollment{
		ID:             uuid.New().String(),
		FlowID:         flowID,
		ProfileID:      profileID,
		OrganizationID: "org-1",
		Status:         models.EnrollmentStatusActive,
		CurrentNodeID:  &node,
		NextActionAt:   &nextActionAt,
		Cycle:          1,
		EnrolledAt:     now,
		UpdatedAt:      now,
	}
}

func TestEnrollmentRepository_ClaimDue(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	now := time.Now().UTC().Truncate(time.Millisecond)

	due := testEnrollment("flow-1", "profile-1", now.Add(-time.Minute))
	require.NoError(t, p.Enrollments().Save(ctx, due))

	future := testEnrollment("flow-1", "profile-2", now.Add(time.Hour))
	require.NoError(t, p.Enrollments().Save(ctx, future))

	claimed, err := p.Enrollments().ClaimDue(ctx, "worker-a", 10, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
	require.NotNil(t, claimed[0].ClaimedBy)
	assert.Equal(t, "worker-a", *claimed[0].ClaimedBy)

	// A second poller must not see the row while the lease is live.
	again, err := p.Enrollments().ClaimDue(ctx, "worker-b", 10, now)
	require.NoError(t, err)
	assert.Empty(t, again)

	// After the lease expires the claim is stolen.
	later := now.Add(postgresql.ClaimLease + time.Minute)

	stolen, err := p.Enrollments().ClaimDue(ctx, "worker-b", 10, later)
	require.NoError(t, err)
	require.Len(t, stolen, 1)
	assert.Equal(t, due.ID, stolen[0].ID)
	assert.Equal(t, "worker-b", *stolen[0].ClaimedBy)
}

func TestEnrollmentRepository_Release(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	now := time.Now().UTC().Truncate(time.Millisecond)

	enrollment := testEnrollment("flow-1", "profile-1", now.Add(-time.Minute))
	require.NoError(t, p.Enrollments().Save(ctx, enrollment))

	claimed, err := p.Enrollments().ClaimDue(ctx, "worker-a", 1, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	claimed[0].MarkVisited("email-1")
	require.NoError(t, p.Enrollments().Release(ctx, claimed[0]))

	loaded, err := p.Enrollments().ByFlowAndProfile(ctx, "flow-1", "profile-1")
	require.NoError(t, err)
	assert.Nil(t, loaded.ClaimedBy)
	assert.Nil(t, loaded.ClaimedAt)
	assert.Equal(t, []string{"email-1"}, loaded.VisitedNodes)
}

func TestProfileRepository_MergeProperties(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	profile := &models.Profile{
		ID:             uuid.New().String(),
		OrganizationID: "org-1",
		Email:          "ana@example.com",
		Properties:     map[string]any{"plan": "free"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, p.Profiles().Save(ctx, profile))

	err := p.Profiles().MergeProperties(ctx, profile.ID, []models.PropertyUpdate{
		{Path: "plan", Value: "pro"},
		{Path: "billing.cycle", Value: "annual"},
	})
	require.NoError(t, err)

	loaded, err := p.Profiles().ByID(ctx, profile.ID)
	require.NoError(t, err)
	assert.Equal(t, "pro", loaded.Properties["plan"])

	billing, ok := loaded.Properties["billing"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "annual", billing["cycle"])

	err = p.Profiles().MergeProperties(ctx, "missing", []models.PropertyUpdate{{Path: "x", Value: 1}})
	assert.ErrorIs(t, err, persistence.ErrProfileNotFound)
}

func TestProfileRepository_ModifyTags(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	profile := &models.Profile{
		ID:             uuid.New().String(),
		OrganizationID: "org-1",
		Properties:     map[string]any{"tags": []string{"vip"}},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, p.Profiles().Save(ctx, profile))

	// Adding an existing tag keeps set semantics.
	require.NoError(t, p.Profiles().ModifyTags(ctx, profile.ID, []string{"vip", "beta"}, nil))
	require.NoError(t, p.Profiles().ModifyTags(ctx, profile.ID, nil, []string{"vip"}))

	loaded, err := p.Profiles().ByID(ctx, profile.ID)
	require.NoError(t, err)

	raw, ok := loaded.Properties["tags"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"beta"}, raw)
}

func TestSegmentRepository_ApplyDiff(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	segment := &models.Segment{
		ID:             uuid.New().String(),
		OrganizationID: "org-1",
		Name:           "Active Users",
		Conditions: models.GroupOf(models.LogicalAnd, models.LeafNode(models.Condition{
			Kind:     models.ConditionKindProperty,
			Field:    "plan",
			Operator: models.OpEquals,
			Value:    "pro",
		})),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, p.Segments().Save(ctx, segment))

	err := p.Segments().ApplyDiff(ctx, segment.ID, []string{"p1", "p2", "p3"}, nil, now)
	require.NoError(t, err)

	later := now.Add(time.Hour)

	err = p.Segments().ApplyDiff(ctx, segment.ID, []string{"p4"}, []string{"p1"}, later)
	require.NoError(t, err)

	members, err := p.Segments().CurrentMembers(ctx, segment.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p2", "p3", "p4"}, members)

	member, err := p.Segments().IsMember(ctx, segment.ID, "p2")
	require.NoError(t, err)
	assert.True(t, member)

	member, err = p.Segments().IsMember(ctx, segment.ID, "p1")
	require.NoError(t, err)
	assert.False(t, member)

	loaded, err := p.Segments().ByID(ctx, segment.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.MemberCount)
	require.NotNil(t, loaded.LastCalculatedAt)
	assert.WithinDuration(t, later, *loaded.LastCalculatedAt, time.Second)

	// Re-entering a current member is a no-op, not a duplicate interval.
	err = p.Segments().ApplyDiff(ctx, segment.ID, []string{"p2"}, nil, later)
	require.NoError(t, err)

	members, err = p.Segments().CurrentMembers(ctx, segment.ID)
	require.NoError(t, err)
	assert.Len(t, members, 3)
}

func TestEventRepository_ByProfileSince(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	now := time.Now().UTC().Truncate(time.Millisecond)

	for i, name := range []string{"message_opened", "message_clicked", "purchase"} {
		err := p.Events().Record(ctx, models.ProfileEvent{
			ID:         uuid.New().String(),
			ProfileID:  "profile-1",
			Name:       name,
			Properties: map[string]any{"index": i},
			OccurredAt: now.Add(-time.Duration(i) * 24 * time.Hour),
		})
		require.NoError(t, err)
	}

	old := models.ProfileEvent{
		ID:         uuid.New().String(),
		ProfileID:  "profile-1",
		Name:       "ancient",
		OccurredAt: now.Add(-100 * 24 * time.Hour),
	}
	require.NoError(t, p.Events().Record(ctx, old))

	events, err := p.Events().ByProfileSince(ctx, "profile-1", now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "purchase", events[0].Name)
}

func TestSendRepository_DueScheduled(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	now := time.Now().UTC().Truncate(time.Millisecond)

	due := now.Add(-time.Minute)
	scheduled := &models.SendRecord{
		ID:             uuid.New().String(),
		OrganizationID: "org-1",
		FlowID:         "flow-1",
		FlowNodeID:     "email-1",
		ProfileID:      "profile-1",
		Channel:        "email",
		To:             "ana@example.com",
		Body:           "Hello",
		IdempotencyKey: "flow-1:email-1:profile-1:1",
		Status:         models.SendStatusScheduled,
		ScheduledAt:    &due,
		CreatedAt:      now,
	}
	require.NoError(t, p.Sends().Save(ctx, scheduled))

	future := now.Add(time.Hour)
	parked := &models.SendRecord{
		ID:             uuid.New().String(),
		OrganizationID: "org-1",
		FlowID:         "flow-1",
		FlowNodeID:     "email-1",
		ProfileID:      "profile-2",
		Channel:        "email",
		To:             "bob@example.com",
		Body:           "Hello",
		IdempotencyKey: "flow-1:email-1:profile-2:1",
		Status:         models.SendStatusScheduled,
		ScheduledAt:    &future,
		CreatedAt:      now,
	}
	require.NoError(t, p.Sends().Save(ctx, parked))

	records, err := p.Sends().DueScheduled(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, scheduled.ID, records[0].ID)

	records[0].Status = models.SendStatusQueued
	records[0].QueuedAt = &now
	require.NoError(t, p.Sends().Save(ctx, records[0]))

	records, err = p.Sends().DueScheduled(ctx, 10, now)
	require.NoError(t, err)
	assert.Empty(t, records)
}
