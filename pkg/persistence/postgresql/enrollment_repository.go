package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
)

// ClaimLease is how long a claim stays exclusive. A worker that dies
// mid-step loses its claim after the lease and another poller picks the
// enrollment back up.
const ClaimLease = 5 * time.Minute

type EnrollmentRepository struct {
	db *sql.DB
}

const enrollmentColumns = `id, flow_id, profile_id, organization_id, status,
	current_node_id, next_action_at, visited_nodes, completed_nodes,
	trigger_context, cycle, exit_reason, failure_reason, claimed_by,
	claimed_at, enrolled_at, updated_at, finished_at`

func (r *EnrollmentRepository) ByID(ctx context.Context, id string) (*models.FlowEnrollment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1`, id)

	enrollment, err := scanEnrollment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrEnrollmentNotFound
	}

	return enrollment, err
}

func (r *EnrollmentRepository) ByFlowAndProfile(ctx context.Context, flowID, profileID string) (*models.FlowEnrollment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments
		 WHERE flow_id = $1 AND profile_id = $2`, flowID, profileID)

	enrollment, err := scanEnrollment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrEnrollmentNotFound
	}

	return enrollment, err
}

func (r *EnrollmentRepository) ByFlow(ctx context.Context, flowID string) ([]*models.FlowEnrollment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+enrollmentColumns+` FROM enrollments
		 WHERE flow_id = $1 ORDER BY enrolled_at`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}

	defer func() { _ = rows.Close() }()

	return collectEnrollments(rows)
}

func (r *EnrollmentRepository) Save(ctx context.Context, enrollment *models.FlowEnrollment) error {
	visited, err := json.Marshal(orEmpty(enrollment.VisitedNodes))
	if err != nil {
		return fmt.Errorf("failed to encode visited nodes: %w", err)
	}

	completed, err := json.Marshal(orEmpty(enrollment.CompletedNodes))
	if err != nil {
		return fmt.Errorf("failed to encode completed nodes: %w", err)
	}

	triggerContext, err := json.Marshal(enrollment.TriggerContext)
	if err != nil {
		return fmt.Errorf("failed to encode trigger context: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO enrollments (id, flow_id, profile_id, organization_id, status,
			current_node_id, next_action_at, visited_nodes, completed_nodes,
			trigger_context, cycle, exit_reason, failure_reason, claimed_by,
			claimed_at, enrolled_at, updated_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_node_id = EXCLUDED.current_node_id,
			next_action_at = EXCLUDED.next_action_at,
			visited_nodes = EXCLUDED.visited_nodes,
			completed_nodes = EXCLUDED.completed_nodes,
			trigger_context = EXCLUDED.trigger_context,
			cycle = EXCLUDED.cycle,
			exit_reason = EXCLUDED.exit_reason,
			failure_reason = EXCLUDED.failure_reason,
			claimed_by = EXCLUDED.claimed_by,
			claimed_at = EXCLUDED.claimed_at,
			updated_at = EXCLUDED.updated_at,
			finished_at = EXCLUDED.finished_at`,
		enrollment.ID, enrollment.FlowID, enrollment.ProfileID, enrollment.OrganizationID,
		enrollment.Status, enrollment.CurrentNodeID, enrollment.NextActionAt,
		visited, completed, triggerContext, enrollment.Cycle,
		enrollment.ExitReason, enrollment.FailureReason,
		enrollment.ClaimedBy, enrollment.ClaimedAt,
		enrollment.EnrolledAt, enrollment.UpdatedAt, enrollment.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to save enrollment: %w", err)
	}

	return nil
}

// ClaimDue atomically claims due active enrollments with SKIP LOCKED so
// concurrent pollers never double-claim a row. Rows under a live lease are
// excluded; expired leases are stolen.
func (r *EnrollmentRepository) ClaimDue(ctx context.Context, workerID string, limit int, now time.Time) ([]*models.FlowEnrollment, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE enrollments SET claimed_by = $1, claimed_at = $2
		WHERE id IN (
			SELECT id FROM enrollments
			WHERE status = $3
			  AND next_action_at IS NOT NULL
			  AND next_action_at <= $2
			  AND (claimed_at IS NULL OR claimed_at < $4)
			ORDER BY next_action_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+enrollmentColumns,
		workerID, now, models.EnrollmentStatusActive, now.Add(-ClaimLease), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due enrollments: %w", err)
	}

	defer func() { _ = rows.Close() }()

	return collectEnrollments(rows)
}

func (r *EnrollmentRepository) Release(ctx context.Context, enrollment *models.FlowEnrollment) error {
	enrollment.ClaimedBy = nil
	enrollment.ClaimedAt = nil

	return r.Save(ctx, enrollment)
}

func scanEnrollment(row rowScanner) (*models.FlowEnrollment, error) {
	var (
		enrollment     models.FlowEnrollment
		visited        []byte
		completed      []byte
		triggerContext []byte
	)

	err := row.Scan(
		&enrollment.ID, &enrollment.FlowID, &enrollment.ProfileID,
		&enrollment.OrganizationID, &enrollment.Status,
		&enrollment.CurrentNodeID, &enrollment.NextActionAt,
		&visited, &completed, &triggerContext, &enrollment.Cycle,
		&enrollment.ExitReason, &enrollment.FailureReason,
		&enrollment.ClaimedBy, &enrollment.ClaimedAt,
		&enrollment.EnrolledAt, &enrollment.UpdatedAt, &enrollment.FinishedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(visited, &enrollment.VisitedNodes); err != nil {
		return nil, fmt.Errorf("failed to decode visited nodes: %w", err)
	}

	if err := json.Unmarshal(completed, &enrollment.CompletedNodes); err != nil {
		return nil, fmt.Errorf("failed to decode completed nodes: %w", err)
	}

	if len(triggerContext) > 0 {
		if err := json.Unmarshal(triggerContext, &enrollment.TriggerContext); err != nil {
			return nil, fmt.Errorf("failed to decode trigger context: %w", err)
		}
	}

	return &enrollment, nil
}

func collectEnrollments(rows *sql.Rows) ([]*models.FlowEnrollment, error) {
	var enrollments []*models.FlowEnrollment

	for rows.Next() {
		enrollment, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}

		enrollments = append(enrollments, enrollment)
	}

	return enrollments, rows.Err()
}

func orEmpty(values []string) []string {
	if values == nil {
		return []string{}
	}

	return values
}
