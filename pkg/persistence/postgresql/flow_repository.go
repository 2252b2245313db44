package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
)

type FlowRepository struct {
	db *sql.DB
}

const flowColumns = `id, organization_id, name, status, trigger, nodes, edges,
	total_enrolled, active_count, completed_count, created_at, updated_at`

func (r *FlowRepository) ByID(ctx context.Context, id string) (*models.Flow, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+flowColumns+` FROM flows WHERE id = $1`, id)

	flow, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrFlowNotFound
	}

	return flow, err
}

func (r *FlowRepository) All(ctx context.Context) ([]*models.Flow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+flowColumns+` FROM flows ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}

	defer func() { _ = rows.Close() }()

	return collectFlows(rows)
}

func (r *FlowRepository) ActiveByTriggerType(
	ctx context.Context,
	organizationID string,
	triggerType models.TriggerType,
) ([]*models.Flow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+flowColumns+` FROM flows
		 WHERE organization_id = $1 AND status = $2 AND trigger->>'type' = $3
		 ORDER BY created_at`,
		organizationID, models.FlowStatusActive, string(triggerType))
	if err != nil {
		return nil, fmt.Errorf("failed to query flows by trigger type: %w", err)
	}

	defer func() { _ = rows.Close() }()

	return collectFlows(rows)
}

func (r *FlowRepository) Save(ctx context.Context, flow *models.Flow) error {
	trigger, err := json.Marshal(flow.Trigger)
	if err != nil {
		return fmt.Errorf("failed to encode trigger: %w", err)
	}

	nodes, err := json.Marshal(flow.Nodes)
	if err != nil {
		return fmt.Errorf("failed to encode nodes: %w", err)
	}

	edges, err := json.Marshal(flow.Edges)
	if err != nil {
		return fmt.Errorf("failed to encode edges: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO flows (id, organization_id, name, status, trigger, nodes, edges,
			total_enrolled, active_count, completed_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = EXCLUDED.organization_id,
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			trigger = EXCLUDED.trigger,
			nodes = EXCLUDED.nodes,
			edges = EXCLUDED.edges,
			updated_at = EXCLUDED.updated_at`,
		flow.ID, flow.OrganizationID, flow.Name, flow.Status, trigger, nodes, edges,
		flow.Stats.TotalEnrolled, flow.Stats.ActiveCount, flow.Stats.CompletedCount,
		flow.CreatedAt, flow.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}

	return nil
}

func (r *FlowRepository) AdjustStats(ctx context.Context, flowID string, enrolled, active, completed int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE flows SET
			total_enrolled = GREATEST(total_enrolled + $2, 0),
			active_count = GREATEST(active_count + $3, 0),
			completed_count = GREATEST(completed_count + $4, 0)
		WHERE id = $1`,
		flowID, enrolled, active, completed)
	if err != nil {
		return fmt.Errorf("failed to adjust flow stats: %w", err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return persistence.ErrFlowNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (*models.Flow, error) {
	var (
		flow    models.Flow
		trigger []byte
		nodes   []byte
		edges   []byte
	)

	err := row.Scan(
		&flow.ID, &flow.OrganizationID, &flow.Name, &flow.Status,
		&trigger, &nodes, &edges,
		&flow.Stats.TotalEnrolled, &flow.Stats.ActiveCount, &flow.Stats.CompletedCount,
		&flow.CreatedAt, &flow.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(trigger, &flow.Trigger); err != nil {
		return nil, fmt.Errorf("failed to decode trigger for flow %s: %w", flow.ID, err)
	}

	if err := json.Unmarshal(nodes, &flow.Nodes); err != nil {
		return nil, fmt.Errorf("failed to decode nodes for flow %s: %w", flow.ID, err)
	}

	if err := json.Unmarshal(edges, &flow.Edges); err != nil {
		return nil, fmt.Errorf("failed to decode edges for flow %s: %w", flow.ID, err)
	}

	return &flow, nil
}

func collectFlows(rows *sql.Rows) ([]*models.Flow, error) {
	var flows []*models.Flow

	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}

		flows = append(flows, flow)
	}

	return flows, rows.Err()
}
