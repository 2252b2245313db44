package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
)

type SegmentRepository struct {
	db *sql.DB
}

const segmentColumns = `id, organization_id, name, conditions, is_active,
	member_count, recalc_schedule, last_calculated_at, created_at, updated_at`

func (r *SegmentRepository) ByID(ctx context.Context, id string) (*models.Segment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE id = $1`, id)

	segment, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrSegmentNotFound
	}

	return segment, err
}

func (r *SegmentRepository) ActiveByOrganization(ctx context.Context, organizationID string) ([]*models.Segment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+segmentColumns+` FROM segments
		 WHERE organization_id = $1 AND is_active ORDER BY created_at`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var segments []*models.Segment

	for rows.Next() {
		segment, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}

		segments = append(segments, segment)
	}

	return segments, rows.Err()
}

func (r *SegmentRepository) Save(ctx context.Context, segment *models.Segment) error {
	conditions, err := json.Marshal(segment.Conditions)
	if err != nil {
		return fmt.Errorf("failed to encode conditions: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO segments (id, organization_id, name, conditions, is_active,
			member_count, recalc_schedule, last_calculated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			conditions = EXCLUDED.conditions,
			is_active = EXCLUDED.is_active,
			recalc_schedule = EXCLUDED.recalc_schedule,
			updated_at = EXCLUDED.updated_at`,
		segment.ID, segment.OrganizationID, segment.Name, conditions,
		segment.IsActive, segment.MemberCount, segment.RecalcSchedule,
		segment.LastCalculatedAt, segment.CreatedAt, segment.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save segment: %w", err)
	}

	return nil
}

func (r *SegmentRepository) CurrentMembers(ctx context.Context, segmentID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT profile_id FROM segment_memberships
		 WHERE segment_id = $1 AND exited_at IS NULL`, segmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query current members: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var members []string

	for rows.Next() {
		var profileID string
		if err := rows.Scan(&profileID); err != nil {
			return nil, err
		}

		members = append(members, profileID)
	}

	return members, rows.Err()
}

func (r *SegmentRepository) IsMember(ctx context.Context, segmentID, profileID string) (bool, error) {
	var member bool

	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM segment_memberships
			WHERE segment_id = $1 AND profile_id = $2 AND exited_at IS NULL
		)`, segmentID, profileID).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}

	return member, nil
}

// ApplyDiff opens memberships for entered ids, closes them for exited ids
// and updates the segment counters, all in one transaction. The partial
// unique index on open memberships makes the insert duplicate-safe.
func (r *SegmentRepository) ApplyDiff(ctx context.Context, segmentID string, entered, exited []string, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	if len(entered) > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO segment_memberships (segment_id, profile_id, entered_at)
			SELECT $1, unnest($2::text[]), $3
			ON CONFLICT DO NOTHING`,
			segmentID, pq.Array(entered), now)
		if err != nil {
			return fmt.Errorf("failed to insert memberships: %w", err)
		}
	}

	if len(exited) > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE segment_memberships SET exited_at = $3
			WHERE segment_id = $1 AND profile_id = ANY($2) AND exited_at IS NULL`,
			segmentID, pq.Array(exited), now)
		if err != nil {
			return fmt.Errorf("failed to close memberships: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE segments SET
			member_count = (
				SELECT COUNT(*) FROM segment_memberships
				WHERE segment_id = $1 AND exited_at IS NULL
			),
			last_calculated_at = $2,
			updated_at = $2
		WHERE id = $1`,
		segmentID, now)
	if err != nil {
		return fmt.Errorf("failed to update segment counters: %w", err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return persistence.ErrSegmentNotFound
	}

	return tx.Commit()
}

func scanSegment(row rowScanner) (*models.Segment, error) {
	var (
		segment    models.Segment
		conditions []byte
	)

	err := row.Scan(
		&segment.ID, &segment.OrganizationID, &segment.Name, &conditions,
		&segment.IsActive, &segment.MemberCount, &segment.RecalcSchedule,
		&segment.LastCalculatedAt, &segment.CreatedAt, &segment.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(conditions, &segment.Conditions); err != nil {
		return nil, fmt.Errorf("failed to decode conditions for segment %s: %w", segment.ID, err)
	}

	return &segment, nil
}
