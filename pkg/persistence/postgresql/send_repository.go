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

type SendRepository struct {
	db *sql.DB
}

const sendColumns = `id, organization_id, flow_id, flow_node_id, profile_id,
	channel, to_address, from_address, subject, body, tags, idempotency_key,
	status, scheduled_at, queued_at, created_at`

func (r *SendRepository) Save(ctx context.Context, record *models.SendRecord) error {
	tags, err := json.Marshal(record.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sends (id, organization_id, flow_id, flow_node_id, profile_id,
			channel, to_address, from_address, subject, body, tags, idempotency_key,
			status, scheduled_at, queued_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			scheduled_at = EXCLUDED.scheduled_at,
			queued_at = EXCLUDED.queued_at`,
		record.ID, record.OrganizationID, record.FlowID, record.FlowNodeID,
		record.ProfileID, record.Channel, record.To, record.From,
		record.Subject, record.Body, tags, record.IdempotencyKey,
		record.Status, record.ScheduledAt, record.QueuedAt, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save send record: %w", err)
	}

	return nil
}

func (r *SendRepository) ByID(ctx context.Context, id string) (*models.SendRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sendColumns+` FROM sends WHERE id = $1`, id)

	record, err := scanSend(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrSendNotFound
	}

	return record, err
}

func (r *SendRepository) DueScheduled(ctx context.Context, limit int, now time.Time) ([]*models.SendRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sendColumns+` FROM sends
		 WHERE status = $1 AND scheduled_at <= $2
		 ORDER BY scheduled_at
		 LIMIT $3`,
		models.SendStatusScheduled, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due scheduled sends: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var records []*models.SendRecord

	for rows.Next() {
		record, err := scanSend(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, rows.Err()
}

func scanSend(row rowScanner) (*models.SendRecord, error) {
	var (
		record models.SendRecord
		tags   []byte
	)

	err := row.Scan(
		&record.ID, &record.OrganizationID, &record.FlowID, &record.FlowNodeID,
		&record.ProfileID, &record.Channel, &record.To, &record.From,
		&record.Subject, &record.Body, &tags, &record.IdempotencyKey,
		&record.Status, &record.ScheduledAt, &record.QueuedAt, &record.CreatedAt)
	if err != nil {
		return nil, err
	}

	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &record.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags for send %s: %w", record.ID, err)
		}
	}

	return &record, nil
}
