package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cadencehq/cadence/pkg/models"
)

type EventRepository struct {
	db *sql.DB
}

func (r *EventRepository) Record(ctx context.Context, event models.ProfileEvent) error {
	properties, err := json.Marshal(event.Properties)
	if err != nil {
		return fmt.Errorf("failed to encode event properties: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO profile_events (id, profile_id, name, properties, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		event.ID, event.ProfileID, event.Name, properties, event.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}

	return nil
}

func (r *EventRepository) ByProfileSince(ctx context.Context, profileID string, since time.Time) ([]models.ProfileEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, profile_id, name, properties, occurred_at
		FROM profile_events
		WHERE profile_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at`, profileID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var events []models.ProfileEvent

	for rows.Next() {
		var (
			event      models.ProfileEvent
			properties []byte
		)

		err := rows.Scan(&event.ID, &event.ProfileID, &event.Name, &properties, &event.OccurredAt)
		if err != nil {
			return nil, err
		}

		if len(properties) > 0 {
			if err := json.Unmarshal(properties, &event.Properties); err != nil {
				return nil, fmt.Errorf("failed to decode properties for event %s: %w", event.ID, err)
			}
		}

		events = append(events, event)
	}

	return events, rows.Err()
}
