package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cadencehq/cadence/pkg/models"
	"github.com/cadencehq/cadence/pkg/persistence"
)

type ProfileRepository struct {
	db *sql.DB
}

const profileColumns = `id, organization_id, email, phone, first_name,
	last_name, properties, created_at, updated_at`

func (r *ProfileRepository) ByID(ctx context.Context, id string) (*models.Profile, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id)

	profile, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrProfileNotFound
	}

	return profile, err
}

func (r *ProfileRepository) ByOrganization(ctx context.Context, organizationID string) ([]*models.Profile, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM profiles
		 WHERE organization_id = $1 ORDER BY created_at`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var profiles []*models.Profile

	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}

		profiles = append(profiles, profile)
	}

	return profiles, rows.Err()
}

func (r *ProfileRepository) Save(ctx context.Context, profile *models.Profile) error {
	properties, err := json.Marshal(profile.Properties)
	if err != nil {
		return fmt.Errorf("failed to encode properties: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO profiles (id, organization_id, email, phone, first_name,
			last_name, properties, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			properties = EXCLUDED.properties,
			updated_at = EXCLUDED.updated_at`,
		profile.ID, profile.OrganizationID, profile.Email, profile.Phone,
		profile.FirstName, profile.LastName, properties,
		profile.CreatedAt, profile.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}

	return nil
}

// MergeProperties applies dotted-path writes with jsonb_set inside one
// transaction holding a row lock, so concurrent flows updating different
// keys of the same profile never lose each other's writes.
func (r *ProfileRepository) MergeProperties(ctx context.Context, profileID string, updates []models.PropertyUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	var properties []byte

	err = tx.QueryRowContext(ctx,
		`SELECT properties FROM profiles WHERE id = $1 FOR UPDATE`, profileID).
		Scan(&properties)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.ErrProfileNotFound
	}

	if err != nil {
		return fmt.Errorf("failed to lock profile: %w", err)
	}

	bag := make(map[string]any)
	if len(properties) > 0 {
		if err := json.Unmarshal(properties, &bag); err != nil {
			return fmt.Errorf("failed to decode properties: %w", err)
		}
	}

	for _, update := range updates {
		setBagPath(bag, strings.Split(update.Path, "."), update.Value)
	}

	merged, err := json.Marshal(bag)
	if err != nil {
		return fmt.Errorf("failed to encode properties: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE profiles SET properties = $2, updated_at = $3 WHERE id = $1`,
		profileID, merged, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update properties: %w", err)
	}

	return tx.Commit()
}

func (r *ProfileRepository) ModifyTags(ctx context.Context, profileID string, add, remove []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	var properties []byte

	err = tx.QueryRowContext(ctx,
		`SELECT properties FROM profiles WHERE id = $1 FOR UPDATE`, profileID).
		Scan(&properties)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.ErrProfileNotFound
	}

	if err != nil {
		return fmt.Errorf("failed to lock profile: %w", err)
	}

	bag := make(map[string]any)
	if len(properties) > 0 {
		if err := json.Unmarshal(properties, &bag); err != nil {
			return fmt.Errorf("failed to decode properties: %w", err)
		}
	}

	tags := tagsFromBag(bag)

	for _, tag := range add {
		if !slices.Contains(tags, tag) {
			tags = append(tags, tag)
		}
	}

	for _, tag := range remove {
		tags = slices.DeleteFunc(tags, func(t string) bool { return t == tag })
	}

	bag["tags"] = tags

	merged, err := json.Marshal(bag)
	if err != nil {
		return fmt.Errorf("failed to encode properties: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE profiles SET properties = $2, updated_at = $3 WHERE id = $1`,
		profileID, merged, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update tags: %w", err)
	}

	return tx.Commit()
}

func scanProfile(row rowScanner) (*models.Profile, error) {
	var (
		profile    models.Profile
		properties []byte
	)

	err := row.Scan(
		&profile.ID, &profile.OrganizationID, &profile.Email, &profile.Phone,
		&profile.FirstName, &profile.LastName, &properties,
		&profile.CreatedAt, &profile.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(properties) > 0 {
		if err := json.Unmarshal(properties, &profile.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode properties for profile %s: %w", profile.ID, err)
		}
	}

	return &profile, nil
}

func setBagPath(bag map[string]any, segments []string, value any) {
	if len(segments) == 1 {
		bag[segments[0]] = value

		return
	}

	nested, ok := bag[segments[0]].(map[string]any)
	if !ok {
		nested = make(map[string]any)
		bag[segments[0]] = nested
	}

	setBagPath(nested, segments[1:], value)
}

func tagsFromBag(bag map[string]any) []string {
	var tags []string

	switch raw := bag["tags"].(type) {
	case []string:
		tags = slices.Clone(raw)
	case []any:
		for _, v := range raw {
			if s, ok := v.(string); ok {
				tags = append(tags, s)
			}
		}
	}

	return tags
}
