// Package postgresql provides the PostgreSQL persistence implementation.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	// Registers the postgres driver.
	_ "github.com/lib/pq"

	"github.com/cadencehq/cadence/pkg/persistence"
	"github.com/cadencehq/cadence/pkg/persistence/sqlbase"
)

// Persistence implements persistence.Persistence on PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger

	flows       *FlowRepository
	enrollments *EnrollmentRepository
	profiles    *ProfileRepository
	segments    *SegmentRepository
	events      *EventRepository
	sends       *SendRepository
}

func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:          database,
		logger:      logger,
		flows:       &FlowRepository{db: database},
		enrollments: &EnrollmentRepository{db: database},
		profiles:    &ProfileRepository{db: database},
		segments:    &SegmentRepository{db: database},
		events:      &EventRepository{db: database},
		sends:       &SendRepository{db: database},
	}, nil
}

func (p *Persistence) Flows() persistence.FlowRepository             { return p.flows }
func (p *Persistence) Enrollments() persistence.EnrollmentRepository { return p.enrollments }
func (p *Persistence) Profiles() persistence.ProfileRepository       { return p.profiles }
func (p *Persistence) Segments() persistence.SegmentRepository       { return p.segments }
func (p *Persistence) Events() persistence.EventRepository           { return p.events }
func (p *Persistence) Sends() persistence.SendRepository             { return p.sends }

func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	if p.db == nil {
		return nil
	}

	err := p.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	return nil
}
