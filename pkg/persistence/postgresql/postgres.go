// Package postgresql implements the persistence interfaces over PostgreSQL.
//
// The step table carries the (instance_id, node_id, branch_id) unique
// constraint the engine's idempotent re-entry relies on, and the lock manager
// maps sync-node serialization onto session advisory locks.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/calvora/stagehand/pkg/persistence"
	"github.com/calvora/stagehand/pkg/persistence/sqlbase"

	_ "github.com/lib/pq"
)

// Persistence implements persistence.Persistence using a PostgreSQL database.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
	locks  *lockManager
}

// NewPersistence connects, migrates and returns a ready store.
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
		return nil, fmt.Errorf("failed to run workflow migrations: %w", err)
	}

	logger.InfoContext(ctx, "Workflow PostgreSQL persistence initialized successfully")

	return &Persistence{
		db:     database,
		logger: logger.With("component", "workflow_postgres_persistence"),
		locks:  newLockManager(database),
	}, nil
}

func (p *Persistence) TemplateRepository() persistence.TemplateRepository {
	return &templateRepository{db: p.db, logger: p.logger}
}

func (p *Persistence) InstanceRepository() persistence.InstanceRepository {
	return &instanceRepository{db: p.db, logger: p.logger}
}

func (p *Persistence) StepRepository() persistence.StepRepository {
	return &stepRepository{db: p.db, logger: p.logger}
}

func (p *Persistence) HistoryRepository() persistence.HistoryRepository {
	return &historyRepository{db: p.db, logger: p.logger}
}

func (p *Persistence) Locks() persistence.LockManager {
	return p.locks
}

// HealthCheck verifies the database connection is alive.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close releases held advisory locks and closes the pool.
func (p *Persistence) Close(ctx context.Context) error {
	p.locks.closeAll(ctx)

	return p.db.Close()
}
