// Package migrations holds the Postgres schema of the engine and applies it
// with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/developer-mesh/context-engine/pkg/observability"
)

// MigrationsTable records the applied schema version
const MigrationsTable = "ctxengine_schema_migrations"

//go:embed sql/*.sql
var files embed.FS

// Source returns the embedded migrations as a golang-migrate source driver
func Source() (source.Driver, error) {
	d, err := iofs.New(files, "sql")
	if err != nil {
		return nil, fmt.Errorf("failed to create iofs driver: %w", err)
	}
	return d, nil
}

// Manager applies migrations to one database
type Manager struct {
	migrator *migrate.Migrate
	logger   observability.Logger
}

// NewManager prepares a migrator for db. The caller keeps ownership of db.
func NewManager(db *sql.DB, logger observability.Logger) (*Manager, error) {
	if db == nil {
		return nil, errors.New("db connection cannot be nil")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	src, err := Source()
	if err != nil {
		return nil, err
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return &Manager{migrator: m, logger: logger.WithPrefix("migrations")}, nil
}

// Up applies all pending migrations. A dirty database is refused.
func (m *Manager) Up() error {
	if _, dirty, err := m.Version(); err != nil {
		return err
	} else if dirty {
		return errors.New("migration is dirty, force a version before proceeding")
	}
	if err := m.migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	version, _, _ := m.Version()
	m.logger.Info("Migrations applied", map[string]interface{}{"version": version})
	return nil
}

// Steps applies n migrations, or rolls back -n when n is negative
func (m *Manager) Steps(n int) error {
	if err := m.migrator.Steps(n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration steps failed: %w", err)
	}
	return nil
}

// Down rolls back every migration
func (m *Manager) Down() error {
	if err := m.migrator.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return nil
}

// Force sets the recorded version without running migrations
func (m *Manager) Force(version int) error {
	return m.migrator.Force(version)
}

// Version returns the applied version. An empty database reports 0.
func (m *Manager) Version() (uint, bool, error) {
	version, dirty, err := m.migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, dirty, nil
}

// Close releases the migrator. It does not close the database.
func (m *Manager) Close() error {
	srcErr, dbErr := m.migrator.Close()
	return errors.Join(srcErr, dbErr)
}
