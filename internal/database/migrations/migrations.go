// Package migrations applies the SQL schema in migrations/ with
// golang-migrate.
package migrations

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"ms-gatescan/internal/logger"
)

type Options struct {
	// Dir holds NNNNNN_name.up.sql / .down.sql pairs.
	Dir string
}

func DefaultOptions() Options {
	return Options{Dir: "./migrations"}
}

// Runner handles database migrations
type Runner struct {
	db       *sql.DB
	options  Options
	log      *logger.Logger
	migrator *migrate.Migrate
}

func NewRunner(db *sql.DB, opts Options, log *logger.Logger) *Runner {
	return &Runner{db: db, options: opts, log: log}
}

func (r *Runner) init() error {
	if r.migrator != nil {
		return nil
	}
	if _, err := os.Stat(r.options.Dir); err != nil {
		return fmt.Errorf("migrations directory %s: %w", r.options.Dir, err)
	}
	driver, err := postgres.WithInstance(r.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres migration driver: %w", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance("file://"+r.options.Dir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	r.migrator = migrator
	return nil
}

// Up applies every pending migration. A dirty schema left by an interrupted
// run is forced back to its recorded version first, then re-applied.
func (r *Runner) Up() error {
	if err := r.init(); err != nil {
		return err
	}
	version, dirty, err := r.migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		r.log.Warn("MIGRATE", fmt.Sprintf("Schema version %d is dirty, forcing before retry", version))
		if err := r.migrator.Force(int(version)); err != nil {
			return fmt.Errorf("failed to fix dirty migration: %w", err)
		}
	}
	if err := r.migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	r.logVersion()
	return nil
}

// Down rolls back all migrations
func (r *Runner) Down() error {
	if err := r.init(); err != nil {
		return err
	}
	if err := r.migrator.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	r.logVersion()
	return nil
}

// To migrates up or down to version.
func (r *Runner) To(version uint) error {
	if err := r.init(); err != nil {
		return err
	}
	if err := r.migrator.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration to version %d failed: %w", version, err)
	}
	r.logVersion()
	return nil
}

// Version reports the applied schema version; 0 when nothing ran yet.
func (r *Runner) Version() (uint, bool, error) {
	if err := r.init(); err != nil {
		return 0, false, err
	}
	version, dirty, err := r.migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (r *Runner) logVersion() {
	version, dirty, err := r.migrator.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		r.log.Info("MIGRATE", "No migrations applied")
	case err != nil:
		r.log.Warn("MIGRATE", fmt.Sprintf("Failed to read schema version: %v", err))
	default:
		r.log.Info("MIGRATE", fmt.Sprintf("Current schema version: %d (dirty=%t)", version, dirty))
	}
}

// Close releases the migrator. The underlying *sql.DB is closed with it.
func (r *Runner) Close() error {
	if r.migrator == nil {
		return nil
	}
	sourceErr, databaseErr := r.migrator.Close()
	if sourceErr != nil {
		return fmt.Errorf("error closing migrator source: %w", sourceErr)
	}
	if databaseErr != nil {
		return fmt.Errorf("error closing migrator database: %w", databaseErr)
	}
	return nil
}
