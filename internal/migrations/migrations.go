package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog"
)

// DBOpener opens a verified database handle with a current credential.
// *lakebase.Factory satisfies it.
type DBOpener interface {
	OpenDB(ctx context.Context) (*sql.DB, error)
}

// Runner applies the migrations found in a local directory.
type Runner struct {
	m *migrate.Migrate
}

// New connects through opener and prepares the migrations in dir.
// The caller must Close the runner.
func New(ctx context.Context, opener DBOpener, dir string) (*Runner, error) {
	db, err := opener.OpenDB(ctx)
	if err != nil {
		return nil, err
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		_ = driver.Close()
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return &Runner{m: m}, nil
}

// Close releases the source and the database connection.
func (r *Runner) Close() error {
	srcErr, dbErr := r.m.Close()
	return errors.Join(srcErr, dbErr)
}

// Up applies all pending migrations, or at most steps of them when steps > 0.
func (r *Runner) Up(steps int) error {
	var err error
	if steps > 0 {
		err = r.m.Steps(steps)
	} else {
		err = r.m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Down rolls back all migrations, or steps of them when steps > 0.
func (r *Runner) Down(steps int) error {
	var err error
	if steps > 0 {
		err = r.m.Steps(-steps)
	} else {
		err = r.m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rolling back migrations: %w", err)
	}
	return nil
}

// Version returns the current migration version, 0 when none was applied.
func (r *Runner) Version() (uint, bool, error) {
	version, dirty, err := r.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("checking migration version: %w", err)
	}
	return version, dirty, nil
}

func (r *Runner) Force(version int) error {
	if err := r.m.Force(version); err != nil {
		return fmt.Errorf("forcing version: %w", err)
	}
	return nil
}

// Apply brings the schema up to date. It refuses to run against a dirty database.
func Apply(ctx context.Context, opener DBOpener, dir string, logger zerolog.Logger) error {
	r, err := New(ctx, opener, dir)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close migration runner")
		}
	}()

	version, dirty, err := r.Version()
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("database is in a dirty state (version %d), manual intervention required", version)
	}

	if err := r.Up(0); err != nil {
		return err
	}

	newVersion, _, err := r.Version()
	if err != nil {
		return err
	}
	if newVersion != version {
		logger.Info().Uint("from", version).Uint("to", newVersion).Msg("migrated database schema")
	} else {
		logger.Info().Uint("version", version).Msg("database schema is up to date")
	}
	return nil
}
