package database

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"go.uber.org/zap"
)

// MigrationsTable records the applied results schema versions. It is kept
// apart from schema_migrations so the results schema can share a database
// with other tools.
const MigrationsTable = "etl_schema_migrations"

// ApplyMigrations brings the results schema on db up to the newest file in
// dir. Versions already applied are skipped.
func ApplyMigrations(db *sql.DB, dir string, logger *zap.Logger) error {
	target, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return fmt.Errorf("prepare results schema migrations: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+filepath.ToSlash(dir), "postgres", target)
	if err != nil {
		return fmt.Errorf("load results migrations from %s: %w", dir, err)
	}
	defer closeMigrator(m, logger)

	from, dirty, err := schemaVersion(m)
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("results schema is dirty at version %d", from)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("Results schema is current", zap.Uint("version", from))
			return nil
		}
		return fmt.Errorf("migrate results schema from version %d: %w", from, err)
	}

	to, _, err := schemaVersion(m)
	if err != nil {
		return err
	}
	logger.Info("Migrated results schema", zap.Uint("from", from), zap.Uint("to", to))
	return nil
}

// MigrateResults opens connString through the pgx database/sql driver and
// applies the migrations in dir.
func MigrateResults(connString, dir string, logger *zap.Logger) error {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return fmt.Errorf("open results database: %w", err)
	}
	defer db.Close()
	return ApplyMigrations(db, dir, logger)
}

// schemaVersion reports 0 for a schema that was never migrated.
func schemaVersion(m *migrate.Migrate) (uint, bool, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read results schema version: %w", err)
	}
	return v, dirty, nil
}

func closeMigrator(m *migrate.Migrate, logger *zap.Logger) {
	srcErr, dbErr := m.Close()
	if err := errors.Join(srcErr, dbErr); err != nil {
		logger.Warn("Closing results migrator failed", zap.Error(err))
	}
}
