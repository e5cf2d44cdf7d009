package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/labdesk/labdesk/migrations"
)

// MigrationStatus represents the status of a migration (applied or pending).
type MigrationStatus struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator applies the embedded goose migrations for one database.
type Migrator struct {
	provider *goose.Provider
	db       *sql.DB
	ownsDB   bool
}

// NewPostgresMigrator opens a dedicated connection whose search_path is the
// target schema, creating the schema first when it does not exist.
func NewPostgresMigrator(ctx context.Context, databaseURL, schema string) (*Migrator, error) {
	if !tenantIDPattern.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema name: %s", schema)
	}
	cfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.RuntimeParams["search_path"] = schema + ", public"

	sqlDB := stdlib.OpenDB(*cfg)
	if _, err := sqlDB.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{schema}.Sanitize())); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("create schema %s: %w", schema, err)
	}

	m, err := newMigrator(goose.DialectPostgres, sqlDB, migrations.Postgres, "postgres")
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	m.ownsDB = true
	return m, nil
}

// NewSQLiteMigrator migrates an already opened SQLite handle. The handle stays
// owned by the caller.
func NewSQLiteMigrator(sqlDB *sql.DB) (*Migrator, error) {
	return newMigrator(goose.DialectSQLite3, sqlDB, migrations.SQLite, "sqlite")
}

func newMigrator(dialect goose.Dialect, sqlDB *sql.DB, fsys fs.FS, dir string) (*Migrator, error) {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	provider, err := goose.NewProvider(dialect, sqlDB, sub)
	if err != nil {
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	return &Migrator{provider: provider, db: sqlDB}, nil
}

// Up applies all pending migrations and returns how many were applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	results, err := m.provider.Up(ctx)
	if err != nil {
		return len(results), fmt.Errorf("run migrations: %w", err)
	}
	return len(results), nil
}

// Status returns the status of all known migrations, applied and pending.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	raw, err := m.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	statuses := make([]MigrationStatus, 0, len(raw))
	for _, s := range raw {
		st := MigrationStatus{
			Version: s.Source.Version,
			Name:    path.Base(s.Source.Path),
		}
		if s.State == goose.StateApplied {
			st.Applied = true
			at := s.AppliedAt
			st.AppliedAt = &at
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// Close releases the connection opened by NewPostgresMigrator.
func (m *Migrator) Close() error {
	if m.ownsDB {
		return m.db.Close()
	}
	return nil
}
