package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/smallbiznis/caisse/pkg/db"
	"gorm.io/gorm"
)

//go:embed sql/*.sql
var schemaFiles embed.FS

var errNoHandle = errors.New("migration_handle_required")

// Migrate brings the schema up to date. Postgres runs the versioned files
// under sql/, which also install the immutability triggers; mysql and sqlite
// are built from the models and get their guards from guards.go.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return errNoHandle
	}
	if !db.IsPostgres(conn) {
		return AutoMigrate(conn)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}

// RunMigrations applies every pending postgres migration. The migrator is
// left open: closing it would close sqlDB, which gorm still owns.
func RunMigrations(sqlDB *sql.DB) error {
	if sqlDB == nil {
		return errNoHandle
	}
	m, err := newPostgresMigrator(sqlDB)
	if err != nil {
		return err
	}
	switch err := m.Up(); {
	case err == nil, errors.Is(err, migrate.ErrNoChange):
		return nil
	default:
		return fmt.Errorf("apply migrations: %w", err)
	}
}

func newPostgresMigrator(sqlDB *sql.DB) (*migrate.Migrate, error) {
	files, err := fs.Sub(schemaFiles, "sql")
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	src, err := iofs.New(files, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	target, err := postgres.WithInstance(sqlDB, &postgres.Config{MigrationsTable: "caisse_schema_migrations"})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", target)
	if err != nil {
		return nil, fmt.Errorf("migrator: %w", err)
	}
	return m, nil
}
