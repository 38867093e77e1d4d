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
	auditdomain "github.com/smallbiznis/licensegate/internal/audit/domain"
	callerdomain "github.com/smallbiznis/licensegate/internal/caller/domain"
	datasetdomain "github.com/smallbiznis/licensegate/internal/dataset/domain"
	licensedomain "github.com/smallbiznis/licensegate/internal/license/domain"
	subscriptiondomain "github.com/smallbiznis/licensegate/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
	"gorm.io/gorm"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Models lists every table the engine owns, for dialects without SQL
// migrations.
func Models() []any {
	return []any{
		&callerdomain.Caller{},
		&datasetdomain.Dataset{},
		&licensedomain.License{},
		&subscriptiondomain.Subscription{},
		&usagedomain.UsageEvent{},
		&auditdomain.AuditLog{},
	}
}

// Apply runs the versioned SQL migrations on Postgres and falls back to
// AutoMigrate on MySQL and SQLite.
func Apply(conn *gorm.DB) error {
	if conn.Dialector.Name() != "postgres" {
		return conn.AutoMigrate(Models()...)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}

func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}
