package persistence

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"go.uber.org/zap"

	"github.com/sentryclaw/gateway/internal/infrastructure/config"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// RunMigrations applies the versioned schema migrations for the approval
// and task-session tables via golang-migrate, ahead of GORM's AutoMigrate
// pass (NewDBConnection). AutoMigrate stays as the teacher's established
// dev-loop convenience; this path gives operators an explicit, reviewable
// upgrade/rollback story for production deployments. The blank imports
// above register the "sqlite3" and "postgres" URL schemes migrate.New uses
// to open the database itself — note this is the cgo mattn/go-sqlite3
// driver, distinct from the pure-Go modernc.org/sqlite driver used by the
// FTS5 memory store, which manages its own schema at startup instead.
func RunMigrations(cfg *config.DatabaseConfig, logger *zap.Logger) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("persistence: load embedded migrations: %w", err)
	}

	var databaseURL string
	switch cfg.Type {
	case "sqlite":
		databaseURL = "sqlite3://" + cfg.DSN
	case "postgres":
		databaseURL = cfg.DSN
	default:
		return fmt.Errorf("persistence: unsupported database type for migrations: %s", cfg.Type)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("persistence: init migrator: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			logger.Warn("migrate: source close error", zap.Error(srcErr))
		}
		if dbErr != nil {
			logger.Warn("migrate: database close error", zap.Error(dbErr))
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("persistence: run migrations: %w", err)
	}

	logger.Info("schema migrations applied", zap.String("db", cfg.Type))
	return nil
}
