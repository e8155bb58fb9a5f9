package mysql

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

const migrationsDir = "migrations"

type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// MigrateUp runs all pending migrations on db.
func MigrateUp(ctx context.Context, log *slog.Logger, db *sql.DB) error {
	if err := setupGoose(log); err != nil {
		return err
	}
	log.Info("running MySQL migrations (up)")
	if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("MySQL migrations completed")
	return nil
}

// MigrateReset rolls back every migration, dropping all loader tables.
func MigrateReset(ctx context.Context, log *slog.Logger, db *sql.DB) error {
	if err := setupGoose(log); err != nil {
		return err
	}
	log.Info("resetting MySQL migrations (rolling back all)")
	if err := goose.ResetContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to reset migrations: %w", err)
	}
	log.Info("MySQL migrations reset")
	return nil
}

// MigrateStatus logs the status of all migrations.
func MigrateStatus(ctx context.Context, log *slog.Logger, db *sql.DB) error {
	if err := setupGoose(log); err != nil {
		return err
	}
	if err := goose.StatusContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	return nil
}

func setupGoose(log *slog.Logger) error {
	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("mysql"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return nil
}
