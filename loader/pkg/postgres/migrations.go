package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

const migrationsDir = "migrations"

// slogGooseLogger adapts slog.Logger to goose.Logger interface
type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// MigrateUp runs all pending migrations.
func MigrateUp(ctx context.Context, log *slog.Logger, connStr string) error {
	db, err := openDB(ctx, log, connStr)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("running PostgreSQL migrations (up)")
	if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("PostgreSQL migrations completed")
	return nil
}

// MigrateDown rolls back the most recent migration.
func MigrateDown(ctx context.Context, log *slog.Logger, connStr string) error {
	db, err := openDB(ctx, log, connStr)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("rolling back PostgreSQL migration (down)")
	if err := goose.DownContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}
	log.Info("PostgreSQL migration rollback completed")
	return nil
}

// MigrateReset rolls back every migration, dropping all loader tables.
func MigrateReset(ctx context.Context, log *slog.Logger, connStr string) error {
	db, err := openDB(ctx, log, connStr)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("resetting PostgreSQL migrations (rolling back all)")
	if err := goose.ResetContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to reset migrations: %w", err)
	}
	log.Info("PostgreSQL migrations reset")
	return nil
}

// MigrateStatus logs the status of all migrations.
func MigrateStatus(ctx context.Context, log *slog.Logger, connStr string) error {
	db, err := openDB(ctx, log, connStr)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("PostgreSQL migration status")
	if err := goose.StatusContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	return nil
}

func openDB(ctx context.Context, log *slog.Logger, connStr string) (*sql.DB, error) {
	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}
