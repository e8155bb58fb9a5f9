package clickhouse

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

const migrationsDir = "migrations"

func CreateDatabase(ctx context.Context, log *slog.Logger, conn Connection, database string) error {
	log.Info("creating ClickHouse database", "database", database)
	return conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", Dialect{}.QuoteIdent(database)))
}

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

// Up runs all pending migrations
func Up(ctx context.Context, log *slog.Logger, cfg Config) error {
	log.Info("running ClickHouse migrations (up)")

	db, err := newSQLDB(log, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("ClickHouse migrations completed successfully")
	return nil
}

// Down rolls back the most recent migration
func Down(ctx context.Context, log *slog.Logger, cfg Config) error {
	log.Info("rolling back ClickHouse migration (down)")

	db, err := newSQLDB(log, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.DownContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}

	log.Info("ClickHouse migration rolled back successfully")
	return nil
}

// Reset rolls back all migrations
func Reset(ctx context.Context, log *slog.Logger, cfg Config) error {
	log.Info("resetting ClickHouse migrations (rolling back all)")

	db, err := newSQLDB(log, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.ResetContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to reset migrations: %w", err)
	}

	log.Info("ClickHouse migrations reset successfully")
	return nil
}

// MigrationStatus logs the status of all migrations
func MigrationStatus(ctx context.Context, log *slog.Logger, cfg Config) error {
	log.Info("checking ClickHouse migration status")

	db, err := newSQLDB(log, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	return goose.StatusContext(ctx, db, migrationsDir)
}

// newSQLDB creates a database/sql compatible connection for goose
func newSQLDB(log *slog.Logger, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate ClickHouse config: %w", err)
	}

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("clickhouse"); err != nil {
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return clickhouse.OpenDB(cfg.options()), nil
}
