package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/streamlake/loader/pkg/clickhouse"
	"github.com/malbeclabs/streamlake/loader/pkg/mysql"
	"github.com/malbeclabs/streamlake/loader/pkg/pipeline"
	"github.com/malbeclabs/streamlake/loader/pkg/postgres"
)

// openBackend connects to the named backend from its environment config and
// migrates it. With reset every table is dropped and recreated first.
func openBackend(ctx context.Context, log *slog.Logger, name string, reset bool) (pipeline.Backend, func(), error) {
	switch name {
	case "postgres":
		return openPostgres(ctx, log, reset)
	case "clickhouse":
		return openClickHouse(ctx, log, reset)
	case "mysql":
		return openMySQL(ctx, log, reset)
	}
	return nil, nil, fmt.Errorf("unknown backend %q (expected postgres, clickhouse or mysql)", name)
}

func openPostgres(ctx context.Context, log *slog.Logger, reset bool) (pipeline.Backend, func(), error) {
	cfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("failed to validate postgres config: %w", err)
	}

	if reset {
		if err := postgres.MigrateReset(ctx, log, cfg.ConnString()); err != nil {
			return nil, nil, err
		}
	}
	if err := postgres.MigrateUp(ctx, log, cfg.ConnString()); err != nil {
		return nil, nil, err
	}

	pool, err := postgres.NewPool(ctx, log, cfg)
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewBackend(pool), pool.Close, nil
}

func openClickHouse(ctx context.Context, log *slog.Logger, reset bool) (pipeline.Backend, func(), error) {
	cfg, err := clickhouse.ConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("failed to validate ClickHouse config: %w", err)
	}

	// The target database may not exist yet, so create it over a connection
	// to the server's default database.
	adminCfg := cfg
	adminCfg.Database = "default"
	admin, err := clickhouse.NewClient(ctx, log, adminCfg)
	if err != nil {
		return nil, nil, err
	}
	conn, err := admin.Conn(ctx)
	if err != nil {
		admin.Close()
		return nil, nil, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	err = clickhouse.CreateDatabase(ctx, log, conn, cfg.Database)
	admin.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database: %w", err)
	}

	if reset {
		if err := clickhouse.Reset(ctx, log, cfg); err != nil {
			return nil, nil, err
		}
	}
	if err := clickhouse.Up(ctx, log, cfg); err != nil {
		return nil, nil, err
	}

	client, err := clickhouse.NewClient(ctx, log, cfg)
	if err != nil {
		return nil, nil, err
	}
	return clickhouse.NewBackend(client), func() {
		if err := client.Close(); err != nil {
			log.Warn("failed to close ClickHouse client", "error", err)
		}
	}, nil
}

func openMySQL(ctx context.Context, log *slog.Logger, reset bool) (pipeline.Backend, func(), error) {
	cfg, err := mysql.ConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	db, err := mysql.Open(ctx, log, cfg)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			log.Warn("failed to close MySQL connection", "error", err)
		}
	}

	if reset {
		if err := mysql.MigrateReset(ctx, log, db); err != nil {
			closeDB()
			return nil, nil, err
		}
	}
	if err := mysql.MigrateUp(ctx, log, db); err != nil {
		closeDB()
		return nil, nil, err
	}
	return mysql.NewBackend(db), closeDB, nil
}
