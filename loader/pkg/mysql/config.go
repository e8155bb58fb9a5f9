package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Config holds the MySQL connection settings.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// ConfigFromEnv reads MYSQL_ADDR, MYSQL_DB, MYSQL_USER and MYSQL_PASSWORD.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Addr:     os.Getenv("MYSQL_ADDR"),
		Database: os.Getenv("MYSQL_DB"),
		Username: os.Getenv("MYSQL_USER"),
		Password: os.Getenv("MYSQL_PASSWORD"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:3306"
	}
	if cfg.Database == "" {
		return errors.New("MYSQL_DB is required")
	}
	if cfg.Username == "" {
		return errors.New("MYSQL_USER is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = time.Hour
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = 30 * time.Minute
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return nil
}

// DSN renders the driver connection string. Times are parsed as UTC and
// statements run in strict mode so out-of-range values fail instead of
// being truncated.
func (cfg Config) DSN() string {
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = cfg.Addr
	mc.DBName = cfg.Database
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Timeout = cfg.ConnectTimeout
	mc.Params = map[string]string{
		"sql_mode":  "'STRICT_ALL_TABLES,NO_ZERO_DATE,NO_ENGINE_SUBSTITUTION'",
		"time_zone": "'+00:00'",
	}
	return mc.FormatDSN()
}

// Open opens a connection pool and pings it.
func Open(ctx context.Context, log *slog.Logger, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate MySQL config: %w", err)
	}

	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("MySQL pool initialized", "addr", cfg.Addr, "database", cfg.Database, "max_conns", cfg.MaxOpenConns)
	return db, nil
}
