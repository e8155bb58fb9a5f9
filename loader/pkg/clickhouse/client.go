package clickhouse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const DefaultDatabase = "default"

// ContextWithSyncInsert returns a context configured for synchronous inserts.
// Use this when you need to read data immediately after inserting.
func ContextWithSyncInsert(ctx context.Context) context.Context {
	return clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"async_insert":                           0,
		"wait_for_async_insert":                  1,
		"async_insert_use_adaptive_busy_timeout": 0,
		"insert_deduplicate":                     0,
		"select_sequential_consistency":          1,
	}))
}

// ContextWithSyncMutations makes ALTER TABLE ... UPDATE wait until the
// mutation is applied on every replica.
func ContextWithSyncMutations(ctx context.Context) context.Context {
	return clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"mutations_sync": 2,
	}))
}

// Config holds the ClickHouse connection settings.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
}

// ConfigFromEnv reads CLICKHOUSE_ADDR, CLICKHOUSE_DB, CLICKHOUSE_USER,
// CLICKHOUSE_PASSWORD and CLICKHOUSE_SECURE.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Addr:     os.Getenv("CLICKHOUSE_ADDR"),
		Database: os.Getenv("CLICKHOUSE_DB"),
		Username: os.Getenv("CLICKHOUSE_USER"),
		Password: os.Getenv("CLICKHOUSE_PASSWORD"),
	}
	if v := os.Getenv("CLICKHOUSE_SECURE"); v != "" {
		secure, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CLICKHOUSE_SECURE %q: %w", v, err)
		}
		cfg.Secure = secure
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if cfg.Addr == "" {
		return errors.New("CLICKHOUSE_ADDR is required")
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	return nil
}

func (cfg Config) options() *clickhouse.Options {
	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
	}
	// ClickHouse Cloud serves the native protocol over TLS on 9440
	if cfg.Secure {
		options.TLS = &tls.Config{}
	}
	return options
}

// Client represents a ClickHouse database connection
type Client interface {
	Conn(ctx context.Context) (Connection, error)
	Close() error
}

// Connection represents a ClickHouse connection
type Connection interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	PrepareBatch(ctx context.Context, query string) (driver.Batch, error)
	Close() error
}

type client struct {
	conn driver.Conn
	log  *slog.Logger
}

type connection struct {
	conn driver.Conn
}

// NewClient opens a native protocol connection and pings it.
func NewClient(ctx context.Context, log *slog.Logger, cfg Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate ClickHouse config: %w", err)
	}

	conn, err := clickhouse.Open(cfg.options())
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	log.Info("ClickHouse client initialized", "addr", cfg.Addr, "database", cfg.Database, "secure", cfg.Secure)

	return &client{
		conn: conn,
		log:  log,
	}, nil
}

func (c *client) Conn(ctx context.Context) (Connection, error) {
	return &connection{conn: c.conn}, nil
}

func (c *client) Close() error {
	return c.conn.Close()
}

func (c *connection) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

func (c *connection) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

func (c *connection) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}

func (c *connection) Close() error {
	// Connection is shared, don't close it
	return nil
}
