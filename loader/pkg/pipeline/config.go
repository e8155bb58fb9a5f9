package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/streamlake/loader/pkg/schema"
	"github.com/malbeclabs/streamlake/utils/pkg/retry"
)

const (
	DefaultFlushThreshold   = 1000
	DefaultStatementTimeout = 30 * time.Second
)

// ConsistencyMode selects what a flush commits when one table fails.
type ConsistencyMode string

const (
	// ConsistencyTransactional commits the whole flush in one transaction or nothing.
	ConsistencyTransactional ConsistencyMode = "transactional"
	// ConsistencyBestEffort commits table by table and keeps what succeeded.
	ConsistencyBestEffort ConsistencyMode = "best_effort"
)

func ParseConsistencyMode(s string) (ConsistencyMode, error) {
	switch ConsistencyMode(s) {
	case ConsistencyTransactional, ConsistencyBestEffort:
		return ConsistencyMode(s), nil
	case "":
		return ConsistencyTransactional, nil
	}
	return "", fmt.Errorf("unknown consistency mode %q (expected %s or %s)", s, ConsistencyTransactional, ConsistencyBestEffort)
}

type Config struct {
	Logger   *slog.Logger
	Registry *schema.Registry
	Backend  Backend
	Clock    clockwork.Clock

	// FlushThreshold is the pending count of a flush trigger table at which
	// every table is flushed.
	FlushThreshold   int
	ConsistencyMode  ConsistencyMode
	StatementTimeout time.Duration
	Retry            retry.Config

	// MaxParamsPerStatement caps the bind parameters of one INSERT below the
	// dialect's own limit. 0 keeps the dialect limit.
	MaxParamsPerStatement int

	// RunID tags log lines and flush reports. Generated when empty.
	RunID string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Backend == nil {
		return errors.New("backend is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.FlushThreshold < 0 {
		return fmt.Errorf("flush threshold must be positive, got %d", cfg.FlushThreshold)
	}
	if cfg.FlushThreshold == 0 {
		cfg.FlushThreshold = DefaultFlushThreshold
	}
	mode, err := ParseConsistencyMode(string(cfg.ConsistencyMode))
	if err != nil {
		return err
	}
	cfg.ConsistencyMode = mode
	if mode == ConsistencyTransactional && !cfg.Backend.SupportsTransactions() {
		return fmt.Errorf("backend %s does not support transactions, use consistency mode %s", cfg.Backend.Dialect().Name(), ConsistencyBestEffort)
	}
	if cfg.MaxParamsPerStatement < 0 {
		return fmt.Errorf("max params per statement must not be negative, got %d", cfg.MaxParamsPerStatement)
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = DefaultStatementTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		def := retry.DefaultConfig()
		def.Retryable = cfg.Retry.Retryable
		def.OnRetry = cfg.Retry.OnRetry
		cfg.Retry = def
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	return nil
}
