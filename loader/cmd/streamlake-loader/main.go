package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/streamlake/loader/pkg/export"
	"github.com/malbeclabs/streamlake/loader/pkg/metrics"
	"github.com/malbeclabs/streamlake/loader/pkg/pipeline"
	"github.com/malbeclabs/streamlake/loader/pkg/schema"
	"github.com/malbeclabs/streamlake/loader/pkg/server"
	"github.com/malbeclabs/streamlake/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr = "0.0.0.0:8080"
	defaultBackend    = "postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	versionFlag := flag.Bool("version", false, "Print version and exit")

	// Backend
	backendFlag := flag.String("backend", defaultBackend, "Backend: postgres, clickhouse or mysql (or set STREAMLAKE_BACKEND env var)")
	resetFlag := flag.Bool("reset", false, "Drop and recreate all tables before loading")
	migrateOnlyFlag := flag.Bool("migrate-only", false, "Run migrations and exit without loading")

	// Pipeline
	consistencyFlag := flag.String("consistency", "", "Flush consistency: transactional or best_effort (default transactional, best_effort for clickhouse) (or set STREAMLAKE_CONSISTENCY env var)")
	flushThresholdFlag := flag.Int("flush-threshold", pipeline.DefaultFlushThreshold, "Pending play rows that trigger a flush (or set STREAMLAKE_FLUSH_THRESHOLD env var)")
	maxParamsFlag := flag.Int("max-params", 0, "Cap on bind parameters per INSERT (0 = backend limit)")
	statementTimeoutFlag := flag.Duration("statement-timeout", pipeline.DefaultStatementTimeout, "Timeout of each flush statement")
	schemaFileFlag := flag.String("schema-file", "", "YAML table schema (default: built-in Spotify schema)")

	// Export source
	dirFlag := flag.String("dir", "", "Directory with Spotify streaming history JSON files")
	s3BucketFlag := flag.String("s3-bucket", "", "S3 bucket with streaming history JSON files (or set STREAMLAKE_S3_BUCKET env var)")
	s3PrefixFlag := flag.String("s3-prefix", "", "S3 key prefix")
	s3RegionFlag := flag.String("s3-region", "", "S3 region (or set AWS_REGION env var)")
	s3EndpointFlag := flag.String("s3-endpoint", "", "S3-compatible endpoint URL (or set STREAMLAKE_S3_ENDPOINT env var)")
	concurrencyFlag := flag.Int("concurrency", export.DefaultConcurrency, "Export files decoded concurrently")
	rateLimitFlag := flag.Float64("rate-limit", 0, "Maximum entries loaded per second (0 = unlimited)")

	// HTTP
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address for health, status and metrics endpoints (empty disables)")
	allowedOriginsFlag := flag.StringSlice("allowed-origins", nil, "Browser origins allowed to read /status")

	flag.Parse()

	if *versionFlag {
		fmt.Printf("streamlake-loader %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	// A missing .env file is fine; variables may come from the environment.
	_ = godotenv.Load()

	if envBackend := os.Getenv("STREAMLAKE_BACKEND"); envBackend != "" {
		*backendFlag = envBackend
	}
	if envConsistency := os.Getenv("STREAMLAKE_CONSISTENCY"); envConsistency != "" {
		*consistencyFlag = envConsistency
	}
	if envThreshold := os.Getenv("STREAMLAKE_FLUSH_THRESHOLD"); envThreshold != "" {
		n, err := strconv.Atoi(envThreshold)
		if err != nil {
			return fmt.Errorf("invalid STREAMLAKE_FLUSH_THRESHOLD: %w", err)
		}
		*flushThresholdFlag = n
	}
	if envBucket := os.Getenv("STREAMLAKE_S3_BUCKET"); envBucket != "" {
		*s3BucketFlag = envBucket
	}
	if envEndpoint := os.Getenv("STREAMLAKE_S3_ENDPOINT"); envEndpoint != "" {
		*s3EndpointFlag = envEndpoint
	}
	if *s3RegionFlag == "" {
		*s3RegionFlag = os.Getenv("AWS_REGION")
	}

	log := logger.New(*verboseFlag)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Release:     version,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
		}); err != nil {
			log.Warn("failed to initialize sentry", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	if err := load(log, options{
		backend:          *backendFlag,
		reset:            *resetFlag,
		migrateOnly:      *migrateOnlyFlag,
		consistency:      *consistencyFlag,
		flushThreshold:   *flushThresholdFlag,
		maxParams:        *maxParamsFlag,
		statementTimeout: *statementTimeoutFlag,
		schemaFile:       *schemaFileFlag,
		dir:              *dirFlag,
		s3: export.S3Config{
			Bucket:         *s3BucketFlag,
			Prefix:         *s3PrefixFlag,
			Region:         *s3RegionFlag,
			Endpoint:       *s3EndpointFlag,
			ForcePathStyle: *s3EndpointFlag != "",
		},
		concurrency:    *concurrencyFlag,
		rateLimit:      *rateLimitFlag,
		listenAddr:     *listenAddrFlag,
		allowedOrigins: *allowedOriginsFlag,
	}); err != nil {
		sentry.CaptureException(err)
		return err
	}
	return nil
}

type options struct {
	backend          string
	reset            bool
	migrateOnly      bool
	consistency      string
	flushThreshold   int
	maxParams        int
	statementTimeout time.Duration
	schemaFile       string
	dir              string
	s3               export.S3Config
	concurrency      int
	rateLimit        float64
	listenAddr       string
	allowedOrigins   []string
}

// runStatus is served at /status.
type runStatus struct {
	RunID   string                `json:"run_id"`
	Backend string                `json:"backend"`
	Pending map[string]int        `json:"pending"`
	Loaded  *export.Stats         `json:"loaded,omitempty"`
	Final   *pipeline.FlushReport `json:"final_flush,omitempty"`
}

func load(log *slog.Logger, opts options) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	var err error
	registry := schema.Spotify()
	if opts.schemaFile != "" {
		registry, err = schema.LoadFile(opts.schemaFile)
		if err != nil {
			return fmt.Errorf("failed to load schema file: %w", err)
		}
	}

	mode, err := consistencyFor(opts.backend, opts.consistency)
	if err != nil {
		return err
	}

	backend, closeBackend, err := openBackend(ctx, log, opts.backend, opts.reset)
	if err != nil {
		return err
	}
	defer closeBackend()

	if opts.migrateOnly {
		log.Info("migrations complete, exiting", "backend", opts.backend)
		return nil
	}

	source, err := newSource(ctx, opts)
	if err != nil {
		return err
	}

	p, err := pipeline.New(pipeline.Config{
		Logger:                log,
		Registry:              registry,
		Backend:               backend,
		FlushThreshold:        opts.flushThreshold,
		ConsistencyMode:       mode,
		StatementTimeout:      opts.statementTimeout,
		MaxParamsPerStatement: opts.maxParams,
	})
	if err != nil {
		return err
	}
	log = logger.WithRun(log, p.RunID())

	var (
		ready  atomic.Bool
		stats  atomic.Pointer[export.Stats]
		report atomic.Pointer[pipeline.FlushReport]
	)
	if opts.listenAddr != "" {
		srv, err := server.New(server.Config{
			Logger:         log,
			ListenAddr:     opts.listenAddr,
			VersionInfo:    server.VersionInfo{Version: version, Commit: commit, Date: date},
			AllowedOrigins: opts.allowedOrigins,
			Ready:          ready.Load,
			Status: func() any {
				return runStatus{
					RunID:   p.RunID(),
					Backend: opts.backend,
					Pending: p.Pending(),
					Loaded:  stats.Load(),
					Final:   report.Load(),
				}
			},
		})
		if err != nil {
			return err
		}
		srvCtx, srvCancel := context.WithCancel(context.Background())
		defer srvCancel()
		go func() {
			if err := srv.Run(srvCtx); err != nil {
				log.Error("server stopped", "error", err)
			}
		}()
	}
	ready.Store(true)

	loader, err := export.NewLoader(export.LoaderConfig{
		Logger:      log,
		Resolver:    p,
		Source:      source,
		Concurrency: opts.concurrency,
		RateLimit:   opts.rateLimit,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	st, loadErr := loader.Run(ctx)
	stats.Store(&st)
	log.Info("export loaded", "files", st.Files, "entries", st.Entries, "loaded", st.Loaded,
		"skipped", st.Skipped, "duration", time.Since(start))

	// Whatever resolved before a failure or interrupt is still written.
	closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*opts.statementTimeout)
	defer closeCancel()
	final, closeErr := p.Close(closeCtx)
	if final != nil {
		report.Store(final)
		logReport(log, final)
	}

	return errors.Join(loadErr, closeErr)
}

// consistencyFor resolves the flush consistency before anything is migrated.
// ClickHouse has no transactions, so it defaults to best_effort.
func consistencyFor(backend, mode string) (pipeline.ConsistencyMode, error) {
	if backend == "clickhouse" {
		if mode == "" {
			return pipeline.ConsistencyBestEffort, nil
		}
		if pipeline.ConsistencyMode(mode) == pipeline.ConsistencyTransactional {
			return "", fmt.Errorf("backend clickhouse does not support transactions, use --consistency %s", pipeline.ConsistencyBestEffort)
		}
	}
	return pipeline.ParseConsistencyMode(mode)
}

func newSource(ctx context.Context, opts options) (export.Source, error) {
	switch {
	case opts.dir != "" && opts.s3.Bucket != "":
		return nil, errors.New("--dir and --s3-bucket are mutually exclusive")
	case opts.dir != "":
		return export.DirSource{Dir: opts.dir}, nil
	case opts.s3.Bucket != "":
		return export.NewS3Source(ctx, opts.s3)
	}
	return nil, errors.New("one of --dir or --s3-bucket is required")
}

func logReport(log *slog.Logger, r *pipeline.FlushReport) {
	tables := make([]string, 0, len(r.Rows))
	for t, n := range r.Rows {
		tables = append(tables, fmt.Sprintf("%s=%d", t, n))
	}
	slices.Sort(tables)
	log.Info("final flush", "rows", r.TotalRows(), "tables", strings.Join(tables, ","),
		"skipped", len(r.Skipped), "duration", r.Duration)
	for _, s := range r.Skipped {
		log.Warn("skipped record", "table", s.Table, "id", s.ID, "error", s.Err)
	}
}
