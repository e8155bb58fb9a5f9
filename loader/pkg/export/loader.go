package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/streamlake/loader/pkg/metrics"
)

const DefaultConcurrency = 4

type LoaderConfig struct {
	Logger   *slog.Logger
	Resolver Resolver
	Source   Source

	// Concurrency is the number of files decoded and mapped at once. They
	// all feed the same resolver.
	Concurrency int

	// RateLimit caps mapped entries per second across all files. Zero means
	// unlimited.
	RateLimit float64
}

func (cfg *LoaderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Resolver == nil {
		return errors.New("resolver is required")
	}
	if cfg.Source == nil {
		return errors.New("source is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.RateLimit < 0 {
		return errors.New("rate limit must not be negative")
	}
	return nil
}

// Stats counts what a run read.
type Stats struct {
	Files   int
	Entries int64
	Loaded  int64
	Skipped int64
}

type Loader struct {
	log     *slog.Logger
	cfg     LoaderConfig
	limiter *rate.Limiter
}

func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Loader{log: cfg.Logger, cfg: cfg}
	if cfg.RateLimit > 0 {
		burst := max(int(cfg.RateLimit), 1)
		l.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return l, nil
}

// Run loads every file of the source. The first file that fails to open or
// decode, or an entry the resolver rejects, stops the run.
func (l *Loader) Run(ctx context.Context) (Stats, error) {
	files, err := l.cfg.Source.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	if len(files) == 0 {
		return Stats{}, errors.New("no export files found")
	}
	l.log.Info("export: loading files", "files", len(files), "concurrency", l.cfg.Concurrency)

	var entries, loaded, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Concurrency)
	for _, name := range files {
		g.Go(func() error {
			n, ok, skip, err := l.loadFile(gctx, name)
			entries.Add(n)
			loaded.Add(ok)
			skipped.Add(skip)
			if err != nil {
				return fmt.Errorf("file %s: %w", name, err)
			}
			return nil
		})
	}
	err = g.Wait()

	stats := Stats{
		Files:   len(files),
		Entries: entries.Load(),
		Loaded:  loaded.Load(),
		Skipped: skipped.Load(),
	}
	return stats, err
}

func (l *Loader) loadFile(ctx context.Context, name string) (total, loaded, skipped int64, err error) {
	rc, err := l.cfg.Source.Open(ctx, name)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to open: %w", err)
	}
	defer rc.Close()

	entries, rejected, err := Decode(rc)
	if err != nil {
		return 0, 0, 0, err
	}
	total = int64(len(entries) + len(rejected))
	skipped = int64(len(rejected))
	metrics.ExportEntriesTotal.WithLabelValues("skipped").Add(float64(skipped))
	for _, reason := range rejected {
		l.log.Debug("export: skipped entry", "file", name, "reason", reason)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return total, loaded, skipped, err
		}
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return total, loaded, skipped, err
			}
		}
		if _, err := Map(ctx, l.cfg.Resolver, e); err != nil {
			metrics.ExportEntriesTotal.WithLabelValues("failed").Inc()
			return total, loaded, skipped, err
		}
		loaded++
		metrics.ExportEntriesTotal.WithLabelValues("loaded").Inc()
	}
	l.log.Info("export: loaded file", "file", name, "entries", total, "loaded", loaded, "skipped", skipped)
	return total, loaded, skipped, nil
}
