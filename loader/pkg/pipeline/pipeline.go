package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/malbeclabs/streamlake/loader/pkg/metrics"
	"github.com/malbeclabs/streamlake/loader/pkg/schema"
)

// Pipeline deduplicates records by natural key, assigns surrogate keys and
// buffers new records until a flush trigger table reaches the flush threshold.
// All methods are safe for concurrent use; resolution, buffering and the
// threshold flush run in a single critical section.
type Pipeline struct {
	log *slog.Logger
	cfg Config

	mu     sync.Mutex
	alloc  *Allocator
	buf    *WriteBuffer
	cache  *IdentityCache
	writer *Writer
	closed bool
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	writer, err := NewWriter(cfg)
	if err != nil {
		return nil, err
	}
	alloc := NewAllocator(cfg.Registry)
	buf := NewWriteBuffer()
	p := &Pipeline{
		log:    cfg.Logger.With("run_id", cfg.RunID),
		cfg:    cfg,
		alloc:  alloc,
		buf:    buf,
		cache:  NewIdentityCache(alloc, buf),
		writer: writer,
	}
	p.log.Info("pipeline: initialized", "backend", cfg.Backend.Dialect().Name(),
		"mode", cfg.ConsistencyMode, "flush_threshold", cfg.FlushThreshold)
	return p, nil
}

// RunID identifies this pipeline in logs and flush reports.
func (p *Pipeline) RunID() string {
	return p.cfg.RunID
}

// ResolveOrCreate returns the surrogate key for rec, buffering it when its
// natural key is new. If buffering it brings a flush trigger table to the
// threshold, every table is flushed before returning. When that flush fails
// the returned id is still valid: the record stays buffered and the error is a
// *FlushError.
func (p *Pipeline) ResolveOrCreate(ctx context.Context, table string, rec schema.Record) (int64, error) {
	t, err := p.cfg.Registry.Table(table)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrPipelineClosed
	}

	id, isNew, err := p.cache.Resolve(t, rec)
	if err != nil {
		return 0, err
	}
	if !isNew {
		metrics.RecordsResolvedTotal.WithLabelValues(table, "existing").Inc()
		return id, nil
	}
	metrics.RecordsResolvedTotal.WithLabelValues(table, "new").Inc()
	metrics.PendingRecords.WithLabelValues(table).Set(float64(p.buf.Size(table)))

	if t.FlushTrigger() && p.buf.Size(table) >= p.cfg.FlushThreshold {
		p.log.Debug("pipeline: flush threshold reached", "table", table, "pending", p.buf.Size(table))
		if _, err := p.flushLocked(ctx); err != nil {
			return id, err
		}
	}
	return id, nil
}

// ResolveValues builds a record from values and resolves it.
func (p *Pipeline) ResolveValues(ctx context.Context, table string, values schema.Values) (int64, error) {
	t, err := p.cfg.Registry.Table(table)
	if err != nil {
		return 0, err
	}
	rec, err := t.NewRecord(values)
	if err != nil {
		return 0, err
	}
	return p.ResolveOrCreate(ctx, table, rec)
}

// Lookup returns the surrogate key of an already resolved record.
func (p *Pipeline) Lookup(table string, rec schema.Record) (int64, bool, error) {
	t, err := p.cfg.Registry.Table(table)
	if err != nil {
		return 0, false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.cache.Lookup(t, rec)
	return id, ok, nil
}

// Update writes the columns set in rec to the record with the given id. A
// record that is still buffered is amended in place; otherwise a single UPDATE
// runs immediately. Natural key columns cannot be updated, since the identity
// cache would keep mapping the old key. Every column of a fact table is part of
// its natural key, so fact records are never updated.
func (p *Pipeline) Update(ctx context.Context, table string, id int64, rec schema.Record) error {
	t, err := p.cfg.Registry.Table(table)
	if err != nil {
		return err
	}
	if rec.Table() != table {
		return fmt.Errorf("record built for table %q cannot update %q", rec.Table(), table)
	}
	keyCols := t.NaturalKeyColumns()
	for _, f := range rec.Fields() {
		if slices.Contains(keyCols, f.Column) {
			return fmt.Errorf("%s.%s: %w", table, f.Column, ErrNaturalKeyUpdate)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPipelineClosed
	}
	last, err := p.alloc.Current(table)
	if err != nil {
		return err
	}
	if id < 1 || id > last {
		return fmt.Errorf("%s id %d was never issued", table, id)
	}
	if rec.Len() == 0 {
		return nil
	}
	if p.buf.Merge(table, id, rec) {
		p.log.Debug("pipeline: amended pending record", "table", table, "id", id)
		return nil
	}
	return p.writer.Update(ctx, t, id, rec)
}

// UpdateValues builds a record from values and applies it with Update.
func (p *Pipeline) UpdateValues(ctx context.Context, table string, id int64, values schema.Values) error {
	t, err := p.cfg.Registry.Table(table)
	if err != nil {
		return err
	}
	rec, err := t.NewRecord(values)
	if err != nil {
		return err
	}
	return p.Update(ctx, table, id, rec)
}

// Flush writes every pending record regardless of the threshold.
func (p *Pipeline) Flush(ctx context.Context) (*FlushReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPipelineClosed
	}
	return p.flushLocked(ctx)
}

// Close flushes what is pending and rejects further use. If the final flush
// fails the pipeline stays open so Close can be retried.
func (p *Pipeline) Close(ctx context.Context) (*FlushReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPipelineClosed
	}
	report, err := p.flushLocked(ctx)
	if err != nil {
		return report, err
	}
	p.closed = true
	p.log.Info("pipeline: closed")
	return report, nil
}

// Pending returns the number of buffered records per non-empty table.
func (p *Pipeline) Pending() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Sizes()
}

// LastID returns the last surrogate key issued for table.
func (p *Pipeline) LastID(table string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alloc.Current(table)
}

func (p *Pipeline) flushLocked(ctx context.Context) (*FlushReport, error) {
	report, err := p.writer.Flush(ctx, p.buf)
	for _, t := range p.cfg.Registry.Tables() {
		metrics.PendingRecords.WithLabelValues(t.Name()).Set(float64(p.buf.Size(t.Name())))
	}
	if err != nil {
		var ferr *FlushError
		if errors.As(err, &ferr) {
			return report, ferr
		}
		return report, fmt.Errorf("failed to flush: %w", err)
	}
	return report, nil
}
