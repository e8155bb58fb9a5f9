package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/streamlake/loader/pkg/metrics"
	"github.com/malbeclabs/streamlake/loader/pkg/schema"
	"github.com/malbeclabs/streamlake/utils/pkg/retry"
)

// FlushReport describes what a flush wrote.
type FlushReport struct {
	RunID    string
	Rows     map[string]int
	Skipped  []SkippedRecord
	Duration time.Duration
}

// TotalRows returns the number of rows committed across all tables.
func (r *FlushReport) TotalRows() int {
	n := 0
	for _, c := range r.Rows {
		n += c
	}
	return n
}

// Writer persists drained buffer entries in foreign key dependency order.
// Like the buffer it is driven under the Pipeline lock.
type Writer struct {
	log     *slog.Logger
	backend Backend
	dialect Dialect
	order   []*schema.Table
	mode    ConsistencyMode
	timeout time.Duration
	retry   retry.Config
	clock   clockwork.Clock
	runID   string

	maxParams int

	// skipped holds ids dropped from earlier flushes, so records referencing
	// them are dropped too instead of failing on a foreign key.
	skipped map[string]map[int64]struct{}
}

func NewWriter(cfg Config) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &Writer{
		log:     cfg.Logger,
		backend: cfg.Backend,
		dialect: cfg.Backend.Dialect(),
		order:   cfg.Registry.DependencyOrder(),
		mode:    cfg.ConsistencyMode,
		timeout: cfg.StatementTimeout,
		clock:   cfg.Clock,
		runID:   cfg.RunID,
		skipped: make(map[string]map[int64]struct{}),
	}
	w.maxParams = w.dialect.MaxParams()
	if limit := cfg.MaxParamsPerStatement; limit > 0 && (w.maxParams == 0 || limit < w.maxParams) {
		w.maxParams = limit
	}

	w.retry = cfg.Retry
	if w.retry.Retryable == nil {
		w.retry.Retryable = retry.IsRetryable
	}
	onRetry := cfg.Retry.OnRetry
	backendName := w.dialect.Name()
	w.retry.OnRetry = func(attempt int, err error) {
		metrics.BackendRetriesTotal.WithLabelValues(backendName).Inc()
		w.log.Warn("pipeline: retrying backend operation", "attempt", attempt, "error", err)
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}
	return w, nil
}

type tablePlan struct {
	table   *schema.Table
	entries []Entry
	stmts   []Statement
}

// Flush drains buf and writes every pending entry. Records that cannot be
// serialized are skipped and listed in the report. On failure the entries that
// were not committed are put back in buf and a *FlushError is returned.
func (w *Writer) Flush(ctx context.Context, buf *WriteBuffer) (*FlushReport, error) {
	start := w.clock.Now()
	report := &FlushReport{RunID: w.runID, Rows: make(map[string]int)}

	drained := buf.DrainAll()
	if len(drained) == 0 {
		return report, nil
	}
	plans := w.plan(drained, report)

	var ferr *FlushError
	if len(plans) > 0 {
		switch w.mode {
		case ConsistencyBestEffort:
			ferr = w.flushBestEffort(ctx, plans, report)
		default:
			ferr = w.flushTransactional(ctx, plans, report)
		}
	}
	report.Duration = w.clock.Since(start)
	metrics.FlushDuration.Observe(report.Duration.Seconds())

	if ferr != nil {
		metrics.FlushTotal.WithLabelValues(string(w.mode), "error").Inc()
		requeue := make(map[string][]Entry)
		for _, p := range plans {
			if _, committed := report.Rows[p.table.Name()]; !committed {
				requeue[p.table.Name()] = p.entries
				ferr.Requeued += len(p.entries)
			}
		}
		buf.Requeue(requeue)
		w.log.Error("pipeline: flush failed", "run_id", w.runID, "failed", ferr.Failed,
			"committed", ferr.Committed, "requeued", ferr.Requeued, "error", ferr.Err)
		return report, ferr
	}

	metrics.FlushTotal.WithLabelValues(string(w.mode), "success").Inc()
	w.log.Info("pipeline: flushed", "run_id", w.runID, "rows", report.TotalRows(),
		"tables", len(report.Rows), "skipped", len(report.Skipped), "duration", report.Duration)
	return report, nil
}

// plan builds the statements for every drained table in dependency order and
// drops entries that cannot be written.
func (w *Writer) plan(drained map[string][]Entry, report *FlushReport) []tablePlan {
	var plans []tablePlan
	for _, t := range w.order {
		entries := drained[t.Name()]
		if len(entries) == 0 {
			continue
		}

		writable := make([]Entry, 0, len(entries))
		for _, e := range entries {
			if err := w.skippedReference(t, e); err != nil {
				w.skip(report, SkippedRecord{Table: t.Name(), ID: e.ID, Err: err}, "reference")
				continue
			}
			writable = append(writable, e)
		}

		stmts, accepted, skipped := buildInsert(w.dialect, t, writable, w.maxParams)
		for _, s := range skipped {
			w.skip(report, s, "serialization")
		}
		if len(accepted) == 0 {
			continue
		}
		plans = append(plans, tablePlan{table: t, entries: accepted, stmts: stmts})
	}
	return plans
}

func (w *Writer) skippedReference(t *schema.Table, e Entry) error {
	for _, fk := range t.ForeignKeys() {
		ids := w.skipped[fk.References]
		if len(ids) == 0 {
			continue
		}
		v, ok := e.Record.Get(fk.Name)
		if !ok {
			continue
		}
		ref, ok := v.(int64)
		if !ok {
			continue
		}
		if _, dropped := ids[ref]; dropped {
			return fmt.Errorf("column %s: %w: %s id %d", fk.Name, ErrSkippedReference, fk.References, ref)
		}
	}
	return nil
}

func (w *Writer) skip(report *FlushReport, s SkippedRecord, reason string) {
	ids, ok := w.skipped[s.Table]
	if !ok {
		ids = make(map[int64]struct{})
		w.skipped[s.Table] = ids
	}
	ids[s.ID] = struct{}{}
	report.Skipped = append(report.Skipped, s)
	metrics.RecordsSkippedTotal.WithLabelValues(s.Table, reason).Inc()
	w.log.Warn("pipeline: skipping record", "table", s.Table, "id", s.ID, "error", s.Err)
}

func (w *Writer) flushTransactional(ctx context.Context, plans []tablePlan, report *FlushReport) *FlushError {
	err := retry.Do(ctx, w.retry, func() error {
		return w.runTx(ctx, plans)
	})
	if err != nil {
		failed := failedTable(err)
		var notAttempted []string
		seen := false
		for _, p := range plans {
			if seen {
				notAttempted = append(notAttempted, p.table.Name())
			}
			if p.table.Name() == failed {
				seen = true
			}
		}
		return &FlushError{Failed: failed, NotAttempted: notAttempted, Err: err}
	}
	for _, p := range plans {
		w.committed(report, p)
	}
	return nil
}

func (w *Writer) flushBestEffort(ctx context.Context, plans []tablePlan, report *FlushReport) *FlushError {
	var committed []string
	for i, p := range plans {
		err := retry.Do(ctx, w.retry, func() error {
			return w.runTx(ctx, plans[i:i+1])
		})
		if err != nil {
			var notAttempted []string
			for _, rest := range plans[i+1:] {
				notAttempted = append(notAttempted, rest.table.Name())
			}
			return &FlushError{Committed: committed, Failed: p.table.Name(), NotAttempted: notAttempted, Err: err}
		}
		w.committed(report, p)
		committed = append(committed, p.table.Name())
	}
	return nil
}

func (w *Writer) committed(report *FlushReport, p tablePlan) {
	report.Rows[p.table.Name()] = len(p.entries)
	metrics.RowsWrittenTotal.WithLabelValues(p.table.Name()).Add(float64(len(p.entries)))
}

// runTx executes the statements of plans in one transaction. Statements run on
// a context detached from ctx so a cancelled caller does not abort a flush
// halfway; each statement is bounded by the statement timeout instead.
func (w *Writer) runTx(ctx context.Context, plans []tablePlan) error {
	execCtx := context.WithoutCancel(ctx)

	// database/sql ties the transaction to the Begin context, so it gets no
	// timeout of its own.
	tx, err := w.backend.Begin(execCtx)
	if err != nil {
		return w.execError("", "BEGIN", err)
	}

	for _, p := range plans {
		for _, stmt := range p.stmts {
			stmtCtx, cancel := context.WithTimeout(execCtx, w.timeout)
			err := tx.Exec(stmtCtx, stmt)
			cancel()
			if err != nil {
				w.rollback(execCtx, tx)
				return w.execError(p.table.Name(), stmt.SQL, err)
			}
			w.log.Debug("pipeline: executed statement", "table", p.table.Name(), "rows", len(stmt.Rows))
		}
	}

	commitCtx, cancel := context.WithTimeout(execCtx, w.timeout)
	defer cancel()
	if err := tx.Commit(commitCtx); err != nil {
		return w.execError("", "COMMIT", err)
	}
	return nil
}

func (w *Writer) rollback(ctx context.Context, tx Tx) {
	rbCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := tx.Rollback(rbCtx); err != nil {
		w.log.Warn("pipeline: rollback failed", "error", err)
	}
}

func (w *Writer) execError(table, statement string, err error) *BackendExecutionError {
	var transient bool
	if c, ok := w.backend.(TransientClassifier); ok {
		transient = c.IsTransient(err)
	} else {
		transient = retry.IsRetryable(err)
	}
	return &BackendExecutionError{Table: table, Statement: statement, Retryable: transient, Err: err}
}

// Update writes rec over the persisted row with the given id.
func (w *Writer) Update(ctx context.Context, t *schema.Table, id int64, rec schema.Record) error {
	stmt, ok, err := BuildUpdate(w.dialect, t, id, rec)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	plan := []tablePlan{{table: t, stmts: []Statement{stmt}}}
	err = retry.Do(ctx, w.retry, func() error {
		return w.runTx(ctx, plan)
	})
	if err != nil {
		metrics.UpdatesTotal.WithLabelValues(t.Name(), "error").Inc()
		return fmt.Errorf("failed to update %s id %d: %w", t.Name(), id, err)
	}
	metrics.UpdatesTotal.WithLabelValues(t.Name(), "success").Inc()
	return nil
}

func failedTable(err error) string {
	var be *BackendExecutionError
	if errors.As(err, &be) {
		return be.Table
	}
	return ""
}
