package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/streamlake/loader/pkg/schema"
	"github.com/malbeclabs/streamlake/utils/pkg/retry"
	streamlaketesting "github.com/malbeclabs/streamlake/utils/pkg/testing"
)

type testDialect struct {
	maxParams int
	rejectNUL bool
}

func (d testDialect) Name() string { return "test" }
func (d testDialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }
func (d testDialect) QuoteIdent(name string) string { return `"` + name + `"` }
func (d testDialect) MaxParams() int { return d.maxParams }

func (d testDialect) CheckValue(col schema.Column, v any) error {
	if s, ok := v.(string); ok && d.rejectNUL && strings.ContainsRune(s, 0) {
		return fmt.Errorf("text contains NUL byte")
	}
	return nil
}

type failure struct {
	err       error
	remaining int // -1 fails forever
}

// recordingBackend keeps committed statements in memory.
type recordingBackend struct {
	dialect testDialect
	noTx    bool

	mu        sync.Mutex
	committed []Statement
	failures  map[string]*failure
	begins    int
	rollbacks int
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{failures: make(map[string]*failure)}
}

func (b *recordingBackend) Dialect() Dialect { return b.dialect }
func (b *recordingBackend) SupportsTransactions() bool { return !b.noTx }

func (b *recordingBackend) Begin(ctx context.Context) (Tx, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.begins++
	return &recordingTx{backend: b}, nil
}

func (b *recordingBackend) failTable(table string, err error, times int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[table] = &failure{err: err, remaining: times}
}

func (b *recordingBackend) statements() []Statement {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Statement, len(b.committed))
	copy(out, b.committed)
	return out
}

func (b *recordingBackend) tables() []string {
	var names []string
	for _, s := range b.statements() {
		names = append(names, s.Table)
	}
	return names
}

func (b *recordingBackend) rowsFor(table string) [][]any {
	var rows [][]any
	for _, s := range b.statements() {
		if s.Table == table && s.Kind == StatementInsert {
			rows = append(rows, s.Rows...)
		}
	}
	return rows
}

type recordingTx struct {
	backend *recordingBackend
	pending []Statement
}

func (tx *recordingTx) Exec(ctx context.Context, stmt Statement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := tx.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.failures[stmt.Table]; ok && f.remaining != 0 {
		if f.remaining > 0 {
			f.remaining--
		}
		return f.err
	}
	tx.pending = append(tx.pending, stmt)
	return nil
}

func (tx *recordingTx) Commit(ctx context.Context) error {
	b := tx.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.committed = append(b.committed, tx.pending...)
	tx.pending = nil
	return nil
}

func (tx *recordingTx) Rollback(ctx context.Context) error {
	b := tx.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollbacks++
	tx.pending = nil
	return nil
}

func newTestPipeline(t *testing.T, backend *recordingBackend, mutate func(cfg *Config)) *Pipeline {
	t.Helper()
	cfg := Config{
		Logger:         streamlaketesting.NewLogger(),
		Registry:       schema.Spotify(),
		Backend:        backend,
		FlushThreshold: 5,
		Retry:          retry.Config{MaxAttempts: 3},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func testTable(t *testing.T, name string) *schema.Table {
	t.Helper()
	tbl, err := schema.Spotify().Table(name)
	require.NoError(t, err)
	return tbl
}
