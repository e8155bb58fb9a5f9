package export_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/streamlake/loader/pkg/pipeline"
	"github.com/malbeclabs/streamlake/loader/pkg/postgres"
	"github.com/malbeclabs/streamlake/loader/pkg/schema"
	streamlaketesting "github.com/malbeclabs/streamlake/utils/pkg/testing"
)

// memBackend counts committed rows per table.
type memBackend struct {
	mu   sync.Mutex
	rows map[string]int
}

func newMemBackend() *memBackend {
	return &memBackend{rows: make(map[string]int)}
}

func (b *memBackend) Dialect() pipeline.Dialect { return postgres.Dialect{} }
func (b *memBackend) SupportsTransactions() bool { return true }

func (b *memBackend) Begin(context.Context) (pipeline.Tx, error) {
	return &memTx{b: b, rows: make(map[string]int)}, nil
}

func (b *memBackend) committed() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.rows))
	for k, v := range b.rows {
		out[k] = v
	}
	return out
}

type memTx struct {
	b    *memBackend
	rows map[string]int
}

func (tx *memTx) Exec(_ context.Context, stmt pipeline.Statement) error {
	tx.rows[stmt.Table] += len(stmt.Rows)
	return nil
}

func (tx *memTx) Commit(context.Context) error {
	tx.b.mu.Lock()
	defer tx.b.mu.Unlock()
	for k, v := range tx.rows {
		tx.b.rows[k] += v
	}
	return nil
}

func (tx *memTx) Rollback(context.Context) error { return nil }

func newTestPipeline(t *testing.T, backend *memBackend, threshold int) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(pipeline.Config{
		Logger:         streamlaketesting.NewLogger(),
		Registry:       schema.Spotify(),
		Backend:        backend,
		FlushThreshold: threshold,
	})
	require.NoError(t, err)
	return p
}
