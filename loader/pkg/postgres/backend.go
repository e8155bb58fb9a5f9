package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/streamlake/loader/pkg/pipeline"
	"github.com/malbeclabs/streamlake/loader/pkg/schema"
	"github.com/malbeclabs/streamlake/utils/pkg/retry"
)

// MaxParams is the bind parameter limit of the extended query protocol.
const MaxParams = 65535

// Dialect renders $n placeholders and double-quoted identifiers.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

func (Dialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (Dialect) QuoteIdent(name string) string { return pgx.Identifier{name}.Sanitize() }

func (Dialect) MaxParams() int { return MaxParams }

// CheckValue rejects text with NUL bytes, which PostgreSQL cannot store.
func (Dialect) CheckValue(col schema.Column, v any) error {
	if s, ok := v.(string); ok && strings.IndexByte(s, 0) >= 0 {
		return errors.New("text contains a NUL byte")
	}
	return nil
}

// Backend executes pipeline statements on a pgx pool.
type Backend struct {
	pool *pgxpool.Pool
}

func NewBackend(pool *pgxpool.Pool) *Backend {
	return &Backend{pool: pool}
}

func (b *Backend) Dialect() pipeline.Dialect { return Dialect{} }

func (b *Backend) SupportsTransactions() bool { return true }

func (b *Backend) Begin(ctx context.Context) (pipeline.Tx, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &backendTx{tx: tx}, nil
}

// IsTransient classifies connection failures, serialization failures,
// deadlocks and admin shutdowns as worth retrying.
func (b *Backend) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case pgErr.Code == "57P01", // admin_shutdown
			pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01", // deadlock_detected
			pgErr.Code == "53300": // too_many_connections
			return true
		}
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	return retry.IsRetryable(err)
}

type backendTx struct {
	tx pgx.Tx
}

func (t *backendTx) Exec(ctx context.Context, stmt pipeline.Statement) error {
	if _, err := t.tx.Exec(ctx, stmt.SQL, stmt.Args...); err != nil {
		return err
	}
	return nil
}

func (t *backendTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *backendTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
