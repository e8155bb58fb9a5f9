package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/malbeclabs/streamlake/loader/pkg/pipeline"
	"github.com/malbeclabs/streamlake/loader/pkg/schema"
	"github.com/malbeclabs/streamlake/utils/pkg/retry"
)

// Dialect renders ? placeholders, backtick identifiers and mutations in
// place of UPDATE.
type Dialect struct{}

func (Dialect) Name() string { return "clickhouse" }

func (Dialect) Placeholder(int) string { return "?" }

func (Dialect) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}

// MaxParams is 0 because inserts go through the native batch protocol.
func (Dialect) MaxParams() int { return 0 }

func (Dialect) RenderUpdate(table string, assignments []string, predicate string) string {
	return "ALTER TABLE " + table + " UPDATE " + strings.Join(assignments, ", ") + " WHERE " + predicate
}

// Backend writes pipeline statements to ClickHouse. Inserts use PrepareBatch;
// updates run as synchronous mutations. There are no transactions, so the
// pipeline must run in best_effort mode.
type Backend struct {
	client Client
}

func NewBackend(client Client) *Backend {
	return &Backend{client: client}
}

func (b *Backend) Dialect() pipeline.Dialect { return Dialect{} }

func (b *Backend) SupportsTransactions() bool { return false }

func (b *Backend) Begin(ctx context.Context) (pipeline.Tx, error) {
	conn, err := b.client.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	return &batchTx{conn: conn}, nil
}

// Server error codes worth retrying.
var transientCodes = map[int32]bool{
	159: true, // TIMEOUT_EXCEEDED
	202: true, // TOO_MANY_SIMULTANEOUS_QUERIES
	203: true, // NO_FREE_CONNECTION
	209: true, // SOCKET_TIMEOUT
	210: true, // NETWORK_ERROR
	252: true, // TOO_MANY_PARTS
	319: true, // UNKNOWN_STATUS_OF_INSERT
	999: true, // KEEPER_EXCEPTION
}

func (b *Backend) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var exc *clickhouse.Exception
	if errors.As(err, &exc) {
		return transientCodes[exc.Code]
	}
	return retry.IsRetryable(err)
}

type batchTx struct {
	conn Connection
}

func (t *batchTx) Exec(ctx context.Context, stmt pipeline.Statement) error {
	if stmt.Kind == pipeline.StatementUpdate {
		return t.conn.Exec(ContextWithSyncMutations(ctx), stmt.SQL, stmt.Args...)
	}

	d := Dialect{}
	names := make([]string, len(stmt.Columns))
	for i, col := range stmt.Columns {
		names[i] = d.QuoteIdent(col.Name)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s)", d.QuoteIdent(stmt.Table), strings.Join(names, ", "))

	batch, err := t.conn.PrepareBatch(ContextWithSyncInsert(ctx), query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer batch.Close() // Always release the connection back to the pool

	for i, row := range stmt.Rows {
		if err := batch.Append(nativeRow(stmt.Columns, row)...); err != nil {
			return fmt.Errorf("failed to append row %d: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// nativeRow narrows INTEGER values to the Int32 the column is declared as;
// the driver does not convert between integer widths.
func nativeRow(cols []schema.Column, row []any) []any {
	out := make([]any, len(row))
	for i, v := range row {
		if n, ok := v.(int64); ok && cols[i].Type == schema.TypeInteger {
			out[i] = int32(n)
			continue
		}
		out[i] = v
	}
	return out
}

func (t *batchTx) Commit(context.Context) error { return nil }

func (t *batchTx) Rollback(context.Context) error { return nil }
