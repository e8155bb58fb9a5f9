package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-sql-driver/mysql"

	"github.com/malbeclabs/streamlake/loader/pkg/pipeline"
	"github.com/malbeclabs/streamlake/loader/pkg/schema"
	"github.com/malbeclabs/streamlake/utils/pkg/retry"
)

// MaxParams is the prepared statement placeholder limit.
const MaxParams = 65535

var (
	minDatetime = time.Date(1000, 1, 1, 0, 0, 0, 0, time.UTC)
	maxDatetime = time.Date(9999, 12, 31, 23, 59, 59, 999_000_000, time.UTC)
)

// DefaultVarcharLength is the width of VARCHAR columns missing from
// varcharLengths.
const DefaultVarcharLength = 255

// varcharLengths holds the VARCHAR widths of the migrations by column name.
var varcharLengths = map[string]int{
	"title":        512,
	"label":        512,
	"name":         512,
	"platform":     512,
	"release_date": 32,
	"ip_addr":      64,
	"reason_start": 64,
	"reason_end":   64,
}

// VarcharLength returns the character width of a text column.
func VarcharLength(column string) int {
	if n, ok := varcharLengths[column]; ok {
		return n
	}
	return DefaultVarcharLength
}

type Dialect struct{}

func (Dialect) Name() string { return "mysql" }

func (Dialect) Placeholder(int) string { return "?" }

func (Dialect) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (Dialect) MaxParams() int { return MaxParams }

// CheckValue rejects timestamps outside the DATETIME range and text longer
// than its VARCHAR column. Strict mode would fail the whole statement instead.
func (Dialect) CheckValue(col schema.Column, v any) error {
	switch x := v.(type) {
	case time.Time:
		if x.Before(minDatetime) || x.After(maxDatetime) {
			return fmt.Errorf("timestamp %s outside DATETIME range", x.Format(time.RFC3339))
		}
	case string:
		if !col.Type.IsText() {
			return nil
		}
		if n, limit := utf8.RuneCountInString(x), VarcharLength(col.Name); n > limit {
			return fmt.Errorf("text of %d characters exceeds VARCHAR(%d)", n, limit)
		}
	}
	return nil
}

// Backend executes pipeline statements on a database/sql pool opened with
// the go-sql-driver/mysql driver.
type Backend struct {
	db *sql.DB
}

func NewBackend(db *sql.DB) *Backend {
	return &Backend{db: db}
}

func (b *Backend) Dialect() pipeline.Dialect { return Dialect{} }

func (b *Backend) SupportsTransactions() bool { return true }

func (b *Backend) Begin(ctx context.Context) (pipeline.Tx, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &backendTx{tx: tx}, nil
}

// Server error numbers worth retrying.
var transientErrors = map[uint16]bool{
	1040: true, // ER_CON_COUNT_ERROR
	1053: true, // ER_SERVER_SHUTDOWN
	1205: true, // ER_LOCK_WAIT_TIMEOUT
	1213: true, // ER_LOCK_DEADLOCK
	2006: true, // CR_SERVER_GONE_ERROR
	2013: true, // CR_SERVER_LOST
}

func (b *Backend) IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return transientErrors[myErr.Number]
	}
	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	return retry.IsRetryable(err)
}

type backendTx struct {
	tx *sql.Tx
}

func (t *backendTx) Exec(ctx context.Context, stmt pipeline.Statement) error {
	_, err := t.tx.ExecContext(ctx, stmt.SQL, stmt.Args...)
	return err
}

func (t *backendTx) Commit(context.Context) error {
	return t.tx.Commit()
}

func (t *backendTx) Rollback(context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
