package pipeline

import (
	"strings"

	"github.com/malbeclabs/streamlake/loader/pkg/schema"
)

type StatementKind string

const (
	StatementInsert StatementKind = "insert"
	StatementUpdate StatementKind = "update"
)

// Dialect renders SQL for a backend.
type Dialect interface {
	Name() string
	// Placeholder returns the bind marker for the n-th parameter, starting at 1.
	Placeholder(n int) string
	QuoteIdent(name string) string
	// MaxParams is the bind parameter limit of a single statement; 0 means unlimited.
	MaxParams() int
}

// ValueChecker is implemented by dialects that reject values their store
// cannot hold even though they fit the logical column type.
type ValueChecker interface {
	CheckValue(col schema.Column, v any) error
}

// UpdateRenderer is implemented by dialects whose UPDATE syntax differs from
// UPDATE t SET ... WHERE ....
type UpdateRenderer interface {
	RenderUpdate(table string, assignments []string, predicate string) string
}

// Statement is one parameterized statement. Inserts also carry their rows so
// backends with a native batch API can bypass SQL.
type Statement struct {
	Kind    StatementKind
	Table   string
	Columns []schema.Column
	Rows    [][]any
	SQL     string
	Args    []any
}

// BuildInsert renders the entries of one table as multi-row INSERT statements,
// split so that none exceeds the dialect's parameter limit. Missing columns
// take their default value. Entries with a value that cannot be serialized are
// returned as skipped and left out of the statements.
func BuildInsert(d Dialect, t *schema.Table, entries []Entry) ([]Statement, []Entry, []SkippedRecord) {
	return buildInsert(d, t, entries, d.MaxParams())
}

func buildInsert(d Dialect, t *schema.Table, entries []Entry, limit int) ([]Statement, []Entry, []SkippedRecord) {
	cols := t.InsertColumns()
	rows := make([][]any, 0, len(entries))
	accepted := make([]Entry, 0, len(entries))
	var skipped []SkippedRecord
	for _, e := range entries {
		row, err := serializeRow(d, t, cols, e)
		if err != nil {
			skipped = append(skipped, SkippedRecord{Table: t.Name(), ID: e.ID, Err: err})
			continue
		}
		rows = append(rows, row)
		accepted = append(accepted, e)
	}
	if len(rows) == 0 {
		return nil, nil, skipped
	}

	perStmt := len(rows)
	if limit > 0 {
		perStmt = max(1, limit/len(cols))
	}
	var stmts []Statement
	for start := 0; start < len(rows); start += perStmt {
		end := min(start+perStmt, len(rows))
		stmts = append(stmts, renderInsert(d, t, cols, rows[start:end]))
	}
	return stmts, accepted, skipped
}

func serializeRow(d Dialect, t *schema.Table, cols []schema.Column, e Entry) ([]any, error) {
	row := make([]any, len(cols))
	row[0] = e.ID
	for i, col := range cols[1:] {
		raw, _ := e.Record.Get(col.Name)
		v, err := columnValue(d, col, raw)
		if err != nil {
			return nil, &schema.SerializationError{Table: t.Name(), Column: col.Name, ID: e.ID, Value: raw, Err: err}
		}
		row[i+1] = v
	}
	return row, nil
}

// columnValue coerces raw for col and lets the dialect check it. A missing or
// nil value takes the column default, so text columns never receive NULL.
func columnValue(d Dialect, col schema.Column, raw any) (any, error) {
	if raw == nil {
		return col.Default(), nil
	}
	v, err := col.Coerce(raw)
	if err != nil {
		return nil, err
	}
	if checker, ok := d.(ValueChecker); ok {
		if err := checker.CheckValue(col, v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func renderInsert(d Dialect, t *schema.Table, cols []schema.Column, rows [][]any) Statement {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.QuoteIdent(t.Name()))
	b.WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.QuoteIdent(col.Name))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(cols))
	n := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range row {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Placeholder(n))
			n++
		}
		b.WriteString(")")
		args = append(args, row...)
	}

	return Statement{
		Kind:    StatementInsert,
		Table:   t.Name(),
		Columns: cols,
		Rows:    rows,
		SQL:     b.String(),
		Args:    args,
	}
}

// BuildUpdate renders a single-row UPDATE keyed by the surrogate key. It
// reports false when rec sets no column.
func BuildUpdate(d Dialect, t *schema.Table, id int64, rec schema.Record) (Statement, bool, error) {
	fields := rec.Fields()
	if len(fields) == 0 {
		return Statement{}, false, nil
	}
	assignments := make([]string, 0, len(fields))
	cols := make([]schema.Column, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+1)
	for i, f := range fields {
		col, ok := t.Column(f.Column)
		if !ok {
			return Statement{}, false, &schema.SerializationError{Table: t.Name(), Column: f.Column, ID: id, Value: f.Value, Err: errUnknownColumn}
		}
		v, err := columnValue(d, col, f.Value)
		if err != nil {
			return Statement{}, false, &schema.SerializationError{Table: t.Name(), Column: col.Name, ID: id, Value: f.Value, Err: err}
		}
		assignments = append(assignments, d.QuoteIdent(col.Name)+" = "+d.Placeholder(i+1))
		cols = append(cols, col)
		args = append(args, v)
	}
	predicate := d.QuoteIdent(t.PrimaryKey()) + " = " + d.Placeholder(len(fields)+1)
	cols = append(cols, schema.Column{Name: t.PrimaryKey(), Type: schema.TypeBigInt})
	args = append(args, id)

	var sql string
	if r, ok := d.(UpdateRenderer); ok {
		sql = r.RenderUpdate(d.QuoteIdent(t.Name()), assignments, predicate)
	} else {
		sql = "UPDATE " + d.QuoteIdent(t.Name()) + " SET " + strings.Join(assignments, ", ") + " WHERE " + predicate
	}
	return Statement{
		Kind:    StatementUpdate,
		Table:   t.Name(),
		Columns: cols,
		SQL:     sql,
		Args:    args,
	}, true, nil
}
