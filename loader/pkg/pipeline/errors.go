package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPipelineClosed   = errors.New("pipeline is closed")
	ErrSkippedReference = errors.New("references a skipped record")
	ErrNaturalKeyUpdate = errors.New("natural key columns cannot be updated")

	errUnknownColumn = errors.New("unknown column")
)

// BackendExecutionError is a failed backend operation. Statement holds the
// SQL text (or BEGIN/COMMIT) and Table is empty for transaction control.
type BackendExecutionError struct {
	Table     string
	Statement string
	Retryable bool
	Err       error
}

func (e *BackendExecutionError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("backend %s failed: %v", e.Statement, e.Err)
	}
	return fmt.Sprintf("backend execution failed for table %s (%s): %v", e.Table, summarize(e.Statement), e.Err)
}

func (e *BackendExecutionError) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the operation may succeed.
func (e *BackendExecutionError) Transient() bool {
	return e.Retryable
}

// SkippedRecord is a buffered record that was dropped from a flush.
type SkippedRecord struct {
	Table string
	ID    int64
	Err   error
}

// FlushError reports a flush that did not commit everything it drained.
// Entries of the failed and not attempted tables were put back in the buffer.
type FlushError struct {
	Committed    []string
	Failed       string
	NotAttempted []string
	Requeued     int
	Err          error
}

func (e *FlushError) Error() string {
	var b strings.Builder
	b.WriteString("flush failed")
	if e.Failed != "" {
		b.WriteString(" at table ")
		b.WriteString(e.Failed)
	}
	fmt.Fprintf(&b, " (committed: [%s], not attempted: [%s], requeued: %d): %v",
		strings.Join(e.Committed, ", "), strings.Join(e.NotAttempted, ", "), e.Requeued, e.Err)
	return b.String()
}

func (e *FlushError) Unwrap() error {
	return e.Err
}

func summarize(sql string) string {
	const max = 160
	if len(sql) <= max {
		return sql
	}
	return sql[:max] + "..."
}
