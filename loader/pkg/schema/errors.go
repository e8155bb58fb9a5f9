package schema

import (
	"fmt"
)

// UnknownTableError is returned when a caller references a table that is not
// registered. It indicates a programming or schema configuration error.
type UnknownTableError struct {
	Table string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("unknown table %q", e.Table)
}

// SerializationError reports a value that cannot be rendered into its column.
// ID is the surrogate key when the record had already been assigned one.
type SerializationError struct {
	Table  string
	Column string
	ID     int64
	Value  any
	Err    error
}

func (e *SerializationError) Error() string {
	if e.ID > 0 {
		return fmt.Sprintf("table %s id %d column %s: cannot serialize %#v: %v", e.Table, e.ID, e.Column, e.Value, e.Err)
	}
	return fmt.Sprintf("table %s column %s: cannot serialize %#v: %v", e.Table, e.Column, e.Value, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}
