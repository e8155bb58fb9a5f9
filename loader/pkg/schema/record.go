package schema

// Values is the loose input form of a record: column name to value.
type Values map[string]any

// Field is a single column value of a record.
type Field struct {
	Column string
	Value  any

	pos int
}

// Record is an immutable set of coerced column values for one table, ordered
// by column declaration. Columns that are absent are defaulted when the record
// is serialized.
type Record struct {
	table  string
	fields []Field
}

// Table returns the name of the table the record was built for.
func (r Record) Table() string {
	return r.table
}

// Get returns the value of a column and whether the record sets it.
func (r Record) Get(column string) (any, bool) {
	for _, f := range r.fields {
		if f.Column == column {
			return f.Value, true
		}
	}
	return nil, false
}

// Fields returns the set columns in declaration order.
func (r Record) Fields() []Field {
	out := make([]Field, len(r.fields))
	copy(out, r.fields)
	return out
}

// Len returns the number of set columns.
func (r Record) Len() int {
	return len(r.fields)
}

// Merge returns a record with the fields of other overriding those of r.
// Both records must belong to the same table.
func (r Record) Merge(other Record) Record {
	merged := make([]Field, 0, len(r.fields)+len(other.fields))
	i, j := 0, 0
	for i < len(r.fields) && j < len(other.fields) {
		switch a, b := r.fields[i], other.fields[j]; {
		case a.pos < b.pos:
			merged = append(merged, a)
			i++
		case a.pos > b.pos:
			merged = append(merged, b)
			j++
		default:
			merged = append(merged, b)
			i++
			j++
		}
	}
	merged = append(merged, r.fields[i:]...)
	merged = append(merged, other.fields[j:]...)
	return Record{table: r.table, fields: merged}
}
