package schema

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Kind classifies a table for natural key derivation and flush ordering.
type Kind string

const (
	KindDimension Kind = "dimension"
	KindJunction  Kind = "junction"
	KindFact      Kind = "fact"
)

// rank orders kinds within one dependency level: dimensions, then junctions, then facts.
func (k Kind) rank() int {
	switch k {
	case KindDimension:
		return 0
	case KindJunction:
		return 1
	case KindFact:
		return 2
	}
	return 3
}

// TableDef is the declarative form of a table, as written in a schema file.
type TableDef struct {
	Name         string            `yaml:"name"`
	Kind         Kind              `yaml:"kind"`
	PrimaryKey   string            `yaml:"primary_key"`
	Columns      []string          `yaml:"columns"`
	ForeignKeys  map[string]string `yaml:"foreign_keys"`
	NaturalKey   []string          `yaml:"natural_key"`
	FlushTrigger bool              `yaml:"flush_trigger"`
}

// Table is a validated logical table. The primary key column holds the
// surrogate key and is not part of Columns.
type Table struct {
	name         string
	kind         Kind
	primaryKey   string
	columns      []Column
	index        map[string]int
	naturalKey   []string
	flushTrigger bool
}

// NewTable validates a definition. When NaturalKey is empty, junction tables
// key on their foreign key columns and fact tables on every column; dimension
// tables must declare one.
func NewTable(def TableDef) (*Table, error) {
	if def.Name == "" {
		return nil, errors.New("table name is required")
	}
	if def.PrimaryKey == "" {
		return nil, fmt.Errorf("table %s: primary key is required", def.Name)
	}
	switch def.Kind {
	case KindDimension, KindJunction, KindFact:
	default:
		return nil, fmt.Errorf("table %s: unknown kind %q", def.Name, def.Kind)
	}
	if len(def.Columns) == 0 {
		return nil, fmt.Errorf("table %s: at least one column is required", def.Name)
	}

	t := &Table{
		name:         def.Name,
		kind:         def.Kind,
		primaryKey:   def.PrimaryKey,
		index:        make(map[string]int, len(def.Columns)),
		flushTrigger: def.FlushTrigger,
	}
	for _, raw := range def.Columns {
		col, err := ParseColumn(raw)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", def.Name, err)
		}
		if col.Name == def.PrimaryKey {
			return nil, fmt.Errorf("table %s: primary key %s must not be listed as a column", def.Name, col.Name)
		}
		if _, dup := t.index[col.Name]; dup {
			return nil, fmt.Errorf("table %s: duplicate column %s", def.Name, col.Name)
		}
		t.index[col.Name] = len(t.columns)
		t.columns = append(t.columns, col)
	}

	for colName, target := range def.ForeignKeys {
		i, ok := t.index[colName]
		if !ok {
			return nil, fmt.Errorf("table %s: foreign key column %s is not declared", def.Name, colName)
		}
		if target == "" {
			return nil, fmt.Errorf("table %s: foreign key column %s has no target table", def.Name, colName)
		}
		if !t.columns[i].Type.IsNumeric() || t.columns[i].Type == TypeDouble {
			return nil, fmt.Errorf("table %s: foreign key column %s must be an integer column", def.Name, colName)
		}
		t.columns[i].References = target
	}

	if len(def.NaturalKey) > 0 {
		for _, name := range def.NaturalKey {
			if _, ok := t.index[name]; !ok {
				return nil, fmt.Errorf("table %s: natural key column %s is not declared", def.Name, name)
			}
		}
		t.naturalKey = slices.Clone(def.NaturalKey)
	} else {
		switch def.Kind {
		case KindDimension:
			return nil, fmt.Errorf("table %s: dimension tables must declare a natural key", def.Name)
		case KindJunction:
			for _, col := range t.columns {
				if col.IsForeignKey() {
					t.naturalKey = append(t.naturalKey, col.Name)
				}
			}
			if len(t.naturalKey) == 0 {
				return nil, fmt.Errorf("table %s: junction tables must declare foreign keys", def.Name)
			}
		case KindFact:
			t.naturalKey = t.ColumnNames()
		}
	}
	return t, nil
}

// MustTable is NewTable for statically known definitions.
func MustTable(def TableDef) *Table {
	t, err := NewTable(def)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Table) Name() string { return t.name }
func (t *Table) Kind() Kind { return t.kind }
func (t *Table) PrimaryKey() string { return t.primaryKey }
func (t *Table) FlushTrigger() bool { return t.flushTrigger }

// Columns returns the payload columns in declaration order.
func (t *Table) Columns() []Column {
	return slices.Clone(t.columns)
}

// Column looks up a payload column by name.
func (t *Table) Column(name string) (Column, bool) {
	i, ok := t.index[name]
	if !ok {
		return Column{}, false
	}
	return t.columns[i], true
}

// ColumnNames returns the payload column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.Name
	}
	return names
}

// InsertColumns returns the primary key column followed by every payload column.
func (t *Table) InsertColumns() []Column {
	cols := make([]Column, 0, len(t.columns)+1)
	cols = append(cols, Column{Name: t.primaryKey, Type: TypeBigInt})
	return append(cols, t.columns...)
}

// ForeignKeys returns the foreign key columns in declaration order.
func (t *Table) ForeignKeys() []Column {
	var fks []Column
	for _, c := range t.columns {
		if c.IsForeignKey() {
			fks = append(fks, c)
		}
	}
	return fks
}

// NaturalKeyColumns returns the columns whose values identify a record.
func (t *Table) NaturalKeyColumns() []string {
	return slices.Clone(t.naturalKey)
}

// NewRecord validates and coerces values against the table. Unknown columns,
// the primary key column and values that do not fit their column type are
// rejected with a SerializationError.
func (t *Table) NewRecord(values Values) (Record, error) {
	fields := make([]Field, 0, len(values))
	for name, v := range values {
		i, ok := t.index[name]
		if !ok {
			err := errors.New("unknown column")
			if name == t.primaryKey {
				err = errors.New("primary key is assigned by the pipeline")
			}
			return Record{}, &SerializationError{Table: t.name, Column: name, Value: v, Err: err}
		}
		coerced, err := t.columns[i].Coerce(v)
		if err != nil {
			return Record{}, &SerializationError{Table: t.name, Column: name, Value: v, Err: err}
		}
		fields = append(fields, Field{Column: name, Value: coerced, pos: i})
	}
	slices.SortFunc(fields, func(a, b Field) int { return a.pos - b.pos })
	return Record{table: t.name, fields: fields}, nil
}

// MustRecord is NewRecord for values known to be valid.
func (t *Table) MustRecord(values Values) Record {
	rec, err := t.NewRecord(values)
	if err != nil {
		panic(err)
	}
	return rec
}

func (t *Table) String() string {
	var b strings.Builder
	b.WriteString(t.name)
	b.WriteString("(")
	b.WriteString(t.primaryKey)
	for _, c := range t.columns {
		b.WriteString(", ")
		b.WriteString(c.Name)
	}
	b.WriteString(")")
	return b.String()
}
