package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// ColumnType is the logical type of a column. Backends map it to their own DDL types.
type ColumnType string

const (
	TypeBigInt    ColumnType = "BIGINT"
	TypeInteger   ColumnType = "INTEGER"
	TypeDouble    ColumnType = "DOUBLE"
	TypeVarchar   ColumnType = "VARCHAR"
	TypeBoolean   ColumnType = "BOOLEAN"
	TypeTimestamp ColumnType = "TIMESTAMP"
)

func (t ColumnType) valid() bool {
	switch t {
	case TypeBigInt, TypeInteger, TypeDouble, TypeVarchar, TypeBoolean, TypeTimestamp:
		return true
	}
	return false
}

// IsNumeric reports whether values of this type are bound as numbers.
func (t ColumnType) IsNumeric() bool {
	return t == TypeBigInt || t == TypeInteger || t == TypeDouble
}

// IsText reports whether missing values default to the empty string.
func (t ColumnType) IsText() bool {
	return t == TypeVarchar
}

// Column is a single typed column. References names the target table of a
// foreign key and is empty for plain columns.
type Column struct {
	Name       string
	Type       ColumnType
	References string
}

// IsForeignKey reports whether the column references another table.
func (c Column) IsForeignKey() bool {
	return c.References != ""
}

// Default is the value written when a record omits the column: the empty string
// for text columns and NULL for everything else, foreign keys included.
func (c Column) Default() any {
	if c.Type.IsText() && !c.IsForeignKey() {
		return ""
	}
	return nil
}

// ParseColumn parses a "name:type" definition.
func ParseColumn(def string) (Column, error) {
	parts := strings.SplitN(def, ":", 2)
	if len(parts) != 2 {
		return Column{}, fmt.Errorf("invalid column definition %q: expected format 'name:type'", def)
	}
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return Column{}, fmt.Errorf("invalid column definition %q: empty name", def)
	}
	typ := ColumnType(strings.ToUpper(strings.TrimSpace(parts[1])))
	if !typ.valid() {
		return Column{}, fmt.Errorf("invalid column definition %q: unknown type %q", def, parts[1])
	}
	return Column{Name: name, Type: typ}, nil
}

// Coerce converts v into the canonical Go representation for the column type:
// int64 for integer columns, float64, string, bool and UTC time.Time. A nil
// value stays nil.
func (c Column) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch c.Type {
	case TypeBigInt:
		return toInt64(v, math.MinInt64, math.MaxInt64)
	case TypeInteger:
		return toInt64(v, math.MinInt32, math.MaxInt32)
	case TypeDouble:
		return toFloat64(v)
	case TypeVarchar:
		return toText(v)
	case TypeBoolean:
		return toBool(v)
	case TypeTimestamp:
		return toTime(v)
	}
	return nil, fmt.Errorf("unsupported column type %q", c.Type)
}

func toInt64(v any, lo, hi int64) (any, error) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint8:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint32:
		n = int64(x)
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", x)
		}
		n = int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", x)
		}
		n = int64(x)
	case float32:
		return toInt64(float64(x), lo, hi)
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return nil, fmt.Errorf("float %v is not an integer", x)
		}
		if x < float64(lo) || x > float64(hi) {
			return nil, fmt.Errorf("integer %v out of range", x)
		}
		n = int64(x)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as integer", x)
		}
		n = parsed
	default:
		return nil, fmt.Errorf("expected integer, got %T", v)
	}
	if n < lo || n > hi {
		return nil, fmt.Errorf("integer %d out of range [%d, %d]", n, lo, hi)
	}
	return n, nil
}

func toFloat64(v any) (any, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as double", x)
		}
		f = parsed
	default:
		return nil, fmt.Errorf("expected number, got %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite double %v", f)
	}
	return f, nil
}

func toText(v any) (any, error) {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case []byte:
		s = string(x)
	case fmt.Stringer:
		s = x.String()
	case int, int32, int64, uint32, uint64:
		s = fmt.Sprintf("%d", x)
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(x)
	default:
		return nil, fmt.Errorf("expected text, got %T", v)
	}
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("text is not valid UTF-8")
	}
	return s, nil
}

func toBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as boolean", x)
		}
		return b, nil
	case int:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
	case int64:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
	}
	return nil, fmt.Errorf("expected boolean, got %T(%v)", v, v)
}

func toTime(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02 15:04", time.DateOnly} {
			if t, err := time.Parse(layout, strings.TrimSpace(x)); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, fmt.Errorf("cannot parse %q as timestamp", x)
	case int64:
		return time.UnixMilli(x).UTC(), nil
	}
	return nil, fmt.Errorf("expected timestamp, got %T", v)
}
