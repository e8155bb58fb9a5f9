package pipeline

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/streamlake/loader/pkg/schema"
)

const keySeparator = "+"

type NaturalKey struct {
	Values []any
}

func NewNaturalKey(values ...any) *NaturalKey {
	return &NaturalKey{
		Values: values,
	}
}

// naturalKeyOf collects the natural key values of rec. Columns the record does
// not set contribute nil.
func naturalKeyOf(t *schema.Table, rec schema.Record) *NaturalKey {
	cols := t.NaturalKeyColumns()
	values := make([]any, len(cols))
	for i, col := range cols {
		values[i], _ = rec.Get(col)
	}
	return NewNaturalKey(values...)
}

// Encode renders the key as a deterministic string. Each component is written
// as typeTag:length:payload and components are joined by "+", so a payload
// containing the separator cannot be confused with a component boundary.
func (k *NaturalKey) Encode() string {
	parts := make([]string, len(k.Values))
	for i, val := range k.Values {
		tag, payload := encodeComponent(val)
		parts[i] = tag + ":" + strconv.Itoa(len(payload)) + ":" + payload
	}
	return strings.Join(parts, keySeparator)
}

func (k *NaturalKey) String() string {
	return k.Encode()
}

func encodeComponent(val any) (string, string) {
	switch v := val.(type) {
	case nil:
		return "nil", ""
	case string:
		return "s", v
	case int64:
		return "i", strconv.FormatInt(v, 10)
	case int:
		return "i", strconv.Itoa(v)
	case int32:
		return "i", strconv.FormatInt(int64(v), 10)
	case float64:
		return "f", strconv.FormatUint(math.Float64bits(v), 16)
	case bool:
		return "b", strconv.FormatBool(v)
	case time.Time:
		return "t", v.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%T", v), fmt.Sprintf("%v", v)
	}
}
