package pipeline

import (
	"fmt"

	"github.com/malbeclabs/streamlake/loader/pkg/schema"
)

// IdentityCache maps natural keys to surrogate keys per table. Entries are
// never evicted. A miss allocates a key and buffers the record, so a natural
// key is buffered at most once.
type IdentityCache struct {
	alloc *Allocator
	buf   *WriteBuffer
	ids   map[string]map[string]int64
}

func NewIdentityCache(alloc *Allocator, buf *WriteBuffer) *IdentityCache {
	return &IdentityCache{
		alloc: alloc,
		buf:   buf,
		ids:   make(map[string]map[string]int64),
	}
}

// Resolve returns the surrogate key for rec, allocating and buffering it when
// its natural key has not been seen.
func (c *IdentityCache) Resolve(t *schema.Table, rec schema.Record) (int64, bool, error) {
	if rec.Table() != t.Name() {
		return 0, false, fmt.Errorf("record built for table %q cannot be resolved in %q", rec.Table(), t.Name())
	}
	key := naturalKeyOf(t, rec).Encode()
	if id, ok := c.ids[t.Name()][key]; ok {
		return id, false, nil
	}

	id, err := c.alloc.NextID(t.Name())
	if err != nil {
		return 0, false, err
	}
	c.buf.Append(t.Name(), Entry{ID: id, Record: rec})

	m, ok := c.ids[t.Name()]
	if !ok {
		m = make(map[string]int64)
		c.ids[t.Name()] = m
	}
	m[key] = id
	return id, true, nil
}

// Lookup returns the surrogate key of a natural key without allocating.
func (c *IdentityCache) Lookup(t *schema.Table, rec schema.Record) (int64, bool) {
	id, ok := c.ids[t.Name()][naturalKeyOf(t, rec).Encode()]
	return id, ok
}

// Len returns the number of known natural keys for table.
func (c *IdentityCache) Len(table string) int {
	return len(c.ids[table])
}
