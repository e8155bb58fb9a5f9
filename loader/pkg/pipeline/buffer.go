package pipeline

import (
	"github.com/malbeclabs/streamlake/loader/pkg/schema"
)

// Entry is a buffered record with its assigned surrogate key.
type Entry struct {
	ID     int64
	Record schema.Record
}

// WriteBuffer holds pending entries per table in insertion order. It is not
// safe for concurrent use on its own.
type WriteBuffer struct {
	pending map[string][]Entry
	index   map[string]map[int64]int
	total   int
}

func NewWriteBuffer() *WriteBuffer {
	return &WriteBuffer{
		pending: make(map[string][]Entry),
		index:   make(map[string]map[int64]int),
	}
}

func (b *WriteBuffer) Append(table string, e Entry) {
	idx, ok := b.index[table]
	if !ok {
		idx = make(map[int64]int)
		b.index[table] = idx
	}
	idx[e.ID] = len(b.pending[table])
	b.pending[table] = append(b.pending[table], e)
	b.total++
}

// Size returns the number of pending entries for table.
func (b *WriteBuffer) Size(table string) int {
	return len(b.pending[table])
}

// Total returns the number of pending entries across all tables.
func (b *WriteBuffer) Total() int {
	return b.total
}

// Sizes returns the pending count of every non-empty table.
func (b *WriteBuffer) Sizes() map[string]int {
	out := make(map[string]int, len(b.pending))
	for table, entries := range b.pending {
		if len(entries) > 0 {
			out[table] = len(entries)
		}
	}
	return out
}

// DrainAll removes and returns every pending entry.
func (b *WriteBuffer) DrainAll() map[string][]Entry {
	drained := make(map[string][]Entry, len(b.pending))
	for table, entries := range b.pending {
		if len(entries) > 0 {
			drained[table] = entries
		}
	}
	b.pending = make(map[string][]Entry)
	b.index = make(map[string]map[int64]int)
	b.total = 0
	return drained
}

// Requeue puts entries back ahead of anything appended since they were
// drained, preserving their original order.
func (b *WriteBuffer) Requeue(entries map[string][]Entry) {
	for table, back := range entries {
		if len(back) == 0 {
			continue
		}
		merged := make([]Entry, 0, len(back)+len(b.pending[table]))
		merged = append(merged, back...)
		merged = append(merged, b.pending[table]...)
		b.pending[table] = merged

		idx := make(map[int64]int, len(merged))
		for i, e := range merged {
			idx[e.ID] = i
		}
		b.index[table] = idx
		b.total += len(back)
	}
}

// Merge applies rec on top of the pending entry with the given id and reports
// whether such an entry was found.
func (b *WriteBuffer) Merge(table string, id int64, rec schema.Record) bool {
	i, ok := b.index[table][id]
	if !ok {
		return false
	}
	entries := b.pending[table]
	entries[i].Record = entries[i].Record.Merge(rec)
	return true
}
