package pipeline

import (
	"github.com/malbeclabs/streamlake/loader/pkg/schema"
)

// Allocator issues surrogate keys. Each table has its own counter starting at
// 1; keys are never reissued for the lifetime of the allocator. It is not safe
// for concurrent use on its own; the Pipeline serializes access.
type Allocator struct {
	last map[string]int64
}

func NewAllocator(reg *schema.Registry) *Allocator {
	a := &Allocator{last: make(map[string]int64)}
	for _, t := range reg.Tables() {
		a.last[t.Name()] = 0
	}
	return a
}

// NextID returns the next unused key for table.
func (a *Allocator) NextID(table string) (int64, error) {
	last, ok := a.last[table]
	if !ok {
		return 0, &schema.UnknownTableError{Table: table}
	}
	last++
	a.last[table] = last
	return last, nil
}

// Current returns the last key issued for table, or 0 if none was issued.
func (a *Allocator) Current(table string) (int64, error) {
	last, ok := a.last[table]
	if !ok {
		return 0, &schema.UnknownTableError{Table: table}
	}
	return last, nil
}
