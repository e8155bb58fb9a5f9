package schema

import (
	"fmt"
	"slices"
	"strings"
)

// Registry is the fixed set of tables known to a pipeline, with the flush
// order derived from their foreign keys.
type Registry struct {
	tables map[string]*Table
	decl   []*Table
	order  []*Table
}

// NewRegistry validates that table names are unique and that every foreign key
// targets a registered table, then computes the dependency order.
func NewRegistry(tables ...*Table) (*Registry, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("registry requires at least one table")
	}
	r := &Registry{
		tables: make(map[string]*Table, len(tables)),
		decl:   slices.Clone(tables),
	}
	for _, t := range tables {
		if t == nil {
			return nil, fmt.Errorf("registry: nil table")
		}
		if _, dup := r.tables[t.name]; dup {
			return nil, fmt.Errorf("registry: duplicate table %s", t.name)
		}
		r.tables[t.name] = t
	}
	for _, t := range tables {
		for _, fk := range t.ForeignKeys() {
			if _, ok := r.tables[fk.References]; !ok {
				return nil, fmt.Errorf("registry: table %s column %s references unknown table %s", t.name, fk.Name, fk.References)
			}
		}
	}
	order, err := dependencyOrder(r.decl)
	if err != nil {
		return nil, err
	}
	r.order = order
	return r, nil
}

// MustRegistry is NewRegistry for statically known schemas.
func MustRegistry(tables ...*Table) *Registry {
	r, err := NewRegistry(tables...)
	if err != nil {
		panic(err)
	}
	return r
}

// Table returns the named table or an UnknownTableError.
func (r *Registry) Table(name string) (*Table, error) {
	t, ok := r.tables[name]
	if !ok {
		return nil, &UnknownTableError{Table: name}
	}
	return t, nil
}

// Tables returns the tables in declaration order.
func (r *Registry) Tables() []*Table {
	return slices.Clone(r.decl)
}

// DependencyOrder returns the tables such that every table comes after the
// tables its foreign keys reference.
func (r *Registry) DependencyOrder() []*Table {
	return slices.Clone(r.order)
}

// dependencyOrder is Kahn's algorithm. Among tables that are ready at the same
// time, lower kind rank wins, then declaration order. Self references do not
// create an edge.
func dependencyOrder(tables []*Table) ([]*Table, error) {
	pos := make(map[string]int, len(tables))
	for i, t := range tables {
		pos[t.name] = i
	}
	indegree := make([]int, len(tables))
	dependents := make([][]int, len(tables))
	for i, t := range tables {
		seen := make(map[string]bool)
		for _, fk := range t.ForeignKeys() {
			if fk.References == t.name || seen[fk.References] {
				continue
			}
			seen[fk.References] = true
			j := pos[fk.References]
			dependents[j] = append(dependents[j], i)
			indegree[i]++
		}
	}

	var ready []int
	for i := range tables {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	less := func(a, b int) int {
		if ra, rb := tables[a].kind.rank(), tables[b].kind.rank(); ra != rb {
			return ra - rb
		}
		return a - b
	}

	order := make([]*Table, 0, len(tables))
	for len(ready) > 0 {
		slices.SortFunc(ready, less)
		next := ready[0]
		ready = ready[1:]
		order = append(order, tables[next])
		for _, d := range dependents[next] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) != len(tables) {
		var cyclic []string
		for i, t := range tables {
			if indegree[i] > 0 {
				cyclic = append(cyclic, t.name)
			}
		}
		return nil, fmt.Errorf("registry: foreign key cycle between tables %s", strings.Join(cyclic, ", "))
	}
	return order, nil
}
