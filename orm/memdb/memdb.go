// Package memdb implements the EntityManager contract over in-process
// tables. It backs the test suites and the example applications that run
// without a database server: unit-of-work identity tracking, snapshot
// transactions, named filters, population and uniqueness enforcement all
// behave like the SQL engine, minus durability.
package memdb

import (
	"sync"

	"github.com/crudkit/crudkit/orm"
)

// table stores one entity's rows keyed by composite-key hash. Insertion
// order is preserved so listings and populated collections are stable.
type table struct {
	rows  map[string]orm.Record
	order []string
}

func newTable() *table {
	return &table{rows: map[string]orm.Record{}}
}

func (t *table) put(hash string, row orm.Record) {
	if _, exists := t.rows[hash]; !exists {
		t.order = append(t.order, hash)
	}
	t.rows[hash] = row
}

func (t *table) delete(hash string) {
	if _, exists := t.rows[hash]; !exists {
		return
	}
	delete(t.rows, hash)
	for i, h := range t.order {
		if h == hash {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *table) clone() *table {
	c := newTable()
	c.order = append(c.order, t.order...)
	for h, row := range t.rows {
		c.rows[h] = cloneStored(row)
	}
	return c
}

// cloneStored deep-copies a stored row. Stored rows only ever hold scalars
// and reduced primary-key records, never collections, so the recursion is
// shallow and cycle-free.
func cloneStored(row orm.Record) orm.Record {
	out := make(orm.Record, len(row))
	for k, v := range row {
		if nested, ok := v.(orm.Record); ok {
			out[k] = cloneStored(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// Engine is the shared backing store. Forked managers all read and flush
// against the same engine; transactions serialize on it.
type Engine struct {
	mu     sync.RWMutex
	txMu   sync.Mutex
	reg    *orm.Registry
	tables map[string]*table
}

// New creates an engine over the given metadata registry. Every
// registered entity gets its table up front so the table map never
// changes shape after construction.
func New(reg *orm.Registry) *Engine {
	return &Engine{reg: reg, tables: materialize(reg)}
}

func materialize(reg *orm.Registry) map[string]*table {
	names := reg.Names()
	tables := make(map[string]*table, len(names))
	for _, name := range names {
		tables[name] = newTable()
	}
	return tables
}

// Registry returns the engine's metadata registry.
func (e *Engine) Registry() *orm.Registry { return e.reg }

// Manager returns a fresh unit of work over the engine. One per request.
func (e *Engine) Manager() orm.EntityManager {
	return newManager(e)
}

// table returns the rows of a registered entity. The map is populated in
// New and only ever swapped wholesale under the write lock, so readers
// holding the read lock may call this freely.
func (e *Engine) table(entity string) *table {
	return e.tables[entity]
}

// snapshot copies every table for transaction rollback.
func (e *Engine) snapshot() map[string]*table {
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap := make(map[string]*table, len(e.tables))
	for name, t := range e.tables {
		snap[name] = t.clone()
	}
	return snap
}

func (e *Engine) restore(snap map[string]*table) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tables = snap
}

// Truncate drops every row, keeping the metadata. Test helper.
func (e *Engine) Truncate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tables = materialize(e.reg)
}
