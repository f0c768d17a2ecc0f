// Package orm defines the persistence boundary consumed by the generic CRUD
// controller: schemaless entity records, explicit per-entity metadata,
// backend-agnostic query predicates and the EntityManager interface that
// concrete engines (orm/memdb, orm/sqldb) implement.
package orm

import (
	"encoding/json"
	"reflect"
)

// Record is a schemaless entity instance. Scalar columns map to plain
// values, to-one relations to a nested Record (or its raw key) and to-many
// relations to a *Collection.
type Record = map[string]any

// Collection is the ordered holder for a to-many relation on a loaded
// record. Insertion order is preserved; it is what the reconciler treats as
// "collection semantics".
type Collection struct {
	items []Record
}

// NewCollection creates a collection from the given items.
func NewCollection(items ...Record) *Collection {
	c := &Collection{items: make([]Record, 0, len(items))}
	c.items = append(c.items, items...)
	return c
}

// Items returns the live backing slice. Callers that need a stable view
// while mutating the collection must copy it first.
func (c *Collection) Items() []Record {
	return c.items
}

// Snapshot returns a copy of the current membership.
func (c *Collection) Snapshot() []Record {
	out := make([]Record, len(c.items))
	copy(out, c.items)
	return out
}

// Len returns the number of items.
func (c *Collection) Len() int {
	return len(c.items)
}

// Add appends a record to the collection.
func (c *Collection) Add(rec Record) {
	c.items = append(c.items, rec)
}

// Remove drops a record from the collection by instance identity.
func (c *Collection) Remove(rec Record) {
	target := reflect.ValueOf(rec).Pointer()
	for i, item := range c.items {
		if reflect.ValueOf(item).Pointer() == target {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return
		}
	}
}

// Contains reports whether the exact record instance is a member.
func (c *Collection) Contains(rec Record) bool {
	target := reflect.ValueOf(rec).Pointer()
	for _, item := range c.items {
		if reflect.ValueOf(item).Pointer() == target {
			return true
		}
	}
	return false
}

// MarshalJSON renders the collection as a plain JSON array.
func (c *Collection) MarshalJSON() ([]byte, error) {
	if c == nil || c.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.items)
}

// SameRecord reports whether a and b are the same record instance, not
// merely equal maps. The reconciler's update-in-place contract is stated in
// terms of this identity.
func SameRecord(a, b Record) bool {
	if a == nil || b == nil {
		return false
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// CloneRecord returns a shallow copy of rec. Collections keep their
// membership but get a fresh holder so the copy can diverge.
func CloneRecord(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		if col, ok := v.(*Collection); ok {
			out[k] = NewCollection(col.Snapshot()...)
			continue
		}
		out[k] = v
	}
	return out
}
