package orm

import (
	"fmt"
	"strings"
	"sync"
)

// RelationKind distinguishes to-one from to-many relations.
type RelationKind int

const (
	// ToOne is a many-to-one or one-to-one relation stored as a nested
	// record or raw key on the owning side.
	ToOne RelationKind = iota
	// ToMany is a one-to-many or many-to-many relation stored as a
	// *Collection on the loaded record.
	ToMany
)

// String returns the string representation of the relation kind.
func (k RelationKind) String() string {
	switch k {
	case ToOne:
		return "to-one"
	case ToMany:
		return "to-many"
	default:
		return "unknown"
	}
}

// Relation describes one relation property of an entity. The reconciler
// walks these descriptors instead of reflecting over record keys, so the
// set of reconcilable properties is statically known.
type Relation struct {
	// Name is the property name on the record.
	Name string
	// Kind is to-one or to-many.
	Kind RelationKind
	// Target is the related entity name.
	Target string
	// MappedBy names the back-reference property on the target for
	// non-owning to-many relations ("" for owning many-to-many).
	MappedBy string
	// Owner marks the owning side of a many-to-many relation.
	Owner bool
	// Eager requests population by default.
	Eager bool
	// Cascade persists unmanaged collection members together with the
	// parent.
	Cascade bool
	// OrphanRemoval deletes members removed from the collection.
	OrphanRemoval bool
}

// FilterCond computes the where condition of a named filter from the
// caller-supplied arguments.
type FilterCond func(args any) Where

// Filter is a named, parameterizable query fragment registered on an
// entity. Controllers reference filters by name through defaultFilters;
// referencing an unregistered name is a server-side defect.
type Filter struct {
	Name string
	Cond FilterCond
}

// EntityMeta describes one entity: its storage mapping, primary identity,
// relations and named filters.
type EntityMeta struct {
	// Name is the entity name used everywhere in the framework.
	Name string
	// Table is the backing table name for SQL engines.
	Table string
	// Columns lists the scalar columns, including foreign-key columns of
	// to-one relations.
	Columns []string
	// PrimaryKeys lists the properties forming the primary identity, in a
	// fixed order. A relation-valued property may be part of the key
	// (composite keys such as {library, slug}).
	PrimaryKeys []string
	// Relations lists relation descriptors.
	Relations []Relation
	// Filters holds named filters by name.
	Filters map[string]Filter
	// OnCreate supplies default values for missing columns at creation.
	OnCreate map[string]func() any
	// OnUpdate supplies values recomputed at every flush of a dirty
	// record (typically updatedAt).
	OnUpdate map[string]func() any
}

// Relation returns the relation descriptor with the given property name.
func (m *EntityMeta) Relation(name string) *Relation {
	for i := range m.Relations {
		if m.Relations[i].Name == name {
			return &m.Relations[i]
		}
	}
	return nil
}

// IsPrimary reports whether the property is part of the primary identity.
func (m *EntityMeta) IsPrimary(name string) bool {
	for _, pk := range m.PrimaryKeys {
		if pk == name {
			return true
		}
	}
	return false
}

// HasColumn reports whether the scalar column exists.
func (m *EntityMeta) HasColumn(name string) bool {
	for _, c := range m.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Registry is the process-wide entity metadata registry. It is populated
// at boot and read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*EntityMeta
}

// NewRegistry creates an empty metadata registry.
func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]*EntityMeta)}
}

// Register adds entity metadata. Registering after boot, or twice for the
// same name, is a configuration defect and panics.
func (r *Registry) Register(meta *EntityMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if meta.Name == "" {
		panic("orm: cannot register entity metadata without a name")
	}
	if _, dup := r.entities[meta.Name]; dup {
		panic(fmt.Sprintf("orm: entity %q registered twice", meta.Name))
	}
	if meta.Filters == nil {
		meta.Filters = map[string]Filter{}
	}
	r.entities[meta.Name] = meta
}

// Get returns the metadata for an entity name.
func (r *Registry) Get(name string) (*EntityMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.entities[name]
	return meta, ok
}

// MustGet returns the metadata or an error naming the missing entity.
func (r *Registry) MustGet(name string) (*EntityMeta, error) {
	if meta, ok := r.Get(name); ok {
		return meta, nil
	}
	return nil, fmt.Errorf("orm: unable to resolve entity meta for %s", name)
}

// Names returns the registered entity names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entities))
	for n := range r.entities {
		names = append(names, n)
	}
	return names
}

// keyHashSeparator joins composite-key components. It must never occur in
// key values.
const keyHashSeparator = "~~~"

// KeyHash computes the composite-primary-key hash of a record. The hash is
// identical for a loaded record and a freshly constructed one with the
// same logical identity, which is what the reconciler's matching depends
// on. Relation-valued key components hash through the related record's own
// primary key.
func KeyHash(reg *Registry, meta *EntityMeta, rec Record) string {
	parts := make([]string, 0, len(meta.PrimaryKeys))
	for _, pk := range meta.PrimaryKeys {
		parts = append(parts, keyComponent(reg, meta, pk, rec[pk]))
	}
	return strings.Join(parts, keyHashSeparator)
}

// KeyHashOfWhere hashes a lookup condition the same way KeyHash hashes a
// record, for not-found diagnostics.
func KeyHashOfWhere(reg *Registry, meta *EntityMeta, where Where) string {
	rec := make(Record, len(where))
	for k, v := range where {
		rec[k] = v
	}
	return KeyHash(reg, meta, rec)
}

func keyComponent(reg *Registry, meta *EntityMeta, prop string, v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case Record:
		rel := meta.Relation(prop)
		if rel == nil {
			return fmt.Sprint(val)
		}
		targetMeta, ok := reg.Get(rel.Target)
		if !ok {
			return fmt.Sprint(val)
		}
		return KeyHash(reg, targetMeta, val)
	default:
		return fmt.Sprint(val)
	}
}

// ReduceIdentity shrinks a record to its primary-key components, recursing
// through relation-valued key parts. The result hashes identically to the
// full record but holds no collections or back-references, so it is safe to
// embed and serialize.
func ReduceIdentity(reg *Registry, meta *EntityMeta, rec Record) Record {
	out := make(Record, len(meta.PrimaryKeys))
	for _, pk := range meta.PrimaryKeys {
		v, ok := rec[pk]
		if !ok {
			continue
		}
		if nested, isRec := v.(Record); isRec {
			if rel := meta.Relation(pk); rel != nil {
				if targetMeta, found := reg.Get(rel.Target); found {
					out[pk] = ReduceIdentity(reg, targetMeta, nested)
					continue
				}
			}
		}
		out[pk] = v
	}
	return out
}

// PrimaryKeyOf picks the primary-key-shaped fields out of a record.
func PrimaryKeyOf(meta *EntityMeta, rec Record) Record {
	out := make(Record, len(meta.PrimaryKeys))
	for _, pk := range meta.PrimaryKeys {
		if v, ok := rec[pk]; ok {
			out[pk] = v
		}
	}
	return out
}
