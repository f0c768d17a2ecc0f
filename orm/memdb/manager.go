package memdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/crudkit/crudkit/orm"
)

// manager is one unit of work over the shared engine. It tracks managed
// record instances by composite-key hash so repeated lookups of the same
// identity return the same instance.
type manager struct {
	engine   *Engine
	identity map[string]map[string]orm.Record
	persists []pendingOp
	removes  []pendingOp
}

type pendingOp struct {
	entity string
	rec    orm.Record
}

func newManager(e *Engine) *manager {
	return &manager{
		engine:   e,
		identity: map[string]map[string]orm.Record{},
	}
}

func (m *manager) Registry() *orm.Registry { return m.engine.reg }

func (m *manager) Fork() orm.EntityManager { return newManager(m.engine) }

func (m *manager) register(entity, hash string, rec orm.Record) {
	bucket, ok := m.identity[entity]
	if !ok {
		bucket = map[string]orm.Record{}
		m.identity[entity] = bucket
	}
	bucket[hash] = rec
}

func (m *manager) tracked(entity, hash string) (orm.Record, bool) {
	rec, ok := m.identity[entity][hash]
	return rec, ok
}

// owns reports whether rec is the manager's managed instance for the hash,
// which is what distinguishes an update from a duplicate insert.
func (m *manager) owns(entity, hash string, rec orm.Record) bool {
	existing, ok := m.tracked(entity, hash)
	return ok && orm.SameRecord(existing, rec)
}

// Create builds an unmanaged record: to-many arrays recurse into child
// creation, column defaults fill in, nothing is persisted.
func (m *manager) Create(entity string, data orm.Record) (orm.Record, error) {
	meta, err := m.engine.reg.MustGet(entity)
	if err != nil {
		return nil, err
	}
	rec := make(orm.Record, len(data))
	for k, v := range data {
		rel := meta.Relation(k)
		if rel != nil && rel.Kind == orm.ToMany {
			if col, ok := v.(*orm.Collection); ok {
				rec[k] = col
				continue
			}
			items, ok := toRecordSlice(v)
			if !ok {
				return nil, fmt.Errorf("memdb: %s.%s expects an array of objects", entity, k)
			}
			col := orm.NewCollection()
			for _, item := range items {
				child, err := m.Create(rel.Target, item)
				if err != nil {
					return nil, err
				}
				col.Add(child)
			}
			rec[k] = col
			continue
		}
		rec[k] = v
	}
	for col, fn := range meta.OnCreate {
		if _, present := rec[col]; !present {
			rec[col] = fn()
		}
	}
	return rec, nil
}

// Assign bulk-assigns data onto rec, leaving collection-valued keys for
// the reconciler.
func (m *manager) Assign(rec orm.Record, data orm.Record) {
	for k, v := range data {
		if _, isCol := rec[k].(*orm.Collection); isCol {
			continue
		}
		rec[k] = v
	}
}

func (m *manager) Persist(entity string, rec orm.Record) {
	m.persists = append(m.persists, pendingOp{entity: entity, rec: rec})
}

func (m *manager) Remove(entity string, rec orm.Record) {
	m.removes = append(m.removes, pendingOp{entity: entity, rec: rec})
}

// Flush writes the pending work to the engine: persists in registration
// order with cascade to collection members and orphan cleanup, then
// removals. A hash collision with a row this unit of work never loaded is
// a uniqueness violation.
func (m *manager) Flush(ctx context.Context) error {
	_ = ctx
	e := m.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, op := range m.persists {
		if err := m.flushOne(op.entity, op.rec); err != nil {
			return err
		}
	}
	for _, op := range m.removes {
		if err := m.removeOne(op.entity, op.rec); err != nil {
			return err
		}
	}
	m.persists = nil
	m.removes = nil
	return nil
}

func (m *manager) flushOne(entity string, rec orm.Record) error {
	reg := m.engine.reg
	meta, err := reg.MustGet(entity)
	if err != nil {
		return err
	}
	tbl := m.engine.table(entity)
	hash := orm.KeyHash(reg, meta, rec)
	if _, exists := tbl.rows[hash]; exists {
		if !m.owns(entity, hash, rec) {
			return fmt.Errorf("memdb: duplicate key value violates unique constraint on %s (%s)", entity, hash)
		}
		for col, fn := range meta.OnUpdate {
			rec[col] = fn()
		}
	}
	tbl.put(hash, storedForm(reg, meta, rec))
	m.register(entity, hash, rec)

	for _, rel := range meta.Relations {
		if rel.Kind != orm.ToMany {
			continue
		}
		col, ok := rec[rel.Name].(*orm.Collection)
		if !ok {
			continue
		}
		childMeta, err := reg.MustGet(rel.Target)
		if err != nil {
			return err
		}
		childTbl := m.engine.table(rel.Target)
		members := map[string]bool{}
		for _, member := range col.Items() {
			if rel.MappedBy != "" {
				// Back-references stay in reduced identity form; a live
				// parent reference would cycle under serialization.
				member[rel.MappedBy] = orm.ReduceIdentity(reg, meta, rec)
			}
			childHash := orm.KeyHash(reg, childMeta, member)
			if _, exists := childTbl.rows[childHash]; exists && !m.owns(rel.Target, childHash, member) {
				return fmt.Errorf("memdb: duplicate key value violates unique constraint on %s (%s)", rel.Target, childHash)
			}
			if rel.Cascade {
				childTbl.put(childHash, storedForm(reg, childMeta, member))
				m.register(rel.Target, childHash, member)
			}
			members[childHash] = true
		}
		if rel.OrphanRemoval && rel.MappedBy != "" {
			for _, h := range append([]string(nil), childTbl.order...) {
				row := childTbl.rows[h]
				if members[h] {
					continue
				}
				if refHash(reg, meta, row[rel.MappedBy]) == hash {
					childTbl.delete(h)
				}
			}
		}
	}
	return nil
}

func (m *manager) removeOne(entity string, rec orm.Record) error {
	reg := m.engine.reg
	meta, err := reg.MustGet(entity)
	if err != nil {
		return err
	}
	hash := orm.KeyHash(reg, meta, rec)
	m.engine.table(entity).delete(hash)
	delete(m.identity[entity], hash)

	// Cascade deletion to owned children.
	for _, rel := range meta.Relations {
		if rel.Kind != orm.ToMany || rel.MappedBy == "" || !(rel.Cascade || rel.OrphanRemoval) {
			continue
		}
		childTbl := m.engine.table(rel.Target)
		for _, h := range append([]string(nil), childTbl.order...) {
			if refHash(reg, meta, childTbl.rows[h][rel.MappedBy]) == hash {
				childTbl.delete(h)
			}
		}
	}
	return nil
}

func (m *manager) RemoveAndFlush(ctx context.Context, entity string, rec orm.Record) error {
	m.Remove(entity, rec)
	return m.Flush(ctx)
}

func (m *manager) FindOne(ctx context.Context, entity string, where orm.Where, opts *orm.FindOptions) (orm.Record, error) {
	_ = ctx
	reg := m.engine.reg
	meta, err := reg.MustGet(entity)
	if err != nil {
		return nil, err
	}
	conds, err := filterConds(meta, opts)
	if err != nil {
		return nil, err
	}

	m.engine.mu.RLock()
	defer m.engine.mu.RUnlock()
	tbl := m.engine.table(entity)
	for _, h := range tbl.order {
		if !matchRow(reg, meta, tbl.rows[h], where, conds) {
			continue
		}
		return m.loadRow(entity, meta, h, populateSpec(opts)), nil
	}
	return nil, nil
}

func (m *manager) FindAndCount(ctx context.Context, entity string, where orm.Where, opts *orm.FindOptions) ([]orm.Record, int, error) {
	_ = ctx
	reg := m.engine.reg
	meta, err := reg.MustGet(entity)
	if err != nil {
		return nil, 0, err
	}
	conds, err := filterConds(meta, opts)
	if err != nil {
		return nil, 0, err
	}

	m.engine.mu.RLock()
	defer m.engine.mu.RUnlock()
	tbl := m.engine.table(entity)
	matched := make([]string, 0)
	for _, h := range tbl.order {
		if matchRow(reg, meta, tbl.rows[h], where, conds) {
			matched = append(matched, h)
		}
	}
	count := len(matched)

	if opts != nil && len(opts.OrderBy) > 0 {
		sortHashes(tbl, matched, opts.OrderBy)
	}
	offset, limit := 0, count
	if opts != nil {
		offset = opts.Offset
		if opts.Limit > 0 {
			limit = opts.Limit
		}
	}
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}

	spec := populateSpec(opts)
	items := make([]orm.Record, 0, end-offset)
	for _, h := range matched[offset:end] {
		items = append(items, m.loadRow(entity, meta, h, spec))
	}
	return items, count, nil
}

func (m *manager) Distinct(ctx context.Context, entity string, field string, where orm.Where) ([]string, error) {
	_ = ctx
	reg := m.engine.reg
	meta, err := reg.MustGet(entity)
	if err != nil {
		return nil, err
	}

	m.engine.mu.RLock()
	defer m.engine.mu.RUnlock()
	tbl := m.engine.table(entity)
	seen := map[string]bool{}
	out := make([]string, 0)
	for _, h := range tbl.order {
		row := tbl.rows[h]
		if !matchRow(reg, meta, row, where, nil) {
			continue
		}
		v := fmt.Sprint(row[field])
		if row[field] == nil {
			continue
		}
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out, nil
}

// TryGetByIdentity resolves the managed instance for a primary-key-shaped
// query: first the unit of work, then the backing store.
func (m *manager) TryGetByIdentity(entity string, query orm.Record) orm.Record {
	reg := m.engine.reg
	meta, ok := reg.Get(entity)
	if !ok {
		return nil
	}
	hash := orm.KeyHash(reg, meta, query)
	if rec, tracked := m.tracked(entity, hash); tracked {
		return rec
	}
	m.engine.mu.RLock()
	defer m.engine.mu.RUnlock()
	if _, exists := m.engine.table(entity).rows[hash]; exists {
		return m.loadRow(entity, meta, hash, nil)
	}
	return nil
}

// Transactional snapshots the engine, runs fn against a fresh fork and
// restores the snapshot when fn fails. Transactions serialize engine-wide.
func (m *manager) Transactional(ctx context.Context, fn func(ctx context.Context, em orm.EntityManager) error) error {
	m.engine.txMu.Lock()
	defer m.engine.txMu.Unlock()

	snap := m.engine.snapshot()
	fork := newManager(m.engine)
	if err := fn(ctx, fork); err != nil {
		m.engine.restore(snap)
		return err
	}
	// Adopt the fork's identity map so records returned out of the
	// transaction stay managed by the caller.
	for entity, bucket := range fork.identity {
		for hash, rec := range bucket {
			m.register(entity, hash, rec)
		}
	}
	return nil
}

// loadRow materializes a managed instance for a stored row, reusing the
// already-tracked instance when the identity was seen before. Callers hold
// the engine read lock.
func (m *manager) loadRow(entity string, meta *orm.EntityMeta, hash string, populate map[string][]string) orm.Record {
	reg := m.engine.reg
	rec, tracked := m.tracked(entity, hash)
	if !tracked {
		rec = cloneStored(m.engine.table(entity).rows[hash])
		m.register(entity, hash, rec)
	}

	for _, rel := range meta.Relations {
		tails, wanted := populate[rel.Name]
		if !wanted && !rel.Eager {
			continue
		}
		targetMeta, ok := reg.Get(rel.Target)
		if !ok {
			continue
		}
		switch rel.Kind {
		case orm.ToMany:
			col := orm.NewCollection()
			childTbl := m.engine.table(rel.Target)
			for _, ch := range childTbl.order {
				if rel.MappedBy == "" || refHash(reg, meta, childTbl.rows[ch][rel.MappedBy]) != hash {
					continue
				}
				col.Add(m.loadRow(rel.Target, targetMeta, ch, subSpec(tails)))
			}
			rec[rel.Name] = col
		case orm.ToOne:
			ref, isRec := rec[rel.Name].(orm.Record)
			if !isRec {
				continue
			}
			targetHash := orm.KeyHash(reg, targetMeta, ref)
			if _, exists := m.engine.table(rel.Target).rows[targetHash]; exists {
				rec[rel.Name] = m.loadRow(rel.Target, targetMeta, targetHash, subSpec(tails))
			}
		}
	}
	return rec
}

// storedForm reduces a live record to its storage shape: collections are
// dropped (the inverse side owns nothing) and to-one relation values shrink
// to the target's primary key, which keeps stored rows cycle-free.
func storedForm(reg *orm.Registry, meta *orm.EntityMeta, rec orm.Record) orm.Record {
	out := make(orm.Record, len(rec))
	for k, v := range rec {
		if _, isCol := v.(*orm.Collection); isCol {
			continue
		}
		rel := meta.Relation(k)
		if rel != nil && rel.Kind == orm.ToOne {
			if nested, isRec := v.(orm.Record); isRec {
				if targetMeta, ok := reg.Get(rel.Target); ok {
					out[k] = orm.ReduceIdentity(reg, targetMeta, nested)
					continue
				}
			}
		}
		out[k] = v
	}
	return out
}

// refHash hashes a stored back-reference value, which may be a reduced
// primary-key record, a live record or a bare scalar key.
func refHash(reg *orm.Registry, parentMeta *orm.EntityMeta, v any) string {
	switch ref := v.(type) {
	case nil:
		return ""
	case orm.Record:
		return orm.KeyHash(reg, parentMeta, ref)
	default:
		return fmt.Sprint(ref)
	}
}

// populateSpec turns a flat populate path list into head to tail paths, so
// "shelves.books" populates books on each populated shelf.
func populateSpec(opts *orm.FindOptions) map[string][]string {
	if opts == nil {
		return nil
	}
	return subSpec(opts.Populate)
}

func subSpec(paths []string) map[string][]string {
	if len(paths) == 0 {
		return nil
	}
	spec := make(map[string][]string, len(paths))
	for _, path := range paths {
		head, tail, nested := strings.Cut(path, ".")
		if _, known := spec[head]; !known {
			spec[head] = nil
		}
		if nested {
			spec[head] = append(spec[head], tail)
		}
	}
	return spec
}

func toRecordSlice(v any) ([]orm.Record, bool) {
	switch arr := v.(type) {
	case []orm.Record:
		return arr, true
	case []any:
		out := make([]orm.Record, 0, len(arr))
		for _, el := range arr {
			rec, ok := el.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, rec)
		}
		return out, true
	default:
		return nil, false
	}
}
