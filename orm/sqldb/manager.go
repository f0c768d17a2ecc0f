// Package sqldb implements the EntityManager contract over database/sql.
// It targets PostgreSQL (pgx driver) and SQLite for the example apps;
// queries use positional placeholders and every driver error funnels
// through ConvertDBError.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/crudkit/crudkit/orm"
)

// runner abstracts *sql.DB and *sql.Tx so one manager implementation
// serves both transactional and plain execution.
type runner interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Manager is one unit of work over a SQL database.
type Manager struct {
	db       *sql.DB
	run      runner
	reg      *orm.Registry
	identity map[string]map[string]orm.Record
	known    map[string]map[string]bool
	persists []pendingOp
	removes  []pendingOp
}

type pendingOp struct {
	entity string
	rec    orm.Record
}

// New creates a manager over db with the given metadata registry.
func New(db *sql.DB, reg *orm.Registry) *Manager {
	return &Manager{
		db:       db,
		run:      db,
		reg:      reg,
		identity: map[string]map[string]orm.Record{},
		known:    map[string]map[string]bool{},
	}
}

func (m *Manager) Registry() *orm.Registry { return m.reg }

// Fork derives an independent unit of work over the same database.
func (m *Manager) Fork() orm.EntityManager { return New(m.db, m.reg) }

func (m *Manager) register(entity, hash string, rec orm.Record, fromDB bool) {
	if m.identity[entity] == nil {
		m.identity[entity] = map[string]orm.Record{}
		m.known[entity] = map[string]bool{}
	}
	m.identity[entity][hash] = rec
	if fromDB {
		m.known[entity][hash] = true
	}
}

// storageColumns lists the physical columns of an entity: its scalar
// columns plus one key column per to-one relation.
func storageColumns(meta *orm.EntityMeta) []string {
	cols := append([]string(nil), meta.Columns...)
	for _, rel := range meta.Relations {
		if rel.Kind != orm.ToOne {
			continue
		}
		if !meta.HasColumn(rel.Name) {
			cols = append(cols, rel.Name)
		}
	}
	return cols
}

// columnValue reduces a record field to its storable form.
func (m *Manager) columnValue(meta *orm.EntityMeta, field string, v any) any {
	nested, isRec := v.(orm.Record)
	if !isRec {
		return v
	}
	rel := meta.Relation(field)
	if rel == nil {
		return fmt.Sprint(v)
	}
	targetMeta, ok := m.reg.Get(rel.Target)
	if !ok {
		return fmt.Sprint(v)
	}
	return orm.KeyHash(m.reg, targetMeta, nested)
}

// Create builds an unmanaged record, recursing into to-many arrays and
// applying column defaults. Nothing touches the database.
func (m *Manager) Create(entity string, data orm.Record) (orm.Record, error) {
	meta, err := m.reg.MustGet(entity)
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
				return nil, fmt.Errorf("sqldb: %s.%s expects an array of objects", entity, k)
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

// Assign bulk-assigns data onto rec, skipping collection-valued keys.
func (m *Manager) Assign(rec orm.Record, data orm.Record) {
	for k, v := range data {
		if _, isCol := rec[k].(*orm.Collection); isCol {
			continue
		}
		rec[k] = v
	}
}

func (m *Manager) Persist(entity string, rec orm.Record) {
	m.persists = append(m.persists, pendingOp{entity: entity, rec: rec})
}

func (m *Manager) Remove(entity string, rec orm.Record) {
	m.removes = append(m.removes, pendingOp{entity: entity, rec: rec})
}

// Flush writes pending work: inserts for identities this unit of work
// never loaded, updates otherwise, cascading to collection members with
// orphan cleanup, then deletions.
func (m *Manager) Flush(ctx context.Context) error {
	for _, op := range m.persists {
		if err := m.flushOne(ctx, op.entity, op.rec); err != nil {
			return err
		}
	}
	for _, op := range m.removes {
		if err := m.deleteOne(ctx, op.entity, op.rec); err != nil {
			return err
		}
	}
	m.persists = nil
	m.removes = nil
	return nil
}

func (m *Manager) flushOne(ctx context.Context, entity string, rec orm.Record) error {
	meta, err := m.reg.MustGet(entity)
	if err != nil {
		return err
	}
	hash := orm.KeyHash(m.reg, meta, rec)
	if m.known[entity][hash] {
		for col, fn := range meta.OnUpdate {
			rec[col] = fn()
		}
		if err := m.updateRow(ctx, meta, rec); err != nil {
			return err
		}
	} else {
		if err := m.insertRow(ctx, meta, rec); err != nil {
			return err
		}
	}
	m.register(entity, hash, rec, true)

	for _, rel := range meta.Relations {
		if rel.Kind != orm.ToMany {
			continue
		}
		col, ok := rec[rel.Name].(*orm.Collection)
		if !ok {
			continue
		}
		childMeta, err := m.reg.MustGet(rel.Target)
		if err != nil {
			return err
		}
		members := map[string]orm.Record{}
		for _, member := range col.Items() {
			if rel.MappedBy != "" {
				member[rel.MappedBy] = orm.ReduceIdentity(m.reg, meta, rec)
			}
			childHash := orm.KeyHash(m.reg, childMeta, member)
			if rel.Cascade {
				if err := m.flushOne(ctx, rel.Target, member); err != nil {
					return err
				}
			}
			members[childHash] = member
		}
		if rel.OrphanRemoval && rel.MappedBy != "" {
			if err := m.removeOrphans(ctx, childMeta, rel.MappedBy, hash, members); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) insertRow(ctx context.Context, meta *orm.EntityMeta, rec orm.Record) error {
	cols := make([]string, 0)
	marks := make([]string, 0)
	args := make([]any, 0)
	for _, col := range storageColumns(meta) {
		v, present := rec[col]
		if !present {
			continue
		}
		cols = append(cols, col)
		marks = append(marks, fmt.Sprintf("$%d", len(args)+1))
		args = append(args, m.columnValue(meta, col, v))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		meta.Table, strings.Join(cols, ", "), strings.Join(marks, ", "))
	if _, err := m.run.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert %s: %w", meta.Name, ConvertDBError(err))
	}
	return nil
}

func (m *Manager) updateRow(ctx context.Context, meta *orm.EntityMeta, rec orm.Record) error {
	sets := make([]string, 0)
	args := make([]any, 0)
	for _, col := range storageColumns(meta) {
		if meta.IsPrimary(col) {
			continue
		}
		v, present := rec[col]
		if !present {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)+1))
		args = append(args, m.columnValue(meta, col, v))
	}
	if len(sets) == 0 {
		return nil
	}
	conds := make([]string, 0, len(meta.PrimaryKeys))
	for _, pk := range meta.PrimaryKeys {
		conds = append(conds, fmt.Sprintf("%s = $%d", pk, len(args)+1))
		args = append(args, m.columnValue(meta, pk, rec[pk]))
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		meta.Table, strings.Join(sets, ", "), strings.Join(conds, " AND "))
	if _, err := m.run.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update %s: %w", meta.Name, ConvertDBError(err))
	}
	return nil
}

// removeOrphans deletes children of the parent that dropped out of the
// collection.
func (m *Manager) removeOrphans(ctx context.Context, childMeta *orm.EntityMeta, mappedBy, parentHash string, members map[string]orm.Record) error {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", childMeta.Table, mappedBy)
	rows, err := m.run.QueryContext(ctx, query, parentHash)
	if err != nil {
		return fmt.Errorf("failed to load %s for orphan cleanup: %w", childMeta.Name, ConvertDBError(err))
	}
	existing, err := scanRows(rows)
	if err != nil {
		return err
	}
	for _, row := range existing {
		hash := orm.KeyHash(m.reg, childMeta, row)
		if _, kept := members[hash]; kept {
			continue
		}
		if err := m.deleteByMeta(ctx, childMeta, row); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) deleteOne(ctx context.Context, entity string, rec orm.Record) error {
	meta, err := m.reg.MustGet(entity)
	if err != nil {
		return err
	}
	hash := orm.KeyHash(m.reg, meta, rec)

	// Cascade deletion to owned children first.
	for _, rel := range meta.Relations {
		if rel.Kind != orm.ToMany || rel.MappedBy == "" || !(rel.Cascade || rel.OrphanRemoval) {
			continue
		}
		childMeta, err := m.reg.MustGet(rel.Target)
		if err != nil {
			return err
		}
		query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", childMeta.Table, rel.MappedBy)
		if _, err := m.run.ExecContext(ctx, query, hash); err != nil {
			return fmt.Errorf("failed to delete %s children: %w", childMeta.Name, ConvertDBError(err))
		}
	}

	if err := m.deleteByMeta(ctx, meta, rec); err != nil {
		return err
	}
	delete(m.identity[entity], hash)
	delete(m.known[entity], hash)
	return nil
}

func (m *Manager) deleteByMeta(ctx context.Context, meta *orm.EntityMeta, rec orm.Record) error {
	conds := make([]string, 0, len(meta.PrimaryKeys))
	args := make([]any, 0, len(meta.PrimaryKeys))
	for _, pk := range meta.PrimaryKeys {
		conds = append(conds, fmt.Sprintf("%s = $%d", pk, len(args)+1))
		args = append(args, m.columnValue(meta, pk, rec[pk]))
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", meta.Table, strings.Join(conds, " AND "))
	if _, err := m.run.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete %s: %w", meta.Name, ConvertDBError(err))
	}
	return nil
}

func (m *Manager) RemoveAndFlush(ctx context.Context, entity string, rec orm.Record) error {
	m.Remove(entity, rec)
	return m.Flush(ctx)
}

func (m *Manager) FindOne(ctx context.Context, entity string, where orm.Where, opts *orm.FindOptions) (orm.Record, error) {
	meta, err := m.reg.MustGet(entity)
	if err != nil {
		return nil, err
	}
	whereSQL, args, err := m.renderWhere(meta, where, opts)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT * FROM %s", meta.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}
	query += " LIMIT 1"

	rows, err := m.run.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", meta.Name, ConvertDBError(err))
	}
	records, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return m.adopt(ctx, entity, meta, records[0], opts)
}

func (m *Manager) FindAndCount(ctx context.Context, entity string, where orm.Where, opts *orm.FindOptions) ([]orm.Record, int, error) {
	meta, err := m.reg.MustGet(entity)
	if err != nil {
		return nil, 0, err
	}
	whereSQL, args, err := m.renderWhere(meta, where, opts)
	if err != nil {
		return nil, 0, err
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s", meta.Table)
	if whereSQL != "" {
		countQuery += " WHERE " + whereSQL
	}
	var count int
	if err := m.run.QueryRowContext(ctx, countQuery, args...).Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("failed to count %s: %w", meta.Name, ConvertDBError(err))
	}

	query := fmt.Sprintf("SELECT * FROM %s", meta.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}
	if opts != nil && len(opts.OrderBy) > 0 {
		query += " ORDER BY " + orderSQL(opts.OrderBy)
	}
	if opts != nil && opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts != nil && opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := m.run.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query %s: %w", meta.Name, ConvertDBError(err))
	}
	records, err := scanRows(rows)
	if err != nil {
		return nil, 0, err
	}
	out := make([]orm.Record, 0, len(records))
	for _, rec := range records {
		adopted, err := m.adopt(ctx, entity, meta, rec, opts)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, adopted)
	}
	return out, count, nil
}

func (m *Manager) Distinct(ctx context.Context, entity string, field string, where orm.Where) ([]string, error) {
	meta, err := m.reg.MustGet(entity)
	if err != nil {
		return nil, err
	}
	whereSQL, args, err := m.renderWhere(meta, where, nil)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s", field, meta.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := m.run.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct %s: %w", meta.Name, ConvertDBError(err))
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, ConvertDBError(err)
		}
		if v.Valid {
			out = append(out, v.String)
		}
	}
	return out, rows.Err()
}

// TryGetByIdentity resolves the managed instance for a primary-key-shaped
// query: the unit of work first, the database second.
func (m *Manager) TryGetByIdentity(entity string, query orm.Record) orm.Record {
	meta, ok := m.reg.Get(entity)
	if !ok {
		return nil
	}
	hash := orm.KeyHash(m.reg, meta, query)
	if rec, tracked := m.identity[entity][hash]; tracked {
		return rec
	}
	where := make(orm.Where, len(query))
	for k, v := range query {
		where[k] = v
	}
	rec, err := m.FindOne(context.Background(), entity, where, nil)
	if err != nil {
		return nil
	}
	return rec
}

// Transactional runs fn against a manager bound to one database
// transaction, committing on success and rolling back on error.
func (m *Manager) Transactional(ctx context.Context, fn func(ctx context.Context, em orm.EntityManager) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return ConvertDBError(err)
	}
	fork := New(m.db, m.reg)
	fork.run = tx
	if err := fn(ctx, fork); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return ConvertDBError(err)
	}
	// Keep records loaded inside the transaction managed by the caller.
	for entity, bucket := range fork.identity {
		for hash, rec := range bucket {
			m.register(entity, hash, rec, fork.known[entity][hash])
		}
	}
	return nil
}

// renderWhere combines a where condition with the named-filter arguments
// of find options.
func (m *Manager) renderWhere(meta *orm.EntityMeta, where orm.Where, opts *orm.FindOptions) (string, []any, error) {
	b := newWhereBuilder(m.reg, meta)
	if err := b.add(where); err != nil {
		return "", nil, err
	}
	if opts != nil {
		for name, arg := range opts.Filters {
			filter, ok := meta.Filters[name]
			if !ok {
				return "", nil, fmt.Errorf("sqldb: filter %q is not registered on %s", name, meta.Name)
			}
			if arg == nil || arg == false {
				continue
			}
			if cond := filter.Cond(arg); len(cond) > 0 {
				if err := b.add(cond); err != nil {
					return "", nil, err
				}
			}
		}
	}
	return b.sql(), b.args, nil
}

// adopt registers a scanned row as a managed instance, reusing the
// tracked instance for an already-seen identity, and populates requested
// relations.
func (m *Manager) adopt(ctx context.Context, entity string, meta *orm.EntityMeta, rec orm.Record, opts *orm.FindOptions) (orm.Record, error) {
	hash := orm.KeyHash(m.reg, meta, rec)
	if tracked, ok := m.identity[entity][hash]; ok {
		rec = tracked
	} else {
		m.register(entity, hash, rec, true)
	}

	if opts == nil || len(opts.Populate) == 0 {
		return rec, nil
	}
	for _, path := range opts.Populate {
		head, tail, nested := strings.Cut(path, ".")
		rel := meta.Relation(head)
		if rel == nil {
			continue
		}
		targetMeta, err := m.reg.MustGet(rel.Target)
		if err != nil {
			return nil, err
		}
		var childOpts *orm.FindOptions
		if nested {
			childOpts = &orm.FindOptions{Populate: []string{tail}}
		}
		switch rel.Kind {
		case orm.ToMany:
			if rel.MappedBy == "" {
				continue
			}
			query := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", targetMeta.Table, rel.MappedBy)
			rows, err := m.run.QueryContext(ctx, query, hash)
			if err != nil {
				return nil, fmt.Errorf("failed to populate %s.%s: %w", entity, head, ConvertDBError(err))
			}
			children, err := scanRows(rows)
			if err != nil {
				return nil, err
			}
			col := orm.NewCollection()
			for _, child := range children {
				adopted, err := m.adopt(ctx, rel.Target, targetMeta, child, childOpts)
				if err != nil {
					return nil, err
				}
				col.Add(adopted)
			}
			rec[head] = col
		case orm.ToOne:
			ref := rec[head]
			if ref == nil {
				continue
			}
			// The stored key column carries the target's key hash; load the
			// full row behind it.
			loaded, err := m.findByHash(ctx, rel.Target, targetMeta, fmt.Sprint(m.columnValue(meta, head, ref)), childOpts)
			if err != nil {
				return nil, err
			}
			if loaded != nil {
				rec[head] = loaded
			}
		}
	}
	return rec, nil
}

// findByHash loads a record whose composite-key hash equals hash. Only
// usable for single-key targets, where the hash is the key value itself;
// composite targets stay in reduced form.
func (m *Manager) findByHash(ctx context.Context, entity string, meta *orm.EntityMeta, hash string, opts *orm.FindOptions) (orm.Record, error) {
	if len(meta.PrimaryKeys) != 1 {
		return nil, nil
	}
	return m.FindOne(ctx, entity, orm.Where{meta.PrimaryKeys[0]: hash}, opts)
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
