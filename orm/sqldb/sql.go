package sqldb

import (
	"fmt"
	"sort"
	"strings"

	"github.com/crudkit/crudkit/orm"
)

// whereBuilder renders an orm.Where into a SQL condition with positional
// placeholders.
type whereBuilder struct {
	reg     *orm.Registry
	meta    *orm.EntityMeta
	clauses []string
	args    []any
}

func newWhereBuilder(reg *orm.Registry, meta *orm.EntityMeta) *whereBuilder {
	return &whereBuilder{reg: reg, meta: meta}
}

func (b *whereBuilder) placeholder() string {
	return fmt.Sprintf("$%d", len(b.args)+1)
}

// add renders one Where into the clause list.
func (b *whereBuilder) add(where orm.Where) error {
	// Deterministic clause order keeps generated SQL testable.
	fields := make([]string, 0, len(where))
	for f := range where {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		cond := where[field]
		if field == orm.AndKey {
			subs, _ := cond.([]orm.Where)
			for _, sub := range subs {
				if err := b.add(sub); err != nil {
					return err
				}
			}
			continue
		}
		if err := b.addField(field, cond); err != nil {
			return err
		}
	}
	return nil
}

func (b *whereBuilder) addField(field string, cond any) error {
	switch c := cond.(type) {
	case orm.Predicate:
		return b.addPredicate(field, c)
	default:
		b.clauses = append(b.clauses, fmt.Sprintf("%s = %s", field, b.placeholder()))
		b.args = append(b.args, b.bindValue(field, cond))
		return nil
	}
}

func (b *whereBuilder) addPredicate(field string, pred orm.Predicate) error {
	ops := make([]string, 0, len(pred))
	for op := range pred {
		ops = append(ops, string(op))
	}
	sort.Strings(ops)

	for _, opName := range ops {
		op := orm.Operator(opName)
		operand := pred[op]
		switch op {
		case orm.OpEq:
			if operand == nil {
				b.clauses = append(b.clauses, fmt.Sprintf("%s IS NULL", field))
				continue
			}
			b.clauses = append(b.clauses, fmt.Sprintf("%s = %s", field, b.placeholder()))
			b.args = append(b.args, b.bindValue(field, operand))
		case orm.OpNe:
			if operand == nil {
				b.clauses = append(b.clauses, fmt.Sprintf("%s IS NOT NULL", field))
				continue
			}
			b.clauses = append(b.clauses, fmt.Sprintf("%s != %s", field, b.placeholder()))
			b.args = append(b.args, b.bindValue(field, operand))
		case orm.OpGt, orm.OpGte, orm.OpLt, orm.OpLte, orm.OpLike, orm.OpILike:
			b.clauses = append(b.clauses, fmt.Sprintf("%s %s %s", field, op.SQL(), b.placeholder()))
			b.args = append(b.args, b.bindValue(field, operand))
		case orm.OpIn:
			list, ok := operand.([]any)
			if !ok || len(list) == 0 {
				return fmt.Errorf("sqldb: $in operand for %s must be a non-empty list", field)
			}
			marks := make([]string, 0, len(list))
			for _, item := range list {
				marks = append(marks, b.placeholder())
				b.args = append(b.args, b.bindValue(field, item))
			}
			b.clauses = append(b.clauses, fmt.Sprintf("%s IN (%s)", field, strings.Join(marks, ", ")))
		default:
			return fmt.Errorf("sqldb: unsupported operator %s", op)
		}
	}
	return nil
}

// bindValue reduces relation-valued comparands to their storable key form.
func (b *whereBuilder) bindValue(field string, v any) any {
	nested, isRec := v.(orm.Record)
	if !isRec {
		return v
	}
	rel := b.meta.Relation(field)
	if rel == nil {
		return fmt.Sprint(v)
	}
	targetMeta, ok := b.reg.Get(rel.Target)
	if !ok {
		return fmt.Sprint(v)
	}
	return orm.KeyHash(b.reg, targetMeta, nested)
}

// sql renders the accumulated clauses, or "" when unconstrained.
func (b *whereBuilder) sql() string {
	if len(b.clauses) == 0 {
		return ""
	}
	return strings.Join(b.clauses, " AND ")
}

// orderSQL renders an ORDER BY clause body.
func orderSQL(orders []orm.Order) string {
	parts := make([]string, 0, len(orders))
	for _, o := range orders {
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		parts = append(parts, fmt.Sprintf("%s %s", o.Field, dir))
	}
	return strings.Join(parts, ", ")
}
