package memdb

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/crudkit/crudkit/orm"
)

// filterConds resolves the named-filter arguments of find options into
// where conditions.
func filterConds(meta *orm.EntityMeta, opts *orm.FindOptions) ([]orm.Where, error) {
	if opts == nil || len(opts.Filters) == 0 {
		return nil, nil
	}
	conds := make([]orm.Where, 0, len(opts.Filters))
	for name, arg := range opts.Filters {
		filter, ok := meta.Filters[name]
		if !ok {
			return nil, fmt.Errorf("memdb: filter %q is not registered on %s", name, meta.Name)
		}
		if arg == nil || arg == false {
			continue
		}
		if cond := filter.Cond(arg); len(cond) > 0 {
			conds = append(conds, cond)
		}
	}
	return conds, nil
}

// matchRow evaluates a where condition plus extra conjunctive conditions
// against a stored row.
func matchRow(reg *orm.Registry, meta *orm.EntityMeta, row orm.Record, where orm.Where, extra []orm.Where) bool {
	if !matchWhere(reg, meta, row, where) {
		return false
	}
	for _, cond := range extra {
		if !matchWhere(reg, meta, row, cond) {
			return false
		}
	}
	return true
}

func matchWhere(reg *orm.Registry, meta *orm.EntityMeta, row orm.Record, where orm.Where) bool {
	for field, cond := range where {
		if field == orm.AndKey {
			subs, _ := cond.([]orm.Where)
			for _, sub := range subs {
				if !matchWhere(reg, meta, row, sub) {
					return false
				}
			}
			continue
		}
		if !matchField(reg, meta, row, field, cond) {
			return false
		}
	}
	return true
}

func matchField(reg *orm.Registry, meta *orm.EntityMeta, row orm.Record, field string, cond any) bool {
	val := normalizeValue(reg, meta, field, row[field])
	switch c := cond.(type) {
	case orm.Predicate:
		return matchPredicate(val, c)
	case orm.Record:
		return equalLoose(val, normalizeValue(reg, meta, field, c))
	default:
		return equalLoose(val, c)
	}
}

// normalizeValue reduces relation-valued fields to the related record's
// key hash, so lookups by scalar key, reduced record or live record all
// agree.
func normalizeValue(reg *orm.Registry, meta *orm.EntityMeta, field string, v any) any {
	nested, isRec := v.(orm.Record)
	if !isRec {
		return v
	}
	rel := meta.Relation(field)
	if rel == nil {
		return v
	}
	targetMeta, ok := reg.Get(rel.Target)
	if !ok {
		return v
	}
	return orm.KeyHash(reg, targetMeta, nested)
}

func matchPredicate(val any, pred orm.Predicate) bool {
	for op, operand := range pred {
		switch op {
		case orm.OpEq:
			if operand == nil {
				if val != nil {
					return false
				}
				continue
			}
			if !equalLoose(val, operand) {
				return false
			}
		case orm.OpNe:
			if operand == nil {
				if val == nil {
					return false
				}
				continue
			}
			if equalLoose(val, operand) {
				return false
			}
		case orm.OpGt:
			if val == nil || compareLoose(val, operand) <= 0 {
				return false
			}
		case orm.OpGte:
			if val == nil || compareLoose(val, operand) < 0 {
				return false
			}
		case orm.OpLt:
			if val == nil || compareLoose(val, operand) >= 0 {
				return false
			}
		case orm.OpLte:
			if val == nil || compareLoose(val, operand) > 0 {
				return false
			}
		case orm.OpIn:
			list, _ := operand.([]any)
			found := false
			for _, item := range list {
				if equalLoose(val, item) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case orm.OpLike:
			if !likeMatch(val, operand, false) {
				return false
			}
		case orm.OpILike:
			if !likeMatch(val, operand, true) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// equalLoose compares values across the int/float64/string drift JSON
// decoding introduces.
func equalLoose(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a == b {
		return true
	}
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareLoose orders two values numerically when both parse as numbers,
// lexically otherwise.
func compareLoose(a, b any) int {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// likeMatch implements SQL LIKE over strings: % matches any run, _ one
// character.
func likeMatch(val, pattern any, foldCase bool) bool {
	s := fmt.Sprint(val)
	p := fmt.Sprint(pattern)
	expr := regexp.QuoteMeta(p)
	expr = strings.ReplaceAll(expr, "%", ".*")
	expr = strings.ReplaceAll(expr, "_", ".")
	if foldCase {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// sortHashes orders matched rows by the requested fields. The sort is
// stable so equal keys keep insertion order.
func sortHashes(tbl *table, hashes []string, orderBy []orm.Order) {
	sort.SliceStable(hashes, func(i, j int) bool {
		a, b := tbl.rows[hashes[i]], tbl.rows[hashes[j]]
		for _, ord := range orderBy {
			cmp := compareLoose(a[ord.Field], b[ord.Field])
			if cmp == 0 {
				continue
			}
			if ord.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}
