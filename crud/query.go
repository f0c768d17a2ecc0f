// Package crud provides the generic resource controller: five REST
// operations plus an optional distinct endpoint over any registered entity,
// a query-string operator DSL and the nested-collection reconciler used by
// updates.
package crud

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/crudkit/crudkit/httperr"
	"github.com/crudkit/crudkit/orm"
)

var (
	reDt             = regexp.MustCompile(`\$dt\([1-9][0-9]+\)`)
	reDtCapture      = regexp.MustCompile(`\$dt\((.+)\)`)
	reBetweenNumeric = regexp.MustCompile(`(?i)^\$between\((\d+),(\d+)\)$`)
	reBetween        = regexp.MustCompile(`(?i)^\$between\(([^,]+),(.+)\)$`)
	reLike           = regexp.MustCompile(`(?i)^\$like\((.*)\)$`)
	reILike          = regexp.MustCompile(`(?i)^\$ilike\((.*)\)$`)
	reIn             = regexp.MustCompile(`(?i)^\$in\((.+)\)$`)
	reGt             = regexp.MustCompile(`(?i)^\$gt\((.+)\)$`)
	reLt             = regexp.MustCompile(`(?i)^\$lt\((.+)\)$`)
	reNull           = regexp.MustCompile(`(?i)\$null`)
	reNotNull        = regexp.MustCompile(`(?i)\$notNull`)
)

// resolveValue substitutes a $dt(milliseconds) token with the ISO-8601
// string of that Unix-epoch-millisecond timestamp. Anything else passes
// through unchanged.
func resolveValue(val, resource string) (string, error) {
	if !reDt.MatchString(val) {
		return val, nil
	}
	m := reDtCapture.FindStringSubmatch(val)
	if m == nil {
		return "", httperr.QueryMalformed(resource, "failed to evalQuery $dt")
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return "", httperr.QueryMalformed(resource, "failed to evalQuery $dt")
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z"), nil
}

// EvalQuery evaluates one query-string token into a structured comparison
// predicate. A nil predicate with a nil error means "no constraint", which
// happens when an $in(...) list is empty after dropping blanks.
//
// Supported tokens, checked in order:
//
//	$between(a,b)   both plain integers: numeric $gte/$lte pair
//	$like(x)        x may itself contain parentheses
//	$ilike(x)       case-insensitive variant
//	$between(a,b)   general form, values resolved through $dt(ms)
//	$in(a,b,...)    values resolved through $dt(ms)
//	$gt(x) / $lt(x)
//	$null / $notNull
//	anything else   equality against the resolved token
func EvalQuery(v, resource string) (orm.Predicate, error) {
	switch {
	case reBetweenNumeric.MatchString(v):
		m := reBetweenNumeric.FindStringSubmatch(v)
		lo, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, httperr.QueryMalformed(resource, "failed to evalQuery $between")
		}
		hi, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, httperr.QueryMalformed(resource, "failed to evalQuery $between")
		}
		return orm.Predicate{orm.OpGte: lo, orm.OpLte: hi}, nil

	case reLike.MatchString(v):
		m := reLike.FindStringSubmatch(v)
		return orm.Predicate{orm.OpLike: m[1]}, nil

	case reILike.MatchString(v):
		m := reILike.FindStringSubmatch(v)
		return orm.Predicate{orm.OpILike: m[1]}, nil

	case reBetween.MatchString(v):
		m := reBetween.FindStringSubmatch(v)
		lo, err := resolveValue(m[1], resource)
		if err != nil {
			return nil, err
		}
		hi, err := resolveValue(m[2], resource)
		if err != nil {
			return nil, err
		}
		return orm.Predicate{orm.OpGte: lo, orm.OpLte: hi}, nil

	case reIn.MatchString(v):
		m := reIn.FindStringSubmatch(v)
		tokens := make([]any, 0)
		for _, part := range strings.Split(m[1], ",") {
			if part == "" {
				continue
			}
			resolved, err := resolveValue(part, resource)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, resolved)
		}
		if len(tokens) == 0 {
			return nil, nil
		}
		return orm.Predicate{orm.OpIn: tokens}, nil

	case reGt.MatchString(v):
		m := reGt.FindStringSubmatch(v)
		resolved, err := resolveValue(m[1], resource)
		if err != nil {
			return nil, err
		}
		return orm.Predicate{orm.OpGt: resolved}, nil

	case reLt.MatchString(v):
		m := reLt.FindStringSubmatch(v)
		resolved, err := resolveValue(m[1], resource)
		if err != nil {
			return nil, err
		}
		return orm.Predicate{orm.OpLt: resolved}, nil

	case reNull.MatchString(v):
		return orm.Predicate{orm.OpEq: nil}, nil

	case reNotNull.MatchString(v):
		return orm.Predicate{orm.OpNe: nil}, nil
	}

	resolved, err := resolveValue(v, resource)
	if err != nil {
		return nil, err
	}
	return orm.Predicate{orm.OpEq: resolved}, nil
}
