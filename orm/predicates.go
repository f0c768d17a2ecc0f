package orm

import (
	"fmt"
	"strings"
)

// Operator is a backend-agnostic comparison operator. The string values
// mirror the query-string DSL tokens so predicates stay readable in logs
// and tests.
type Operator string

const (
	OpEq    Operator = "$eq"
	OpNe    Operator = "$ne"
	OpGt    Operator = "$gt"
	OpGte   Operator = "$gte"
	OpLt    Operator = "$lt"
	OpLte   Operator = "$lte"
	OpIn    Operator = "$in"
	OpLike  Operator = "$like"
	OpILike Operator = "$ilike"
)

// SQL returns the SQL rendering of the operator.
func (o Operator) SQL() string {
	switch o {
	case OpEq:
		return "="
	case OpNe:
		return "!="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpIn:
		return "IN"
	case OpLike:
		return "LIKE"
	case OpILike:
		return "ILIKE"
	default:
		return "UNKNOWN"
	}
}

// Predicate is the structured comparison produced by the query DSL for a
// single field: operator → comparand. $between materializes as the pair
// {$gte, $lte}; all other tokens carry exactly one operator.
type Predicate map[Operator]any

// Where is a condition over entity fields. Values may be scalars (implicit
// equality), Predicates, nested Records (relation identity match) or, under
// the AndKey, a list of further Where conditions.
type Where map[string]any

// AndKey combines sub-conditions conjunctively inside a Where.
const AndKey = "$and"

// And appends conditions to the Where's conjunction list, skipping empties.
func (w Where) And(conds ...Where) Where {
	existing, _ := w[AndKey].([]Where)
	for _, c := range conds {
		if len(c) == 0 {
			continue
		}
		existing = append(existing, c)
	}
	if len(existing) > 0 {
		w[AndKey] = existing
	}
	return w
}

// Merge copies the field conditions of src into w. Conjunction lists are
// concatenated rather than overwritten.
func (w Where) Merge(src Where) Where {
	for k, v := range src {
		if k == AndKey {
			if list, ok := v.([]Where); ok {
				w.And(list...)
			}
			continue
		}
		w[k] = v
	}
	return w
}

// Order is one entry of an ordering clause.
type Order struct {
	Field string
	Desc  bool
}

// String renders the order entry the way the query string spells it.
func (o Order) String() string {
	dir := "asc"
	if o.Desc {
		dir = "desc"
	}
	return fmt.Sprintf("%s %s", o.Field, dir)
}

// FindOptions carries pagination, ordering, population and named-filter
// arguments for find operations.
type FindOptions struct {
	Limit    int
	Offset   int
	OrderBy  []Order
	Populate []string
	// Filters maps registered filter names to their arguments. A nil or
	// false argument disables the filter for this query.
	Filters map[string]any
}

// PopulateString joins the populate list for diagnostics.
func (o *FindOptions) PopulateString() string {
	if o == nil {
		return ""
	}
	return strings.Join(o.Populate, ",")
}
