package crud

import (
	"testing"

	"github.com/crudkit/crudkit/orm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalQueryBetweenNumeric(t *testing.T) {
	pred, err := EvalQuery("$between(1,2)", "books")
	require.NoError(t, err)
	assert.Equal(t, orm.Predicate{orm.OpGte: 1, orm.OpLte: 2}, pred)
}

func TestEvalQueryBetweenStringFallback(t *testing.T) {
	// Non-integer bounds take the general path and stay strings.
	pred, err := EvalQuery("$between(1500.1,2000.5)", "books")
	require.NoError(t, err)
	assert.Equal(t, orm.Predicate{orm.OpGte: "1500.1", orm.OpLte: "2000.5"}, pred)
}

func TestEvalQueryBetweenWithDt(t *testing.T) {
	pred, err := EvalQuery("$between($dt(1000),abc)", "books")
	require.NoError(t, err)
	assert.Equal(t, orm.Predicate{orm.OpGte: "1970-01-01T00:00:01.000Z", orm.OpLte: "abc"}, pred)
}

func TestEvalQueryInPreservesParentheses(t *testing.T) {
	pred, err := EvalQuery("$in((15),(90))", "books")
	require.NoError(t, err)
	assert.Equal(t, orm.Predicate{orm.OpIn: []any{"(15)", "(90)"}}, pred)
}

func TestEvalQueryInEmptyIsVoid(t *testing.T) {
	pred, err := EvalQuery("$in(,)", "books")
	require.NoError(t, err)
	assert.Nil(t, pred)
}

func TestEvalQueryLike(t *testing.T) {
	pred, err := EvalQuery("$like(%smith (jr)%)", "employee")
	require.NoError(t, err)
	assert.Equal(t, orm.Predicate{orm.OpLike: "%smith (jr)%"}, pred)

	pred, err = EvalQuery("$ilike(%SMITH%)", "employee")
	require.NoError(t, err)
	assert.Equal(t, orm.Predicate{orm.OpILike: "%SMITH%"}, pred)
}

func TestEvalQueryGtLt(t *testing.T) {
	pred, err := EvalQuery("$gt(10)", "books")
	require.NoError(t, err)
	assert.Equal(t, orm.Predicate{orm.OpGt: "10"}, pred)

	pred, err = EvalQuery("$lt($dt(1000))", "books")
	require.NoError(t, err)
	assert.Equal(t, orm.Predicate{orm.OpLt: "1970-01-01T00:00:01.000Z"}, pred)
}

func TestEvalQueryNullOperators(t *testing.T) {
	pred, err := EvalQuery("$null", "books")
	require.NoError(t, err)
	assert.Equal(t, orm.Predicate{orm.OpEq: nil}, pred)

	pred, err = EvalQuery("$notNull", "books")
	require.NoError(t, err)
	assert.Equal(t, orm.Predicate{orm.OpNe: nil}, pred)
}

func TestEvalQueryDefaultEquality(t *testing.T) {
	pred, err := EvalQuery("teletubbies", "shelf")
	require.NoError(t, err)
	assert.Equal(t, orm.Predicate{orm.OpEq: "teletubbies"}, pred)

	pred, err = EvalQuery("$dt(1000)", "shelf")
	require.NoError(t, err)
	assert.Equal(t, orm.Predicate{orm.OpEq: "1970-01-01T00:00:01.000Z"}, pred)
}
