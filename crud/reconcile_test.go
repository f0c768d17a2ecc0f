package crud

import (
	"context"
	"testing"

	"github.com/crudkit/crudkit/orm"
	"github.com/crudkit/crudkit/orm/memdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shelfRegistry() *orm.Registry {
	reg := orm.NewRegistry()
	reg.Register(&orm.EntityMeta{
		Name:        "library",
		Table:       "libraries",
		Columns:     []string{"slug", "title"},
		PrimaryKeys: []string{"slug"},
		Relations: []orm.Relation{
			{Name: "shelves", Kind: orm.ToMany, Target: "library_shelf", MappedBy: "library", Cascade: true, OrphanRemoval: true},
		},
	})
	reg.Register(&orm.EntityMeta{
		Name:        "library_shelf",
		Table:       "library_shelves",
		Columns:     []string{"slug"},
		PrimaryKeys: []string{"library", "slug"},
		Relations: []orm.Relation{
			{Name: "library", Kind: orm.ToOne, Target: "library"},
			{Name: "books", Kind: orm.ToMany, Target: "books", MappedBy: "shelf", Cascade: true, OrphanRemoval: true},
		},
	})
	reg.Register(&orm.EntityMeta{
		Name:        "books",
		Table:       "books",
		Columns:     []string{"isbn", "title"},
		PrimaryKeys: []string{"shelf", "isbn"},
		Relations: []orm.Relation{
			{Name: "shelf", Kind: orm.ToOne, Target: "library_shelf"},
		},
	})
	return reg
}

// seedShelf stores a shelf holding books 111, 222, 333 and returns a fresh
// unit of work with the shelf loaded and populated.
func seedShelf(t *testing.T) (orm.EntityManager, orm.Record) {
	t.Helper()
	engine := memdb.New(shelfRegistry())
	em := engine.Manager()

	lib, err := em.Create("library", orm.Record{"slug": "central", "title": "Central"})
	require.NoError(t, err)
	em.Persist("library", lib)

	shelf, err := em.Create("library_shelf", orm.Record{
		"library": lib,
		"slug":    "kids",
		"books": []any{
			map[string]any{"isbn": "111", "title": "A"},
			map[string]any{"isbn": "222", "title": "B"},
			map[string]any{"isbn": "333", "title": "C"},
		},
	})
	require.NoError(t, err)
	em.Persist("library_shelf", shelf)
	require.NoError(t, em.Flush(context.Background()))

	reader := em.Fork()
	loaded, err := reader.FindOne(context.Background(), "library_shelf",
		orm.Where{"library": "central", "slug": "kids"},
		&orm.FindOptions{Populate: []string{"books"}})
	require.NoError(t, err)
	require.NotNil(t, loaded)
	return reader, loaded
}

func bookBy(t *testing.T, shelf orm.Record, isbn string) orm.Record {
	t.Helper()
	col, ok := shelf["books"].(*orm.Collection)
	require.True(t, ok)
	for _, item := range col.Items() {
		if item["isbn"] == isbn {
			return item
		}
	}
	t.Fatalf("book %s not in collection", isbn)
	return nil
}

func isbns(shelf orm.Record) []string {
	col := shelf["books"].(*orm.Collection)
	out := make([]string, 0, col.Len())
	for _, item := range col.Items() {
		out = append(out, item["isbn"].(string))
	}
	return out
}

func TestReconcileFullReplace(t *testing.T) {
	em, shelf := seedShelf(t)
	bBefore := bookBy(t, shelf, "222")

	merged, err := PersistNestedCollection(em, "library_shelf", shelf, orm.Record{
		"books": []any{
			map[string]any{"isbn": "222", "title": "B updated"},
			map[string]any{"isbn": "444", "title": "D"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"222", "444"}, isbns(merged))

	// The matched element is updated on the managed instance, never
	// recreated.
	bAfter := bookBy(t, merged, "222")
	assert.True(t, orm.SameRecord(bBefore, bAfter))
	assert.Equal(t, "B updated", bAfter["title"])

	em.Persist("library_shelf", merged)
	require.NoError(t, em.Flush(context.Background()))

	verify := em.Fork()
	reloaded, err := verify.FindOne(context.Background(), "library_shelf",
		orm.Where{"library": "central", "slug": "kids"},
		&orm.FindOptions{Populate: []string{"books"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"222", "444"}, isbns(reloaded))
}

func TestReconcileIsIdempotent(t *testing.T) {
	em, shelf := seedShelf(t)
	payload := func() orm.Record {
		return orm.Record{"books": []any{
			map[string]any{"isbn": "111", "title": "A"},
			map[string]any{"isbn": "333", "title": "C"},
		}}
	}

	first, err := PersistNestedCollection(em, "library_shelf", shelf, payload())
	require.NoError(t, err)
	em.Persist("library_shelf", first)
	require.NoError(t, em.Flush(context.Background()))
	membership := isbns(first)

	aBefore := bookBy(t, first, "111")
	second, err := PersistNestedCollection(em, "library_shelf", first, payload())
	require.NoError(t, err)
	em.Persist("library_shelf", second)
	require.NoError(t, em.Flush(context.Background()))

	assert.Equal(t, membership, isbns(second))
	assert.True(t, orm.SameRecord(aBefore, bookBy(t, second, "111")))
}

func TestReconcileOmittedKeyLeavesCollectionUntouched(t *testing.T) {
	em, shelf := seedShelf(t)

	merged, err := PersistNestedCollection(em, "library_shelf", shelf, orm.Record{
		"name": "renamed",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"111", "222", "333"}, isbns(merged))
	assert.Equal(t, "renamed", merged["name"])
}

func TestReconcileEmptyArrayClearsAssociation(t *testing.T) {
	em, shelf := seedShelf(t)

	merged, err := PersistNestedCollection(em, "library_shelf", shelf, orm.Record{
		"books": []any{},
	})
	require.NoError(t, err)
	assert.Empty(t, isbns(merged))

	em.Persist("library_shelf", merged)
	require.NoError(t, em.Flush(context.Background()))

	verify := em.Fork()
	reloaded, err := verify.FindOne(context.Background(), "library_shelf",
		orm.Where{"library": "central", "slug": "kids"},
		&orm.FindOptions{Populate: []string{"books"}})
	require.NoError(t, err)
	assert.Empty(t, isbns(reloaded))
}

func TestReconcileElementWithoutKeyIsCreated(t *testing.T) {
	em, shelf := seedShelf(t)

	merged, err := PersistNestedCollection(em, "library_shelf", shelf, orm.Record{
		"books": []any{
			map[string]any{"isbn": "111", "title": "A"},
			map[string]any{"title": "keyless draft"},
		},
	})
	require.NoError(t, err)
	col := merged["books"].(*orm.Collection)
	assert.Equal(t, 2, col.Len())
}
