package memdb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crudkit/crudkit/orm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func libraryRegistry() *orm.Registry {
	reg := orm.NewRegistry()
	reg.Register(&orm.EntityMeta{
		Name:        "library",
		Table:       "libraries",
		Columns:     []string{"slug", "title", "createdAt", "updatedAt"},
		PrimaryKeys: []string{"slug"},
		Relations: []orm.Relation{
			{Name: "shelves", Kind: orm.ToMany, Target: "library_shelf", MappedBy: "library", Cascade: true, OrphanRemoval: true},
		},
		Filters: map[string]orm.Filter{
			"titled": {Name: "titled", Cond: func(args any) orm.Where {
				return orm.Where{"title": orm.Predicate{orm.OpNe: nil}}
			}},
		},
		OnCreate: map[string]func() any{
			"createdAt": func() any { return time.Now().UTC().Format(time.RFC3339Nano) },
			"updatedAt": func() any { return time.Now().UTC().Format(time.RFC3339Nano) },
		},
	})
	reg.Register(&orm.EntityMeta{
		Name:        "library_shelf",
		Table:       "library_shelves",
		Columns:     []string{"slug", "name"},
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

func seedLibrary(t *testing.T, em orm.EntityManager, slug, title string) orm.Record {
	t.Helper()
	rec, err := em.Create("library", orm.Record{"slug": slug, "title": title})
	require.NoError(t, err)
	em.Persist("library", rec)
	require.NoError(t, em.Flush(context.Background()))
	return rec
}

func TestCreateAppliesDefaults(t *testing.T) {
	em := New(libraryRegistry()).Manager()
	rec, err := em.Create("library", orm.Record{"slug": "central"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec["createdAt"])
	assert.NotEmpty(t, rec["updatedAt"])
}

func TestFlushAndFindOne(t *testing.T) {
	em := New(libraryRegistry()).Manager()
	seedLibrary(t, em, "central", "Central Library")

	found, err := em.FindOne(context.Background(), "library", orm.Where{"slug": "central"}, nil)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "Central Library", found["title"])

	missing, err := em.FindOne(context.Background(), "library", orm.Where{"slug": "nowhere"}, nil)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDuplicateKeyFailsFlush(t *testing.T) {
	engine := New(libraryRegistry())
	seedLibrary(t, engine.Manager(), "test", "First")

	// A different unit of work inserting the same identity must fail.
	other := engine.Manager()
	dup, err := other.Create("library", orm.Record{"slug": "test", "title": "Second"})
	require.NoError(t, err)
	other.Persist("library", dup)
	err = other.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unique constraint")
}

func TestUpdateOwnRecordIsNotDuplicate(t *testing.T) {
	em := New(libraryRegistry()).Manager()
	seedLibrary(t, em, "central", "Central")

	loaded, err := em.FindOne(context.Background(), "library", orm.Where{"slug": "central"}, nil)
	require.NoError(t, err)
	em.Assign(loaded, orm.Record{"title": "Renamed"})
	em.Persist("library", loaded)
	require.NoError(t, em.Flush(context.Background()))

	again, err := em.FindOne(context.Background(), "library", orm.Where{"slug": "central"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", again["title"])
	assert.True(t, orm.SameRecord(loaded, again), "identity map must hand back the managed instance")
}

func TestFindAndCountPredicatesAndPaging(t *testing.T) {
	em := New(libraryRegistry()).Manager()
	for _, slug := range []string{"a", "b", "c", "d"} {
		seedLibrary(t, em, slug, "lib-"+slug)
	}

	items, count, err := em.FindAndCount(context.Background(), "library",
		orm.Where{"slug": orm.Predicate{orm.OpIn: []any{"a", "b", "c"}}},
		&orm.FindOptions{Limit: 2, Offset: 1, OrderBy: []orm.Order{{Field: "slug"}}})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0]["slug"])
	assert.Equal(t, "c", items[1]["slug"])
}

func TestFindAndCountLike(t *testing.T) {
	em := New(libraryRegistry()).Manager()
	seedLibrary(t, em, "central", "Central Library")
	seedLibrary(t, em, "annex", "The Annex")

	_, count, err := em.FindAndCount(context.Background(), "library",
		orm.Where{"title": orm.Predicate{orm.OpILike: "%library%"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNamedFilters(t *testing.T) {
	em := New(libraryRegistry()).Manager()
	seedLibrary(t, em, "titled", "Has Title")
	bare, err := em.Create("library", orm.Record{"slug": "bare", "title": nil})
	require.NoError(t, err)
	em.Persist("library", bare)
	require.NoError(t, em.Flush(context.Background()))

	_, count, err := em.FindAndCount(context.Background(), "library", orm.Where{},
		&orm.FindOptions{Filters: map[string]any{"titled": true}})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, _, err = em.FindAndCount(context.Background(), "library", orm.Where{},
		&orm.FindOptions{Filters: map[string]any{"ghost": true}})
	require.Error(t, err)
}

func TestDistinct(t *testing.T) {
	em := New(libraryRegistry()).Manager()
	seedLibrary(t, em, "a", "Same")
	seedLibrary(t, em, "b", "Same")
	seedLibrary(t, em, "c", "Other")

	values, err := em.Distinct(context.Background(), "library", "title", orm.Where{})
	require.NoError(t, err)
	assert.Equal(t, []string{"Same", "Other"}, values)
}

func TestPopulateToManyKeepsInsertionOrder(t *testing.T) {
	em := New(libraryRegistry()).Manager()
	lib := seedLibrary(t, em, "central", "Central")

	shelf, err := em.Create("library_shelf", orm.Record{
		"library": lib,
		"slug":    "kids",
		"books": []any{
			map[string]any{"isbn": "111", "title": "first"},
			map[string]any{"isbn": "222", "title": "second"},
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

	books, ok := loaded["books"].(*orm.Collection)
	require.True(t, ok)
	require.Equal(t, 2, books.Len())
	assert.Equal(t, "111", books.Items()[0]["isbn"])
	assert.Equal(t, "222", books.Items()[1]["isbn"])
}

func TestOrphanRemovalOnFlush(t *testing.T) {
	em := New(libraryRegistry()).Manager()
	lib := seedLibrary(t, em, "central", "Central")
	shelf, err := em.Create("library_shelf", orm.Record{
		"library": lib,
		"slug":    "kids",
		"books": []any{
			map[string]any{"isbn": "111", "title": "first"},
			map[string]any{"isbn": "222", "title": "second"},
		},
	})
	require.NoError(t, err)
	em.Persist("library_shelf", shelf)
	require.NoError(t, em.Flush(context.Background()))

	books := shelf["books"].(*orm.Collection)
	books.Remove(books.Items()[1])
	em.Persist("library_shelf", shelf)
	require.NoError(t, em.Flush(context.Background()))

	reader := em.Fork()
	loaded, err := reader.FindOne(context.Background(), "library_shelf",
		orm.Where{"library": "central", "slug": "kids"},
		&orm.FindOptions{Populate: []string{"books"}})
	require.NoError(t, err)
	col := loaded["books"].(*orm.Collection)
	require.Equal(t, 1, col.Len())
	assert.Equal(t, "111", col.Items()[0]["isbn"])
}

func TestTransactionalRollsBackOnError(t *testing.T) {
	engine := New(libraryRegistry())
	em := engine.Manager()

	boom := errors.New("boom")
	err := em.Transactional(context.Background(), func(ctx context.Context, t_ orm.EntityManager) error {
		rec, err := t_.Create("library", orm.Record{"slug": "doomed"})
		if err != nil {
			return err
		}
		t_.Persist("library", rec)
		if err := t_.Flush(ctx); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	found, err := em.FindOne(context.Background(), "library", orm.Where{"slug": "doomed"}, nil)
	require.NoError(t, err)
	assert.Nil(t, found, "flushed work inside a failed transaction must be rolled back")
}

func TestTransactionalCommits(t *testing.T) {
	em := New(libraryRegistry()).Manager()
	err := em.Transactional(context.Background(), func(ctx context.Context, t_ orm.EntityManager) error {
		rec, err := t_.Create("library", orm.Record{"slug": "kept"})
		if err != nil {
			return err
		}
		t_.Persist("library", rec)
		return t_.Flush(ctx)
	})
	require.NoError(t, err)

	found, err := em.FindOne(context.Background(), "library", orm.Where{"slug": "kept"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, found)
}

func TestTryGetByIdentity(t *testing.T) {
	em := New(libraryRegistry()).Manager()
	lib := seedLibrary(t, em, "central", "Central")

	got := em.TryGetByIdentity("library", orm.Record{"slug": "central"})
	require.NotNil(t, got)
	assert.True(t, orm.SameRecord(lib, got))

	assert.Nil(t, em.TryGetByIdentity("library", orm.Record{"slug": "ghost"}))
}

// A freshly built engine serves concurrent readers without any writes to
// its table map; every table exists from construction.
func TestConcurrentReadsOnFreshEngine(t *testing.T) {
	engine := New(libraryRegistry())

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			em := engine.Manager()
			for _, entity := range []string{"library", "library_shelf"} {
				if _, err := em.FindOne(context.Background(), entity, orm.Where{"slug": "none"}, nil); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestTruncateKeepsTablesReadable(t *testing.T) {
	engine := New(libraryRegistry())
	em := engine.Manager()
	seedLibrary(t, em, "central", "Central")

	engine.Truncate()

	_, count, err := engine.Manager().FindAndCount(context.Background(), "library", orm.Where{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
