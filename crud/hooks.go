package crud

import (
	"github.com/crudkit/crudkit/orm"
	"github.com/crudkit/crudkit/router"
)

// AfterLoadHook post-processes loaded records before they are returned.
// It may filter, decorate or replace the slice.
type AfterLoadHook func(c *router.Context, items []orm.Record) ([]orm.Record, error)

// SaveHook runs around persistence of a single record. The creating flag
// distinguishes createOne from updateOne.
type SaveHook func(c *router.Context, em orm.EntityManager, rec orm.Record, creating bool) (orm.Record, error)

// DeleteHook runs before deletion and may expand the set of records to
// delete.
type DeleteHook func(c *router.Context, em orm.EntityManager, recs []orm.Record) ([]orm.Record, error)

// PostDeleteHook runs after deletion has been flushed.
type PostDeleteHook func(c *router.Context, em orm.EntityManager, recs []orm.Record) error

// Hooks run strictly in registration order; the first error aborts the
// remaining pipeline.

func runAfterLoad(hooks []AfterLoadHook, c *router.Context, items []orm.Record) ([]orm.Record, error) {
	var err error
	for _, h := range hooks {
		if items, err = h(c, items); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func runSaveHooks(hooks []SaveHook, c *router.Context, em orm.EntityManager, rec orm.Record, creating bool) (orm.Record, error) {
	var err error
	for _, h := range hooks {
		if rec, err = h(c, em, rec, creating); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func runDeleteHooks(hooks []DeleteHook, c *router.Context, em orm.EntityManager, recs []orm.Record) ([]orm.Record, error) {
	var err error
	for _, h := range hooks {
		if recs, err = h(c, em, recs); err != nil {
			return nil, err
		}
	}
	return recs, nil
}
