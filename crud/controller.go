package crud

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/crudkit/crudkit/httperr"
	"github.com/crudkit/crudkit/orm"
	"github.com/crudkit/crudkit/router"
)

var reOrderEntry = regexp.MustCompile(`^([^ ]+)(\s+(asc|desc))?$`)

// Controller serves the generic CRUD surface for one registered entity:
// index, createOne, getOne, updateOne, deleteOne and, when distinctable
// fields are configured, a distinct-values endpoint. It is configured once
// at construction and immutable afterwards.
type Controller struct {
	entity   string
	resource string
	opts     Options
	keyPairs []KeyPathPair
	keyPath  string
}

// NewController builds a controller for entity, served under the given
// resource name. Construction fails when the configured key path cannot be
// decomposed into parameter pairs.
func NewController(entity, resource string, opts Options) (*Controller, error) {
	opts = opts.normalize()
	pairs, err := DecomposeKeyPath(opts.ResourceKeyPath, resource)
	if err != nil {
		return nil, err
	}
	return &Controller{
		entity:   entity,
		resource: resource,
		opts:     opts,
		keyPairs: pairs,
		keyPath:  routePath(opts.ResourceKeyPath),
	}, nil
}

// MustNewController is NewController that panics on a configuration
// defect, for boot-time wiring.
func MustNewController(entity, resource string, opts Options) *Controller {
	c, err := NewController(entity, resource, opts)
	if err != nil {
		panic(err)
	}
	return c
}

// Resource returns the resource name used in errors and documents.
func (ct *Controller) Resource() string { return ct.resource }

// Entity returns the entity name the controller serves.
func (ct *Controller) Entity() string { return ct.entity }

// KeyPairs returns the decomposed key-path parameter pairs.
func (ct *Controller) KeyPairs() []KeyPathPair { return ct.keyPairs }

// Routes implements router.Controller.
func (ct *Controller) Routes() router.RouteMap {
	mw := ct.opts.Middlewares
	routes := router.RouteMap{
		"index": {
			Method: http.MethodGet, Path: "/", Middlewares: mw,
			Handler:     func(c *router.Context) (any, error) { return ct.Index(c) },
			Summary:     "List all resources",
			Description: fmt.Sprintf("List all %ss", ct.resource),
		},
		"createOne": {
			Method: http.MethodPost, Path: "/", Middlewares: mw,
			Handler:     func(c *router.Context) (any, error) { return ct.CreateOne(c) },
			Summary:     "Create a single resource",
			Description: fmt.Sprintf("Create a resource of type %s", ct.resource),
		},
		"distinct": {
			Method: http.MethodGet, Path: "/_lov/{fieldName}", Middlewares: mw,
			Handler:     func(c *router.Context) (any, error) { return ct.Distinct(c) },
			Summary:     "List distinct values",
			Description: fmt.Sprintf("List distinct value of fieldName for %s", ct.resource),
		},
		"getOne": {
			Method: http.MethodGet, Path: ct.keyPath, Middlewares: mw,
			Handler:     func(c *router.Context) (any, error) { return ct.GetOne(c, nil) },
			Summary:     fmt.Sprintf("Retrieve a single resource of type %s", ct.resource),
			Description: fmt.Sprintf("Retrieve single %s by %s", ct.resource, ct.paramNames()),
		},
		"updateOne": {
			Method: http.MethodPost, Path: ct.keyPath, Middlewares: mw,
			Handler:     func(c *router.Context) (any, error) { return ct.UpdateOne(c) },
			Summary:     fmt.Sprintf("Update single %s by %s", ct.resource, ct.paramNames()),
			Description: fmt.Sprintf("Update single resource of type %s by primary identifier", ct.resource),
		},
		"deleteOne": {
			Method: http.MethodDelete, Path: ct.keyPath, Middlewares: mw,
			Handler:     func(c *router.Context) (any, error) { return ct.DeleteOne(c) },
			Summary:     fmt.Sprintf("Delete single resource of type %s by primary identifier", ct.resource),
			Description: fmt.Sprintf("Delete single %s by %s", ct.resource, ct.paramNames()),
		},
	}
	if len(ct.opts.DistinctableFields) == 0 {
		delete(routes, "distinct")
	}
	return routes
}

func (ct *Controller) paramNames() string {
	names := make([]string, 0, len(ct.keyPairs))
	for _, p := range ct.keyPairs {
		names = append(names, p.ParamName)
	}
	return strings.Join(names, ", ")
}

func (ct *Controller) em(c *router.Context) (orm.EntityManager, error) {
	em := c.EM()
	if em == nil {
		return nil, httperr.BadControllerConfiguration(ct.resource,
			"no entity manager installed on the request. Mount WithEntityManager.")
	}
	return em, nil
}

// Index serves GET /: a filtered, searched, ordered and paginated listing.
func (ct *Controller) Index(c *router.Context) (any, error) {
	em, err := ct.em(c)
	if err != nil {
		return nil, err
	}
	offset, err := ct.intQuery(c, "offset", 0)
	if err != nil {
		return nil, err
	}
	pageSize, err := ct.intQuery(c, "pagesize", 20)
	if err != nil {
		return nil, err
	}
	orderBy, err := ct.orderBy(c)
	if err != nil {
		return nil, err
	}
	where, err := ct.combinedWhere(c, em, true)
	if err != nil {
		return nil, err
	}

	items, count, err := em.FindAndCount(c.Context(), ct.entity, where, &orm.FindOptions{
		Limit:    pageSize,
		Offset:   offset,
		OrderBy:  orderBy,
		Populate: ct.populate(c, true),
	})
	if err != nil {
		return nil, err
	}
	items, err = runAfterLoad(ct.opts.AfterLoad, c, items)
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": count, "items": items}, nil
}

// Distinct serves GET /_lov/{fieldName}: the distinct values of one
// whitelisted column under the same combined filter as Index.
func (ct *Controller) Distinct(c *router.Context) (any, error) {
	fieldName := c.Param("fieldName")
	if !contains(ct.opts.DistinctableFields, fieldName) {
		return nil, httperr.QueryMalformed(ct.resource,
			"cannot perform distinct query over non-whitelisted fields.")
	}
	em, err := ct.em(c)
	if err != nil {
		return nil, err
	}
	where, err := ct.combinedWhere(c, em, true)
	if err != nil {
		return nil, err
	}
	return em.Distinct(c.Context(), ct.entity, fieldName, where)
}

// GetOne serves GET /<keyPath>. When manager is non-nil the lookup runs
// against it instead of the request's entity manager, which is how the
// mutating operations load inside their transaction.
func (ct *Controller) GetOne(c *router.Context, manager orm.EntityManager) (orm.Record, error) {
	em := manager
	if em == nil {
		var err error
		if em, err = ct.em(c); err != nil {
			return nil, err
		}
	}

	where := ct.keyPathWhere(c)
	where.Merge(ct.opts.ForAllResources(c))
	filters, err := ct.filtersWhere(c, em)
	if err != nil {
		return nil, err
	}
	where.And(filters...)

	rec, err := em.FindOne(c.Context(), ct.entity, where, &orm.FindOptions{
		Populate: ct.populate(c, false),
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		meta, err := em.Registry().MustGet(ct.entity)
		if err != nil {
			return nil, httperr.NotFound(ct.resource, "unable to resolve entity meta")
		}
		return nil, httperr.NotFound(ct.resource, orm.KeyHashOfWhere(em.Registry(), meta, where))
	}

	loaded, err := runAfterLoad(ct.opts.AfterLoad, c, []orm.Record{rec})
	if err != nil {
		return nil, err
	}
	if len(loaded) != 1 {
		return nil, httperr.FromServer(http.StatusInternalServerError,
			fmt.Sprintf("Internal resource hooks (%s) might not returned promised objects. Please check afterLoad hooks.", ct.resource))
	}
	return rec, nil
}

// CreateOne serves POST /: transactionally constructs, validates and
// persists a new record.
func (ct *Controller) CreateOne(c *router.Context) (orm.Record, error) {
	body, err := ct.requireBody(c)
	if err != nil {
		return nil, err
	}
	em, err := ct.em(c)
	if err != nil {
		return nil, err
	}

	scope := ct.opts.ForAllResources(c)
	var raw orm.Record
	err = em.Transactional(c.Context(), func(ctx context.Context, t orm.EntityManager) error {
		sanitized, err := ct.opts.SanitizeInputBody(c, t, body, true)
		if err != nil {
			return err
		}
		if ct.opts.Schema != nil {
			if sanitized, err = ct.opts.Schema.Parse(sanitized); err != nil {
				return err
			}
		}

		raw, err = ct.opts.LoadResourceToCreate(c, t)
		if err != nil {
			return err
		}
		if raw == nil {
			data := orm.CloneRecord(sanitized)
			for k, v := range scalarScope(scope) {
				data[k] = v
			}
			if raw, err = t.Create(ct.entity, data); err != nil {
				return err
			}
		}

		if raw, err = runSaveHooks(ct.opts.PreSave, c, t, raw, true); err != nil {
			return err
		}
		t.Persist(ct.entity, raw)
		if raw, err = runSaveHooks(ct.opts.PostSave, c, t, raw, true); err != nil {
			return err
		}
		return t.Flush(ctx)
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// UpdateOne serves POST /<keyPath>: transactionally loads the record,
// reconciles to-many relations against the body and persists the merge.
func (ct *Controller) UpdateOne(c *router.Context) (orm.Record, error) {
	body, err := ct.requireBody(c)
	if err != nil {
		return nil, err
	}
	em, err := ct.em(c)
	if err != nil {
		return nil, err
	}

	var raw orm.Record
	err = em.Transactional(c.Context(), func(ctx context.Context, t orm.EntityManager) error {
		if raw, err = ct.GetOne(c, t); err != nil {
			return err
		}

		sanitized, err := ct.opts.SanitizeInputBody(c, t, body, false)
		if err != nil {
			return err
		}
		if ct.opts.Schema != nil {
			if sanitized, err = ct.opts.Schema.Parse(sanitized); err != nil {
				return err
			}
		}
		if sanitized, err = ct.opts.ComputeUpdatePayload(c, t, raw, sanitized); err != nil {
			return err
		}
		if raw, err = PersistNestedCollection(t, ct.entity, raw, sanitized); err != nil {
			return err
		}

		if raw, err = runSaveHooks(ct.opts.PreSave, c, t, raw, false); err != nil {
			return err
		}
		t.Persist(ct.entity, raw)
		if raw, err = runSaveHooks(ct.opts.PostSave, c, t, raw, false); err != nil {
			return err
		}
		if err = t.Flush(ctx); err != nil {
			return err
		}

		loaded, err := runAfterLoad(ct.opts.AfterLoad, c, []orm.Record{raw})
		if err != nil {
			return err
		}
		if len(loaded) == 1 {
			raw = loaded[0]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// DeleteOne serves DELETE /<keyPath>: transactionally deletes the record
// and whatever preDelete hooks expanded the set to. Returns the count.
func (ct *Controller) DeleteOne(c *router.Context) (int, error) {
	em, err := ct.em(c)
	if err != nil {
		return 0, err
	}

	count := 0
	err = em.Transactional(c.Context(), func(ctx context.Context, t orm.EntityManager) error {
		rec, err := ct.GetOne(c, t)
		if err != nil {
			return err
		}
		entries, err := runDeleteHooks(ct.opts.PreDelete, c, t, []orm.Record{rec})
		if err != nil {
			return err
		}
		for _, e := range entries {
			c.Logger().Log(fmt.Sprintf("DELETING %s", ct.resource))
			count++
			if err := t.RemoveAndFlush(ctx, ct.entity, e); err != nil {
				return err
			}
		}
		for _, h := range ct.opts.PostDelete {
			if err := h(c, t, entries); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

/* helpers */

func (ct *Controller) requireBody(c *router.Context) (orm.Record, error) {
	body, err := c.Body()
	if err != nil {
		return nil, httperr.UpdateMalformed(ct.resource, "expected JSON body.")
	}
	if body == nil {
		return nil, httperr.UpdateMalformed(ct.resource, "Empty update body, nothing to update!")
	}
	return body, nil
}

func (ct *Controller) intQuery(c *router.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, httperr.QueryMalformed(ct.resource, fmt.Sprintf("%s must be a non-negative integer", name))
	}
	return n, nil
}

// populate returns the request's populate override, or the configured
// default for this cardinality.
func (ct *Controller) populate(c *router.Context, isMany bool) []string {
	if byQuery := c.QueryCSV("populate"); len(byQuery) > 0 {
		return byQuery
	}
	return ct.opts.DefaultPopulate(c, isMany)
}

// orderBy parses the order parameter, a comma-separated list of
// "field [asc|desc]" tokens defaulting to desc, falling back to the
// configured ordering.
func (ct *Controller) orderBy(c *router.Context) ([]orm.Order, error) {
	raw := c.Query("order")
	if raw == "" {
		return ct.opts.OrderBy, nil
	}
	entries := strings.Split(raw, ",")
	orders := make([]orm.Order, 0, len(entries))
	for _, entry := range entries {
		m := reOrderEntry.FindStringSubmatch(entry)
		if m == nil {
			return nil, httperr.QueryMalformed(ct.resource,
				"order MUST has following format `db_field_name_1 asc,db_field_name2,db_field_name_3 desc`")
		}
		orders = append(orders, orm.Order{Field: m[1], Desc: m[3] != "asc"})
	}
	return orders, nil
}

// filtersWhere resolves the configured named filters into their where
// conditions. A filter name the entity does not register is a
// configuration defect, not a client error.
func (ct *Controller) filtersWhere(c *router.Context, em orm.EntityManager) ([]orm.Where, error) {
	args, err := ct.opts.DefaultFilters(c, em)
	if err != nil {
		return nil, err
	}
	meta, err := em.Registry().MustGet(ct.entity)
	if err != nil {
		return nil, err
	}
	conds := make([]orm.Where, 0, len(args))
	for name, arg := range args {
		filter, ok := meta.Filters[name]
		if !ok {
			return nil, httperr.FromServer(http.StatusInternalServerError,
				fmt.Sprintf("Invalid filter key: %s!", name))
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

// searchWhere evaluates every present searchable field through the
// operator DSL.
func (ct *Controller) searchWhere(c *router.Context) ([]orm.Where, error) {
	conds := make([]orm.Where, 0)
	for _, field := range ct.opts.SearchableFields {
		raw := c.Query(field)
		if raw == "" {
			continue
		}
		if convert := ct.opts.SearchableFieldValueConverter[field]; convert != nil {
			raw = convert(raw)
		}
		pred, err := EvalQuery(raw, ct.resource)
		if err != nil {
			return nil, err
		}
		if pred == nil {
			continue
		}
		conds = append(conds, orm.Where{field: pred})
	}
	return conds, nil
}

// combinedWhere builds the scope ∧ named-filter ∧ search condition used by
// Index and Distinct.
func (ct *Controller) combinedWhere(c *router.Context, em orm.EntityManager, withSearch bool) (orm.Where, error) {
	where := orm.Where{}.Merge(ct.opts.ForAllResources(c))
	filters, err := ct.filtersWhere(c, em)
	if err != nil {
		return nil, err
	}
	where.And(filters...)
	if withSearch {
		search, err := ct.searchWhere(c)
		if err != nil {
			return nil, err
		}
		where.And(search...)
	}
	return where, nil
}

// keyPathWhere maps the route's bound parameters onto their entity
// columns.
func (ct *Controller) keyPathWhere(c *router.Context) orm.Where {
	where := make(orm.Where, len(ct.keyPairs))
	for _, p := range ct.keyPairs {
		v := c.Param(p.ParamName)
		if ct.opts.ReplaceUnderscoreWithEmptyKeyPath && v == "_" {
			v = ""
		}
		where[p.ColumnName] = v
	}
	return where
}

// scalarScope keeps only the plainly assignable values of a scope
// condition; predicates and conjunctions do not belong on a new record.
func scalarScope(scope orm.Where) orm.Record {
	out := make(orm.Record, len(scope))
	for k, v := range scope {
		if k == orm.AndKey {
			continue
		}
		switch v.(type) {
		case orm.Predicate, []orm.Where:
			continue
		}
		out[k] = v
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
