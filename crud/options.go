package crud

import (
	"github.com/crudkit/crudkit/orm"
	"github.com/crudkit/crudkit/router"
)

// Parsable validates and normalizes an incoming body. Implementations
// return a typed validation error when the body does not conform; the
// returned record replaces the input for the rest of the pipeline.
type Parsable interface {
	Parse(input orm.Record) (orm.Record, error)
}

// ParsableFunc adapts a plain function into a Parsable.
type ParsableFunc func(input orm.Record) (orm.Record, error)

// Parse implements Parsable.
func (f ParsableFunc) Parse(input orm.Record) (orm.Record, error) { return f(input) }

// Options configures a resource controller. Every field is optional; the
// zero value yields a plain unscoped CRUD surface keyed by ":id".
type Options struct {
	// ForAllResources computes the scope condition injected into every
	// query and, for its scalar values, into every created record. This is
	// the multi-tenancy and ownership mechanism.
	ForAllResources func(c *router.Context) orm.Where

	// SearchableFields whitelists the query parameters evaluated through
	// the operator DSL on index and distinct requests.
	SearchableFields []string

	// DistinctableFields whitelists the columns served by the _lov
	// endpoint. Empty means the endpoint is not registered at all.
	DistinctableFields []string

	// DefaultPopulate supplies the relations to populate when the request
	// carries no populate parameter.
	DefaultPopulate func(c *router.Context, isMany bool) []string

	// DefaultFilters names the entity filters to apply, mapping filter
	// name to its argument. Naming a filter the entity does not register
	// is a server-side defect.
	DefaultFilters func(c *router.Context, em orm.EntityManager) (map[string]any, error)

	// SanitizeInputBody transforms the raw body before any other
	// processing on createOne and updateOne.
	SanitizeInputBody func(c *router.Context, em orm.EntityManager, body orm.Record, isCreating bool) (orm.Record, error)

	// Schema validates the sanitized body on createOne and updateOne.
	Schema Parsable

	// SearchableFieldValueConverter pre-transforms a searchable field's
	// raw string before the operator DSL sees it.
	SearchableFieldValueConverter map[string]func(raw string) string

	// OrderBy is the ordering used when the request carries no order
	// parameter. Defaults to updatedAt descending.
	OrderBy []orm.Order

	// LoadResourceToCreate overrides default construction on createOne
	// with a preloaded shell record. Returning (nil, nil) falls back to
	// the default path.
	LoadResourceToCreate func(c *router.Context, em orm.EntityManager) (orm.Record, error)

	// ResourceKeyPath is the URL pattern locating a single resource.
	// Defaults to ":id". See DecomposeKeyPath for the grammar.
	ResourceKeyPath string

	// AfterLoad hooks post-process every loaded record set.
	AfterLoad []AfterLoadHook

	// ComputeUpdatePayload diffs or transforms the sanitized body against
	// the loaded record before reconciliation.
	ComputeUpdatePayload func(c *router.Context, em orm.EntityManager, loaded orm.Record, input orm.Record) (orm.Record, error)

	PreSave    []SaveHook
	PostSave   []SaveHook
	PreDelete  []DeleteHook
	PostDelete []PostDeleteHook

	// ReplaceUnderscoreWithEmptyKeyPath treats a literal "_" path segment
	// as the empty string, for keys that allow empty values.
	ReplaceUnderscoreWithEmptyKeyPath bool

	// Middlewares run on every route of the controller, before the
	// handler.
	Middlewares []router.Middleware
}

// normalize fills the nil function fields with their no-op defaults so the
// controller never branches on presence.
func (o Options) normalize() Options {
	if o.ForAllResources == nil {
		o.ForAllResources = func(*router.Context) orm.Where { return orm.Where{} }
	}
	if o.DefaultPopulate == nil {
		o.DefaultPopulate = func(*router.Context, bool) []string { return nil }
	}
	if o.DefaultFilters == nil {
		o.DefaultFilters = func(*router.Context, orm.EntityManager) (map[string]any, error) {
			return map[string]any{}, nil
		}
	}
	if o.SanitizeInputBody == nil {
		o.SanitizeInputBody = func(_ *router.Context, _ orm.EntityManager, body orm.Record, _ bool) (orm.Record, error) {
			return body, nil
		}
	}
	if o.SearchableFieldValueConverter == nil {
		o.SearchableFieldValueConverter = map[string]func(string) string{}
	}
	if len(o.OrderBy) == 0 {
		// Every entity is expected to carry updatedAt.
		o.OrderBy = []orm.Order{{Field: "updatedAt", Desc: true}}
	}
	if o.LoadResourceToCreate == nil {
		o.LoadResourceToCreate = func(*router.Context, orm.EntityManager) (orm.Record, error) {
			return nil, nil
		}
	}
	if o.ComputeUpdatePayload == nil {
		o.ComputeUpdatePayload = func(_ *router.Context, _ orm.EntityManager, _ orm.Record, input orm.Record) (orm.Record, error) {
			return input, nil
		}
	}
	if o.ResourceKeyPath == "" {
		o.ResourceKeyPath = ":id"
	}
	return o
}
