package orm

import "context"

// EntityManager is the unit-of-work-scoped persistence boundary the CRUD
// controller talks to. One fork serves one request; forks are never shared
// across concurrently running requests. All mutating traffic is expected
// to happen inside Transactional.
type EntityManager interface {
	// Registry exposes the entity metadata registry.
	Registry() *Registry

	// Create builds a fresh unmanaged record for the entity, applying
	// column defaults and initializing to-many relations with empty
	// collections. It does not persist anything.
	Create(entity string, data Record) (Record, error)

	// Assign bulk-assigns data onto a record in place. Keys holding a
	// *Collection on the target are left untouched; reconciling to-many
	// relations is the caller's job.
	Assign(rec Record, data Record)

	// Persist marks a record (and its cascaded collection members) to be
	// inserted or updated at the next Flush.
	Persist(entity string, rec Record)

	// Remove marks a record for deletion at the next Flush.
	Remove(entity string, rec Record)

	// Flush writes all pending changes. A primary-key uniqueness
	// violation surfaces as an engine-specific opaque error.
	Flush(ctx context.Context) error

	// RemoveAndFlush removes one record and flushes immediately.
	RemoveAndFlush(ctx context.Context, entity string, rec Record) error

	// FindOne loads the first record matching where, or nil when nothing
	// matches. An error means the lookup itself failed.
	FindOne(ctx context.Context, entity string, where Where, opts *FindOptions) (Record, error)

	// FindAndCount loads a page of records plus the total match count.
	FindAndCount(ctx context.Context, entity string, where Where, opts *FindOptions) ([]Record, int, error)

	// Distinct projects the distinct values of a single column over the
	// matching rows.
	Distinct(ctx context.Context, entity string, field string, where Where) ([]string, error)

	// TryGetByIdentity resolves a record already tracked by the unit of
	// work from its primary-key-shaped query, or nil when untracked.
	TryGetByIdentity(entity string, query Record) Record

	// Transactional forks the manager, runs fn against the fork and
	// commits on success or rolls back on error. The forked manager is
	// handed to fn through the callback argument.
	Transactional(ctx context.Context, fn func(ctx context.Context, em EntityManager) error) error

	// Fork derives an independent unit of work sharing the same backing
	// store, one per request.
	Fork() EntityManager
}
