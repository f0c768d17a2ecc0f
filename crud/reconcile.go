package crud

import (
	"github.com/crudkit/crudkit/orm"
)

// PersistNestedCollection merges payload onto an existing managed record,
// reconciling every populated to-many relation against the matching array
// in the payload by composite-key identity.
//
// For each to-many relation descriptor of the entity whose payload value
// is an array and whose existing value is a live collection:
//
//  1. Snapshot the current membership, keyed by composite-key hash.
//  2. Walk the incoming array in order. An element whose identity is
//     already tracked by the unit of work is assigned in place on the
//     tracked instance and withdrawn from the removal set; anything else
//     becomes a fresh unmanaged record added to the collection.
//  3. Remove every snapshot member still in the removal set. Supplying an
//     empty array therefore clears the association; omitting the key
//     leaves it untouched.
//
// The relation key is deleted from payload before the closing bulk assign
// so scalar fields and to-one relations are applied exactly once. The
// record is mutated in place and returned; flushing is the caller's job.
func PersistNestedCollection(em orm.EntityManager, entity string, existing orm.Record, payload orm.Record) (orm.Record, error) {
	reg := em.Registry()
	meta, err := reg.MustGet(entity)
	if err != nil {
		return nil, err
	}

	for _, rel := range meta.Relations {
		if rel.Kind != orm.ToMany {
			continue
		}
		incoming, ok := toRecordSlice(payload[rel.Name])
		if !ok {
			continue
		}
		collection, ok := existing[rel.Name].(*orm.Collection)
		if !ok {
			continue
		}
		targetMeta, err := reg.MustGet(rel.Target)
		if err != nil {
			return nil, err
		}

		// Removal detection works off a pre-mutation snapshot; the live
		// collection changes underneath it.
		toRemove := make(map[string]orm.Record, collection.Len())
		for _, member := range collection.Snapshot() {
			toRemove[orm.KeyHash(reg, targetMeta, member)] = member
		}

		for _, item := range incoming {
			query := orm.PrimaryKeyOf(targetMeta, item)
			if rel.MappedBy != "" && targetMeta.IsPrimary(rel.MappedBy) {
				query[rel.MappedBy] = orm.ReduceIdentity(reg, meta, existing)
			}
			if found := em.TryGetByIdentity(rel.Target, query); found != nil {
				em.Assign(found, item)
				delete(toRemove, orm.KeyHash(reg, targetMeta, found))
				continue
			}
			unmanaged, err := em.Create(rel.Target, item)
			if err != nil {
				return nil, err
			}
			if rel.MappedBy != "" {
				unmanaged[rel.MappedBy] = orm.ReduceIdentity(reg, meta, existing)
			}
			collection.Add(unmanaged)
		}

		for _, removal := range toRemove {
			collection.Remove(removal)
		}

		delete(payload, rel.Name)
	}

	em.Assign(existing, payload)
	return existing, nil
}

// toRecordSlice accepts the two shapes a to-many payload arrives in: the
// raw []any a JSON decode produces, or an already-typed []orm.Record.
func toRecordSlice(v any) ([]orm.Record, bool) {
	switch arr := v.(type) {
	case []orm.Record:
		return arr, true
	case []any:
		out := make([]orm.Record, 0, len(arr))
		for _, el := range arr {
			rec, ok := el.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, rec)
		}
		return out, true
	default:
		return nil, false
	}
}
