package graph

// FieldMask is the set of field names an upsert actually writes.
type FieldMask map[string]struct{}

// NewFieldMask builds a mask from field names.
func NewFieldMask(fields ...string) FieldMask {
	m := make(FieldMask, len(fields))
	for _, f := range fields {
		m[f] = struct{}{}
	}
	return m
}

// Has reports whether the field is in the mask.
func (m FieldMask) Has(field string) bool {
	_, ok := m[field]
	return ok
}

// Fields returns the mask's field names in unspecified order.
func (m FieldMask) Fields() []string {
	out := make([]string, 0, len(m))
	for f := range m {
		out = append(out, f)
	}
	return out
}

// Rekey migrates an entity's identity from Old to New, rewriting every
// reference to Old elsewhere in storage.
type Rekey struct {
	Old EntityKey
	New EntityKey
}

// ChangeSet is one atomic unit of storage mutation. All parts become visible
// together or not at all.
type ChangeSet struct {
	// Upserts maps entity keys to the records to write.
	Upserts map[EntityKey]NormalizedRecord

	// Deletes lists entities to remove (or tombstone, backend permitting).
	Deletes map[EntityKey]struct{}

	// Rekeys are identity migrations applied after upserts and deletes.
	Rekeys []Rekey

	// FieldMasks maps upsert keys to the fields actually written. A key
	// without a mask is a full-record replacement (PUT); with a mask only
	// the listed fields are written (PATCH).
	FieldMasks map[EntityKey]FieldMask

	// Meta carries per-entity metadata updates for upserted keys.
	Meta map[EntityKey]EntityMeta

	// ExpectETag holds optimistic-concurrency preconditions: the apply
	// fails with ErrConcurrentModification unless each listed entity
	// currently carries the expected etag.
	ExpectETag map[EntityKey]string
}

// NewChangeSet returns an empty change-set ready for population.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{
		Upserts:    make(map[EntityKey]NormalizedRecord),
		Deletes:    make(map[EntityKey]struct{}),
		FieldMasks: make(map[EntityKey]FieldMask),
		Meta:       make(map[EntityKey]EntityMeta),
	}
}

// Upsert records a full-record write for key.
func (c *ChangeSet) Upsert(key EntityKey, rec NormalizedRecord) *ChangeSet {
	if c.Upserts == nil {
		c.Upserts = make(map[EntityKey]NormalizedRecord)
	}
	c.Upserts[key] = rec
	return c
}

// Patch records a masked write for key: only fields in mask are written.
func (c *ChangeSet) Patch(key EntityKey, rec NormalizedRecord, mask FieldMask) *ChangeSet {
	c.Upsert(key, rec)
	if c.FieldMasks == nil {
		c.FieldMasks = make(map[EntityKey]FieldMask)
	}
	c.FieldMasks[key] = mask
	return c
}

// Delete records an entity removal.
func (c *ChangeSet) Delete(key EntityKey) *ChangeSet {
	if c.Deletes == nil {
		c.Deletes = make(map[EntityKey]struct{})
	}
	c.Deletes[key] = struct{}{}
	return c
}

// RekeyEntity records an identity migration from old to new.
func (c *ChangeSet) RekeyEntity(old, new EntityKey) *ChangeSet {
	c.Rekeys = append(c.Rekeys, Rekey{Old: old, New: new})
	return c
}

// Expect records an etag precondition for key.
func (c *ChangeSet) Expect(key EntityKey, etag string) *ChangeSet {
	if c.ExpectETag == nil {
		c.ExpectETag = make(map[EntityKey]string)
	}
	c.ExpectETag[key] = etag
	return c
}

// SetMeta attaches metadata for key.
func (c *ChangeSet) SetMeta(key EntityKey, meta EntityMeta) *ChangeSet {
	if c.Meta == nil {
		c.Meta = make(map[EntityKey]EntityMeta)
	}
	c.Meta[key] = meta
	return c
}

// Empty reports whether the change-set mutates nothing.
func (c *ChangeSet) Empty() bool {
	if c == nil {
		return true
	}
	return len(c.Upserts) == 0 && len(c.Deletes) == 0 && len(c.Rekeys) == 0
}

// Keys returns every entity key the change-set touches. Rekeyed entities
// appear under both their old and new identities so that dependency fan-out
// catches roots recorded against either.
func (c *ChangeSet) Keys() []EntityKey {
	seen := make(map[EntityKey]struct{})
	var keys []EntityKey
	add := func(k EntityKey) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	for k := range c.Upserts {
		add(k)
	}
	for k := range c.Deletes {
		add(k)
	}
	for _, rk := range c.Rekeys {
		add(rk.Old)
		add(rk.New)
	}
	return keys
}

// Merge folds other into the change-set, with other's writes taking
// precedence. Masked upserts in other override only their masked fields;
// a full-record upsert in other replaces any prior record for the key.
func (c *ChangeSet) Merge(other *ChangeSet) *ChangeSet {
	if other == nil {
		return c
	}
	for key, rec := range other.Upserts {
		mask := other.FieldMasks[key]
		base, ok := c.Upserts[key]
		switch {
		case ok && mask != nil:
			c.Upserts[key] = base.Merge(rec, mask)
			// The merged record widens the earlier mask, if there was
			// one. Widen a copy: the masks belong to their callers.
			if prior, hadMask := c.FieldMasks[key]; hadMask {
				widened := NewFieldMask(prior.Fields()...)
				for f := range mask {
					widened[f] = struct{}{}
				}
				c.FieldMasks[key] = widened
			}
		case mask != nil:
			c.Patch(key, rec.Clone(), NewFieldMask(mask.Fields()...))
		default:
			c.Upsert(key, rec.Clone())
			delete(c.FieldMasks, key)
		}
		// Any upsert in other revives a key an earlier set deleted.
		delete(c.Deletes, key)
	}
	for key := range other.Deletes {
		c.Delete(key)
		delete(c.Upserts, key)
		delete(c.FieldMasks, key)
	}
	c.Rekeys = append(c.Rekeys, other.Rekeys...)
	for key, meta := range other.Meta {
		c.SetMeta(key, meta)
	}
	for key, etag := range other.ExpectETag {
		c.Expect(key, etag)
	}
	return c
}

// Write pairs a change-set with an optional root-index update, mapping
// application-level store keys to the normalized roots they resolve to.
// This is the unit handed to View.Write by converter code.
type Write struct {
	Changes *ChangeSet

	// IndexUpdate maps store keys to root entity keys, used for list and
	// query roots whose identity is derived rather than intrinsic.
	IndexUpdate map[string]EntityKey
}
