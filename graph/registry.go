package graph

import (
	"context"
	"fmt"
)

// NormalizeContext is handed to adapters during normalization so nested
// entities can be decomposed in the same pass.
type NormalizeContext interface {
	// RegisterNested normalizes an embedded entity of the given type and
	// returns its key, for the caller to store as a Ref or RefList element.
	RegisterNested(typeName string, entity any) (EntityKey, error)
}

// DenormalizeContext resolves reference fields during composition. Only
// fields in the active shape's edge set are traversed; for other fields both
// methods return zero values without error.
type DenormalizeContext interface {
	// Resolve returns the denormalized entity behind key, or nil if the
	// field is not an edge, the target is part of a cycle already being
	// composed, the depth cap was reached, or the target failed to compose.
	Resolve(ctx context.Context, field string, key EntityKey) (any, error)

	// ResolveList resolves a RefList field, honoring the shape's per-field
	// edge limit. Children that resolve to nil are omitted from the result.
	ResolveList(ctx context.Context, field string, keys []EntityKey) ([]any, error)
}

// Adapter converts one entity type between its domain form and its
// normalized record. Implementations are typically generated or hand-written
// per type and registered once at startup.
type Adapter interface {
	// TypeName returns the entity type this adapter handles.
	TypeName() string

	// Key extracts the entity's key without normalizing it.
	Key(entity any) (EntityKey, error)

	// Normalize flattens the entity into a record and reports which fields
	// were actually populated. A nil present slice means the payload was
	// complete and the record replaces any stored one; a non-nil slice
	// yields a field mask (PATCH) covering only those fields.
	Normalize(entity any, nctx NormalizeContext) (rec NormalizedRecord, present []string, err error)

	// Denormalize rebuilds the entity from a record, resolving reference
	// fields through dctx.
	Denormalize(ctx context.Context, rec NormalizedRecord, dctx DenormalizeContext) (any, error)
}

// Registry maps type names to adapters. It is immutable after construction
// and safe for concurrent use.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters. Duplicate type
// names panic: two adapters for one type is a programming error, caught at
// startup.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		name := a.TypeName()
		if _, dup := r.adapters[name]; dup {
			panic(fmt.Sprintf("espalier: duplicate adapter for type %q", name))
		}
		r.adapters[name] = a
	}
	return r
}

// Adapter returns the adapter for typeName, or ErrAdapterNotRegistered.
func (r *Registry) Adapter(typeName string) (Adapter, error) {
	a, ok := r.adapters[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAdapterNotRegistered, typeName)
	}
	return a, nil
}

// Types returns the registered type names in unspecified order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}

// normalizer accumulates records produced by one normalization pass.
type normalizer struct {
	registry *Registry
	changes  *ChangeSet
	seen     map[EntityKey]struct{}
}

func (n *normalizer) RegisterNested(typeName string, entity any) (EntityKey, error) {
	adapter, err := n.registry.Adapter(typeName)
	if err != nil {
		return EntityKey{}, err
	}
	key, err := adapter.Key(entity)
	if err != nil {
		return EntityKey{}, fmt.Errorf("key for %s: %w", typeName, err)
	}
	// Cyclic payloads terminate here: each entity is normalized once per pass.
	if _, done := n.seen[key]; done {
		return key, nil
	}
	n.seen[key] = struct{}{}

	rec, present, err := adapter.Normalize(entity, n)
	if err != nil {
		return EntityKey{}, fmt.Errorf("normalize %s: %w", key.Ref(), err)
	}
	if present != nil {
		n.changes.Patch(key, rec, NewFieldMask(present...))
	} else {
		n.changes.Upsert(key, rec)
	}
	return key, nil
}

// Normalize decomposes one typed payload into a change-set, recursing
// through nested entities in a single pass. It returns the root's key and
// the accumulated change-set.
func Normalize(registry *Registry, typeName string, entity any) (EntityKey, *ChangeSet, error) {
	n := &normalizer{
		registry: registry,
		changes:  NewChangeSet(),
		seen:     make(map[EntityKey]struct{}),
	}
	key, err := n.RegisterNested(typeName, entity)
	if err != nil {
		return EntityKey{}, nil, err
	}
	return key, n.changes, nil
}
