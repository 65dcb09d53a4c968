package graph

import (
	"context"
	"errors"
	"time"
)

// Composer rebuilds typed values from normalized records by traversing
// references per a shape. It never mutates backend storage: dependency
// registration is the caller's terminal step, so a cancelled composition
// leaves no trace.
type Composer struct {
	backend  Backend
	registry *Registry
}

// NewComposer returns a composer reading from backend with the given
// registry.
func NewComposer(backend Backend, registry *Registry) *Composer {
	return &Composer{backend: backend, registry: registry}
}

// Result is a successful composition: the value plus everything the caller
// needs to register dependencies and build a Projection.
type Result struct {
	// Value is the denormalized root entity.
	Value any

	// Meta is the root entity's metadata at composition time.
	Meta EntityMeta

	// Dependencies lists every entity read during traversal, in first-read
	// order. This includes entities reached through fields outside the
	// shape's edge set whenever they were fetched, and keys whose fetch
	// came back empty, so invalidation fires when they appear later.
	Dependencies []EntityKey

	// MaxDepthReached reports that traversal was truncated by the depth
	// cap. The value is the partial graph composed up to the cap.
	MaxDepthReached bool
}

// Compose traverses the graph from root under shape and returns the
// denormalized value. A missing root yields a CompositionError carrying zero
// partial records. Entity-level failures do not stop the traversal: the rest
// of the reachable graph is composed, then a CompositionError reporting the
// failed keys and partial counts is returned instead of a value.
// Configuration errors and context cancellation abort immediately.
func (c *Composer) Compose(ctx context.Context, root EntityKey, shape Shape) (*Result, error) {
	w := &walk{
		c:        c,
		shape:    shape,
		visited:  make(map[EntityKey]struct{}),
		resolved: make(map[EntityKey]any),
		deps:     make(map[EntityKey]struct{}),
		failed:   make(map[EntityKey]error),
	}

	value, err := w.resolve(ctx, root, 0)
	if err != nil {
		return nil, err
	}

	if _, rootFailed := w.failed[root]; rootFailed && errors.Is(w.failed[root], ErrNotFound) {
		return nil, &CompositionError{Root: root}
	}
	if len(w.failed) > 0 {
		return nil, &CompositionError{
			Root:            root,
			PartialRecords:  w.composed,
			TotalExpected:   w.attempted,
			FailedEntities:  w.failed,
			MaxDepthReached: w.maxDepthReached,
		}
	}

	return &Result{
		Value:           value,
		Meta:            w.rootMeta,
		Dependencies:    w.depOrder,
		MaxDepthReached: w.maxDepthReached,
	}, nil
}

// Projection builds the reader-facing projection for a result.
func (r *Result) Projection() Projection {
	return Projection{
		Value:           r.Value,
		At:              time.Now().UTC(),
		ETag:            r.Meta.ETag,
		MaxDepthReached: r.MaxDepthReached,
	}
}

// walk is the per-composition traversal state. Compositions share nothing,
// so concurrent readers need no locking here.
type walk struct {
	c        *Composer
	shape    Shape
	visited  map[EntityKey]struct{}
	resolved map[EntityKey]any
	deps     map[EntityKey]struct{}
	depOrder []EntityKey
	failed   map[EntityKey]error
	rootMeta EntityMeta

	composed        int
	attempted       int
	maxDepthReached bool
}

// resolve composes the entity at key. It returns nil (with no error) when
// the entity is cut by the depth cap, is part of a cycle still being
// composed, or failed individually; only cancellation and configuration
// errors propagate.
func (w *walk) resolve(ctx context.Context, key EntityKey, depth int) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if depth >= w.shape.maxDepth() {
		w.maxDepthReached = true
		return nil, nil
	}
	if v, ok := w.resolved[key]; ok {
		return v, nil
	}
	if _, inProgress := w.visited[key]; inProgress {
		// Cycle: the key is upstream in this same traversal. Treat it as
		// already resolved and do not re-traverse.
		return nil, nil
	}
	w.visited[key] = struct{}{}
	w.dep(key)
	w.attempted++

	rec, meta, err := w.c.backend.Get(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		w.failed[key] = err
		return nil, nil
	}
	if depth == 0 {
		w.rootMeta = meta
	}

	adapter, err := w.c.registry.Adapter(key.Type)
	if err != nil {
		// Missing adapter is a configuration error: surface immediately.
		return nil, err
	}

	value, err := adapter.Denormalize(ctx, rec, frame{w: w, depth: depth})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrAdapterNotRegistered) {
			return nil, err
		}
		w.failed[key] = err
		return nil, nil
	}

	w.resolved[key] = value
	w.composed++
	return value, nil
}

func (w *walk) dep(key EntityKey) {
	if _, ok := w.deps[key]; ok {
		return
	}
	w.deps[key] = struct{}{}
	w.depOrder = append(w.depOrder, key)
}

// frame is the DenormalizeContext for one traversal depth.
type frame struct {
	w     *walk
	depth int
}

func (f frame) Resolve(ctx context.Context, field string, key EntityKey) (any, error) {
	if !f.w.shape.IsEdge(field) {
		return nil, nil
	}
	return f.w.resolve(ctx, key, f.depth+1)
}

func (f frame) ResolveList(ctx context.Context, field string, keys []EntityKey) ([]any, error) {
	if !f.w.shape.IsEdge(field) {
		return nil, nil
	}
	if limit, ok := f.w.shape.EdgeLimits[field]; ok && limit >= 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]any, 0, len(keys))
	for _, key := range keys {
		v, err := f.w.resolve(ctx, key, f.depth+1)
		if err != nil {
			return nil, err
		}
		if v != nil {
			out = append(out, v)
		}
	}
	return out, nil
}
