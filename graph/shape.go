package graph

import "time"

// DefaultMaxDepth is the traversal depth cap applied when a Shape does not
// set one.
const DefaultMaxDepth = 10

// Shape is a traversal plan for composing one view. The same entity type may
// be composed under different shapes for different views.
type Shape struct {
	// ID identifies the shape; it is half of a RootRef.
	ID string

	// OutputType is the type name of the entity the shape composes.
	OutputType string

	// EdgeFields are the reference fields followed during traversal.
	// Reference fields outside this set are left unresolved.
	EdgeFields map[string]struct{}

	// EdgeLimits caps the number of list children traversed per field.
	// Fields without an entry are unbounded.
	EdgeLimits map[string]int

	// MaxDepth caps traversal depth. Zero means DefaultMaxDepth.
	MaxDepth int
}

// NewShape builds a Shape following the given edge fields.
func NewShape(id, outputType string, edgeFields ...string) Shape {
	s := Shape{
		ID:         id,
		OutputType: outputType,
		EdgeFields: make(map[string]struct{}, len(edgeFields)),
		MaxDepth:   DefaultMaxDepth,
	}
	for _, f := range edgeFields {
		s.EdgeFields[f] = struct{}{}
	}
	return s
}

// IsEdge reports whether the field is traversed under this shape.
func (s Shape) IsEdge(field string) bool {
	_, ok := s.EdgeFields[field]
	return ok
}

// maxDepth returns the effective depth cap.
func (s Shape) maxDepth() int {
	if s.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return s.MaxDepth
}

// RootRef identifies one composed view instance. It is the unit of
// dependency tracking and invalidation.
type RootRef struct {
	// Key is the application-level store key the view was composed for.
	Key string

	// ShapeID is the shape the view was composed under.
	ShapeID string
}

// RootSet is a set of roots carried on the invalidation stream. An empty,
// non-nil set is the "unknown impact" sentinel: every active reader must
// recompose.
type RootSet map[RootRef]struct{}

// NewRootSet builds a set from roots.
func NewRootSet(roots ...RootRef) RootSet {
	s := make(RootSet, len(roots))
	for _, r := range roots {
		s[r] = struct{}{}
	}
	return s
}

// All reports whether the set is the recompose-everything sentinel.
func (s RootSet) All() bool {
	return s != nil && len(s) == 0
}

// Has reports whether the set covers root, either explicitly or via the
// sentinel.
func (s RootSet) Has(root RootRef) bool {
	if s == nil {
		return false
	}
	if len(s) == 0 {
		return true
	}
	_, ok := s[root]
	return ok
}

// Union merges two sets. If either is the sentinel, the result is the
// sentinel: "everything" absorbs any specific set.
func (s RootSet) Union(other RootSet) RootSet {
	if s.All() || other.All() {
		return RootSet{}
	}
	out := make(RootSet, len(s)+len(other))
	for r := range s {
		out[r] = struct{}{}
	}
	for r := range other {
		out[r] = struct{}{}
	}
	return out
}

// Projection is a composed view value plus its freshness metadata.
type Projection struct {
	// Value is the denormalized output of the shape's adapter.
	Value any

	// At is when the composition completed.
	At time.Time

	// ETag is the root entity's tag at composition time, empty if unknown.
	ETag string

	// MaxDepthReached reports that traversal was truncated by the shape's
	// depth cap; the value is the partial graph composed up to the cap.
	MaxDepthReached bool
}
