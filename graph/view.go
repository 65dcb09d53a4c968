package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// RootResolver maps an application-level store key to the normalized root
// entity it denotes. Returning an error fails the read.
type RootResolver func(storeKey string) (EntityKey, error)

// View exposes the engine as a reactive single-entity source: readers emit a
// fresh Projection whenever a relevant invalidation arrives, and writes apply
// change-sets atomically. It is the contract consumed by the orchestration
// layer.
type View struct {
	backend  Backend
	registry *Registry
	composer *Composer
	resolver RootResolver

	mu      sync.RWMutex
	index   map[string]EntityKey
	tracked map[RootRef]struct{}
}

// NewView builds a view over backend. resolver may be nil, in which case
// store keys must either appear in the write-maintained index or parse as
// entity refs ("type#id").
func NewView(backend Backend, registry *Registry, resolver RootResolver) *View {
	return &View{
		backend:  backend,
		registry: registry,
		composer: NewComposer(backend, registry),
		resolver: resolver,
		index:    make(map[string]EntityKey),
		tracked:  make(map[RootRef]struct{}),
	}
}

// Resolve returns the root entity key for a store key: the write-maintained
// index wins, then the resolver, then parsing the key as an entity ref.
func (v *View) Resolve(storeKey string) (EntityKey, error) {
	v.mu.RLock()
	key, ok := v.index[storeKey]
	v.mu.RUnlock()
	if ok {
		return key, nil
	}
	if v.resolver != nil {
		return v.resolver(storeKey)
	}
	key, err := ParseRef(storeKey)
	if err != nil {
		return EntityKey{}, fmt.Errorf("espalier: unresolvable store key %q: %w", storeKey, err)
	}
	return key, nil
}

// Write applies the change-set atomically and then folds any index update
// into the store-key mapping. Rekeys migrate existing index entries so later
// reads resolve to the canonical identity.
func (v *View) Write(ctx context.Context, w Write) error {
	if w.Changes != nil && !w.Changes.Empty() {
		if err := v.backend.Apply(ctx, w.Changes); err != nil {
			return err
		}
	}
	if len(w.IndexUpdate) == 0 && (w.Changes == nil || len(w.Changes.Rekeys) == 0) {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for storeKey, root := range w.IndexUpdate {
		v.index[storeKey] = root
	}
	if w.Changes != nil {
		for _, rk := range w.Changes.Rekeys {
			for storeKey, root := range v.index {
				if root == rk.Old {
					v.index[storeKey] = rk.New
				}
			}
		}
	}
	return nil
}

// Delete removes the store key's index mapping and the dependency entries of
// every view composed for it. The entities those views referenced are left
// in place; removing them is an explicit change-set operation.
func (v *View) Delete(ctx context.Context, storeKey string) error {
	v.mu.Lock()
	delete(v.index, storeKey)
	var roots []RootRef
	for root := range v.tracked {
		if root.Key == storeKey {
			roots = append(roots, root)
			delete(v.tracked, root)
		}
	}
	v.mu.Unlock()

	for _, root := range roots {
		if err := v.backend.RemoveRootDependencies(ctx, root); err != nil {
			return err
		}
	}
	return nil
}

// Reader composes the store key's view under shape and emits a Projection
// for the initial composition and after every relevant invalidation. The
// channel is conflated: a reader that has not caught up sees only the latest
// projection. Failed compositions emit nothing, leaving the previously
// delivered value as the freshest available, except a missing adapter
// registration: that is a configuration error, and the reader stops and
// closes the channel instead of retrying. The returned cancel func stops
// the reader, closes the channel, and drops the root's dependency entry.
func (v *View) Reader(ctx context.Context, storeKey string, shape Shape) (<-chan Projection, func()) {
	out := make(chan Projection, 1)
	signals, unsubscribe := v.backend.Subscribe()
	root := RootRef{Key: storeKey, ShapeID: shape.ID}

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() { close(done) })
	}

	go func() {
		defer close(out)
		defer unsubscribe()
		defer v.release(root)

		// First composition runs immediately, as if a sentinel had fired.
		if err := v.recompose(ctx, root, shape, out); errors.Is(err, ErrAdapterNotRegistered) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case set, ok := <-signals:
				if !ok {
					return
				}
				if !set.Has(root) {
					continue
				}
				if err := v.recompose(ctx, root, shape, out); errors.Is(err, ErrAdapterNotRegistered) {
					return
				}
			}
		}
	}()

	return out, cancel
}

// recompose runs one composition and, on success, replaces the root's
// dependency set before delivering the projection. Failures deliver nothing
// and are returned so the reader can tell configuration errors apart from
// transient composition failures.
func (v *View) recompose(ctx context.Context, root RootRef, shape Shape, out chan Projection) error {
	key, err := v.Resolve(root.Key)
	if err != nil {
		return err
	}
	result, err := v.composer.Compose(ctx, key, shape)
	if err != nil {
		return err
	}
	if err := v.backend.UpdateRootDependencies(ctx, root, result.Dependencies); err != nil {
		return err
	}
	v.mu.Lock()
	v.tracked[root] = struct{}{}
	v.mu.Unlock()

	p := result.Projection()
	// Conflated delivery: a pending undelivered projection is replaced.
	select {
	case out <- p:
	default:
		select {
		case <-out:
		default:
		}
		out <- p
	}
	return nil
}

// release drops the dependency entry registered for a cancelled reader.
func (v *View) release(root RootRef) {
	v.mu.Lock()
	_, registered := v.tracked[root]
	delete(v.tracked, root)
	v.mu.Unlock()
	if registered {
		// The reader's context is gone by now; removal must still run.
		_ = v.backend.RemoveRootDependencies(context.Background(), root)
	}
}
