// Package memory provides an in-process graph.Backend backed by sharded maps.
//
// The backend is the reference implementation of the storage contract: writers
// are serialized by a single apply lock, readers take per-shard read locks,
// and invalidation is published strictly after storage is updated.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jacentio/espalier/graph"
	"github.com/jacentio/espalier/internal/fanout"
	"github.com/jacentio/espalier/internal/shard"
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

// Config holds configuration for the memory backend.
type Config struct {
	// NumShards is the number of record-map shards. Higher values reduce
	// read contention between concurrent compositions.
	// Default: 8. Max: 256.
	NumShards int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{NumShards: 8}
}

func (c *Config) validate() {
	if c.NumShards < 1 {
		c.NumShards = 8
	}
	if c.NumShards > 256 {
		c.NumShards = 256
	}
}

type storedEntity struct {
	rec  graph.NormalizedRecord
	meta graph.EntityMeta
}

type mapShard struct {
	mu      sync.RWMutex
	records map[graph.EntityKey]storedEntity
}

// Backend is an in-process implementation of graph.Backend.
type Backend struct {
	config Config
	shards []*mapShard

	// applyMu serializes change-set application; it is the atomicity
	// boundary.
	applyMu sync.Mutex

	depMu    sync.RWMutex
	byRoot   map[graph.RootRef]map[graph.EntityKey]struct{}
	byEntity map[graph.EntityKey]map[graph.RootRef]struct{}

	hub *fanout.Hub

	closeMu sync.RWMutex
	closed  bool
}

// New creates a memory backend.
func New(config Config) *Backend {
	config.validate()
	b := &Backend{
		config:   config,
		shards:   make([]*mapShard, config.NumShards),
		byRoot:   make(map[graph.RootRef]map[graph.EntityKey]struct{}),
		byEntity: make(map[graph.EntityKey]map[graph.RootRef]struct{}),
		hub:      fanout.New(),
	}
	for i := range b.shards {
		b.shards[i] = &mapShard{records: make(map[graph.EntityKey]storedEntity)}
	}
	return b
}

func (b *Backend) shardFor(key graph.EntityKey) *mapShard {
	return b.shards[shard.Index(key.Ref(), b.config.NumShards)]
}

func (b *Backend) checkOpen() error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return graph.ErrBackendClosed
	}
	return nil
}

// Get returns a copy of the record for key. Tombstoned and absent entities
// both report graph.ErrNotFound.
func (b *Backend) Get(ctx context.Context, key graph.EntityKey) (graph.NormalizedRecord, graph.EntityMeta, error) {
	if err := b.checkOpen(); err != nil {
		return nil, graph.EntityMeta{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, graph.EntityMeta{}, err
	}
	s := b.shardFor(key)
	s.mu.RLock()
	stored, ok := s.records[key]
	s.mu.RUnlock()
	if !ok || stored.meta.Tombstone {
		return nil, graph.EntityMeta{}, graph.ErrNotFound
	}
	return stored.rec.Clone(), stored.meta, nil
}

// Apply writes the change-set atomically and then publishes the set of
// affected roots. Validation failures (etag conflicts, occupied rekey
// targets) abort before any mutation.
func (b *Backend) Apply(ctx context.Context, changes *graph.ChangeSet) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if changes.Empty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.applyMu.Lock()
	defer b.applyMu.Unlock()

	if err := b.validate(changes); err != nil {
		return err
	}

	now := nowUTC()
	for key, rec := range changes.Upserts {
		s := b.shardFor(key)
		s.mu.Lock()
		existing := s.records[key]
		var base graph.NormalizedRecord
		if !existing.meta.Tombstone {
			base = existing.rec
		}
		merged := base.Merge(rec, changes.FieldMasks[key])
		meta := existing.meta
		if m, ok := changes.Meta[key]; ok {
			meta = m
		}
		meta.Tombstone = false
		meta.UpdatedAt = now
		s.records[key] = storedEntity{rec: merged, meta: meta}
		s.mu.Unlock()
	}

	for key := range changes.Deletes {
		s := b.shardFor(key)
		s.mu.Lock()
		delete(s.records, key)
		s.mu.Unlock()
	}

	for _, rk := range changes.Rekeys {
		b.applyRekey(rk)
	}

	roots := b.affected(changes.Keys())
	if len(roots) > 0 {
		b.hub.Publish(graph.NewRootSet(roots...))
	}
	return nil
}

// validate checks the change-set's preconditions before anything mutates.
func (b *Backend) validate(changes *graph.ChangeSet) error {
	for key, expected := range changes.ExpectETag {
		s := b.shardFor(key)
		s.mu.RLock()
		stored, ok := s.records[key]
		s.mu.RUnlock()
		if !ok || stored.meta.Tombstone || stored.meta.ETag != expected {
			return graph.ErrConcurrentModification
		}
	}
	for _, rk := range changes.Rekeys {
		if _, upserted := changes.Upserts[rk.New]; upserted {
			continue
		}
		s := b.shardFor(rk.New)
		s.mu.RLock()
		_, occupied := s.records[rk.New]
		s.mu.RUnlock()
		if occupied {
			return graph.ErrRekeyConflict
		}
	}
	return nil
}

// applyRekey moves the record, rewrites every reference to the old key, and
// migrates dependency-index entries recorded under the old identity.
func (b *Backend) applyRekey(rk graph.Rekey) {
	oldShard := b.shardFor(rk.Old)
	oldShard.mu.Lock()
	stored, ok := oldShard.records[rk.Old]
	delete(oldShard.records, rk.Old)
	oldShard.mu.Unlock()
	if ok {
		newShard := b.shardFor(rk.New)
		newShard.mu.Lock()
		newShard.records[rk.New] = stored
		newShard.mu.Unlock()
	}

	for _, s := range b.shards {
		s.mu.Lock()
		for key, st := range s.records {
			if rewritten, changed := st.rec.RewriteRefs(rk.Old, rk.New); changed {
				st.rec = rewritten
				s.records[key] = st
			}
		}
		s.mu.Unlock()
	}

	b.depMu.Lock()
	if roots, ok := b.byEntity[rk.Old]; ok {
		delete(b.byEntity, rk.Old)
		merged := b.byEntity[rk.New]
		if merged == nil {
			merged = make(map[graph.RootRef]struct{}, len(roots))
			b.byEntity[rk.New] = merged
		}
		for root := range roots {
			merged[root] = struct{}{}
			entities := b.byRoot[root]
			delete(entities, rk.Old)
			entities[rk.New] = struct{}{}
		}
	}
	b.depMu.Unlock()
}

// UpdateRootDependencies replaces the dependency set recorded for root.
func (b *Backend) UpdateRootDependencies(ctx context.Context, root graph.RootRef, entities []graph.EntityKey) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.depMu.Lock()
	defer b.depMu.Unlock()

	for key := range b.byRoot[root] {
		if roots, ok := b.byEntity[key]; ok {
			delete(roots, root)
			if len(roots) == 0 {
				delete(b.byEntity, key)
			}
		}
	}
	if len(entities) == 0 {
		delete(b.byRoot, root)
		return nil
	}
	set := make(map[graph.EntityKey]struct{}, len(entities))
	for _, key := range entities {
		set[key] = struct{}{}
		roots, ok := b.byEntity[key]
		if !ok {
			roots = make(map[graph.RootRef]struct{})
			b.byEntity[key] = roots
		}
		roots[root] = struct{}{}
	}
	b.byRoot[root] = set
	return nil
}

// RemoveRootDependencies drops the dependency entry for root. Entities it
// referenced are untouched.
func (b *Backend) RemoveRootDependencies(ctx context.Context, root graph.RootRef) error {
	return b.UpdateRootDependencies(ctx, root, nil)
}

// AffectedRoots returns the roots whose recorded dependencies intersect the
// given keys.
func (b *Backend) AffectedRoots(ctx context.Context, entities []graph.EntityKey) ([]graph.RootRef, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.affected(entities), nil
}

func (b *Backend) affected(entities []graph.EntityKey) []graph.RootRef {
	b.depMu.RLock()
	defer b.depMu.RUnlock()
	seen := make(map[graph.RootRef]struct{})
	var roots []graph.RootRef
	for _, key := range entities {
		for root := range b.byEntity[key] {
			if _, dup := seen[root]; dup {
				continue
			}
			seen[root] = struct{}{}
			roots = append(roots, root)
		}
	}
	return roots
}

// Invalidate publishes an invalidation for externally observed changes, e.g.
// another process writing shared durable storage. With no keys it publishes
// the recompose-everything sentinel.
func (b *Backend) Invalidate(ctx context.Context, entities []graph.EntityKey) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(entities) == 0 {
		b.hub.Publish(graph.RootSet{})
		return nil
	}
	if roots := b.affected(entities); len(roots) > 0 {
		b.hub.Publish(graph.NewRootSet(roots...))
	}
	return nil
}

// Subscribe registers a conflated invalidation receiver.
func (b *Backend) Subscribe() (<-chan graph.RootSet, func()) {
	return b.hub.Subscribe()
}

// Close shuts the backend down and closes all subscriptions.
func (b *Backend) Close() error {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return nil
	}
	b.closed = true
	b.closeMu.Unlock()
	b.hub.Close()
	return nil
}
