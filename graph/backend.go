package graph

import "context"

// Backend is the storage contract the engine composes against. It owns the
// authoritative key-to-record mapping and the reverse-dependency index.
//
// Apply must be atomic: every upsert, delete, and rekey in a change-set
// becomes visible together or not at all. A backend that cannot provide that
// boundary violates the contract; callers treat such a failure as fatal.
// Invalidation is emitted strictly after storage is updated.
type Backend interface {
	// Get returns the record and metadata for key, or ErrNotFound if the
	// entity is absent or tombstoned.
	Get(ctx context.Context, key EntityKey) (NormalizedRecord, EntityMeta, error)

	// Apply writes the change-set atomically, then emits the set of roots
	// whose recorded dependencies intersect the touched keys on every
	// subscription channel.
	Apply(ctx context.Context, changes *ChangeSet) error

	// UpdateRootDependencies replaces (not extends) the dependency set
	// recorded for root. Called after every successful composition.
	UpdateRootDependencies(ctx context.Context, root RootRef, entities []EntityKey) error

	// RemoveRootDependencies drops the dependency entry for root. The
	// entities it referenced are untouched; deletion never cascades from
	// index removal.
	RemoveRootDependencies(ctx context.Context, root RootRef) error

	// AffectedRoots returns the roots whose dependency sets intersect the
	// given keys.
	AffectedRoots(ctx context.Context, entities []EntityKey) ([]RootRef, error)

	// Subscribe registers an invalidation receiver. The channel is conflated:
	// when the subscriber lags, pending sets are merged rather than queued,
	// so a burst of writes collapses into one signal. The returned func
	// cancels the subscription and closes the channel.
	Subscribe() (<-chan RootSet, func())

	// Close releases backend resources and closes all subscriptions.
	Close() error
}
