// Package graph provides a normalized graph cache engine: domain objects are
// decomposed into flat, deduplicated entity records, reassembled into views on
// demand, and a reverse-dependency index invalidates exactly the views a write
// touches.
//
// Espalier sits between a network layer that produces typed payloads and an
// orchestration layer that decides when to fetch versus serve cached data. It
// owns neither: payloads enter through [Normalize] (or converter-built
// [ChangeSet] values) and leave through [View.Reader].
//
// # Key Features
//
//   - Atomic change-sets: upserts, deletes, and rekeys visible as a unit
//   - PATCH-vs-PUT write semantics via per-key field masks
//   - Shape-driven composition with cycle cuts and depth capping
//   - Precise invalidation from a reverse-dependency index, no cache scans
//   - Conflated invalidation streams: write bursts collapse into one signal
//   - Provisional keys rekeyed to canonical identity after server assignment
//
// # Entity Adapters
//
// Each entity type registers an [Adapter]:
//
//	type Adapter interface {
//	    TypeName() string
//	    Key(entity any) (EntityKey, error)
//	    Normalize(entity any, nctx NormalizeContext) (NormalizedRecord, []string, error)
//	    Denormalize(ctx context.Context, rec NormalizedRecord, dctx DenormalizeContext) (any, error)
//	}
//
// Adapters are collected into an immutable [Registry]. Looking up a type with
// no adapter is a configuration error ([ErrAdapterNotRegistered]): it is
// surfaced immediately and never retried.
//
// # Storage Backends
//
// Storage is abstract behind [Backend]. The memory package provides an
// in-process backend, the dynamo package a DynamoDB-backed one, and the
// sqlite package a durable single-file one. All three honor the same
// atomicity and invalidation contract.
//
// # Errors
//
//   - [ErrNotFound] - entity absent or tombstoned
//   - [ErrAdapterNotRegistered] - missing adapter, fatal configuration error
//   - [ErrConcurrentModification] - etag-conditional write lost the race
//   - [ErrRekeyConflict] - rekey target already occupied
//   - [CompositionError] - partial composition, carries failed keys and counts
package graph
