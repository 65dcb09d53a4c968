package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jacentio/espalier/graph"
	"github.com/jacentio/espalier/memory"
)

func key(typeName, id string) graph.EntityKey {
	return graph.EntityKey{Type: typeName, ID: id}
}

func scalar(v any) graph.ScalarValue { return graph.ScalarValue{Value: v} }

func mustApply(t *testing.T, b *memory.Backend, changes *graph.ChangeSet) {
	t.Helper()
	if err := b.Apply(context.Background(), changes); err != nil {
		t.Fatalf("apply: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := memory.DefaultConfig()
	if cfg.NumShards != 8 {
		t.Errorf("expected NumShards 8, got %d", cfg.NumShards)
	}
}

func TestGetNotFound(t *testing.T) {
	b := memory.New(memory.DefaultConfig())
	defer b.Close()

	_, _, err := b.Get(context.Background(), key("user", "404"))
	if !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyUpsertAndGet(t *testing.T) {
	b := memory.New(memory.DefaultConfig())
	defer b.Close()

	alice := key("user", "1")
	mustApply(t, b, graph.NewChangeSet().
		Upsert(alice, graph.NormalizedRecord{"name": scalar("alice")}).
		SetMeta(alice, graph.EntityMeta{ETag: "v1"}))

	rec, meta, err := b.Get(context.Background(), alice)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := rec["name"].(graph.ScalarValue).Value; got != "alice" {
		t.Errorf("expected name 'alice', got %v", got)
	}
	if meta.ETag != "v1" {
		t.Errorf("expected etag 'v1', got %q", meta.ETag)
	}
	if meta.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be set")
	}

	// Mutating the returned record must not touch storage.
	rec["name"] = scalar("mallory")
	rec2, _, err := b.Get(context.Background(), alice)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := rec2["name"].(graph.ScalarValue).Value; got != "alice" {
		t.Errorf("expected stored record isolated from caller mutation, got %v", got)
	}
}

func TestApplyPatchSemantics(t *testing.T) {
	b := memory.New(memory.DefaultConfig())
	defer b.Close()

	alice := key("user", "1")
	mustApply(t, b, graph.NewChangeSet().Upsert(alice, graph.NormalizedRecord{
		"name":  scalar("alice"),
		"email": scalar("alice@example.com"),
	}))

	t.Run("patch writes only masked fields", func(t *testing.T) {
		mustApply(t, b, graph.NewChangeSet().Patch(alice, graph.NormalizedRecord{
			"name": scalar("bob"),
		}, graph.NewFieldMask("name")))

		rec, _, err := b.Get(context.Background(), alice)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got := rec["name"].(graph.ScalarValue).Value; got != "bob" {
			t.Errorf("expected name 'bob', got %v", got)
		}
		if got := rec["email"].(graph.ScalarValue).Value; got != "alice@example.com" {
			t.Errorf("expected email preserved, got %v", got)
		}
	})

	t.Run("patch is idempotent", func(t *testing.T) {
		changes := graph.NewChangeSet().Patch(alice, graph.NormalizedRecord{
			"name": scalar("carol"),
		}, graph.NewFieldMask("name"))
		mustApply(t, b, changes)
		first, _, _ := b.Get(context.Background(), alice)

		mustApply(t, b, changes)
		second, _, err := b.Get(context.Background(), alice)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(first) != len(second) {
			t.Fatalf("expected identical records, got %d vs %d fields", len(first), len(second))
		}
		if second["name"].(graph.ScalarValue).Value != "carol" {
			t.Errorf("expected name 'carol' after reapply, got %v", second["name"])
		}
	})

	t.Run("masked absent field is removed", func(t *testing.T) {
		mustApply(t, b, graph.NewChangeSet().Patch(alice, graph.NormalizedRecord{},
			graph.NewFieldMask("email")))
		rec, _, err := b.Get(context.Background(), alice)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if _, ok := rec["email"]; ok {
			t.Error("expected email removed")
		}
	})

	t.Run("unmasked upsert replaces the record", func(t *testing.T) {
		mustApply(t, b, graph.NewChangeSet().Upsert(alice, graph.NormalizedRecord{
			"name": scalar("dave"),
		}))
		rec, _, err := b.Get(context.Background(), alice)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(rec) != 1 {
			t.Errorf("expected full replacement with 1 field, got %d", len(rec))
		}
	})
}

func TestApplyDelete(t *testing.T) {
	b := memory.New(memory.DefaultConfig())
	defer b.Close()

	alice := key("user", "1")
	mustApply(t, b, graph.NewChangeSet().Upsert(alice, graph.NormalizedRecord{"name": scalar("alice")}))
	mustApply(t, b, graph.NewChangeSet().Delete(alice))

	_, _, err := b.Get(context.Background(), alice)
	if !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestApplyETagPrecondition(t *testing.T) {
	b := memory.New(memory.DefaultConfig())
	defer b.Close()

	alice := key("user", "1")
	mustApply(t, b, graph.NewChangeSet().
		Upsert(alice, graph.NormalizedRecord{"name": scalar("alice")}).
		SetMeta(alice, graph.EntityMeta{ETag: "v1"}))

	t.Run("matching etag succeeds", func(t *testing.T) {
		changes := graph.NewChangeSet().
			Patch(alice, graph.NormalizedRecord{"name": scalar("bob")}, graph.NewFieldMask("name")).
			SetMeta(alice, graph.EntityMeta{ETag: "v2"}).
			Expect(alice, "v1")
		mustApply(t, b, changes)
	})

	t.Run("stale etag aborts without writing", func(t *testing.T) {
		changes := graph.NewChangeSet().
			Patch(alice, graph.NormalizedRecord{"name": scalar("mallory")}, graph.NewFieldMask("name")).
			Expect(alice, "v1")
		err := b.Apply(context.Background(), changes)
		if !errors.Is(err, graph.ErrConcurrentModification) {
			t.Fatalf("expected ErrConcurrentModification, got %v", err)
		}
		rec, _, _ := b.Get(context.Background(), alice)
		if got := rec["name"].(graph.ScalarValue).Value; got != "bob" {
			t.Errorf("expected record untouched by failed apply, got name %v", got)
		}
	})

	t.Run("precondition on absent entity fails", func(t *testing.T) {
		changes := graph.NewChangeSet().
			Upsert(key("user", "404"), graph.NormalizedRecord{}).
			Expect(key("user", "404"), "v1")
		if err := b.Apply(context.Background(), changes); !errors.Is(err, graph.ErrConcurrentModification) {
			t.Errorf("expected ErrConcurrentModification, got %v", err)
		}
	})
}

// --- Rekey Tests ---

func TestApplyRekey(t *testing.T) {
	b := memory.New(memory.DefaultConfig())
	defer b.Close()

	provisional := graph.ProvisionalKey("user")
	canonical := key("user", "42")
	referrer := key("post", "10")

	mustApply(t, b, graph.NewChangeSet().
		Upsert(provisional, graph.NormalizedRecord{"name": scalar("draft")}).
		Upsert(referrer, graph.NormalizedRecord{
			"author":  graph.RefValue{Key: provisional},
			"editors": graph.RefListValue{Keys: []graph.EntityKey{provisional, key("user", "7")}},
		}))

	mustApply(t, b, graph.NewChangeSet().RekeyEntity(provisional, canonical))

	// The record is reachable only under its new identity.
	if _, _, err := b.Get(context.Background(), provisional); !errors.Is(err, graph.ErrNotFound) {
		t.Errorf("expected old identity gone, got %v", err)
	}
	rec, _, err := b.Get(context.Background(), canonical)
	if err != nil {
		t.Fatalf("get canonical: %v", err)
	}
	if got := rec["name"].(graph.ScalarValue).Value; got != "draft" {
		t.Errorf("expected record carried over, got name %v", got)
	}

	// Every reference to the old identity was rewritten.
	post, _, err := b.Get(context.Background(), referrer)
	if err != nil {
		t.Fatalf("get referrer: %v", err)
	}
	if got := post["author"].(graph.RefValue).Key; got != canonical {
		t.Errorf("expected author rewritten to %v, got %v", canonical, got)
	}
	editors := post["editors"].(graph.RefListValue).Keys
	if editors[0] != canonical || editors[1] != key("user", "7") {
		t.Errorf("expected editors [%v user#7], got %v", canonical, editors)
	}
}

func TestApplyRekeyConflict(t *testing.T) {
	b := memory.New(memory.DefaultConfig())
	defer b.Close()

	old := key("user", "1")
	occupied := key("user", "2")
	mustApply(t, b, graph.NewChangeSet().
		Upsert(old, graph.NormalizedRecord{"name": scalar("alice")}).
		Upsert(occupied, graph.NormalizedRecord{"name": scalar("bob")}))

	err := b.Apply(context.Background(), graph.NewChangeSet().RekeyEntity(old, occupied))
	if !errors.Is(err, graph.ErrRekeyConflict) {
		t.Fatalf("expected ErrRekeyConflict, got %v", err)
	}

	// An upsert for the target in the same change-set legitimizes the move.
	mustApply(t, b, graph.NewChangeSet().
		Upsert(occupied, graph.NormalizedRecord{"name": scalar("merged")}).
		RekeyEntity(old, occupied))
}

func TestApplyRekeyMigratesDependencies(t *testing.T) {
	b := memory.New(memory.DefaultConfig())
	defer b.Close()

	old := key("user", "1")
	canonical := key("user", "42")
	root := graph.RootRef{Key: "me", ShapeID: "user_card"}

	mustApply(t, b, graph.NewChangeSet().Upsert(old, graph.NormalizedRecord{"name": scalar("alice")}))
	if err := b.UpdateRootDependencies(context.Background(), root, []graph.EntityKey{old}); err != nil {
		t.Fatalf("update deps: %v", err)
	}

	mustApply(t, b, graph.NewChangeSet().RekeyEntity(old, canonical))

	roots, err := b.AffectedRoots(context.Background(), []graph.EntityKey{canonical})
	if err != nil {
		t.Fatalf("affected roots: %v", err)
	}
	if len(roots) != 1 || roots[0] != root {
		t.Errorf("expected dependency migrated to new identity, got %v", roots)
	}
}

// --- Dependency Index Tests ---

func TestDependencyIndex(t *testing.T) {
	b := memory.New(memory.DefaultConfig())
	defer b.Close()
	ctx := context.Background()

	cardA := graph.RootRef{Key: "a", ShapeID: "card"}
	cardB := graph.RootRef{Key: "b", ShapeID: "card"}
	shared := key("user", "1")
	onlyA := key("user", "2")

	if err := b.UpdateRootDependencies(ctx, cardA, []graph.EntityKey{shared, onlyA}); err != nil {
		t.Fatalf("update deps: %v", err)
	}
	if err := b.UpdateRootDependencies(ctx, cardB, []graph.EntityKey{shared}); err != nil {
		t.Fatalf("update deps: %v", err)
	}

	roots, err := b.AffectedRoots(ctx, []graph.EntityKey{shared})
	if err != nil {
		t.Fatalf("affected roots: %v", err)
	}
	if len(roots) != 2 {
		t.Errorf("expected both roots affected by shared entity, got %v", roots)
	}

	roots, err = b.AffectedRoots(ctx, []graph.EntityKey{onlyA})
	if err != nil {
		t.Fatalf("affected roots: %v", err)
	}
	if len(roots) != 1 || roots[0] != cardA {
		t.Errorf("expected only cardA affected, got %v", roots)
	}

	// Replacing the set drops stale entries.
	if err := b.UpdateRootDependencies(ctx, cardA, []graph.EntityKey{shared}); err != nil {
		t.Fatalf("update deps: %v", err)
	}
	roots, _ = b.AffectedRoots(ctx, []graph.EntityKey{onlyA})
	if len(roots) != 0 {
		t.Errorf("expected stale dependency dropped, got %v", roots)
	}

	if err := b.RemoveRootDependencies(ctx, cardA); err != nil {
		t.Fatalf("remove deps: %v", err)
	}
	roots, _ = b.AffectedRoots(ctx, []graph.EntityKey{shared})
	if len(roots) != 1 || roots[0] != cardB {
		t.Errorf("expected only cardB after removal, got %v", roots)
	}
}

// --- Invalidation Tests ---

func waitSet(t *testing.T, ch <-chan graph.RootSet) graph.RootSet {
	t.Helper()
	select {
	case set, ok := <-ch:
		if !ok {
			t.Fatal("expected a root set, channel closed")
		}
		return set
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for invalidation")
		return nil
	}
}

func TestApplyPublishesAffectedRoots(t *testing.T) {
	b := memory.New(memory.DefaultConfig())
	defer b.Close()
	ctx := context.Background()

	alice := key("user", "1")
	root := graph.RootRef{Key: "me", ShapeID: "user_card"}
	if err := b.UpdateRootDependencies(ctx, root, []graph.EntityKey{alice}); err != nil {
		t.Fatalf("update deps: %v", err)
	}

	signals, cancel := b.Subscribe()
	defer cancel()

	mustApply(t, b, graph.NewChangeSet().Upsert(alice, graph.NormalizedRecord{"name": scalar("alice")}))
	set := waitSet(t, signals)
	if set.All() {
		t.Fatal("expected a specific root set, got the sentinel")
	}
	if !set.Has(root) {
		t.Errorf("expected set to contain %v, got %v", root, set)
	}

	// A write nothing depends on publishes nothing.
	mustApply(t, b, graph.NewChangeSet().Upsert(key("user", "99"), graph.NormalizedRecord{}))
	select {
	case set := <-signals:
		t.Fatalf("expected no signal for untracked entity, got %v", set)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInvalidate(t *testing.T) {
	b := memory.New(memory.DefaultConfig())
	defer b.Close()
	ctx := context.Background()

	root := graph.RootRef{Key: "me", ShapeID: "user_card"}
	if err := b.UpdateRootDependencies(ctx, root, []graph.EntityKey{key("user", "1")}); err != nil {
		t.Fatalf("update deps: %v", err)
	}

	signals, cancel := b.Subscribe()
	defer cancel()

	t.Run("targeted invalidation fans out", func(t *testing.T) {
		if err := b.Invalidate(ctx, []graph.EntityKey{key("user", "1")}); err != nil {
			t.Fatalf("invalidate: %v", err)
		}
		set := waitSet(t, signals)
		if !set.Has(root) || set.All() {
			t.Errorf("expected specific set containing %v, got %v", root, set)
		}
	})

	t.Run("no keys publishes the sentinel", func(t *testing.T) {
		if err := b.Invalidate(ctx, nil); err != nil {
			t.Fatalf("invalidate: %v", err)
		}
		set := waitSet(t, signals)
		if !set.All() {
			t.Errorf("expected the sentinel, got %v", set)
		}
	})
}

func TestClosedBackend(t *testing.T) {
	b := memory.New(memory.DefaultConfig())
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("expected idempotent close, got %v", err)
	}

	ctx := context.Background()
	if _, _, err := b.Get(ctx, key("user", "1")); !errors.Is(err, graph.ErrBackendClosed) {
		t.Errorf("expected ErrBackendClosed from Get, got %v", err)
	}
	if err := b.Apply(ctx, graph.NewChangeSet().Delete(key("user", "1"))); !errors.Is(err, graph.ErrBackendClosed) {
		t.Errorf("expected ErrBackendClosed from Apply, got %v", err)
	}
	if err := b.Invalidate(ctx, nil); !errors.Is(err, graph.ErrBackendClosed) {
		t.Errorf("expected ErrBackendClosed from Invalidate, got %v", err)
	}

	signals, cancel := b.Subscribe()
	defer cancel()
	if _, ok := <-signals; ok {
		t.Error("expected closed subscription channel")
	}
}
