package shard

import (
	"fmt"
	"testing"
)

func TestIndex(t *testing.T) {
	tests := []struct {
		name      string
		ref       string
		numShards int
	}{
		{name: "single shard", ref: "user#1", numShards: 1},
		{name: "zero shards treated as one", ref: "user#1", numShards: 0},
		{name: "sixteen shards", ref: "user#1", numShards: 16},
		{name: "max shards", ref: "post#abc", numShards: 256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := Index(tt.ref, tt.numShards)
			if idx < 0 {
				t.Errorf("expected non-negative shard, got %d", idx)
			}
			limit := tt.numShards
			if limit < 1 {
				limit = 1
			}
			if idx >= limit {
				t.Errorf("expected shard < %d, got %d", limit, idx)
			}
			// Deterministic.
			if again := Index(tt.ref, tt.numShards); again != idx {
				t.Errorf("expected stable shard, got %d then %d", idx, again)
			}
		})
	}
}

func TestIndexDistribution(t *testing.T) {
	const numShards = 8
	counts := make([]int, numShards)
	for i := 0; i < 1000; i++ {
		counts[Index(fmt.Sprintf("user#%d", i), numShards)]++
	}
	for shard, n := range counts {
		if n == 0 {
			t.Errorf("expected shard %d to receive some keys", shard)
		}
	}
}

func TestDependencyPK(t *testing.T) {
	pk := DependencyPK("user#1", "me|card", 16)
	wantSuffix := fmt.Sprintf("#%02x", Index("me|card", 16))
	if pk != "user#1"+wantSuffix {
		t.Errorf("expected pk 'user#1%s', got %q", wantSuffix, pk)
	}

	// Sharded by root, not by entity: different roots may land on different
	// shards of the same entity's partition space.
	if DependencyPK("user#1", "me|card", 1) != "user#1#00" {
		t.Errorf("expected single-shard pk 'user#1#00', got %q", DependencyPK("user#1", "me|card", 1))
	}
}

func TestAllPKs(t *testing.T) {
	t.Run("single shard", func(t *testing.T) {
		pks := AllPKs("user#1", 1)
		if len(pks) != 1 || pks[0] != "user#1#00" {
			t.Errorf("expected ['user#1#00'], got %v", pks)
		}
	})

	t.Run("multiple shards", func(t *testing.T) {
		pks := AllPKs("user#1", 16)
		if len(pks) != 16 {
			t.Fatalf("expected 16 pks, got %d", len(pks))
		}
		if pks[0] != "user#1#00" || pks[15] != "user#1#0f" {
			t.Errorf("expected hex-suffixed pks, got %q .. %q", pks[0], pks[15])
		}
	})
}

func TestAllPKsCoverWrites(t *testing.T) {
	const numShards = 16
	entityRef := "user#1"
	covered := make(map[string]struct{})
	for _, pk := range AllPKs(entityRef, numShards) {
		covered[pk] = struct{}{}
	}
	for i := 0; i < 100; i++ {
		pk := DependencyPK(entityRef, fmt.Sprintf("root#%d|card", i), numShards)
		if _, ok := covered[pk]; !ok {
			t.Fatalf("expected fan-out pks to cover %q", pk)
		}
	}
}

func TestQueryID(t *testing.T) {
	a := QueryID("user_search", map[string]string{"q": "alice", "limit": "10"})
	b := QueryID("user_search", map[string]string{"limit": "10", "q": "alice"})
	if a != b {
		t.Errorf("expected order-independent id, got %q vs %q", a, b)
	}

	if c := QueryID("user_search", map[string]string{"q": "bob", "limit": "10"}); c == a {
		t.Error("expected different params to produce a different id")
	}
	if d := QueryID("post_search", map[string]string{"q": "alice", "limit": "10"}); d == a {
		t.Error("expected different type to produce a different id")
	}

	// Separator injection: key/value boundaries must not be ambiguous.
	x := QueryID("s", map[string]string{"ab": "c"})
	y := QueryID("s", map[string]string{"a": "bc"})
	if x == y {
		t.Error("expected distinct ids for shifted key/value boundary")
	}

	if got := QueryID("user_search", nil); got[:12] != "user_search@" {
		t.Errorf("expected id prefixed with type name, got %q", got)
	}
}

func BenchmarkQueryID(b *testing.B) {
	params := map[string]string{"q": "alice", "limit": "10", "cursor": "abc123"}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		QueryID("user_search", params)
	}
}
