package fanout

import (
	"testing"
	"time"

	"github.com/jacentio/espalier/graph"
)

func root(key string) graph.RootRef {
	return graph.RootRef{Key: key, ShapeID: "card"}
}

func recv(t *testing.T, ch <-chan graph.RootSet) graph.RootSet {
	t.Helper()
	select {
	case set, ok := <-ch:
		if !ok {
			t.Fatal("expected a set, channel closed")
		}
		return set
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for set")
		return nil
	}
}

func TestPublishDelivers(t *testing.T) {
	hub := New()
	defer hub.Close()

	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Publish(graph.NewRootSet(root("a")))
	set := recv(t, ch)
	if !set.Has(root("a")) {
		t.Errorf("expected set containing root a, got %v", set)
	}
}

func TestPublishConflatesPendingSets(t *testing.T) {
	hub := New()
	defer hub.Close()

	ch, cancel := hub.Subscribe()
	defer cancel()

	// Nothing is reading: the second and third publishes merge into the
	// pending one.
	hub.Publish(graph.NewRootSet(root("a")))
	hub.Publish(graph.NewRootSet(root("b")))
	hub.Publish(graph.NewRootSet(root("c")))

	set := recv(t, ch)
	for _, r := range []graph.RootRef{root("a"), root("b"), root("c")} {
		if !set.Has(r) {
			t.Errorf("expected conflated set to contain %v, got %v", r, set)
		}
	}
	if set.All() {
		t.Error("expected specific set, got the sentinel")
	}

	select {
	case extra := <-ch:
		t.Fatalf("expected a single conflated delivery, got extra %v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSentinelAbsorbs(t *testing.T) {
	hub := New()
	defer hub.Close()

	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Publish(graph.NewRootSet(root("a")))
	hub.Publish(graph.RootSet{})
	hub.Publish(graph.NewRootSet(root("b")))

	set := recv(t, ch)
	if !set.All() {
		t.Errorf("expected the sentinel to absorb specific sets, got %v", set)
	}
}

func TestPublishNilIsNoOp(t *testing.T) {
	hub := New()
	defer hub.Close()

	ch, cancel := hub.Subscribe()
	defer cancel()

	hub.Publish(nil)
	select {
	case set := <-ch:
		t.Fatalf("expected no delivery for nil set, got %v", set)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultipleSubscribers(t *testing.T) {
	hub := New()
	defer hub.Close()

	ch1, cancel1 := hub.Subscribe()
	defer cancel1()
	ch2, cancel2 := hub.Subscribe()
	defer cancel2()

	hub.Publish(graph.NewRootSet(root("a")))
	if set := recv(t, ch1); !set.Has(root("a")) {
		t.Errorf("expected first subscriber to receive root a, got %v", set)
	}
	if set := recv(t, ch2); !set.Has(root("a")) {
		t.Errorf("expected second subscriber to receive root a, got %v", set)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	hub := New()
	defer hub.Close()

	ch, cancel := hub.Subscribe()
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("expected channel closed after cancel")
	}

	// Publishing after cancel must not panic on the closed channel.
	hub.Publish(graph.NewRootSet(root("a")))
}

func TestCloseHub(t *testing.T) {
	hub := New()
	ch, cancel := hub.Subscribe()

	hub.Close()
	hub.Close() // idempotent

	if _, ok := <-ch; ok {
		t.Error("expected channel closed after hub close")
	}
	// Cancel after close must not double-close.
	cancel()

	// Subscribing to a closed hub yields a closed channel.
	late, lateCancel := hub.Subscribe()
	defer lateCancel()
	if _, ok := <-late; ok {
		t.Error("expected closed channel from closed hub")
	}
}
