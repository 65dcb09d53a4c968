package graph

import "testing"

func TestShapeMaxDepthDefault(t *testing.T) {
	tests := []struct {
		name     string
		maxDepth int
		want     int
	}{
		{name: "zero falls back to default", maxDepth: 0, want: DefaultMaxDepth},
		{name: "negative falls back to default", maxDepth: -1, want: DefaultMaxDepth},
		{name: "explicit value wins", maxDepth: 3, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Shape{MaxDepth: tt.maxDepth}
			if got := s.maxDepth(); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestCloneValueIsolation(t *testing.T) {
	orig := ScalarListValue{Values: []any{"a", "b"}}
	clone := cloneValue(orig).(ScalarListValue)
	clone.Values[0] = "z"
	if orig.Values[0] != "a" {
		t.Errorf("expected original untouched, got %v", orig.Values[0])
	}
}
