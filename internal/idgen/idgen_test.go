package idgen

import (
	"sort"
	"testing"
)

func TestNew_PrefixAndUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New(PrefixTask)
		if !HasPrefix(id, PrefixTask) {
			t.Fatalf("id %q missing prefix", id)
		}
		if HasPrefix(id, PrefixWorkflow) {
			t.Fatalf("id %q matches the wrong prefix", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNew_RoughlyTimeOrdered(t *testing.T) {
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = New(PrefixCheckpoint)
	}
	if !sort.StringsAreSorted(ids) {
		t.Error("ids from one process not in creation order")
	}
}
