package idgen_test

import (
	"sort"
	"testing"

	"github.com/plaenen/goalstore/pkg/idgen"
)

func TestNewEventID(t *testing.T) {
	const n = 1000
	ids := make([]string, n)
	seen := make(map[string]bool, n)

	for i := 0; i < n; i++ {
		id := idgen.NewEventID()
		if len(id) != 26 {
			t.Fatalf("unexpected id length: %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id: %q", id)
		}
		seen[id] = true
		ids[i] = id
	}

	// Generation order must match lexical order.
	if !sort.StringsAreSorted(ids) {
		t.Error("ids are not monotonically sortable")
	}
}
