package registry

import (
	"errors"
	"testing"

	"github.com/voxroute/voxroute/pkg/provider/mock"
	"github.com/voxroute/voxroute/pkg/types"
)

func realtimeSet() types.CapabilitySet {
	return types.NewCapabilitySet(types.CapRealtimeAudio, types.CapCarrierWebSocket)
}

func TestGetUnknownProvider(t *testing.T) {
	r := New()
	if _, err := r.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(unknown) err = %v, want ErrNotFound", err)
	}
}

func TestListCandidatesFiltersAndOrders(t *testing.T) {
	full := types.NewCapabilitySet(
		types.CapRealtimeAudio,
		types.CapCarrierSIP,
		types.CapCarrierWebSocket,
	)
	r := New(
		Profile{ID: "alpha", Adapter: &mock.Adapter{Name: "alpha"}, Capabilities: full, Weight: 10},
		Profile{ID: "bravo", Adapter: &mock.Adapter{Name: "bravo"}, Capabilities: full, Weight: 30},
		Profile{ID: "charlie", Adapter: &mock.Adapter{Name: "charlie"}, Capabilities: full, Weight: 30},
		Profile{ID: "text-only", Adapter: &mock.Adapter{Name: "text-only"},
			Capabilities: types.NewCapabilitySet(types.CapSegmentedTranscription), Weight: 99},
	)

	got := r.ListCandidates(realtimeSet())
	want := []string{"bravo", "charlie", "alpha"}
	if len(got) != len(want) {
		t.Fatalf("got %d candidates, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("candidate[%d] = %q, want %q", i, got[i].ID, id)
		}
	}
}

func TestListCandidatesEmptyRequirementMatchesAll(t *testing.T) {
	r := New(
		Profile{ID: "a", Capabilities: realtimeSet(), Weight: 1},
		Profile{ID: "b", Capabilities: types.NewCapabilitySet(types.CapSegmentedTranscription), Weight: 2},
	)
	if got := r.ListCandidates(types.NewCapabilitySet()); len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
}

func TestReplaceSwapsCatalog(t *testing.T) {
	r := New(Profile{ID: "old", Capabilities: realtimeSet(), Weight: 1})

	r.Replace([]Profile{
		{ID: "new-1", Capabilities: realtimeSet(), Weight: 1},
		{ID: "new-2", Capabilities: realtimeSet(), Weight: 2},
	})

	if _, err := r.Get("old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old profile still resolvable after Replace")
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
	if _, err := r.Get("new-2"); err != nil {
		t.Errorf("Get(new-2) err = %v", err)
	}
}
