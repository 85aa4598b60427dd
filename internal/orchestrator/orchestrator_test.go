package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxroute/voxroute/internal/health"
	"github.com/voxroute/voxroute/internal/registry"
	"github.com/voxroute/voxroute/internal/resilience"
	"github.com/voxroute/voxroute/pkg/provider/mock"
	"github.com/voxroute/voxroute/pkg/types"
)

func realtimeSet() types.CapabilitySet {
	return types.NewCapabilitySet(types.CapRealtimeAudio, types.CapCarrierWebSocket)
}

func profile(id string, weight int) registry.Profile {
	return registry.Profile{
		ID:           id,
		Adapter:      &mock.Adapter{Name: id},
		Capabilities: realtimeSet(),
		Weight:       weight,
	}
}

// harness bundles the orchestrator with its collaborators so tests can
// manipulate breaker and health state directly.
type harness struct {
	orch     *Orchestrator
	breakers *resilience.BreakerSet
	monitor  *health.Monitor
}

func newHarness(t *testing.T, profiles ...registry.Profile) *harness {
	t.Helper()
	breakers := resilience.NewBreakerSet(resilience.Config{MaxFailures: 2, Cooldown: time.Minute})
	monitor := health.NewMonitor(health.MonitorConfig{}, breakers)
	reg := registry.New(profiles...)
	return &harness{
		orch:     New(reg, breakers, monitor, nil, nil),
		breakers: breakers,
		monitor:  monitor,
	}
}

// trip opens the provider's circuit breaker.
func (h *harness) trip(id string) {
	cb := h.breakers.For(id)
	for range 5 {
		cb.RecordFailure()
	}
}

func TestSelectNoCandidates(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Select(context.Background(), Request{Capabilities: realtimeSet()})
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("Select err = %v, want ErrNoProviderAvailable", err)
	}
}

func TestSelectPriorityPicksHighestWeight(t *testing.T) {
	h := newHarness(t, profile("low", 1), profile("high", 10), profile("mid", 5))

	sel, err := h.orch.Select(context.Background(), Request{
		Capabilities: realtimeSet(),
		Strategy:     types.StrategyPriority,
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Profile.ID != "high" {
		t.Errorf("selected %q, want high", sel.Profile.ID)
	}
}

func TestSelectDefaultsToPriority(t *testing.T) {
	h := newHarness(t, profile("low", 1), profile("high", 10))

	sel, err := h.orch.Select(context.Background(), Request{Capabilities: realtimeSet()})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Strategy != types.StrategyPriority {
		t.Errorf("strategy = %q, want priority", sel.Strategy)
	}
	if sel.Profile.ID != "high" {
		t.Errorf("selected %q, want high", sel.Profile.ID)
	}
}

func TestSelectSkipsOpenBreakers(t *testing.T) {
	h := newHarness(t, profile("primary", 10), profile("backup", 1))
	h.trip("primary")

	sel, err := h.orch.Select(context.Background(), Request{Capabilities: realtimeSet()})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Profile.ID != "backup" {
		t.Errorf("selected %q, want backup", sel.Profile.ID)
	}
}

func TestSelectAllBreakersOpen(t *testing.T) {
	h := newHarness(t, profile("a", 1), profile("b", 2))
	h.trip("a")
	h.trip("b")

	_, err := h.orch.Select(context.Background(), Request{Capabilities: realtimeSet()})
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Fatalf("Select err = %v, want ErrNoProviderAvailable", err)
	}
}

func TestSelectRespectsExclusions(t *testing.T) {
	h := newHarness(t, profile("primary", 10), profile("backup", 1))

	sel, err := h.orch.Select(context.Background(), Request{
		Capabilities: realtimeSet(),
		Excluded:     map[string]bool{"primary": true},
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Profile.ID != "backup" {
		t.Errorf("selected %q, want backup", sel.Profile.ID)
	}
}

func TestSelectPreferredWins(t *testing.T) {
	h := newHarness(t, profile("heavy", 10), profile("hinted", 1))

	sel, err := h.orch.Select(context.Background(), Request{
		Capabilities: realtimeSet(),
		Preferred:    "hinted",
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Profile.ID != "hinted" {
		t.Errorf("selected %q, want hinted", sel.Profile.ID)
	}
}

func TestSelectPreferredIneligibleIsSkipped(t *testing.T) {
	h := newHarness(t, profile("heavy", 10), profile("hinted", 1))
	h.trip("hinted")

	sel, err := h.orch.Select(context.Background(), Request{
		Capabilities: realtimeSet(),
		Preferred:    "hinted",
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Profile.ID != "heavy" {
		t.Errorf("selected %q, want heavy", sel.Profile.ID)
	}
}

func TestSelectRoundRobinRotates(t *testing.T) {
	h := newHarness(t, profile("a", 3), profile("b", 2), profile("c", 1))

	var got []string
	for range 6 {
		sel, err := h.orch.Select(context.Background(), Request{
			Capabilities: realtimeSet(),
			Strategy:     types.StrategyRoundRobin,
		})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		got = append(got, sel.Profile.ID)
	}

	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
}

func TestSelectRoundRobinCursorPerCapabilitySet(t *testing.T) {
	segmented := registry.Profile{
		ID:           "seg",
		Adapter:      &mock.Adapter{Name: "seg"},
		Capabilities: types.NewCapabilitySet(types.CapSegmentedTranscription),
		Weight:       1,
	}
	h := newHarness(t, profile("a", 2), profile("b", 1), segmented)

	// Advance the realtime cursor.
	for range 3 {
		if _, err := h.orch.Select(context.Background(), Request{
			Capabilities: realtimeSet(),
			Strategy:     types.StrategyRoundRobin,
		}); err != nil {
			t.Fatalf("Select: %v", err)
		}
	}

	// The segmented cursor starts fresh.
	sel, err := h.orch.Select(context.Background(), Request{
		Capabilities: types.NewCapabilitySet(types.CapSegmentedTranscription),
		Strategy:     types.StrategyRoundRobin,
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Profile.ID != "seg" {
		t.Errorf("selected %q, want seg", sel.Profile.ID)
	}
}

func TestSelectPerformancePicksLowestLatency(t *testing.T) {
	h := newHarness(t, profile("slow", 10), profile("fast", 1))

	for range 3 {
		h.monitor.RecordOutcome("slow", true, 900*time.Millisecond)
		h.monitor.RecordOutcome("fast", true, 100*time.Millisecond)
	}

	sel, err := h.orch.Select(context.Background(), Request{
		Capabilities: realtimeSet(),
		Strategy:     types.StrategyPerformance,
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Profile.ID != "fast" {
		t.Errorf("selected %q, want fast", sel.Profile.ID)
	}
}

func TestSelectPerformanceFallsBackToDegraded(t *testing.T) {
	h := newHarness(t, profile("flaky", 1))

	// Push the failure rate over the degraded threshold.
	for range 5 {
		h.monitor.RecordOutcome("flaky", false, 100*time.Millisecond)
	}
	if h.monitor.Status("flaky") != health.StatusDegraded {
		t.Fatalf("precondition: flaky should be degraded, got %v", h.monitor.Status("flaky"))
	}

	sel, err := h.orch.Select(context.Background(), Request{
		Capabilities: realtimeSet(),
		Strategy:     types.StrategyPerformance,
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Profile.ID != "flaky" {
		t.Errorf("selected %q, want flaky", sel.Profile.ID)
	}
}
