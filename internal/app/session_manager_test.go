package app

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/voxroute/voxroute/internal/failover"
	"github.com/voxroute/voxroute/internal/health"
	"github.com/voxroute/voxroute/internal/orchestrator"
	"github.com/voxroute/voxroute/internal/registry"
	"github.com/voxroute/voxroute/internal/resilience"
	"github.com/voxroute/voxroute/internal/store"
	carriermock "github.com/voxroute/voxroute/pkg/carrier/mock"
	"github.com/voxroute/voxroute/pkg/provider"
	providermock "github.com/voxroute/voxroute/pkg/provider/mock"
	"github.com/voxroute/voxroute/pkg/types"
)

// staticCreds satisfies failover.CredentialSource with one shared key.
type staticCreds struct{}

func (staticCreds) Credential(string) (provider.Credential, error) {
	return provider.StaticCredential("test-key"), nil
}

type harness struct {
	mgr      *Manager
	breakers *resilience.BreakerSet
	backend  *store.MemBackend
}

func newHarness(t *testing.T, adapters ...*providermock.Adapter) *harness {
	t.Helper()

	profiles := make([]registry.Profile, len(adapters))
	// First adapter gets the highest weight so priority selection is
	// deterministic.
	for i, a := range adapters {
		profiles[i] = registry.Profile{
			ID:           a.ID(),
			Adapter:      a,
			Capabilities: a.Capabilities(),
			Weight:       len(adapters) - i,
		}
	}

	breakers := resilience.NewBreakerSet(resilience.Config{MaxFailures: 3, Cooldown: time.Minute})
	monitor := health.NewMonitor(health.MonitorConfig{}, breakers)
	orch := orchestrator.New(registry.New(profiles...), breakers, monitor, nil, nil)
	backend := store.NewMemBackend()
	rec := store.NewRecorder(backend, store.RecorderConfig{}, nil)
	t.Cleanup(func() { _ = rec.Close() })

	fo := failover.New(failover.Config{MaxAttempts: 3}, orch, breakers, monitor, staticCreds{}, rec, nil, nil)

	mgr, err := NewManager(ManagerConfig{
		DemotionInterval: 10 * time.Millisecond,
		Orchestrator:     orch,
		Failover:         fo,
		Breakers:         breakers,
		Credentials:      staticCreds{},
		Monitor:          monitor,
		Recorder:         rec,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	return &harness{mgr: mgr, breakers: breakers, backend: backend}
}

func pcmFrame() types.MediaFrame {
	return types.MediaFrame{
		Payload:    base64.StdEncoding.EncodeToString([]byte{0x01, 0x02}),
		SampleRate: 8000,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestCreateSessionRoutesAudio(t *testing.T) {
	adapter := &providermock.Adapter{Name: "primary"}
	h := newHarness(t, adapter)
	leg := &carriermock.Leg{Name: "call-1"}

	sess, err := h.mgr.CreateSession(context.Background(), leg, types.NewCapabilitySet(types.CapCarrierWebSocket))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if got := sess.Status(); got != SessionActive {
		t.Errorf("status = %q, want %q", got, SessionActive)
	}
	if got := sess.Provider(); got != "primary" {
		t.Errorf("provider = %q, want primary", got)
	}
	if h.mgr.Len() != 1 {
		t.Errorf("Len() = %d, want 1", h.mgr.Len())
	}

	leg.PushFrame(pcmFrame())

	handle := adapter.LastHandle()
	waitFor(t, func() bool { return len(handle.Sent()) == 1 }, "frame never reached provider")
	if gen := handle.Sent()[0].Generation; gen != 1 {
		t.Errorf("chunk generation = %d, want 1", gen)
	}
}

func TestCreateSessionNoProvider(t *testing.T) {
	h := newHarness(t)
	leg := &carriermock.Leg{}

	_, err := h.mgr.CreateSession(context.Background(), leg, types.NewCapabilitySet(types.CapCarrierWebSocket))
	if !errors.Is(err, orchestrator.ErrNoProviderAvailable) {
		t.Fatalf("err = %v, want ErrNoProviderAvailable", err)
	}
}

func TestCreateSessionStartFailureCountsTowardsBreaker(t *testing.T) {
	adapter := &providermock.Adapter{Name: "primary", StartErr: errors.New("vendor down")}
	h := newHarness(t, adapter)

	_, err := h.mgr.CreateSession(context.Background(), &carriermock.Leg{}, types.NewCapabilitySet(types.CapCarrierWebSocket))
	if err == nil {
		t.Fatal("CreateSession succeeded with a failing adapter")
	}
	if h.mgr.Len() != 0 {
		t.Errorf("Len() = %d, want 0", h.mgr.Len())
	}

	snap := h.breakers.Snapshots()["primary"]
	if snap.ConsecutiveFailures != 1 {
		t.Errorf("consecutive failures = %d, want 1", snap.ConsecutiveFailures)
	}
}

func TestSendFailureTriggersFailover(t *testing.T) {
	primary := &providermock.Adapter{Name: "primary", SendErr: errors.New("stream reset")}
	backup := &providermock.Adapter{Name: "backup"}
	h := newHarness(t, primary, backup)
	leg := &carriermock.Leg{}

	sess, err := h.mgr.CreateSession(context.Background(), leg, types.NewCapabilitySet(types.CapCarrierWebSocket))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	oldHandle := primary.LastHandle()

	// Build up transcript so the failover snapshot has something to carry.
	oldHandle.EmitTurn(types.Turn{Role: "user", Content: "hello"})
	waitFor(t, func() bool { return len(sess.Context().Turns) == 1 }, "turn never recorded")

	leg.PushFrame(pcmFrame())

	waitFor(t, func() bool { return sess.Provider() == "backup" }, "session never rebound to backup")
	waitFor(t, func() bool { return sess.Status() == SessionActive }, "session never returned to active")
	if !oldHandle.Closed() {
		t.Error("old provider handle left open after failover")
	}

	replayed, ok := backup.LastContext()
	if !ok {
		t.Fatal("backup never started")
	}
	if len(replayed.Turns) != 1 || replayed.Turns[0].Content != "hello" {
		t.Errorf("replayed context = %+v, want the pre-failover turn", replayed.Turns)
	}

	// Audio now flows to the replacement under the next generation.
	leg.PushFrame(pcmFrame())
	newHandle := backup.LastHandle()
	waitFor(t, func() bool { return len(newHandle.Sent()) == 1 }, "frame never reached backup")
	if gen := newHandle.Sent()[0].Generation; gen != 2 {
		t.Errorf("chunk generation = %d, want 2", gen)
	}
}

func TestFailoverExhaustedEndsSession(t *testing.T) {
	only := &providermock.Adapter{Name: "only", SendErr: errors.New("stream reset")}
	h := newHarness(t, only)
	leg := &carriermock.Leg{}

	sess, err := h.mgr.CreateSession(context.Background(), leg, types.NewCapabilitySet(types.CapCarrierWebSocket))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	leg.PushFrame(pcmFrame())

	waitFor(t, func() bool { return sess.Status() == SessionEnded }, "session never ended")
	waitFor(t, func() bool { return leg.Closed() }, "carrier leg never closed")
	if h.mgr.Len() != 0 {
		t.Errorf("Len() = %d, want 0", h.mgr.Len())
	}

	waitFor(t, func() bool {
		rec, ok := h.backend.Session(sess.ID)
		return ok && rec.EndReason == EndReasonFailoverExhausted
	}, "final record never stamped with failover_exhausted")
}

func TestCarrierHangupEndsSession(t *testing.T) {
	adapter := &providermock.Adapter{Name: "primary"}
	h := newHarness(t, adapter)
	leg := &carriermock.Leg{}

	sess, err := h.mgr.CreateSession(context.Background(), leg, types.NewCapabilitySet(types.CapCarrierWebSocket))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	leg.Hangup()

	waitFor(t, func() bool { return sess.Status() == SessionEnded }, "hangup never ended session")
	waitFor(t, func() bool { return adapter.LastHandle().Closed() }, "provider handle never closed")

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done channel never closed")
	}

	waitFor(t, func() bool {
		rec, ok := h.backend.Session(sess.ID)
		return ok && rec.EndReason == EndReasonCarrierHangup
	}, "final record never stamped with carrier_hangup")
}

func TestEndSessionIdempotent(t *testing.T) {
	adapter := &providermock.Adapter{Name: "primary"}
	h := newHarness(t, adapter)

	sess, err := h.mgr.CreateSession(context.Background(), &carriermock.Leg{}, types.NewCapabilitySet(types.CapCarrierWebSocket))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := h.mgr.EndSession(context.Background(), sess.ID, EndReasonOperatorRequest); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if err := h.mgr.EndSession(context.Background(), sess.ID, EndReasonOperatorRequest); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second EndSession = %v, want ErrSessionNotFound", err)
	}
}

func TestManualFailoverSwitchesProvider(t *testing.T) {
	primary := &providermock.Adapter{Name: "primary"}
	backup := &providermock.Adapter{Name: "backup"}
	h := newHarness(t, primary, backup)

	sess, err := h.mgr.CreateSession(context.Background(), &carriermock.Leg{}, types.NewCapabilitySet(types.CapCarrierWebSocket))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := h.mgr.Failover(context.Background(), sess.ID, types.ReasonManual); err != nil {
		t.Fatalf("Failover: %v", err)
	}
	if got := sess.Provider(); got != "backup" {
		t.Errorf("provider = %q, want backup", got)
	}

	// Manual switches must not count against the old provider's breaker.
	if snap := h.breakers.Snapshots()["primary"]; snap.ConsecutiveFailures != 0 {
		t.Errorf("primary consecutive failures = %d, want 0", snap.ConsecutiveFailures)
	}

	waitFor(t, func() bool {
		evs := h.backend.FailoverEvents()
		return len(evs) == 1 && evs[0].Reason == types.ReasonManual
	}, "manual failover never recorded")
}

func TestUnhealthyProviderDemotesSession(t *testing.T) {
	primary := &providermock.Adapter{Name: "primary"}
	backup := &providermock.Adapter{Name: "backup"}
	h := newHarness(t, primary, backup)

	sess, err := h.mgr.CreateSession(context.Background(), &carriermock.Leg{}, types.NewCapabilitySet(types.CapCarrierWebSocket))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Open the primary's breaker, as repeated failures in other sessions
	// would. The health watch must move this session off it.
	cb := h.breakers.For("primary")
	for range 3 {
		cb.RecordFailure()
	}

	waitFor(t, func() bool { return sess.Provider() == "backup" }, "session never demoted to backup")
	waitFor(t, func() bool { return sess.Status() == SessionActive }, "session never returned to active")

	waitFor(t, func() bool {
		evs := h.backend.FailoverEvents()
		return len(evs) >= 1 && evs[0].Reason == types.ReasonHealthDemotion
	}, "demotion never recorded")
}

func TestManualFailoverUnknownSession(t *testing.T) {
	h := newHarness(t, &providermock.Adapter{Name: "primary"})
	err := h.mgr.Failover(context.Background(), "nope", types.ReasonManual)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestShutdownEndsAllSessions(t *testing.T) {
	adapter := &providermock.Adapter{Name: "primary"}
	h := newHarness(t, adapter)

	for range 3 {
		if _, err := h.mgr.CreateSession(context.Background(), &carriermock.Leg{}, types.NewCapabilitySet(types.CapCarrierWebSocket)); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}

	h.mgr.Shutdown(context.Background())
	if h.mgr.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after shutdown", h.mgr.Len())
	}
}
