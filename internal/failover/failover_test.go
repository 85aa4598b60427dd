package failover

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxroute/voxroute/internal/health"
	"github.com/voxroute/voxroute/internal/orchestrator"
	"github.com/voxroute/voxroute/internal/registry"
	"github.com/voxroute/voxroute/internal/resilience"
	"github.com/voxroute/voxroute/internal/store"
	"github.com/voxroute/voxroute/pkg/provider"
	"github.com/voxroute/voxroute/pkg/provider/mock"
	"github.com/voxroute/voxroute/pkg/types"
)

// staticCreds satisfies CredentialSource with one shared key.
type staticCreds struct{}

func (staticCreds) Credential(string) (provider.Credential, error) {
	return provider.StaticCredential("test-key"), nil
}

func realtimeSet() types.CapabilitySet {
	return types.NewCapabilitySet(types.CapRealtimeAudio, types.CapCarrierWebSocket)
}

type harness struct {
	svc     *Service
	backend *store.MemBackend
	rec     *store.Recorder
}

func newHarness(t *testing.T, cfg Config, profiles ...registry.Profile) *harness {
	t.Helper()
	breakers := resilience.NewBreakerSet(resilience.Config{MaxFailures: 3, Cooldown: time.Minute})
	monitor := health.NewMonitor(health.MonitorConfig{}, breakers)
	orch := orchestrator.New(registry.New(profiles...), breakers, monitor, nil, nil)
	backend := store.NewMemBackend()
	rec := store.NewRecorder(backend, store.RecorderConfig{}, nil)
	t.Cleanup(func() { _ = rec.Close() })

	return &harness{
		svc:     New(cfg, orch, breakers, monitor, staticCreds{}, rec, nil, nil),
		backend: backend,
		rec:     rec,
	}
}

func profileFor(a *mock.Adapter, weight int) registry.Profile {
	return registry.Profile{
		ID:           a.ID(),
		Adapter:      a,
		Capabilities: realtimeSet(),
		Weight:       weight,
	}
}

func trigger(gen uint64) Trigger {
	return Trigger{
		SessionID:      "s-1",
		FromProvider:   "primary",
		FromGeneration: gen,
		Reason:         types.ReasonProviderError,
		Capabilities:   realtimeSet(),
		Strategy:       types.StrategyPriority,
		Context: types.ConversationContext{
			Version: types.ContextVersion,
			Turns:   []types.Turn{{Role: "user", Content: "hello"}},
		},
	}
}

func waitForEvents(t *testing.T, backend *store.MemBackend, n int) []types.FailoverEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := backend.FailoverEvents(); len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("recorded %d events, want at least %d", len(backend.FailoverEvents()), n)
	return nil
}

func TestExecuteSwitchesToBackup(t *testing.T) {
	backup := &mock.Adapter{Name: "backup"}
	h := newHarness(t, Config{},
		profileFor(&mock.Adapter{Name: "primary"}, 10),
		profileFor(backup, 1),
	)

	res, err := h.svc.Execute(context.Background(), trigger(1))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Profile.ID != "backup" {
		t.Errorf("switched to %q, want backup", res.Profile.ID)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}

	// The conversation snapshot must reach the replacement session.
	cc, ok := backup.LastContext()
	if !ok {
		t.Fatal("backup was never started")
	}
	if len(cc.Turns) != 1 || cc.Turns[0].Content != "hello" {
		t.Errorf("replayed context = %+v, want the trigger snapshot", cc)
	}

	evs := waitForEvents(t, h.backend, 1)
	if evs[0].Outcome != types.FailoverSucceeded || evs[0].ToProvider != "backup" {
		t.Errorf("event = %+v, want succeeded to backup", evs[0])
	}
}

func TestExecuteExcludesFailingProvider(t *testing.T) {
	// The only candidate is the provider that just failed.
	h := newHarness(t, Config{}, profileFor(&mock.Adapter{Name: "primary"}, 10))

	_, err := h.svc.Execute(context.Background(), trigger(1))
	if !errors.Is(err, ErrMaxAttemptsExceeded) {
		t.Fatalf("err = %v, want ErrMaxAttemptsExceeded", err)
	}
	if !errors.Is(err, orchestrator.ErrNoProviderAvailable) {
		t.Fatalf("err = %v, want wrapped ErrNoProviderAvailable", err)
	}
}

func TestExecuteTriesNextCandidateAfterStartFailure(t *testing.T) {
	broken := &mock.Adapter{Name: "broken", StartErr: errors.New("dial refused")}
	working := &mock.Adapter{Name: "working"}
	h := newHarness(t, Config{},
		profileFor(&mock.Adapter{Name: "primary"}, 10),
		profileFor(broken, 5),
		profileFor(working, 1),
	)

	res, err := h.svc.Execute(context.Background(), trigger(1))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Profile.ID != "working" {
		t.Errorf("switched to %q, want working", res.Profile.ID)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}

	evs := waitForEvents(t, h.backend, 2)
	if evs[0].Outcome != types.FailoverFailed {
		t.Errorf("first event outcome = %q, want failed", evs[0].Outcome)
	}
	if evs[1].Outcome != types.FailoverSucceeded {
		t.Errorf("second event outcome = %q, want succeeded", evs[1].Outcome)
	}
}

func TestExecuteMaxAttempts(t *testing.T) {
	startErr := errors.New("dial refused")
	h := newHarness(t, Config{MaxAttempts: 2},
		profileFor(&mock.Adapter{Name: "primary"}, 10),
		profileFor(&mock.Adapter{Name: "b1", StartErr: startErr}, 5),
		profileFor(&mock.Adapter{Name: "b2", StartErr: startErr}, 4),
		profileFor(&mock.Adapter{Name: "b3", StartErr: startErr}, 3),
	)

	_, err := h.svc.Execute(context.Background(), trigger(1))
	if !errors.Is(err, ErrMaxAttemptsExceeded) {
		t.Fatalf("err = %v, want ErrMaxAttemptsExceeded", err)
	}

	evs := waitForEvents(t, h.backend, 2)
	if len(evs) != 2 {
		t.Errorf("recorded %d events, want exactly 2", len(evs))
	}
}

func TestExecuteStaleTrigger(t *testing.T) {
	h := newHarness(t, Config{},
		profileFor(&mock.Adapter{Name: "primary"}, 10),
		profileFor(&mock.Adapter{Name: "backup"}, 1),
	)

	if _, err := h.svc.Execute(context.Background(), trigger(1)); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	// A duplicate trigger for the already-handled generation is stale.
	_, err := h.svc.Execute(context.Background(), trigger(1))
	if !errors.Is(err, ErrStaleTrigger) {
		t.Fatalf("err = %v, want ErrStaleTrigger", err)
	}
}

func TestExecuteRetryAfterFailedAttempt(t *testing.T) {
	breakers := resilience.NewBreakerSet(resilience.Config{MaxFailures: 3, Cooldown: time.Minute})
	monitor := health.NewMonitor(health.MonitorConfig{}, breakers)
	reg := registry.New()
	orch := orchestrator.New(reg, breakers, monitor, nil, nil)
	svc := New(Config{Cooldown: 10 * time.Millisecond}, orch, breakers, monitor, staticCreds{}, nil, nil, nil)

	// No candidates yet: the attempt fails, but the session's binding
	// generation never advanced.
	if _, err := svc.Execute(context.Background(), trigger(1)); err == nil {
		t.Fatal("Execute succeeded with no candidates")
	}

	backup := &mock.Adapter{Name: "backup"}
	reg.Replace([]registry.Profile{profileFor(backup, 1)})
	time.Sleep(20 * time.Millisecond)

	// Retriggering for the same unadvanced generation must run, not collapse
	// as a stale duplicate.
	res, err := svc.Execute(context.Background(), trigger(1))
	if err != nil {
		t.Fatalf("retry for the unadvanced generation: %v", err)
	}
	if res.Profile.ID != "backup" {
		t.Errorf("retry landed on %q, want backup", res.Profile.ID)
	}
	if got := backup.StartCalls(); got != 1 {
		t.Errorf("backup StartCalls = %d, want 1", got)
	}
}

func TestExecuteCooldown(t *testing.T) {
	h := newHarness(t, Config{Cooldown: time.Minute},
		profileFor(&mock.Adapter{Name: "primary"}, 10),
		profileFor(&mock.Adapter{Name: "backup"}, 1),
	)

	if _, err := h.svc.Execute(context.Background(), trigger(1)); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	_, err := h.svc.Execute(context.Background(), trigger(2))
	if !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("err = %v, want ErrCooldownActive", err)
	}
}

func TestForgetResetsSessionState(t *testing.T) {
	h := newHarness(t, Config{Cooldown: time.Minute},
		profileFor(&mock.Adapter{Name: "primary"}, 10),
		profileFor(&mock.Adapter{Name: "backup"}, 1),
	)

	if _, err := h.svc.Execute(context.Background(), trigger(1)); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	h.svc.Forget("s-1")

	// A fresh session reusing the ID starts with clean history.
	if _, err := h.svc.Execute(context.Background(), trigger(1)); err != nil {
		t.Fatalf("Execute after Forget: %v", err)
	}
}

func TestExecuteConcurrentDuplicatesCollapse(t *testing.T) {
	h := newHarness(t, Config{},
		profileFor(&mock.Adapter{Name: "primary"}, 10),
		profileFor(&mock.Adapter{Name: "backup"}, 1),
	)

	const n = 4
	errs := make(chan error, n)
	for range n {
		go func() {
			_, err := h.svc.Execute(context.Background(), trigger(1))
			errs <- err
		}()
	}

	var succeeded, stale int
	for range n {
		switch err := <-errs; {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrStaleTrigger):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("succeeded = %d, want exactly 1", succeeded)
	}
	if stale != n-1 {
		t.Errorf("stale = %d, want %d", stale, n-1)
	}
}
