// Package failover moves a live session from a failing provider to a
// replacement while preserving the conversation.
//
// The service owns the failover policy: attempt caps, per-session cooldowns,
// and idempotence against duplicate triggers. It does not own the session —
// it hands a started replacement handle back to the session manager, which
// performs the actual rebinding under its own lock.
package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxroute/voxroute/internal/health"
	"github.com/voxroute/voxroute/internal/observe"
	"github.com/voxroute/voxroute/internal/orchestrator"
	"github.com/voxroute/voxroute/internal/registry"
	"github.com/voxroute/voxroute/internal/resilience"
	"github.com/voxroute/voxroute/internal/store"
	"github.com/voxroute/voxroute/pkg/provider"
	"github.com/voxroute/voxroute/pkg/types"
)

var (
	// ErrMaxAttemptsExceeded is returned when every allowed attempt failed.
	ErrMaxAttemptsExceeded = errors.New("failover: max attempts exceeded")

	// ErrCooldownActive is returned when the session failed over too
	// recently. A provider flapping fast enough to retrigger inside the
	// cooldown should end the call, not bounce between providers.
	ErrCooldownActive = errors.New("failover: cooldown active")

	// ErrStaleTrigger is returned for triggers referencing an already
	// superseded binding generation. Duplicate triggers for the same failure
	// collapse into one failover.
	ErrStaleTrigger = errors.New("failover: stale trigger")
)

// CredentialSource supplies the API credential for a provider at bind time.
type CredentialSource interface {
	Credential(providerID string) (provider.Credential, error)
}

// Config holds tuning knobs for the failover [Service].
type Config struct {
	// MaxAttempts caps replacement attempts per trigger. Default: 3.
	MaxAttempts int

	// Cooldown is the minimum interval between completed failovers of the
	// same session. Default: 10s.
	Cooldown time.Duration

	// Timeout bounds each replacement session start. Default: 10s.
	Timeout time.Duration
}

// Trigger describes one failover request.
type Trigger struct {
	SessionID      string
	FromProvider   string
	FromGeneration uint64
	Reason         types.FailoverReason

	// Capabilities and Strategy reproduce the session's original selection
	// request.
	Capabilities types.CapabilitySet
	Strategy     types.Strategy

	// Context is the conversation snapshot to replay into the replacement.
	Context types.ConversationContext

	// InputSampleRate is the carrier-side PCM16 sample rate.
	InputSampleRate int
}

// Result is a successfully started replacement session.
type Result struct {
	Profile  registry.Profile
	Handle   provider.Handle
	Attempts int
}

// sessionState tracks per-session failover history for cooldown and
// idempotence checks. lastGeneration is the newest generation that was
// actually superseded by a successful failover; inFlight collapses concurrent
// triggers while an Execute is running.
type sessionState struct {
	lastGeneration uint64
	inFlight       bool
	lastCompleted  time.Time
}

// Service executes failovers. Safe for concurrent use across sessions;
// concurrent triggers for the same session collapse via the generation check.
type Service struct {
	cfg      Config
	orch     *orchestrator.Orchestrator
	breakers *resilience.BreakerSet
	monitor  *health.Monitor
	creds    CredentialSource
	recorder *store.Recorder
	metrics  *observe.Metrics
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// New creates a failover Service. recorder, metrics, and log may be nil.
func New(cfg Config, orch *orchestrator.Orchestrator, breakers *resilience.BreakerSet, monitor *health.Monitor, creds CredentialSource, recorder *store.Recorder, metrics *observe.Metrics, log *slog.Logger) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		orch:     orch,
		breakers: breakers,
		monitor:  monitor,
		creds:    creds,
		recorder: recorder,
		metrics:  metrics,
		log:      log,
		sessions: make(map[string]*sessionState),
	}
}

// Execute runs one failover for trig. On success the caller owns the returned
// handle and must rebind the session to it; the old handle stays the caller's
// to close. Every attempt is recorded as an audit event regardless of
// outcome.
func (s *Service) Execute(ctx context.Context, trig Trigger) (Result, error) {
	start := time.Now()

	if err := s.claim(trig); err != nil {
		return Result{}, err
	}
	succeeded := false
	defer func() { s.complete(trig, succeeded) }()

	excluded := map[string]bool{trig.FromProvider: true}
	var lastErr error

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		sel, err := s.orch.Select(ctx, orchestrator.Request{
			Capabilities: trig.Capabilities,
			Excluded:     excluded,
			Strategy:     trig.Strategy,
		})
		if err != nil {
			s.record(ctx, trig, "", attempt, types.FailoverFailed, err)
			lastErr = err
			break
		}

		handle, err := s.startCandidate(ctx, sel.Profile, trig)
		if err != nil {
			s.record(ctx, trig, sel.Profile.ID, attempt, types.FailoverFailed, err)
			excluded[sel.Profile.ID] = true
			lastErr = err
			continue
		}

		s.record(ctx, trig, sel.Profile.ID, attempt, types.FailoverSucceeded, nil)
		if s.metrics != nil {
			s.metrics.FailoverDuration.Record(ctx, time.Since(start).Seconds())
		}
		s.log.InfoContext(ctx, "failover succeeded",
			slog.String("session", trig.SessionID),
			slog.String("from", trig.FromProvider),
			slog.String("to", sel.Profile.ID),
			slog.Int("attempt", attempt))
		succeeded = true
		return Result{Profile: sel.Profile, Handle: handle, Attempts: attempt}, nil
	}

	if lastErr == nil {
		lastErr = ErrMaxAttemptsExceeded
	}
	return Result{}, fmt.Errorf("%w: %w", ErrMaxAttemptsExceeded, lastErr)
}

// claim validates the trigger against per-session state and takes the
// in-flight slot so concurrent duplicates fail fast as stale.
func (s *Service) claim(trig Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[trig.SessionID]
	if !ok {
		st = &sessionState{}
		s.sessions[trig.SessionID] = st
	}

	if st.inFlight || trig.FromGeneration <= st.lastGeneration {
		return ErrStaleTrigger
	}
	if !st.lastCompleted.IsZero() && time.Since(st.lastCompleted) < s.cfg.Cooldown {
		return ErrCooldownActive
	}

	st.inFlight = true
	return nil
}

// complete releases the in-flight slot and stamps the cooldown clock. The
// idempotence generation only advances on success: a failed attempt leaves
// the session on its old binding, and a later retrigger for that same
// generation must be allowed through once the cooldown lapses.
func (s *Service) complete(trig Trigger, succeeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[trig.SessionID]
	if !ok {
		return
	}
	st.inFlight = false
	st.lastCompleted = time.Now()
	if succeeded {
		st.lastGeneration = trig.FromGeneration
	}
}

// Forget drops per-session failover state. Call when a session ends.
func (s *Service) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// startCandidate starts a replacement session on the candidate provider,
// routed through its circuit breaker so that failures count towards opening
// it and half-open probes consume the single trial permit.
func (s *Service) startCandidate(ctx context.Context, prof registry.Profile, trig Trigger) (provider.Handle, error) {
	cred, err := s.creds.Credential(prof.ID)
	if err != nil {
		return nil, fmt.Errorf("credential for %q: %w", prof.ID, err)
	}

	cb := s.breakers.For(prof.ID)
	if err := cb.Allow(); err != nil {
		return nil, err
	}

	startCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	begin := time.Now()
	handle, err := prof.Adapter.Start(startCtx, provider.SessionConfig{
		Context:         trig.Context,
		InputSampleRate: trig.InputSampleRate,
		Credential:      cred,
	})
	latency := time.Since(begin)

	if err != nil {
		cb.RecordFailure()
		if s.monitor != nil {
			s.monitor.RecordOutcome(prof.ID, false, latency)
		}
		if s.metrics != nil {
			s.metrics.RecordProviderError(ctx, prof.ID)
		}
		return nil, fmt.Errorf("start %q: %w", prof.ID, err)
	}

	cb.RecordSuccess()
	if s.monitor != nil {
		s.monitor.RecordOutcome(prof.ID, true, latency)
	}
	if s.metrics != nil {
		s.metrics.SessionStartDuration.Record(ctx, latency.Seconds())
		s.metrics.RecordProviderRequest(ctx, prof.ID, "ok")
	}
	return handle, nil
}

// record emits one audit event for a failover attempt.
func (s *Service) record(ctx context.Context, trig Trigger, toProvider string, attempt int, outcome types.FailoverOutcome, attemptErr error) {
	errText := ""
	if attemptErr != nil {
		errText = attemptErr.Error()
	}
	ev := types.FailoverEvent{
		SessionID:    trig.SessionID,
		FromProvider: trig.FromProvider,
		ToProvider:   toProvider,
		Reason:       trig.Reason,
		Attempt:      attempt,
		Outcome:      outcome,
		Error:        errText,
		Timestamp:    time.Now(),
	}
	if s.recorder != nil {
		s.recorder.RecordFailover(ev)
	}
	if s.metrics != nil {
		s.metrics.RecordFailover(ctx, string(trig.Reason), string(outcome))
	}
}
