package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxroute/voxroute/internal/bridge"
	"github.com/voxroute/voxroute/internal/failover"
	"github.com/voxroute/voxroute/internal/health"
	"github.com/voxroute/voxroute/internal/observe"
	"github.com/voxroute/voxroute/internal/orchestrator"
	"github.com/voxroute/voxroute/internal/registry"
	"github.com/voxroute/voxroute/internal/resilience"
	"github.com/voxroute/voxroute/internal/store"
	"github.com/voxroute/voxroute/pkg/carrier"
	"github.com/voxroute/voxroute/pkg/provider"
	"github.com/voxroute/voxroute/pkg/types"
)

// ErrSessionNotFound is returned for operations on an unknown or already
// ended session.
var ErrSessionNotFound = errors.New("app: session not found")

// ManagerConfig carries the dependencies and tuning for a [Manager].
// Orchestrator, Failover, Breakers, and Credentials are required; the rest
// may be nil.
type ManagerConfig struct {
	// DefaultStrategy is the selection strategy for new sessions.
	DefaultStrategy types.Strategy

	// Preferred is an optional provider hint passed to every selection.
	Preferred string

	// InputSampleRate is the PCM16 rate carrier legs deliver. Default: 8000.
	InputSampleRate int

	// StartTimeout bounds the initial provider session start. Default: 10s.
	StartTimeout time.Duration

	// DemotionInterval is how often each session's bound provider is checked
	// against the health monitor. Default: 5s. Requires Monitor.
	DemotionInterval time.Duration

	Orchestrator *orchestrator.Orchestrator
	Failover     *failover.Service
	Breakers     *resilience.BreakerSet
	Credentials  failover.CredentialSource
	Monitor      *health.Monitor
	Recorder     *store.Recorder
	Metrics      *observe.Metrics
	Logger       *slog.Logger
}

// Manager owns every live session: creation, provider error handling, and
// teardown. Safe for concurrent use.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Orchestrator == nil || cfg.Failover == nil || cfg.Breakers == nil || cfg.Credentials == nil {
		return nil, fmt.Errorf("app: session manager requires orchestrator, failover, breakers, and credentials")
	}
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = 8000
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}
	if cfg.DemotionInterval <= 0 {
		cfg.DemotionInterval = 5 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*Session),
	}, nil
}

// CreateSession selects a provider for the leg, starts a provider session,
// and begins routing audio. The returned session runs until the carrier hangs
// up, failover is exhausted, or [Manager.EndSession] is called.
func (m *Manager) CreateSession(ctx context.Context, leg carrier.Leg, caps types.CapabilitySet) (*Session, error) {
	strategy, preferred := m.defaults()
	sel, err := m.cfg.Orchestrator.Select(ctx, orchestrator.Request{
		Capabilities: caps,
		Strategy:     strategy,
		Preferred:    preferred,
	})
	if err != nil {
		return nil, fmt.Errorf("app: select provider for leg %q: %w", leg.ID(), err)
	}

	convo := types.ConversationContext{Version: types.ContextVersion}
	handle, err := m.startProvider(ctx, sel.Profile, convo)
	if err != nil {
		return nil, fmt.Errorf("app: start provider %q: %w", sel.Profile.ID, err)
	}

	sess := &Session{
		ID:           uuid.NewString(),
		leg:          leg,
		done:         make(chan struct{}),
		capabilities: caps,
		strategy:     sel.Strategy,
		startedAt:    time.Now(),
		status:       SessionPending,
		providerID:   sel.Profile.ID,
		handle:       handle,
		convo:        convo,
	}
	sess.bridge = bridge.New(leg, m.cfg.Metrics, m.log)
	sess.bridge.Bind(handle, 1)

	sess.mu.Lock()
	sess.status = SessionActive
	sess.mu.Unlock()

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	}
	m.recordSession(sess, string(SessionActive), "", time.Time{})

	go m.frameLoop(sess)
	go m.pumpTranscripts(sess, handle, 1)
	if m.cfg.Monitor != nil {
		go m.watchHealth(sess)
	}

	m.log.InfoContext(ctx, "session created",
		slog.String("session", sess.ID),
		slog.String("leg", leg.ID()),
		slog.String("provider", sel.Profile.ID))
	return sess, nil
}

// Get returns the live session with the given ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SetDefaults swaps the selection defaults applied to new sessions, e.g.
// after a config reload. Live sessions keep the strategy they started with.
func (m *Manager) SetDefaults(strategy types.Strategy, preferred string) {
	m.mu.Lock()
	m.cfg.DefaultStrategy = strategy
	m.cfg.Preferred = preferred
	m.mu.Unlock()
}

func (m *Manager) defaults() (types.Strategy, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.DefaultStrategy, m.cfg.Preferred
}

// Failover forces the session onto a replacement provider, e.g. for an
// operator draining a vendor. Unlike error-triggered failover, a failed
// manual switch leaves the session on its current provider.
func (m *Manager) Failover(ctx context.Context, sessionID string, reason types.FailoverReason) error {
	sess, err := m.Get(sessionID)
	if err != nil {
		return err
	}
	return m.failoverSession(ctx, sess, reason)
}

// EndSession tears the session down: provider handle, carrier leg, failover
// state, and the final durable record stamped with reason.
func (m *Manager) EndSession(ctx context.Context, sessionID, reason string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	sess.mu.Lock()
	if sess.status == SessionEnded {
		sess.mu.Unlock()
		return nil
	}
	sess.status = SessionEnded
	handle := sess.handle
	sess.mu.Unlock()
	close(sess.done)

	if handle != nil {
		_ = handle.Close()
	}
	_ = sess.leg.Close()
	m.cfg.Failover.Forget(sessionID)

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveSessions.Add(ctx, -1)
	}
	m.recordSession(sess, string(SessionEnded), reason, time.Now())

	m.log.InfoContext(ctx, "session ended",
		slog.String("session", sessionID),
		slog.String("leg", sess.leg.ID()),
		slog.String("reason", reason))
	return nil
}

// Shutdown ends every live session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.EndSession(ctx, id, EndReasonShutdown)
	}
}

// frameLoop pumps inbound carrier frames into the bridge until the carrier
// hangs up. A provider send failure triggers failover; if that fails too, the
// session ends.
func (m *Manager) frameLoop(sess *Session) {
	ctx := context.Background()

	for frame := range sess.leg.Frames() {
		err := sess.bridge.HandleFrame(ctx, frame)
		if err == nil {
			continue
		}
		if errors.Is(err, bridge.ErrNoBinding) {
			continue
		}

		m.log.Warn("provider send failed, starting failover",
			slog.String("session", sess.ID),
			slog.String("provider", sess.Provider()),
			slog.String("error", err.Error()))

		if ferr := m.failoverSession(ctx, sess, types.ReasonProviderError); ferr != nil {
			m.log.Error("failover failed, ending session",
				slog.String("session", sess.ID),
				slog.String("error", ferr.Error()))
			_ = m.EndSession(ctx, sess.ID, EndReasonFailoverExhausted)
			return
		}
	}

	_ = m.EndSession(ctx, sess.ID, EndReasonCarrierHangup)
}

// failoverSession snapshots the conversation, runs one failover, and rebinds
// the session to the replacement under the next generation. The status guard
// collapses concurrent triggers: only the first caller past it executes.
func (m *Manager) failoverSession(ctx context.Context, sess *Session, reason types.FailoverReason) error {
	sess.mu.Lock()
	if sess.status != SessionActive {
		sess.mu.Unlock()
		return nil
	}
	sess.status = SessionFailing
	from := sess.providerID
	oldHandle := sess.handle
	snapshot := sess.convo.Clone()
	sess.mu.Unlock()

	gen := sess.bridge.Generation()

	if reason == types.ReasonProviderError {
		m.cfg.Breakers.For(from).RecordFailure()
		if m.cfg.Monitor != nil {
			m.cfg.Monitor.RecordOutcome(from, false, 0)
		}
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.RecordProviderError(ctx, from)
		}
	}

	res, err := m.cfg.Failover.Execute(ctx, failover.Trigger{
		SessionID:       sess.ID,
		FromProvider:    from,
		FromGeneration:  gen,
		Reason:          reason,
		Capabilities:    sess.capabilities,
		Strategy:        sess.strategy,
		Context:         snapshot,
		InputSampleRate: m.cfg.InputSampleRate,
	})
	if err != nil {
		if errors.Is(err, failover.ErrStaleTrigger) {
			return nil
		}
		sess.mu.Lock()
		if sess.status == SessionFailing {
			sess.status = SessionActive
		}
		sess.mu.Unlock()
		return err
	}

	if oldHandle != nil {
		_ = oldHandle.Close()
	}

	newGen := gen + 1
	sess.mu.Lock()
	sess.handle = res.Handle
	sess.providerID = res.Profile.ID
	sess.status = SessionSwitching
	sess.mu.Unlock()

	sess.bridge.Bind(res.Handle, newGen)

	sess.mu.Lock()
	sess.status = SessionActive
	sess.mu.Unlock()
	go m.pumpTranscripts(sess, res.Handle, newGen)

	m.recordSession(sess, string(SessionActive), "", time.Time{})

	m.log.InfoContext(ctx, "session rebound",
		slog.String("session", sess.ID),
		slog.String("from", from),
		slog.String("to", res.Profile.ID),
		slog.Int("attempts", res.Attempts))
	return nil
}

// watchHealth moves the session off a provider whose breaker has opened,
// before its own audio path trips over the failure. A demotion that cannot
// find a replacement leaves the session where it is and retries on the next
// tick.
func (m *Manager) watchHealth(sess *Session) {
	ticker := time.NewTicker(m.cfg.DemotionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			if m.cfg.Monitor.Status(sess.Provider()) != health.StatusUnhealthy {
				continue
			}
			if err := m.failoverSession(context.Background(), sess, types.ReasonHealthDemotion); err != nil {
				m.log.Warn("health demotion failover failed",
					slog.String("session", sess.ID),
					slog.String("provider", sess.Provider()),
					slog.String("error", err.Error()))
			}
		}
	}
}

// pumpTranscripts appends provider transcript turns to the session until the
// handle's channel closes.
func (m *Manager) pumpTranscripts(sess *Session, handle provider.Handle, gen uint64) {
	for turn := range handle.Transcripts() {
		sess.appendTurn(gen, turn)
	}
}

// startProvider opens the initial provider session through its circuit
// breaker, mirroring the accounting the failover service does for
// replacements.
func (m *Manager) startProvider(ctx context.Context, prof registry.Profile, convo types.ConversationContext) (provider.Handle, error) {
	cred, err := m.cfg.Credentials.Credential(prof.ID)
	if err != nil {
		return nil, fmt.Errorf("credential for %q: %w", prof.ID, err)
	}

	cb := m.cfg.Breakers.For(prof.ID)
	if err := cb.Allow(); err != nil {
		return nil, err
	}

	startCtx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	defer cancel()

	begin := time.Now()
	handle, err := prof.Adapter.Start(startCtx, provider.SessionConfig{
		Context:         convo,
		InputSampleRate: m.cfg.InputSampleRate,
		Credential:      cred,
	})
	latency := time.Since(begin)

	if err != nil {
		cb.RecordFailure()
		if m.cfg.Monitor != nil {
			m.cfg.Monitor.RecordOutcome(prof.ID, false, latency)
		}
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.RecordProviderError(ctx, prof.ID)
			m.cfg.Metrics.RecordProviderRequest(ctx, prof.ID, "error")
		}
		return nil, err
	}

	cb.RecordSuccess()
	if m.cfg.Monitor != nil {
		m.cfg.Monitor.RecordOutcome(prof.ID, true, latency)
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SessionStartDuration.Record(ctx, latency.Seconds())
		m.cfg.Metrics.RecordProviderRequest(ctx, prof.ID, "ok")
	}
	return handle, nil
}

// recordSession hands one durable session record to the write-behind store.
func (m *Manager) recordSession(sess *Session, status, endReason string, endedAt time.Time) {
	if m.cfg.Recorder == nil {
		return
	}
	m.cfg.Recorder.RecordSession(store.SessionRecord{
		SessionID: sess.ID,
		CarrierID: sess.leg.ID(),
		Provider:  sess.Provider(),
		Status:    status,
		EndReason: endReason,
		StartedAt: sess.startedAt,
		EndedAt:   endedAt,
	})
}
