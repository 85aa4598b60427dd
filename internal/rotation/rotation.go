// Package rotation manages provider API keys and rotates them without
// touching live sessions.
//
// Each session binding captures its credential at start, so rotation never
// needs a session lock: new sessions pick up the new active key, old
// sessions keep using the key they started with through its grace period.
// A rotation that fails validation rolls back completely — the previous
// active key stays active, and there is never a moment with zero active
// keys for a provider.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxroute/voxroute/internal/observe"
	"github.com/voxroute/voxroute/internal/store"
	"github.com/voxroute/voxroute/pkg/provider"
	"github.com/voxroute/voxroute/pkg/types"
)

var (
	// ErrRotationInProgress is returned when a rotation for the provider is
	// already running.
	ErrRotationInProgress = errors.New("rotation: already in progress")

	// ErrValidationFailed is returned when the candidate key fails the
	// validation probe. The previous key stays active.
	ErrValidationFailed = errors.New("rotation: validation failed")

	// ErrUnknownProvider is returned for providers never registered.
	ErrUnknownProvider = errors.New("rotation: unknown provider")
)

// KeyStatus is the lifecycle state of one API key.
type KeyStatus int

const (
	// StatusActive marks the key handed to new session bindings.
	StatusActive KeyStatus = iota

	// StatusGrace marks a superseded key still honoured by sessions that
	// captured it before rotation.
	StatusGrace

	// StatusRetired marks a key past its grace period.
	StatusRetired
)

// String returns the human-readable name of the status.
func (s KeyStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusGrace:
		return "grace"
	case StatusRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// Key is one provider API key. It implements [provider.Credential]; the
// secret never changes after creation, only the status does.
type Key struct {
	secret string

	mu        sync.Mutex
	status    KeyStatus
	createdAt time.Time
}

// Secret implements [provider.Credential].
func (k *Key) Secret() string { return k.secret }

// Status returns the key's current lifecycle state.
func (k *Key) Status() KeyStatus {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.status
}

func (k *Key) setStatus(s KeyStatus) {
	k.mu.Lock()
	k.status = s
	k.mu.Unlock()
}

// Minter produces a fresh candidate secret for a provider, typically by
// calling the vendor's key management API.
type Minter func(ctx context.Context, providerID string) (string, error)

// Validator probes whether a candidate secret is usable, e.g. by making a
// cheap authenticated call against the vendor API.
type Validator func(ctx context.Context, providerID, secret string) error

// Config holds tuning knobs for the rotation [Manager].
type Config struct {
	// Interval between scheduled rotations per provider. Default: 24h.
	Interval time.Duration

	// GracePeriod is how long a superseded key stays usable for sessions
	// that captured it. Default: 15m.
	GracePeriod time.Duration

	// Timeout bounds minting plus validation per rotation. Default: 30s.
	Timeout time.Duration
}

// keyring is the per-provider key state.
type keyring struct {
	active   *Key
	previous *Key
	rotating bool
}

// Manager owns all provider API keys. Safe for concurrent use. It never
// acquires session locks — the session manager depends on this package, not
// the other way around.
type Manager struct {
	cfg      Config
	mint     Minter
	validate Validator
	recorder *store.Recorder
	metrics  *observe.Metrics
	log      *slog.Logger

	mu    sync.Mutex
	rings map[string]*keyring
}

// NewManager creates a rotation Manager. recorder, metrics, and log may be
// nil.
func NewManager(cfg Config, mint Minter, validate Validator, recorder *store.Recorder, metrics *observe.Metrics, log *slog.Logger) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 15 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		mint:     mint,
		validate: validate,
		recorder: recorder,
		metrics:  metrics,
		log:      log,
		rings:    make(map[string]*keyring),
	}
}

// Register installs the initial active key for providerID, typically from
// configuration at startup. Re-registering a known provider is a no-op so a
// config reload never reverts a rotated key or races an in-flight rotation.
func (m *Manager) Register(providerID, secret string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rings[providerID]; ok {
		return
	}
	m.rings[providerID] = &keyring{
		active: &Key{secret: secret, status: StatusActive, createdAt: time.Now()},
	}
}

// Credential returns the active key for providerID. Satisfies the session
// manager's and failover service's credential source.
func (m *Manager) Credential(providerID string) (provider.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring, ok := m.rings[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	return ring.active, nil
}

// ActiveKey returns the active key for inspection.
func (m *Manager) ActiveKey(providerID string) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring, ok := m.rings[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	return ring.active, nil
}

// RotateNow mints and validates a new key for providerID and swaps it in.
// Validation runs outside the manager lock so a slow vendor probe never
// blocks credential reads. On any failure the previous key remains active.
func (m *Manager) RotateNow(ctx context.Context, providerID string) error {
	m.mu.Lock()
	ring, ok := m.rings[providerID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	if ring.rotating {
		m.mu.Unlock()
		return ErrRotationInProgress
	}
	ring.rotating = true
	m.mu.Unlock()

	err := m.rotate(ctx, providerID, ring)

	m.mu.Lock()
	ring.rotating = false
	m.mu.Unlock()

	m.audit(ctx, providerID, err)
	return err
}

func (m *Manager) rotate(ctx context.Context, providerID string, ring *keyring) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	secret, err := m.mint(ctx, providerID)
	if err != nil {
		return fmt.Errorf("mint key for %q: %w", providerID, err)
	}

	if err := m.validate(ctx, providerID, secret); err != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	next := &Key{secret: secret, status: StatusActive, createdAt: time.Now()}

	m.mu.Lock()
	old := ring.active
	ring.active = next
	ring.previous = old
	m.mu.Unlock()

	old.setStatus(StatusGrace)
	m.retireAfterGrace(old)

	m.log.Info("api key rotated", "provider", providerID,
		"grace_period", m.cfg.GracePeriod.String())
	return nil
}

// retireAfterGrace retires key once the grace period elapses. Sessions that
// captured it keep their reference; retirement only marks the key so the ops
// surface reports it and the vendor-side revoke can proceed.
func (m *Manager) retireAfterGrace(key *Key) {
	time.AfterFunc(m.cfg.GracePeriod, func() {
		key.setStatus(StatusRetired)
	})
}

func (m *Manager) audit(ctx context.Context, providerID string, rotateErr error) {
	outcome := types.RotationSucceeded
	errText := ""
	if rotateErr != nil {
		outcome = types.RotationFailed
		errText = rotateErr.Error()
		m.log.Error("api key rotation failed", "provider", providerID, "error", rotateErr)
	}
	if m.recorder != nil {
		m.recorder.RecordRotation(types.RotationEvent{
			Provider:  providerID,
			Outcome:   outcome,
			Error:     errText,
			Timestamp: time.Now(),
		})
	}
	if m.metrics != nil {
		m.metrics.RecordKeyRotation(ctx, providerID, string(outcome))
	}
}

// Run rotates every registered provider on the configured interval until ctx
// is cancelled. One goroutine per provider; a failing provider never delays
// the others.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.rings))
	for id := range m.rings {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			ticker := time.NewTicker(m.cfg.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					if err := m.RotateNow(ctx, id); err != nil && !errors.Is(err, ErrRotationInProgress) {
						// Scheduled rotations retry next tick; only log.
						m.log.Warn("scheduled rotation failed", "provider", id, "error", err)
					}
				}
			}
		})
	}
	return g.Wait()
}
