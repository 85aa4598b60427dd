// Package app wires the voxroute session router together: provider registry,
// orchestrator, failover service, key rotation, persistence, and the HTTP
// surface carriers and operators talk to.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/voxroute/voxroute/internal/config"
	"github.com/voxroute/voxroute/internal/failover"
	"github.com/voxroute/voxroute/internal/health"
	"github.com/voxroute/voxroute/internal/observe"
	"github.com/voxroute/voxroute/internal/orchestrator"
	"github.com/voxroute/voxroute/internal/registry"
	"github.com/voxroute/voxroute/internal/resilience"
	"github.com/voxroute/voxroute/internal/rotation"
	"github.com/voxroute/voxroute/internal/store"
	"github.com/voxroute/voxroute/pkg/provider"
	"github.com/voxroute/voxroute/pkg/provider/openai"
	"github.com/voxroute/voxroute/pkg/provider/segmented"
)

// shutdownTimeout bounds the HTTP server drain during Run teardown.
const shutdownTimeout = 10 * time.Second

// AdapterFactory builds a provider adapter from one config entry. The default
// factory constructs the built-in realtime and segmented adapters; tests
// inject scriptable ones.
type AdapterFactory func(config.ProviderConfig) (provider.Adapter, error)

// Option configures optional App dependencies.
type Option func(*App)

// WithStoreBackend injects a storage backend, bypassing the DSN-driven
// default.
func WithStoreBackend(b store.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithAdapterFactory overrides how provider config entries become adapters.
func WithAdapterFactory(f AdapterFactory) Option {
	return func(a *App) { a.factory = f }
}

// WithKeyMinter supplies the vendor key-minting callback for rotation.
// Scheduled rotation only runs when a minter is configured.
func WithKeyMinter(m rotation.Minter) Option {
	return func(a *App) { a.minter = m }
}

// WithKeyValidator supplies the key validation callback for rotation.
func WithKeyValidator(v rotation.Validator) Option {
	return func(a *App) { a.validator = v }
}

// WithLogger sets the logger for all components.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// App is the assembled voxroute server.
type App struct {
	log     *slog.Logger
	metrics *observe.Metrics

	backend   store.Backend
	factory   AdapterFactory
	minter    rotation.Minter
	validator rotation.Validator

	breakers *resilience.BreakerSet
	monitor  *health.Monitor
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	rotation *rotation.Manager
	recorder *store.Recorder
	failover *failover.Service
	sessions *Manager

	httpServer *http.Server

	mu      sync.Mutex
	cfg     *config.Config
	closers []func() error
}

// New assembles an App from cfg. Call [App.Run] to serve and [App.Shutdown]
// to release resources.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, log: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.factory == nil {
		a.factory = defaultAdapterFactory
	}
	if a.minter == nil {
		a.minter = func(context.Context, string) (string, error) {
			return "", errors.New("no key minter configured")
		}
	}
	if a.validator == nil {
		a.validator = func(_ context.Context, _, secret string) error {
			if secret == "" {
				return errors.New("minted key is empty")
			}
			return nil
		}
	}

	a.breakers = resilience.NewBreakerSet(resilience.Config{
		MaxFailures: cfg.Breaker.MaxFailures,
		Cooldown:    cfg.Breaker.Cooldown,
	})
	a.monitor = health.NewMonitor(health.MonitorConfig{
		Window:              cfg.Health.Window,
		MaxSamples:          cfg.Health.MaxSamples,
		DegradedFailureRate: cfg.Health.DegradedFailureRate,
		DegradedLatency:     cfg.Health.DegradedLatency,
	}, a.breakers)

	profiles, err := a.buildProfiles(cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("app: build providers: %w", err)
	}
	a.registry = registry.New(profiles...)
	a.orch = orchestrator.New(a.registry, a.breakers, a.monitor, a.metrics, a.log)

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	a.rotation = rotation.NewManager(rotation.Config{
		Interval:    cfg.Rotation.Interval,
		GracePeriod: cfg.Rotation.GracePeriod,
		Timeout:     cfg.Rotation.Timeout,
	}, a.minter, a.validator, a.recorder, a.metrics, a.log)
	for _, p := range cfg.Providers {
		a.rotation.Register(p.ID, p.APIKey)
	}

	a.failover = failover.New(failover.Config{
		MaxAttempts: cfg.Failover.MaxAttempts,
		Cooldown:    cfg.Failover.Cooldown,
		Timeout:     cfg.Failover.Timeout,
	}, a.orch, a.breakers, a.monitor, a.rotation, a.recorder, a.metrics, a.log)

	a.sessions, err = NewManager(ManagerConfig{
		DefaultStrategy: cfg.Selection.Strategy,
		Preferred:       cfg.Selection.Preferred,
		InputSampleRate: cfg.Carrier.InputSampleRate,
		Orchestrator:    a.orch,
		Failover:        a.failover,
		Breakers:        a.breakers,
		Credentials:     a.rotation,
		Monitor:         a.monitor,
		Recorder:        a.recorder,
		Metrics:         a.metrics,
		Logger:          a.log,
	})
	if err != nil {
		return nil, err
	}

	a.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// initStore sets up the storage backend and write-behind recorder.
func (a *App) initStore(ctx context.Context) error {
	if a.backend == nil {
		if dsn := a.cfg.Store.PostgresDSN; dsn != "" {
			pg, err := store.NewPostgresBackend(ctx, dsn)
			if err != nil {
				return err
			}
			a.backend = pg
		} else {
			a.backend = store.NewMemBackend()
		}
	}

	a.recorder = store.NewRecorder(a.backend, store.RecorderConfig{
		BufferSize: a.cfg.Store.BufferSize,
	}, a.log)
	a.closers = append(a.closers, a.recorder.Close)
	return nil
}

// buildProfiles turns provider config entries into registry profiles.
func (a *App) buildProfiles(entries []config.ProviderConfig) ([]registry.Profile, error) {
	profiles := make([]registry.Profile, 0, len(entries))
	for _, p := range entries {
		adapter, err := a.factory(p)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", p.ID, err)
		}
		profiles = append(profiles, registry.Profile{
			ID:           p.ID,
			Adapter:      adapter,
			Capabilities: adapter.Capabilities(),
			Weight:       p.Weight,
		})
	}
	return profiles, nil
}

// defaultAdapterFactory builds the built-in adapters for each provider kind.
func defaultAdapterFactory(p config.ProviderConfig) (provider.Adapter, error) {
	switch p.Kind {
	case config.KindRealtime:
		var opts []openai.Option
		if p.Model != "" {
			opts = append(opts, openai.WithModel(p.Model))
		}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		}
		return openai.New(p.ID, opts...), nil

	case config.KindSegmented:
		transcribe := segmented.NewWhisperTranscriber(p.APIKey)
		llmOpts := []anyllmlib.Option{anyllmlib.WithAPIKey(p.APIKey)}
		if p.BaseURL != "" {
			llmOpts = append(llmOpts, anyllmlib.WithBaseURL(p.BaseURL))
		}
		return segmented.New(p.ID, p.Backend, p.Model, transcribe, llmOpts...)

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", p.Kind)
	}
}

// ApplyConfig applies a hot-reloaded config: provider catalog swaps take
// effect immediately, selection defaults apply to new sessions. Everything
// else needs a restart.
func (a *App) ApplyConfig(newCfg *config.Config) error {
	a.mu.Lock()
	old := a.cfg
	a.mu.Unlock()

	d := config.Diff(old, newCfg)
	if !d.ProvidersChanged && !d.SelectionChanged {
		return nil
	}

	if d.ProvidersChanged {
		profiles, err := a.buildProfiles(newCfg.Providers)
		if err != nil {
			return fmt.Errorf("app: reload providers: %w", err)
		}
		a.registry.Replace(profiles)
		for _, p := range newCfg.Providers {
			a.rotation.Register(p.ID, p.APIKey)
		}
		for _, pd := range d.ProviderChanges {
			a.log.Info("provider catalog updated", slog.String("provider", pd.ID),
				slog.Bool("added", pd.Added), slog.Bool("modified", pd.Modified),
				slog.Bool("removed", pd.Removed))
		}
	}

	if d.SelectionChanged {
		a.sessions.SetDefaults(newCfg.Selection.Strategy, newCfg.Selection.Preferred)
	}

	a.mu.Lock()
	a.cfg = newCfg
	a.mu.Unlock()
	return nil
}

// Sessions exposes the session manager, primarily for tests and the ops
// surface.
func (a *App) Sessions() *Manager { return a.sessions }

// Run serves HTTP (and scheduled key rotation when enabled) until ctx is
// cancelled, then drains the server.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.serverTLS(); tls != nil {
			a.log.Info("listening", slog.String("addr", a.httpServer.Addr), slog.Bool("tls", true))
			err = a.httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			a.log.Info("listening", slog.String("addr", a.httpServer.Addr))
			err = a.httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if a.rotationEnabled() {
		g.Go(func() error {
			if err := a.rotation.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.httpServer.Shutdown(drainCtx)
	})

	return g.Wait()
}

func (a *App) serverTLS() *config.TLSConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Server.TLS
}

func (a *App) rotationEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Rotation.Enabled
}

// Shutdown ends all live sessions and releases resources in reverse
// initialisation order.
func (a *App) Shutdown(ctx context.Context) error {
	a.sessions.Shutdown(ctx)

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
