// Package orchestrator implements provider selection for new sessions and
// failover reselection.
//
// Selection is a pure read over the registry, breaker set, and health
// monitor: the orchestrator never mutates session state and never calls
// providers. It answers one question — given a capability requirement and a
// strategy, which provider should handle this session right now?
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voxroute/voxroute/internal/health"
	"github.com/voxroute/voxroute/internal/observe"
	"github.com/voxroute/voxroute/internal/registry"
	"github.com/voxroute/voxroute/internal/resilience"
	"github.com/voxroute/voxroute/pkg/types"
)

// ErrNoProviderAvailable is returned when no registered provider satisfies
// the request after capability, exclusion, and breaker filtering.
var ErrNoProviderAvailable = errors.New("no provider available for request")

// Request describes one selection query.
type Request struct {
	// Capabilities is the minimum capability set the provider must declare.
	Capabilities types.CapabilitySet

	// Excluded lists provider IDs to skip, typically the ones already tried
	// during the current failover sequence.
	Excluded map[string]bool

	// Strategy picks the tie-breaking policy among eligible candidates. An
	// empty strategy defaults to priority.
	Strategy types.Strategy

	// Preferred is an optional provider ID hint. A preferred provider that is
	// eligible wins regardless of strategy; an ineligible one is skipped
	// silently.
	Preferred string
}

// Selection is the orchestrator's answer to a [Request].
type Selection struct {
	Profile  registry.Profile
	Strategy types.Strategy
}

// Orchestrator selects providers for sessions. Safe for concurrent use; the
// only mutable state is the per-capability-set round-robin cursor.
type Orchestrator struct {
	registry *registry.Registry
	breakers *resilience.BreakerSet
	monitor  *health.Monitor
	metrics  *observe.Metrics
	log      *slog.Logger

	mu      sync.Mutex
	cursors map[string]int
}

// New creates an Orchestrator over the given registry, breaker set, and
// health monitor. metrics and logger may be nil.
func New(reg *registry.Registry, breakers *resilience.BreakerSet, monitor *health.Monitor, metrics *observe.Metrics, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		registry: reg,
		breakers: breakers,
		monitor:  monitor,
		metrics:  metrics,
		log:      log,
		cursors:  make(map[string]int),
	}
}

// Select returns the provider that should serve the request, or
// [ErrNoProviderAvailable].
func (o *Orchestrator) Select(ctx context.Context, req Request) (Selection, error) {
	start := time.Now()

	strategy := req.Strategy
	if strategy == "" {
		strategy = types.StrategyPriority
	}

	eligible := o.eligible(req)
	if len(eligible) == 0 {
		o.log.WarnContext(ctx, "no eligible provider",
			slog.String("capabilities", req.Capabilities.Key()),
			slog.String("strategy", string(strategy)))
		return Selection{}, ErrNoProviderAvailable
	}

	var chosen registry.Profile
	if p, ok := o.preferred(req.Preferred, eligible); ok {
		chosen = p
	} else {
		switch strategy {
		case types.StrategyRoundRobin:
			chosen = o.roundRobin(req.Capabilities.Key(), eligible)
		case types.StrategyPerformance:
			chosen = o.byPerformance(eligible)
		default:
			// Candidates arrive ordered by weight, so priority is the head.
			chosen = eligible[0]
		}
	}

	if o.metrics != nil {
		o.metrics.SelectionDuration.Record(ctx, time.Since(start).Seconds())
	}
	o.log.DebugContext(ctx, "provider selected",
		slog.String("provider", chosen.ID),
		slog.String("strategy", string(strategy)))

	return Selection{Profile: chosen, Strategy: strategy}, nil
}

// eligible filters registry candidates by exclusion list and breaker state.
// The returned slice preserves the registry's weight ordering.
func (o *Orchestrator) eligible(req Request) []registry.Profile {
	candidates := o.registry.ListCandidates(req.Capabilities)
	out := candidates[:0]
	for _, p := range candidates {
		if req.Excluded[p.ID] {
			continue
		}
		if o.breakers != nil && o.breakers.IsOpen(p.ID) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// preferred returns the preferred profile when it is among the eligible
// candidates.
func (o *Orchestrator) preferred(id string, eligible []registry.Profile) (registry.Profile, bool) {
	if id == "" {
		return registry.Profile{}, false
	}
	for _, p := range eligible {
		if p.ID == id {
			return p, true
		}
	}
	return registry.Profile{}, false
}

// roundRobin rotates a shared cursor keyed by the canonical capability-set
// string, so sessions with equal requirements spread across candidates.
func (o *Orchestrator) roundRobin(key string, eligible []registry.Profile) registry.Profile {
	o.mu.Lock()
	idx := o.cursors[key] % len(eligible)
	o.cursors[key]++
	o.mu.Unlock()
	return eligible[idx]
}

// byPerformance picks the healthy candidate with the lowest recent average
// latency. Candidates without latency history rank after measured ones at
// equal status. If no candidate is healthy, degraded candidates are
// considered — a slow provider beats no provider.
func (o *Orchestrator) byPerformance(eligible []registry.Profile) registry.Profile {
	best := o.bestByLatency(eligible, health.StatusHealthy)
	if best != nil {
		return *best
	}
	best = o.bestByLatency(eligible, health.StatusDegraded)
	if best != nil {
		return *best
	}
	return eligible[0]
}

func (o *Orchestrator) bestByLatency(eligible []registry.Profile, want health.Status) *registry.Profile {
	var best *registry.Profile
	var bestLatency time.Duration
	bestMeasured := false

	for i := range eligible {
		p := &eligible[i]
		if o.monitor.Status(p.ID) != want {
			continue
		}
		latency, measured := o.monitor.AverageLatency(p.ID)
		switch {
		case best == nil:
			best, bestLatency, bestMeasured = p, latency, measured
		case measured && !bestMeasured:
			best, bestLatency, bestMeasured = p, latency, true
		case measured && bestMeasured && latency < bestLatency:
			best, bestLatency = p, latency
		}
	}
	return best
}
