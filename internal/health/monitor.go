// Package health tracks a rolling health score per voice provider and exposes
// HTTP liveness/readiness probes for the process itself.
//
// The central type is [Monitor]: call outcomes feed a bounded rolling window
// per provider, and a derived status (healthy / degraded / unhealthy) is
// recomputed incrementally on every write so that reads stay O(1). The
// monitor never calls providers; it only observes what sessions report.
package health

import (
	"sync"
	"time"

	"github.com/voxroute/voxroute/internal/resilience"
)

// Status is the derived health classification of a provider.
type Status int

const (
	// StatusHealthy means the provider is serving calls normally.
	StatusHealthy Status = iota

	// StatusDegraded means the provider is serving calls but its recent
	// failure rate or latency exceeds the configured ceilings.
	StatusDegraded

	// StatusUnhealthy means the provider's circuit breaker is open.
	StatusUnhealthy
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// FallbackHandleTime is the average-handle-time estimate (in seconds)
// returned when a provider has no recorded history yet.
const FallbackHandleTime = 180.0

// MonitorConfig holds tuning knobs for a [Monitor].
type MonitorConfig struct {
	// Window is the rolling window duration. Outcomes older than this are
	// evicted. Default: 5m.
	Window time.Duration

	// MaxSamples bounds the window by count as well: once exceeded, the
	// oldest outcomes are evicted regardless of age. Default: 256.
	MaxSamples int

	// DegradedFailureRate is the failure-rate threshold (0..1) above which a
	// provider is classified degraded. Default: 0.3.
	DegradedFailureRate float64

	// DegradedLatency is the average-latency ceiling above which a provider
	// is classified degraded. Default: 2s.
	DegradedLatency time.Duration
}

// outcome is a single recorded call result.
type outcome struct {
	success bool
	latency time.Duration
	at      time.Time
}

// record is the per-provider rolling window plus incrementally maintained
// aggregates. The cached status makes Status() an O(1) read.
type record struct {
	outcomes     []outcome
	failures     int
	totalLatency time.Duration

	// handleTotal accumulates call handle durations across the whole session
	// history, not just the window, for average-handle-time estimation.
	handleTotal time.Duration
	handleCount int

	status    Status
	updatedAt time.Time
}

// Monitor derives per-provider health from recorded call outcomes and
// circuit breaker state. Reads are cheap and concurrent (RWMutex,
// reader-biased); writes evict and recompute incrementally.
type Monitor struct {
	cfg      MonitorConfig
	breakers *resilience.BreakerSet

	mu      sync.RWMutex
	records map[string]*record
}

// NewMonitor creates a [Monitor] fed by the given breaker set. Zero-value
// config fields are replaced with defaults.
func NewMonitor(cfg MonitorConfig, breakers *resilience.BreakerSet) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 256
	}
	if cfg.DegradedFailureRate <= 0 {
		cfg.DegradedFailureRate = 0.3
	}
	if cfg.DegradedLatency <= 0 {
		cfg.DegradedLatency = 2 * time.Second
	}
	return &Monitor{
		cfg:      cfg,
		breakers: breakers,
		records:  make(map[string]*record),
	}
}

// RecordOutcome appends a call outcome to the provider's rolling window and
// recomputes the cached status. Safe for concurrent writers across sessions.
func (m *Monitor) RecordOutcome(providerID string, success bool, latency time.Duration) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[providerID]
	if !ok {
		rec = &record{}
		m.records[providerID] = rec
	}

	rec.outcomes = append(rec.outcomes, outcome{success: success, latency: latency, at: now})
	if !success {
		rec.failures++
	}
	rec.totalLatency += latency
	rec.handleTotal += latency
	rec.handleCount++

	m.evict(rec, now)
	rec.status = m.derive(providerID, rec)
	rec.updatedAt = now
}

// evict drops outcomes that fall outside the window duration or exceed the
// sample cap, whichever bound bites first, updating aggregates as it goes.
func (m *Monitor) evict(rec *record, now time.Time) {
	cutoff := now.Add(-m.cfg.Window)
	drop := 0
	for _, o := range rec.outcomes {
		if o.at.After(cutoff) {
			break
		}
		drop++
	}
	if over := len(rec.outcomes) - m.cfg.MaxSamples; over > drop {
		drop = over
	}
	if drop == 0 {
		return
	}
	for _, o := range rec.outcomes[:drop] {
		if !o.success {
			rec.failures--
		}
		rec.totalLatency -= o.latency
	}
	rec.outcomes = rec.outcomes[drop:]
}

// derive computes the status for providerID from breaker state and window
// aggregates. Caller holds m.mu.
func (m *Monitor) derive(providerID string, rec *record) Status {
	if m.breakers != nil && m.breakers.IsOpen(providerID) {
		return StatusUnhealthy
	}
	n := len(rec.outcomes)
	if n == 0 {
		return StatusHealthy
	}
	if float64(rec.failures)/float64(n) > m.cfg.DegradedFailureRate {
		return StatusDegraded
	}
	if rec.totalLatency/time.Duration(n) > m.cfg.DegradedLatency {
		return StatusDegraded
	}
	return StatusHealthy
}

// Status returns the cached derived status for providerID. Providers with no
// recorded history are healthy: absence of evidence is not evidence of
// trouble.
func (m *Monitor) Status(providerID string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[providerID]
	if !ok {
		if m.breakers != nil && m.breakers.IsOpen(providerID) {
			return StatusUnhealthy
		}
		return StatusHealthy
	}
	return rec.status
}

// AverageLatency returns the mean call latency over the provider's current
// window. The second return is false when no data exists.
func (m *Monitor) AverageLatency(providerID string) (time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[providerID]
	if !ok || len(rec.outcomes) == 0 {
		return 0, false
	}
	return rec.totalLatency / time.Duration(len(rec.outcomes)), true
}

// AverageHandleTime returns the provider's mean handle time in seconds over
// its recorded history, or [FallbackHandleTime] when no history exists.
func (m *Monitor) AverageHandleTime(providerID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[providerID]
	if !ok || rec.handleCount == 0 {
		return FallbackHandleTime
	}
	return rec.handleTotal.Seconds() / float64(rec.handleCount)
}

// Statuses returns a snapshot of every tracked provider's status.
func (m *Monitor) Statuses() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.records))
	for id, rec := range m.records {
		out[id] = rec.status
	}
	return out
}
