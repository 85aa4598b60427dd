package resilience

import "sync"

// BreakerSet holds one [CircuitBreaker] per provider, created lazily with a
// shared base configuration. It is process-scoped state with an explicit
// lifecycle: construct at startup, share across sessions, discard at
// shutdown. Safe for concurrent use.
type BreakerSet struct {
	cfg Config

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates an empty set. cfg.Name is ignored; each breaker is
// named after its provider identifier.
func NewBreakerSet(cfg Config) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// For returns the breaker for providerID, creating it on first use.
func (bs *BreakerSet) For(providerID string) *CircuitBreaker {
	bs.mu.RLock()
	cb, ok := bs.breakers[providerID]
	bs.mu.RUnlock()
	if ok {
		return cb
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if cb, ok = bs.breakers[providerID]; ok {
		return cb
	}
	cfg := bs.cfg
	cfg.Name = providerID
	cb = New(cfg)
	bs.breakers[providerID] = cb
	return cb
}

// IsOpen reports whether the breaker for providerID currently rejects calls.
// Providers without a breaker yet are treated as closed.
func (bs *BreakerSet) IsOpen(providerID string) bool {
	bs.mu.RLock()
	cb, ok := bs.breakers[providerID]
	bs.mu.RUnlock()
	if !ok {
		return false
	}
	return cb.State() == StateOpen
}

// Snapshots returns a point-in-time copy of every breaker's state, keyed by
// provider identifier.
func (bs *BreakerSet) Snapshots() map[string]Snapshot {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	out := make(map[string]Snapshot, len(bs.breakers))
	for id, cb := range bs.breakers {
		out[id] = cb.Snapshot()
	}
	return out
}
