package store

import (
	"context"
	"sync"

	"github.com/voxroute/voxroute/pkg/types"
)

// Compile-time interface check.
var _ Backend = (*MemBackend)(nil)

// MemBackend is an in-memory [Backend] for tests and database-less runs.
type MemBackend struct {
	mu        sync.Mutex
	sessions  map[string]SessionRecord
	failovers []types.FailoverEvent
	rotations []types.RotationEvent

	// FailWith, when non-nil, makes every write return this error.
	FailWith error
}

// NewMemBackend creates an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{sessions: make(map[string]SessionRecord)}
}

// UpsertSession implements [Backend].
func (b *MemBackend) UpsertSession(_ context.Context, rec SessionRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailWith != nil {
		return b.FailWith
	}
	b.sessions[rec.SessionID] = rec
	return nil
}

// AppendFailoverEvent implements [Backend].
func (b *MemBackend) AppendFailoverEvent(_ context.Context, ev types.FailoverEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailWith != nil {
		return b.FailWith
	}
	b.failovers = append(b.failovers, ev)
	return nil
}

// AppendRotationEvent implements [Backend].
func (b *MemBackend) AppendRotationEvent(_ context.Context, ev types.RotationEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailWith != nil {
		return b.FailWith
	}
	b.rotations = append(b.rotations, ev)
	return nil
}

// Close implements [Backend].
func (b *MemBackend) Close() error { return nil }

// Session returns the stored record for sessionID.
func (b *MemBackend) Session(sessionID string) (SessionRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.sessions[sessionID]
	return rec, ok
}

// FailoverEvents returns a copy of all recorded failover events.
func (b *MemBackend) FailoverEvents() []types.FailoverEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.FailoverEvent, len(b.failovers))
	copy(out, b.failovers)
	return out
}

// RotationEvents returns a copy of all recorded rotation events.
func (b *MemBackend) RotationEvents() []types.RotationEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.RotationEvent, len(b.rotations))
	copy(out, b.rotations)
	return out
}
