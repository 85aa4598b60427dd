// Package mock provides a scriptable in-memory provider.Adapter for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/voxroute/voxroute/pkg/provider"
	"github.com/voxroute/voxroute/pkg/types"
)

// ErrSessionClosed is returned by Send after the handle is closed.
var ErrSessionClosed = errors.New("mock: session closed")

// Compile-time assertions.
var (
	_ provider.Adapter = (*Adapter)(nil)
	_ provider.Handle  = (*Handle)(nil)
)

// Adapter is a scriptable provider adapter. All fields may be set before
// first use; the zero value is a working realtime adapter.
type Adapter struct {
	// Name is the provider identifier. Defaults to "mock".
	Name string

	// Caps overrides the declared capability set.
	Caps types.CapabilitySet

	// StartErr, when non-nil, is returned by every Start call.
	StartErr error

	// SendErr, when non-nil, is returned by Send on every handle.
	SendErr error

	mu       sync.Mutex
	started  int
	handles  []*Handle
	contexts []types.ConversationContext
}

// ID implements provider.Adapter.
func (a *Adapter) ID() string {
	if a.Name == "" {
		return "mock"
	}
	return a.Name
}

// Capabilities implements provider.Adapter.
func (a *Adapter) Capabilities() types.CapabilitySet {
	if a.Caps != nil {
		return a.Caps
	}
	return types.NewCapabilitySet(types.CapRealtimeAudio, types.CapCarrierWebSocket)
}

// Start implements provider.Adapter.
func (a *Adapter) Start(_ context.Context, cfg provider.SessionConfig) (provider.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.started++
	if a.StartErr != nil {
		return nil, a.StartErr
	}

	h := &Handle{
		adapter: a,
		out:     make(chan types.AudioChunk, 16),
		turns:   make(chan types.Turn, 16),
	}
	a.handles = append(a.handles, h)
	a.contexts = append(a.contexts, cfg.Context.Clone())
	return h, nil
}

// StartCalls returns how many times Start was invoked (including failures).
func (a *Adapter) StartCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

// LastContext returns the conversation context passed to the most recent
// successful Start, and false if none succeeded yet.
func (a *Adapter) LastContext() (types.ConversationContext, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.contexts) == 0 {
		return types.ConversationContext{}, false
	}
	return a.contexts[len(a.contexts)-1], true
}

// LastHandle returns the most recently started handle, or nil.
func (a *Adapter) LastHandle() *Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.handles) == 0 {
		return nil
	}
	return a.handles[len(a.handles)-1]
}

// Handle is the mock session handle. Sent chunks are recorded for
// inspection; EmitAudio and EmitTurn push provider output to consumers.
type Handle struct {
	adapter *Adapter
	out     chan types.AudioChunk
	turns   chan types.Turn

	mu     sync.Mutex
	sent   []types.AudioChunk
	closed bool
	errVal error
}

// Send implements provider.Handle.
func (h *Handle) Send(chunk types.AudioChunk) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrSessionClosed
	}
	if h.adapter.SendErr != nil {
		return h.adapter.SendErr
	}
	h.sent = append(h.sent, chunk)
	return nil
}

// Sent returns a copy of every chunk accepted so far.
func (h *Handle) Sent() []types.AudioChunk {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.AudioChunk, len(h.sent))
	copy(out, h.sent)
	return out
}

// EmitAudio pushes a synthesised chunk to the Output channel.
func (h *Handle) EmitAudio(chunk types.AudioChunk) { h.out <- chunk }

// EmitTurn pushes a transcript turn to the Transcripts channel.
func (h *Handle) EmitTurn(turn types.Turn) { h.turns <- turn }

// Fail records err and closes the handle, simulating a mid-session provider
// failure.
func (h *Handle) Fail(err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.errVal = err
	h.closed = true
	h.mu.Unlock()
	close(h.out)
	close(h.turns)
}

// Output implements provider.Handle.
func (h *Handle) Output() <-chan types.AudioChunk { return h.out }

// Transcripts implements provider.Handle.
func (h *Handle) Transcripts() <-chan types.Turn { return h.turns }

// Err implements provider.Handle.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errVal
}

// Close implements provider.Handle.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	close(h.out)
	close(h.turns)
	return nil
}

// Closed reports whether the handle has been closed.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
