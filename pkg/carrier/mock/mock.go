// Package mock provides an in-memory carrier.Leg for tests.
package mock

import (
	"sync"

	"github.com/voxroute/voxroute/pkg/carrier"
	"github.com/voxroute/voxroute/pkg/types"
)

// Compile-time assertion.
var _ carrier.Leg = (*Leg)(nil)

// Leg is a scriptable in-memory carrier leg. Push inbound frames with
// [Leg.PushFrame]; chunks written by the router are recorded for inspection.
type Leg struct {
	// Name is the leg identifier. Defaults to "mock-leg".
	Name string

	// WriteErr, when non-nil, is returned by every WriteChunk call.
	WriteErr error

	frames   chan types.MediaFrame
	initOnce sync.Once

	mu      sync.Mutex
	written []types.AudioChunk
	closed  bool
}

func (l *Leg) init() {
	l.initOnce.Do(func() {
		l.frames = make(chan types.MediaFrame, 64)
	})
}

// ID implements carrier.Leg.
func (l *Leg) ID() string {
	if l.Name == "" {
		return "mock-leg"
	}
	return l.Name
}

// Frames implements carrier.Leg.
func (l *Leg) Frames() <-chan types.MediaFrame {
	l.init()
	return l.frames
}

// PushFrame delivers one inbound frame to the router.
func (l *Leg) PushFrame(frame types.MediaFrame) {
	l.init()
	l.frames <- frame
}

// Hangup simulates the caller ending the call.
func (l *Leg) Hangup() {
	l.init()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.frames)
}

// WriteChunk implements carrier.Leg.
func (l *Leg) WriteChunk(chunk types.AudioChunk) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.WriteErr != nil {
		return l.WriteErr
	}
	l.written = append(l.written, chunk)
	return nil
}

// Written returns a copy of every chunk the router played towards the caller.
func (l *Leg) Written() []types.AudioChunk {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.AudioChunk, len(l.written))
	copy(out, l.written)
	return out
}

// Close implements carrier.Leg.
func (l *Leg) Close() error {
	l.Hangup()
	return nil
}

// Closed reports whether the leg has been closed.
func (l *Leg) Closed() bool {
	l.init()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
