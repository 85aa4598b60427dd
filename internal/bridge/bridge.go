package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/voxroute/voxroute/internal/observe"
	"github.com/voxroute/voxroute/pkg/carrier"
	"github.com/voxroute/voxroute/pkg/provider"
	"github.com/voxroute/voxroute/pkg/types"
)

// ErrNoBinding is returned when audio arrives before any provider is bound.
var ErrNoBinding = errors.New("bridge: no provider bound")

// binding pairs a provider handle with the generation it was bound under.
type binding struct {
	gen    uint64
	handle provider.Handle
}

// Bridge connects one carrier leg to the session's currently bound provider.
//
// The binding is swapped atomically on failover: each swap increments the
// generation, and chunks stamped with a superseded generation are dropped
// instead of reaching the new provider. That keeps pre-failover audio from
// polluting the replacement session.
type Bridge struct {
	leg     carrier.Leg
	metrics *observe.Metrics
	log     *slog.Logger

	current atomic.Pointer[binding]
}

// New creates a Bridge for the given carrier leg. metrics and log may be nil.
func New(leg carrier.Leg, metrics *observe.Metrics, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{leg: leg, metrics: metrics, log: log}
}

// Bind makes handle the active provider under generation gen and starts
// pumping its output back to the carrier leg. The previous binding, if any,
// is superseded immediately; its pump goroutine exits on the next chunk.
func (b *Bridge) Bind(handle provider.Handle, gen uint64) {
	b.current.Store(&binding{gen: gen, handle: handle})
	go b.pumpOutput(handle, gen)
}

// Generation returns the current binding generation, 0 when nothing is bound.
func (b *Bridge) Generation() uint64 {
	bind := b.current.Load()
	if bind == nil {
		return 0
	}
	return bind.gen
}

// HandleFrame decodes one inbound carrier frame and forwards it to the bound
// provider. Undecodable frames are dropped and counted, not errored — one
// corrupt frame must not end a call. A Send failure is returned to the caller
// so the session manager can start failover.
func (b *Bridge) HandleFrame(ctx context.Context, frame types.MediaFrame) error {
	bind := b.current.Load()
	if bind == nil {
		return ErrNoBinding
	}

	chunk, ok := DecodeFrame(frame)
	if !ok {
		if b.metrics != nil {
			b.metrics.RecordDroppedFrame(ctx, "decode")
		}
		return nil
	}
	chunk.Generation = bind.gen

	return b.SendChunk(ctx, chunk)
}

// SendChunk forwards an already-decoded chunk to the bound provider. Chunks
// stamped with a superseded generation are dropped and counted as stale.
func (b *Bridge) SendChunk(ctx context.Context, chunk types.AudioChunk) error {
	bind := b.current.Load()
	if bind == nil {
		return ErrNoBinding
	}
	if chunk.Generation != bind.gen {
		if b.metrics != nil {
			b.metrics.RecordDroppedFrame(ctx, "stale")
		}
		return nil
	}
	return bind.handle.Send(chunk)
}

// pumpOutput copies provider audio to the carrier leg until the handle's
// output closes or the binding is superseded.
func (b *Bridge) pumpOutput(handle provider.Handle, gen uint64) {
	for chunk := range handle.Output() {
		bind := b.current.Load()
		if bind == nil || bind.gen != gen {
			return
		}
		if err := b.leg.WriteChunk(chunk); err != nil {
			b.log.Warn("carrier write failed, stopping output pump",
				"leg", b.leg.ID(), "error", err)
			return
		}
	}
}
