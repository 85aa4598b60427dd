// Package store persists session records and append-only audit events.
//
// Persistence is strictly off the audio hot path: callers hand records to a
// [Recorder], which buffers them and flushes to a [Backend] from a dedicated
// goroutine. A slow or unavailable database delays durability, never audio.
package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxroute/voxroute/pkg/types"
)

// SessionRecord is the durable summary of one voice session.
type SessionRecord struct {
	SessionID string
	CarrierID string
	Provider  string
	Status    string

	// EndReason says why an ended session ended, e.g. "carrier_hangup" or
	// "failover_exhausted". Empty while the session is live.
	EndReason string

	StartedAt time.Time
	EndedAt   time.Time
}

// Backend is the storage driver interface. Implementations must be safe for
// concurrent use.
type Backend interface {
	// UpsertSession inserts or updates one session record.
	UpsertSession(ctx context.Context, rec SessionRecord) error

	// AppendFailoverEvent appends one failover audit record.
	AppendFailoverEvent(ctx context.Context, ev types.FailoverEvent) error

	// AppendRotationEvent appends one key rotation audit record.
	AppendRotationEvent(ctx context.Context, ev types.RotationEvent) error

	// Close releases backend resources.
	Close() error
}

// RecorderConfig holds tuning knobs for a [Recorder].
type RecorderConfig struct {
	// BufferSize is the channel capacity for pending writes. When the buffer
	// is full new records are dropped with a warning. Default: 512.
	BufferSize int

	// FlushTimeout bounds each backend write. Default: 5s.
	FlushTimeout time.Duration
}

// pending is one queued write. Exactly one field is set.
type pending struct {
	session  *SessionRecord
	failover *types.FailoverEvent
	rotation *types.RotationEvent
}

// Recorder is the write-behind front for a [Backend]. Enqueue methods never
// block the caller beyond a channel send against a buffered channel.
type Recorder struct {
	cfg     RecorderConfig
	backend Backend
	log     *slog.Logger

	ch   chan pending
	done chan struct{}
	once sync.Once
}

// NewRecorder creates a Recorder and starts its flush goroutine. Call
// [Recorder.Close] to drain and stop it.
func NewRecorder(backend Backend, cfg RecorderConfig, log *slog.Logger) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 512
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		cfg:     cfg,
		backend: backend,
		log:     log,
		ch:      make(chan pending, cfg.BufferSize),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// RecordSession queues a session record for persistence.
func (r *Recorder) RecordSession(rec SessionRecord) {
	r.enqueue(pending{session: &rec})
}

// RecordFailover queues a failover audit event for persistence.
func (r *Recorder) RecordFailover(ev types.FailoverEvent) {
	r.enqueue(pending{failover: &ev})
}

// RecordRotation queues a key rotation audit event for persistence.
func (r *Recorder) RecordRotation(ev types.RotationEvent) {
	r.enqueue(pending{rotation: &ev})
}

func (r *Recorder) enqueue(p pending) {
	select {
	case r.ch <- p:
	default:
		r.log.Warn("store recorder buffer full, dropping record")
	}
}

// loop drains the queue until Close. Backend errors are logged, not
// propagated — audit persistence is best-effort by design of the audio path.
func (r *Recorder) loop() {
	defer close(r.done)
	for p := range r.ch {
		r.flush(p)
	}
}

func (r *Recorder) flush(p pending) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.FlushTimeout)
	defer cancel()

	var err error
	switch {
	case p.session != nil:
		err = r.backend.UpsertSession(ctx, *p.session)
	case p.failover != nil:
		err = r.backend.AppendFailoverEvent(ctx, *p.failover)
	case p.rotation != nil:
		err = r.backend.AppendRotationEvent(ctx, *p.rotation)
	}
	if err != nil {
		r.log.Error("store write failed", "error", err)
	}
}

// Close stops accepting new records, drains everything already queued, and
// closes the backend.
func (r *Recorder) Close() error {
	r.once.Do(func() {
		close(r.ch)
	})
	<-r.done
	return r.backend.Close()
}
