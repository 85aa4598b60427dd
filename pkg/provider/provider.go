// Package provider defines the capability contract every upstream voice/AI
// backend must implement to participate in session routing.
//
// An Adapter wraps one vendor backend (realtime audio-to-audio or segmented
// transcription). The orchestrator selects adapters by declared capability;
// the session manager starts them and owns the returned [Handle]. Adapters
// never hold session state across Start calls — all conversational state
// travels in the [SessionConfig] context snapshot, which makes mid-session
// provider swaps possible.
//
// All implementations must be safe for concurrent use.
package provider

import (
	"context"

	"github.com/voxroute/voxroute/pkg/types"
)

// Credential is a provider API key reference captured at bind time. Bindings
// hold the Credential they were created with, so key rotation never touches
// live sessions — the old key stays valid through its grace period.
type Credential interface {
	// Secret returns the key material.
	Secret() string
}

// StaticCredential is a fixed key, used for config-supplied keys and tests.
type StaticCredential string

// Secret implements [Credential].
func (c StaticCredential) Secret() string { return string(c) }

// SessionConfig is the initial configuration for a new provider session.
type SessionConfig struct {
	// Context is the conversational state to seed the session with. For a
	// fresh call this is empty; after a failover it carries the full
	// transcript snapshot to replay.
	Context types.ConversationContext

	// InputSampleRate is the PCM16 sample rate (Hz) the caller will send.
	InputSampleRate int

	// Credential authenticates the session with the vendor. Captured once at
	// bind time.
	Credential Credential
}

// Handle represents one open provider session. The audio path is the
// latency-critical hot path — Send must return quickly and never block on
// bookkeeping. Callers must call Close when the session is no longer needed.
type Handle interface {
	// Send delivers a decoded audio chunk to the provider. Returns an error
	// if the session is closed or the provider cannot accept the chunk.
	Send(chunk types.AudioChunk) error

	// Output returns a read-only channel of synthesised audio chunks to
	// route back to the carrier leg. Closed when the session ends; check
	// [Handle.Err] afterwards.
	Output() <-chan types.AudioChunk

	// Transcripts returns a read-only channel of transcript turns (both user
	// speech as recognised and assistant responses). Closed when the
	// session ends.
	Transcripts() <-chan types.Turn

	// Err returns the error that terminated the session, or nil if it ended
	// cleanly.
	Err() error

	// Close terminates the session and releases all upstream resources.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Adapter is the abstraction over any upstream voice/AI backend.
type Adapter interface {
	// ID returns the stable provider identifier used in the registry,
	// breaker set, and health monitor.
	ID() string

	// Capabilities returns the static capability set this adapter declares.
	// Assumed constant for the lifetime of the adapter.
	Capabilities() types.CapabilitySet

	// Start opens a new provider session, replaying any conversation context
	// carried in cfg. The returned Handle is ready to accept audio. The
	// caller owns the Handle and is responsible for calling Close.
	Start(ctx context.Context, cfg SessionConfig) (Handle, error)
}
