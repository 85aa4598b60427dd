// Package types defines the shared types used across all voxroute packages.
//
// These types form the lingua franca between carrier legs, provider adapters,
// the orchestrator, and the session manager. They are intentionally minimal —
// each package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
package types

import (
	"sort"
	"strings"
	"time"
)

// Capability is a single declared ability of a provider or requirement of a
// session, e.g. a supported audio modality or carrier type.
type Capability string

const (
	// CapRealtimeAudio marks providers that accept raw audio in and produce
	// synthesised audio out within a single stateful session.
	CapRealtimeAudio Capability = "realtime-audio"

	// CapSegmentedTranscription marks providers that work on discrete
	// transcribed utterances rather than a continuous audio stream.
	CapSegmentedTranscription Capability = "segmented-transcription"

	// CapCarrierSIP marks support for SIP trunk media legs.
	CapCarrierSIP Capability = "carrier:sip"

	// CapCarrierPSTN marks support for PSTN media-stream legs.
	CapCarrierPSTN Capability = "carrier:pstn"

	// CapCarrierWebSocket marks support for raw websocket media legs.
	CapCarrierWebSocket Capability = "carrier:websocket"
)

// CapabilitySet is an unordered set of capabilities.
type CapabilitySet map[Capability]bool

// NewCapabilitySet builds a set from the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool { return s[c] }

// SupersetOf reports whether every capability in req is present in s.
func (s CapabilitySet) SupersetOf(req CapabilitySet) bool {
	for c, ok := range req {
		if ok && !s[c] {
			return false
		}
	}
	return true
}

// Key returns a canonical string for the set, suitable as a map key.
// Capabilities are sorted so that equal sets always produce equal keys.
func (s CapabilitySet) Key() string {
	names := make([]string, 0, len(s))
	for c, ok := range s {
		if ok {
			names = append(names, string(c))
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// Strategy selects how the orchestrator picks among candidate providers.
type Strategy string

const (
	// StrategyPriority picks the highest-weight candidate.
	StrategyPriority Strategy = "priority"

	// StrategyRoundRobin rotates through candidates using a shared cursor
	// per capability set.
	StrategyRoundRobin Strategy = "round-robin"

	// StrategyPerformance picks the healthy candidate with the lowest recent
	// average latency, falling back to degraded candidates if none is healthy.
	StrategyPerformance Strategy = "performance"
)

// IsValid reports whether s is a recognised strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyPriority, StrategyRoundRobin, StrategyPerformance:
		return true
	}
	return false
}

// AudioFormat identifies the encoding of an AudioChunk payload.
type AudioFormat string

// FormatPCM16 is little-endian 16-bit linear PCM, the provider-neutral
// format every inbound frame is normalised to.
const FormatPCM16 AudioFormat = "pcm16"

// MediaFrame is the wire format of a single inbound carrier media frame.
type MediaFrame struct {
	// Payload is the base64-encoded audio payload.
	Payload string `json:"payload"`

	// Encoding declares the payload encoding. Empty means linear PCM16;
	// telephony legs commonly send "audio/x-mulaw".
	Encoding string `json:"encoding,omitempty"`

	// SampleRate is the declared sample rate in Hz.
	SampleRate int `json:"sampleRate"`

	// TimestampMs is the frame timestamp in integer milliseconds relative to
	// stream start.
	TimestampMs int64 `json:"timestampMs"`
}

// AudioChunk is a provider-neutral decoded audio chunk. Chunks are owned
// transiently per frame and never persisted.
type AudioChunk struct {
	// Data is the raw PCM16 payload.
	Data []byte

	// Format is the payload encoding (always FormatPCM16 after decoding).
	Format AudioFormat

	// SampleRate in Hz, echoed from the inbound frame.
	SampleRate int

	// Timestamp in fractional seconds relative to stream start.
	Timestamp float64

	// Generation is the session binding generation this chunk was accepted
	// under. Chunks from a pre-failover generation are discarded.
	Generation uint64
}

// Turn is a single entry in a session's provider-neutral transcript.
type Turn struct {
	// Role is one of "user", "assistant", or "system".
	Role string

	// Content is the text of the turn.
	Content string

	// Timestamp is when the turn was recorded.
	Timestamp time.Time
}

// ContextVersion is the current ConversationContext schema version.
const ContextVersion = 1

// ConversationContext is the provider-neutral conversational state carried
// across a failover. It is replayed into the replacement provider session so
// the conversation continues where it left off.
type ConversationContext struct {
	// Version is the schema version of this context representation.
	Version int

	// Turns is the ordered transcript history.
	Turns []Turn

	// Metadata holds opaque session metadata (caller attributes, routing
	// hints). Never interpreted by providers.
	Metadata map[string]string
}

// Clone returns a deep copy of the context. Used to take point-in-time
// snapshots for failover without racing concurrent transcript appends.
func (c ConversationContext) Clone() ConversationContext {
	out := ConversationContext{Version: c.Version}
	if len(c.Turns) > 0 {
		out.Turns = make([]Turn, len(c.Turns))
		copy(out.Turns, c.Turns)
	}
	if len(c.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// FailoverOutcome is the result of a single failover attempt.
type FailoverOutcome string

const (
	FailoverSucceeded FailoverOutcome = "succeeded"
	FailoverFailed    FailoverOutcome = "failed"
)

// FailoverReason is the trigger that started a failover attempt.
type FailoverReason string

const (
	// ReasonProviderError indicates the bound provider returned an error or
	// its stream broke.
	ReasonProviderError FailoverReason = "provider-error"

	// ReasonHealthDemotion indicates the health monitor demoted the provider.
	ReasonHealthDemotion FailoverReason = "health-demotion"

	// ReasonManual indicates an operator-requested switch.
	ReasonManual FailoverReason = "manual"
)

// FailoverEvent is one append-only audit record per attempted provider
// switch.
type FailoverEvent struct {
	SessionID    string
	FromProvider string
	ToProvider   string
	Reason       FailoverReason
	Attempt      int
	Outcome      FailoverOutcome
	Error        string
	Timestamp    time.Time
}

// RotationOutcome is the result of a key rotation attempt.
type RotationOutcome string

const (
	RotationSucceeded RotationOutcome = "succeeded"
	RotationFailed    RotationOutcome = "failed"
)

// RotationEvent is one append-only audit record per key rotation attempt.
type RotationEvent struct {
	Provider  string
	Outcome   RotationOutcome
	Error     string
	Timestamp time.Time
}
