package app

import (
	"sync"
	"time"

	"github.com/voxroute/voxroute/internal/bridge"
	"github.com/voxroute/voxroute/pkg/carrier"
	"github.com/voxroute/voxroute/pkg/provider"
	"github.com/voxroute/voxroute/pkg/types"
)

// SessionStatus is the lifecycle state of a voice session.
type SessionStatus string

const (
	// SessionPending means the provider session is being established and no
	// audio flows yet.
	SessionPending SessionStatus = "pending"

	// SessionActive means audio is flowing between the carrier leg and the
	// bound provider.
	SessionActive SessionStatus = "active"

	// SessionFailing means a provider failure was detected and a replacement
	// is being selected. Inbound audio is dropped as stale until rebinding.
	SessionFailing SessionStatus = "failing"

	// SessionSwitching means a replacement was started and the bridge is
	// being rebound to it.
	SessionSwitching SessionStatus = "switching"

	// SessionEnded is terminal: the leg and provider handle are closed.
	SessionEnded SessionStatus = "ended"
)

// End reasons stamped on a session's final durable record.
const (
	EndReasonCarrierHangup     = "carrier_hangup"
	EndReasonFailoverExhausted = "failover_exhausted"
	EndReasonOperatorRequest   = "operator_request"
	EndReasonShutdown          = "shutdown"
)

// Session is one live voice call routed between a carrier leg and a provider.
//
// The bridge owns the audio hot path; the session owns everything around it:
// lifecycle status, the conversation transcript, and which provider is bound.
// All mutable state is guarded by mu — the bridge is deliberately left outside
// the lock so audio never waits on transcript bookkeeping.
type Session struct {
	ID string

	leg    carrier.Leg
	bridge *bridge.Bridge

	capabilities types.CapabilitySet
	strategy     types.Strategy
	startedAt    time.Time

	done chan struct{}

	mu         sync.Mutex
	status     SessionStatus
	providerID string
	handle     provider.Handle
	convo      types.ConversationContext
}

// Done returns a channel closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns the current lifecycle state.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Provider returns the ID of the currently bound provider.
func (s *Session) Provider() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerID
}

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Context returns a snapshot of the conversation transcript.
func (s *Session) Context() types.ConversationContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convo.Clone()
}

// appendTurn records a transcript turn emitted under binding generation gen.
// Turns from a superseded binding are discarded: the failover snapshot already
// captured everything the old provider said.
func (s *Session) appendTurn(gen uint64, turn types.Turn) {
	if s.bridge.Generation() != gen {
		return
	}
	s.mu.Lock()
	s.convo.Turns = append(s.convo.Turns, turn)
	s.mu.Unlock()
}
