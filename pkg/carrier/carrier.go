// Package carrier defines the contract between the router and telephony
// media legs.
//
// A Leg is one live media connection from a carrier (SIP trunk, PSTN media
// stream, or a raw websocket). Legs deliver inbound frames on a channel and
// accept synthesised provider audio for playback. The router never knows
// which carrier protocol is behind a leg.
package carrier

import "github.com/voxroute/voxroute/pkg/types"

// Leg is one live carrier media connection. Implementations must be safe for
// concurrent use.
type Leg interface {
	// ID returns the carrier-assigned identifier for this leg, typically the
	// call or stream ID.
	ID() string

	// Frames returns the inbound media frame channel. Closed when the carrier
	// hangs up or the connection breaks.
	Frames() <-chan types.MediaFrame

	// WriteChunk plays a synthesised audio chunk back towards the caller.
	WriteChunk(chunk types.AudioChunk) error

	// Close tears down the media connection. Safe to call more than once.
	Close() error
}
