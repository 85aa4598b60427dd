// Package mediastream implements the carrier.Leg contract over a websocket
// media-stream connection, the framing used by PSTN gateways that bridge
// phone audio onto JSON websocket messages.
//
// Inbound messages are JSON-encoded media frames. Outbound audio is written
// as the same frame shape with a base64 PCM16 payload. The first message on a
// new connection is a start envelope naming the stream; everything after is
// media.
package mediastream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxroute/voxroute/pkg/carrier"
	"github.com/voxroute/voxroute/pkg/types"
)

// Compile-time assertion.
var _ carrier.Leg = (*Leg)(nil)

// envelope is the wire shape of every media-stream message.
type envelope struct {
	Event    string            `json:"event"`
	StreamID string            `json:"streamId,omitempty"`
	Media    *types.MediaFrame `json:"media,omitempty"`
}

// Leg is a live websocket media-stream connection.
type Leg struct {
	id     string
	conn   *websocket.Conn
	frames chan types.MediaFrame

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	chanOnce  sync.Once

	writeMu sync.Mutex
}

// Accept wraps an already-upgraded websocket connection as a Leg. It blocks
// until the start envelope arrives, then begins pumping media frames.
func Accept(ctx context.Context, conn *websocket.Conn) (*Leg, error) {
	legCtx, cancel := context.WithCancel(context.Background())
	l := &Leg{
		conn:   conn,
		frames: make(chan types.MediaFrame, 64),
		ctx:    legCtx,
		cancel: cancel,
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mediastream: read start envelope: %w", err)
	}
	var start envelope
	if err := json.Unmarshal(data, &start); err != nil {
		cancel()
		return nil, fmt.Errorf("mediastream: decode start envelope: %w", err)
	}
	if start.Event != "start" || start.StreamID == "" {
		cancel()
		return nil, fmt.Errorf("mediastream: expected start envelope, got %q", start.Event)
	}
	l.id = start.StreamID

	go l.readLoop()

	return l, nil
}

// ID implements carrier.Leg.
func (l *Leg) ID() string { return l.id }

// Frames implements carrier.Leg.
func (l *Leg) Frames() <-chan types.MediaFrame { return l.frames }

// readLoop pumps inbound media envelopes onto the frames channel. It owns the
// channel and closes it when the connection ends.
func (l *Leg) readLoop() {
	defer l.closeFrames()

	for {
		_, data, err := l.conn.Read(l.ctx)
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Event {
		case "media":
			if env.Media == nil {
				continue
			}
			select {
			case l.frames <- *env.Media:
			case <-l.ctx.Done():
				return
			}
		case "stop":
			return
		}
	}
}

// WriteChunk implements carrier.Leg. The chunk is re-encoded as a media
// envelope with a base64 PCM16 payload.
func (l *Leg) WriteChunk(chunk types.AudioChunk) error {
	env := envelope{
		Event:    "media",
		StreamID: l.id,
		Media: &types.MediaFrame{
			Payload:     base64.StdEncoding.EncodeToString(chunk.Data),
			Encoding:    string(chunk.Format),
			SampleRate:  chunk.SampleRate,
			TimestampMs: int64(chunk.Timestamp * 1000),
		},
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("mediastream: marshal media envelope: %w", err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.conn.Write(l.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("mediastream: write: %w", err)
	}
	return nil
}

// Close implements carrier.Leg.
func (l *Leg) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		_ = l.conn.Close(websocket.StatusNormalClosure, "call ended")
	})
	return nil
}

func (l *Leg) closeFrames() {
	l.chanOnce.Do(func() { close(l.frames) })
}
