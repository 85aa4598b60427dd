// Package openai implements the provider.Adapter contract for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio travels as base64-encoded PCM16 chunks. Conversation context carried
// in the session config is replayed as conversation items before the first
// audio frame, which is what makes mid-call failover onto this adapter
// seamless for the caller.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxroute/voxroute/internal/bridge"
	"github.com/voxroute/voxroute/pkg/provider"
	"github.com/voxroute/voxroute/pkg/types"
)

// Compile-time assertions that Adapter and session satisfy the provider
// interfaces.
var (
	_ provider.Adapter = (*Adapter)(nil)
	_ provider.Handle  = (*session)(nil)
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// realtimeSampleRate is the PCM16 rate the Realtime API ingests and
	// synthesises at. The "pcm16" audio format implies it.
	realtimeSampleRate = 24000
)

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(a *Adapter) { a.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(a *Adapter) { a.baseURL = url }
}

// Adapter implements provider.Adapter for OpenAI's Realtime API.
type Adapter struct {
	id      string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Adapter registered under id.
func New(id string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ID implements provider.Adapter.
func (a *Adapter) ID() string { return a.id }

// Capabilities implements provider.Adapter. The Realtime API is a full
// audio-to-audio backend reachable from any carrier leg type.
func (a *Adapter) Capabilities() types.CapabilitySet {
	return types.NewCapabilitySet(
		types.CapRealtimeAudio,
		types.CapCarrierSIP,
		types.CapCarrierPSTN,
		types.CapCarrierWebSocket,
	)
}

// Start implements provider.Adapter. It dials the Realtime endpoint,
// configures the session, and replays any conversation context before
// returning the handle.
func (a *Adapter) Start(ctx context.Context, cfg provider.SessionConfig) (provider.Handle, error) {
	if cfg.Credential == nil {
		return nil, fmt.Errorf("openai: no credential supplied")
	}
	wsURL := fmt.Sprintf("%s?model=%s", a.baseURL, a.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cfg.Credential.Secret()},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	inRate := cfg.InputSampleRate
	if inRate <= 0 {
		inRate = realtimeSampleRate
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:        conn,
		inputRate:   inRate,
		audioCh:     make(chan types.AudioChunk, 64),
		transcripts: make(chan types.Turn, 16),
		ctx:         sessCtx,
		cancel:      sessCancel,
	}

	if err := sess.sendSessionUpdate(); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}
	if err := sess.replayContext(cfg.Context); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "context replay failed")
		return nil, fmt.Errorf("openai: replay context: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Instructions      string `json:"instructions,omitempty"`
	InputAudioFormat  string `json:"input_audio_format"`
	OutputAudioFormat string `json:"output_audio_format"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn        *websocket.Conn
	inputRate   int
	audioCh     chan types.AudioChunk
	transcripts chan types.Turn

	mu     sync.Mutex
	errVal error

	// currentTxText accumulates response.audio_transcript.delta events until
	// response.audio_transcript.done is received.
	currentTxText string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	chanOnce  sync.Once
}

// sendSessionUpdate configures audio formats for the session.
func (s *session) sendSessionUpdate() error {
	return s.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
		},
	})
}

// replayContext injects each prior turn as a conversation item so the model
// resumes with the full history after a failover.
func (s *session) replayContext(cc types.ConversationContext) error {
	for _, turn := range cc.Turns {
		itemType := "message"
		msg := createConversationItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type:    itemType,
				Role:    turn.Role,
				Content: []conversationPart{{Type: "input_text", Text: turn.Content}},
			},
		}
		if err := s.writeJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// Send implements provider.Handle. Carrier audio arriving below the Realtime
// API's rate (telephony legs run at 8 kHz) is upsampled before forwarding.
func (s *session) Send(chunk types.AudioChunk) error {
	pcm := chunk.Data
	rate := chunk.SampleRate
	if rate <= 0 {
		rate = s.inputRate
	}
	if rate != realtimeSampleRate {
		pcm = bridge.Resample16(pcm, rate, realtimeSampleRate)
	}
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// Output implements provider.Handle.
func (s *session) Output() <-chan types.AudioChunk { return s.audioCh }

// Transcripts implements provider.Handle.
func (s *session) Transcripts() <-chan types.Turn { return s.transcripts }

// Err implements provider.Handle.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close implements provider.Handle.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session ended")
	})
	return nil
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns audioCh and transcripts: it closes both when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		chunk := types.AudioChunk{
			Data:       audioData,
			Format:     types.FormatPCM16,
			SampleRate: realtimeSampleRate,
		}
		select {
		case s.audioCh <- chunk:
		case <-s.ctx.Done():
		}

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		s.currentTxText += evt.Delta
		s.mu.Unlock()

	case "response.audio_transcript.done":
		s.mu.Lock()
		text := s.currentTxText
		s.currentTxText = ""
		s.mu.Unlock()

		if text == "" {
			return
		}
		s.emitTurn(types.Turn{Role: "assistant", Content: text, Timestamp: time.Now()})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emitTurn(types.Turn{Role: "user", Content: evt.Transcript, Timestamp: time.Now()})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.setErr(fmt.Errorf("openai: %s", msg))
	}
}

func (s *session) emitTurn(turn types.Turn) {
	select {
	case s.transcripts <- turn:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.chanOnce.Do(func() {
		close(s.audioCh)
		close(s.transcripts)
	})
}
