// Package segmented implements the provider.Adapter contract for backends
// that operate on discrete transcribed utterances rather than a continuous
// audio stream.
//
// The adapter pairs a vendor transcription callback with an LLM backend from
// github.com/mozilla-ai/any-llm-go for turn generation: inbound audio is
// buffered per utterance, transcribed at utterance boundaries (detected by a
// gap in chunk timestamps), and answered with a completion over the full
// conversation history. It produces transcript turns, not synthesised audio,
// so it typically serves as the degraded-mode fallback behind a realtime
// provider.
package segmented

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/voxroute/voxroute/pkg/provider"
	"github.com/voxroute/voxroute/pkg/types"
)

// Compile-time assertions.
var (
	_ provider.Adapter = (*Adapter)(nil)
	_ provider.Handle  = (*session)(nil)
)

// defaultPauseThreshold is the gap between chunk timestamps that finalises
// an utterance.
const defaultPauseThreshold = 0.7 // seconds

// Transcriber converts one utterance of PCM16 audio into text.
type Transcriber func(ctx context.Context, pcm []byte, sampleRate int) (string, error)

// Option is a functional option for configuring an Adapter.
type Option func(*Adapter)

// WithPauseThreshold overrides the utterance-boundary gap in seconds.
func WithPauseThreshold(seconds float64) Option {
	return func(a *Adapter) { a.pauseThreshold = seconds }
}

// Adapter implements provider.Adapter for segmented-transcription backends.
type Adapter struct {
	id             string
	model          string
	backend        anyllmlib.Provider
	transcribe     Transcriber
	pauseThreshold float64
}

// New creates a segmented Adapter registered under id, backed by the named
// any-llm-go provider ("openai", "anthropic", "groq", "ollama") and model.
// transcribe supplies the vendor speech-to-text step.
func New(id, backendName, model string, transcribe Transcriber, opts ...anyllmlib.Option) (*Adapter, error) {
	if transcribe == nil {
		return nil, fmt.Errorf("segmented: transcriber must not be nil")
	}
	if model == "" {
		return nil, fmt.Errorf("segmented: model must not be empty")
	}

	backend, err := createBackend(backendName, opts...)
	if err != nil {
		return nil, fmt.Errorf("segmented: create %q backend: %w", backendName, err)
	}

	return &Adapter{
		id:             id,
		model:          model,
		backend:        backend,
		transcribe:     transcribe,
		pauseThreshold: defaultPauseThreshold,
	}, nil
}

// createBackend creates the underlying any-llm-go provider for the given name.
func createBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: openai, anthropic, groq, ollama", name)
	}
}

// ID implements provider.Adapter.
func (a *Adapter) ID() string { return a.id }

// Capabilities implements provider.Adapter.
func (a *Adapter) Capabilities() types.CapabilitySet {
	return types.NewCapabilitySet(
		types.CapSegmentedTranscription,
		types.CapCarrierSIP,
		types.CapCarrierPSTN,
		types.CapCarrierWebSocket,
	)
}

// Start implements provider.Adapter. The context snapshot seeds the turn
// history so post-failover completions see the whole conversation.
func (a *Adapter) Start(ctx context.Context, cfg provider.SessionConfig) (provider.Handle, error) {
	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		adapter:     a,
		history:     cfg.Context.Clone(),
		audioCh:     make(chan types.AudioChunk),
		transcripts: make(chan types.Turn, 16),
		work:        make(chan utterance, 4),
		ctx:         sessCtx,
		cancel:      cancel,
	}
	close(s.audioCh) // segmented providers emit no synthesised audio

	go s.processLoop()

	return s, nil
}

// utterance is one finalised buffer of caller audio awaiting transcription.
type utterance struct {
	pcm        []byte
	sampleRate int
}

type session struct {
	adapter *Adapter

	mu       sync.Mutex
	history  types.ConversationContext
	buf      []byte
	bufRate  int
	lastTime float64
	errVal   error

	audioCh     chan types.AudioChunk
	transcripts chan types.Turn
	work        chan utterance

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	chanOnce  sync.Once
}

// Send implements provider.Handle. A gap in chunk timestamps beyond the
// pause threshold finalises the buffered utterance; the audio path itself
// never blocks on transcription or completion.
func (s *session) Send(chunk types.AudioChunk) error {
	if s.ctx.Err() != nil {
		return fmt.Errorf("segmented: session closed")
	}

	s.mu.Lock()
	if len(s.buf) > 0 && chunk.Timestamp-s.lastTime > s.adapter.pauseThreshold {
		s.enqueueLocked()
	}
	s.buf = append(s.buf, chunk.Data...)
	s.bufRate = chunk.SampleRate
	s.lastTime = chunk.Timestamp
	s.mu.Unlock()

	return nil
}

// enqueueLocked hands the current buffer to the process loop. Caller holds
// s.mu. The utterance is dropped if the worker is backed up — losing one
// utterance beats stalling the audio path.
func (s *session) enqueueLocked() {
	u := utterance{pcm: s.buf, sampleRate: s.bufRate}
	s.buf = nil
	select {
	case s.work <- u:
	default:
	}
}

// processLoop transcribes finalised utterances and generates responses.
func (s *session) processLoop() {
	defer s.closeChannels()

	for {
		select {
		case <-s.ctx.Done():
			return
		case u := <-s.work:
			s.handleUtterance(u)
		}
	}
}

func (s *session) handleUtterance(u utterance) {
	text, err := s.adapter.transcribe(s.ctx, u.pcm, u.sampleRate)
	if err != nil {
		s.setErr(fmt.Errorf("segmented: transcribe: %w", err))
		s.cancel()
		return
	}
	if text == "" {
		return
	}

	userTurn := types.Turn{Role: "user", Content: text, Timestamp: time.Now()}
	s.appendTurn(userTurn)
	s.emitTurn(userTurn)

	reply, err := s.complete()
	if err != nil {
		s.setErr(err)
		s.cancel()
		return
	}

	assistantTurn := types.Turn{Role: "assistant", Content: reply, Timestamp: time.Now()}
	s.appendTurn(assistantTurn)
	s.emitTurn(assistantTurn)
}

// complete runs one LLM completion over the accumulated history.
func (s *session) complete() (string, error) {
	s.mu.Lock()
	messages := make([]anyllmlib.Message, 0, len(s.history.Turns))
	for _, turn := range s.history.Turns {
		messages = append(messages, anyllmlib.Message{Role: turn.Role, Content: turn.Content})
	}
	s.mu.Unlock()

	resp, err := s.adapter.backend.Completion(s.ctx, anyllmlib.CompletionParams{
		Model:    s.adapter.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("segmented: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("segmented: empty choices in response")
	}
	return resp.Choices[0].Message.ContentString(), nil
}

func (s *session) appendTurn(turn types.Turn) {
	s.mu.Lock()
	s.history.Turns = append(s.history.Turns, turn)
	s.mu.Unlock()
}

func (s *session) emitTurn(turn types.Turn) {
	select {
	case s.transcripts <- turn:
	case <-s.ctx.Done():
	}
}

// Output implements provider.Handle. The channel is already closed:
// segmented backends produce transcript turns only.
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
	s.closeOnce.Do(s.cancel)
	return nil
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
		close(s.transcripts)
	})
}
