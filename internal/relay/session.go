// Package relay owns one realtime conversation: it bridges a browser-facing
// WebSocket and a backend realtime inference connection, translating inbound
// client frames into backend calls and fanning backend event streams back out
// as client frames.
//
// A session is exclusively owned by one client connection. Binary frames are
// raw PCM16 audio forwarded verbatim in both directions; text frames use the
// small client schema in message.go. Multiple producer goroutines (the
// backend event loop, per-audio-part sub-streams) write to the one client
// socket; all physical writes serialize through the session's writer gate.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	nanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel/metric"

	"github.com/parlance-dev/parlance/internal/observe"
	"github.com/parlance-dev/parlance/pkg/rtclient"
	"github.com/parlance-dev/parlance/pkg/rtproto"
)

// Backend is the backend realtime connection as the relay consumes it.
// Implemented by rtclient.Client; tests substitute their own.
type Backend interface {
	Configure(ctx context.Context, params rtproto.SessionUpdateParams) error
	SendAudio(ctx context.Context, pcm []byte) error
	CreateItem(ctx context.Context, item rtproto.Item) error
	GenerateResponse(ctx context.Context, params *rtproto.ResponseCreateParams) error
	Events() <-chan rtclient.Event
	Err() error
	Close() error
}

// ClientConn is the browser-facing socket write side. Writes may be issued
// concurrently; the session serializes them.
type ClientConn interface {
	WriteText(ctx context.Context, data []byte) error
	WriteBinary(ctx context.Context, data []byte) error
}

// State is the lifecycle state of a relay session.
type State string

const (
	StateCreated     State = "created"
	StateConfiguring State = "configuring"
	StateActive      State = "active"
	StateClosing     State = "closing"
	StateClosed      State = "closed"
)

// ErrNotActive is returned by frame handlers outside the Active state.
var ErrNotActive = errors.New("relay: session not active")

const defaultGreeting = "You are now connected to the Parlance realtime relay"

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger. A session_id attribute is added.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithGreeting sets the greeting text of the connected control frame.
func WithGreeting(greeting string) Option {
	return func(s *Session) { s.greeting = greeting }
}

// WithVoice sets the synthesised output voice.
func WithVoice(voice rtproto.Voice) Option {
	return func(s *Session) { s.voice = voice }
}

// WithInstructions sets the model system instructions.
func WithInstructions(instructions string) Option {
	return func(s *Session) { s.instructions = instructions }
}

// WithTranscriptionModel sets the input audio transcription model.
func WithTranscriptionModel(model string) Option {
	return func(s *Session) { s.transcriptionModel = model }
}

// WithTurnDetection sets the turn detection policy sent at configure time.
func WithTurnDetection(td rtproto.TurnDetection) Option {
	return func(s *Session) { s.turnDetection = td }
}

// Session relays one conversation between a client connection and a backend
// connection.
type Session struct {
	id      string
	log     *slog.Logger
	metrics *observe.Metrics

	client  ClientConn
	backend Backend

	greeting           string
	voice              rtproto.Voice
	instructions       string
	transcriptionModel string
	turnDetection      rtproto.TurnDetection

	// writeMu is the writer gate: every physical write to the client socket
	// holds it. Writes block until the client drains them; a slow client
	// backpressures backend event consumption.
	writeMu sync.Mutex

	stateMu sync.Mutex
	state   State

	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewSession creates a relay session owning the given connections. The
// session id is generated; Start must be called before frames are handled.
func NewSession(client ClientConn, backend Backend, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:                 nanoid.Must(),
		log:                slog.Default(),
		client:             client,
		backend:            backend,
		greeting:           defaultGreeting,
		voice:              rtproto.VoiceCoral,
		transcriptionModel: "whisper-1",
		turnDetection:      &rtproto.ServerVAD{},
		state:              StateCreated,
		ctx:                ctx,
		cancel:             cancel,
		loopDone:           make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("session_id", s.id)
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// ID returns the generated session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) transition(from, to State) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// Start configures the backend session, emits the connected control frame,
// and spawns the backend event loop. It is called exactly once.
func (s *Session) Start(ctx context.Context) error {
	if !s.transition(StateCreated, StateConfiguring) {
		return fmt.Errorf("relay: start in state %s", s.State())
	}
	s.log.Debug("configuring backend session")

	err := s.backend.Configure(ctx, rtproto.SessionUpdateParams{
		Modalities:              []rtproto.Modality{rtproto.ModalityText, rtproto.ModalityAudio},
		Voice:                   s.voice,
		Instructions:            s.instructions,
		InputAudioFormat:        rtproto.AudioFormatPCM16,
		OutputAudioFormat:       rtproto.AudioFormatPCM16,
		InputAudioTranscription: &rtproto.InputAudioTranscription{Model: s.transcriptionModel},
		TurnDetection:           s.turnDetection,
	})
	if err != nil {
		s.Close()
		return fmt.Errorf("relay: configure backend: %w", err)
	}

	connected := newControlFrame(actionConnected)
	connected.Greeting = s.greeting
	if err := s.writeJSON(ctx, connected); err != nil {
		s.Close()
		return err
	}

	if !s.transition(StateConfiguring, StateActive) {
		return fmt.Errorf("relay: start interrupted in state %s", s.State())
	}
	s.metrics.ActiveSessions.Add(ctx, 1)
	go s.eventLoop()
	s.log.Info("session active")
	return nil
}

// HandleBinary forwards one raw PCM16 frame from the client to the backend
// audio buffer.
func (s *Session) HandleBinary(ctx context.Context, pcm []byte) error {
	if s.State() != StateActive {
		return ErrNotActive
	}
	if err := s.backend.SendAudio(ctx, pcm); err != nil {
		return fmt.Errorf("relay: forward audio: %w", err)
	}
	s.metrics.AudioBytesIn.Add(ctx, int64(len(pcm)))
	return nil
}

// HandleText dispatches one inbound text frame. Only user_message frames act:
// the text becomes a user conversation item and a model turn is requested.
// Malformed frames are logged and rejected without tearing the session down.
func (s *Session) HandleText(ctx context.Context, data []byte) error {
	if s.State() != StateActive {
		return ErrNotActive
	}
	frame, err := decodeUserMessage(data)
	if err != nil {
		s.log.Warn("rejecting client frame", "error", err)
		return err
	}
	if frame == nil {
		return nil
	}

	item := &rtproto.MessageItem{
		Role:    rtproto.RoleUser,
		Content: []rtproto.ContentPart{&rtproto.InputTextPart{Text: frame.Text}},
	}
	if err := s.backend.CreateItem(ctx, item); err != nil {
		return fmt.Errorf("relay: create user item: %w", err)
	}
	if err := s.backend.GenerateResponse(ctx, nil); err != nil {
		return fmt.Errorf("relay: request response: %w", err)
	}
	s.log.Debug("user message forwarded", "chars", len(frame.Text))
	return nil
}

// Close tears the session down: cancels the event loop, releases the backend
// connection, and settles the state machine in Closed. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.stateMu.Lock()
		prev := s.state
		s.state = StateClosing
		s.stateMu.Unlock()

		s.cancel()
		s.closeErr = s.backend.Close()

		s.stateMu.Lock()
		s.state = StateClosed
		s.stateMu.Unlock()

		if prev == StateActive {
			s.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		s.log.Info("session closed")
	})
	return s.closeErr
}

// Done is closed when the backend event loop has exited.
func (s *Session) Done() <-chan struct{} { return s.loopDone }

// eventLoop consumes backend events until the stream ends or a handler fails.
func (s *Session) eventLoop() {
	defer close(s.loopDone)

	for {
		select {
		case ev, ok := <-s.backend.Events():
			if !ok {
				if err := s.backend.Err(); err != nil {
					s.log.Error("backend connection failed", "error", err)
				}
				s.Close()
				return
			}
			if err := s.handleEvent(ev); err != nil {
				if s.ctx.Err() == nil {
					s.log.Error("event handling failed", "error", err)
				}
				s.Close()
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) handleEvent(ev rtclient.Event) error {
	switch e := ev.(type) {
	case *rtclient.ResponseEvent:
		s.metrics.BackendEvents.Add(s.ctx, 1, metric.WithAttributes(observe.Attr("type", "response")))
		return s.handleResponse(e)
	case *rtclient.InputAudioEvent:
		s.metrics.BackendEvents.Add(s.ctx, 1, metric.WithAttributes(observe.Attr("type", "input_audio")))
		return s.handleInputAudio(e)
	case *rtclient.ErrorEvent:
		s.metrics.BackendEvents.Add(s.ctx, 1, metric.WithAttributes(observe.Attr("type", "error")))
		// Backend errors are surfaced to the client verbatim; the session
		// stays active.
		s.log.Warn("backend error", "error", e.Err())
		return s.writeJSON(s.ctx, map[string]any{"type": "error", "error": e.Detail})
	default:
		s.log.Debug("ignoring backend event", "event", fmt.Sprintf("%T", ev))
		return nil
	}
}

// handleInputAudio notifies the client of a detected utterance, awaits its
// transcript, and delivers it. An unset transcript becomes the empty string.
func (s *Session) handleInputAudio(ev *rtclient.InputAudioEvent) error {
	if err := s.writeJSON(s.ctx, newControlFrame(actionSpeechStarted)); err != nil {
		return err
	}
	transcript, err := ev.Await(s.ctx)
	if err != nil {
		var detail *rtproto.ErrorDetail
		if errors.As(err, &detail) {
			s.log.Warn("transcription failed", "item_id", ev.ItemID, "error", detail)
			transcript = ""
		} else {
			return err
		}
	}
	return s.writeJSON(s.ctx, newTranscriptionFrame(ev.ItemID, transcript))
}

// writeJSON marshals v and writes it as one text frame through the writer
// gate.
func (s *Session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("relay: marshal client frame: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.client.WriteText(ctx, data); err != nil {
		return fmt.Errorf("relay: write client frame: %w", err)
	}
	s.metrics.FramesOut.Add(ctx, 1, metric.WithAttributes(observe.Attr("kind", "text")))
	return nil
}

// writeBinary writes one raw audio frame through the writer gate.
func (s *Session) writeBinary(ctx context.Context, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.client.WriteBinary(ctx, data); err != nil {
		return fmt.Errorf("relay: write audio frame: %w", err)
	}
	s.metrics.FramesOut.Add(ctx, 1, metric.WithAttributes(observe.Attr("kind", "binary")))
	s.metrics.AudioBytesOut.Add(ctx, int64(len(data)))
	return nil
}
