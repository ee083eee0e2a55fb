package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/parlance-dev/parlance/internal/config"
	"github.com/parlance-dev/parlance/internal/relay"
	"github.com/parlance-dev/parlance/pkg/rtclient"
	"github.com/parlance-dev/parlance/pkg/rtproto"
)

// BackendDialer opens one backend realtime connection per relay session.
type BackendDialer func(ctx context.Context) (relay.Backend, error)

// rtclient.Client must satisfy the relay's view of a backend connection.
var _ relay.Backend = (*rtclient.Client)(nil)

// configDialer builds the production dialer from the backend config.
func configDialer(cfg config.BackendConfig, log *slog.Logger) BackendDialer {
	return func(ctx context.Context) (relay.Backend, error) {
		opts := []rtclient.Option{rtclient.WithLogger(log)}
		switch cfg.Provider {
		case config.BackendAzure:
			opts = append(opts, rtclient.WithAzure(cfg.Endpoint, cfg.Deployment, cfg.APIKey))
		default:
			opts = append(opts, rtclient.WithOpenAI(cfg.APIKey))
			if cfg.Model != "" {
				opts = append(opts, rtclient.WithModel(cfg.Model))
			}
		}
		return rtclient.Dial(ctx, opts...)
	}
}

// wsClientConn adapts a coder/websocket connection to the relay's client
// write side.
type wsClientConn struct {
	conn *websocket.Conn
}

func (c *wsClientConn) WriteText(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsClientConn) WriteBinary(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, data)
}

// handleRealtime upgrades the request to a WebSocket and runs one relay
// session for the lifetime of the connection. Binary frames carry PCM16
// audio; text frames carry the client JSON schema.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session ended")

	ctx := r.Context()
	backend, err := s.dialBackend(ctx)
	if err != nil {
		s.log.Error("backend dial failed", "error", err)
		conn.Close(websocket.StatusInternalError, "backend unavailable")
		return
	}

	session := relay.NewSession(&wsClientConn{conn: conn}, backend, s.sessionOptions()...)
	defer session.Close()

	if err := session.Start(ctx); err != nil {
		s.log.Error("session start failed", "error", err)
		conn.Close(websocket.StatusInternalError, "backend configuration failed")
		return
	}
	log := s.log.With("session_id", session.ID())
	log.Info("realtime connection established", "remote", r.RemoteAddr)

	readErr := make(chan error, 1)
	go func() { readErr <- s.readClientFrames(ctx, conn, session) }()

	select {
	case err := <-readErr:
		if err != nil && ctx.Err() == nil {
			log.Info("client connection ended", "error", err)
		}
	case <-session.Done():
		log.Info("backend stream ended")
	case <-ctx.Done():
	}

	session.Close()
	conn.Close(websocket.StatusNormalClosure, "")
}

// readClientFrames pumps inbound frames into the session until the socket or
// the session ends. Frame-level failures (malformed JSON, unsupported types)
// are rejected without ending the loop.
func (s *Server) readClientFrames(ctx context.Context, conn *websocket.Conn, session *relay.Session) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			err = session.HandleBinary(ctx, data)
		case websocket.MessageText:
			err = session.HandleText(ctx, data)
		}
		if err != nil {
			if session.State() != relay.StateActive {
				return err
			}
			s.log.Warn("client frame rejected", "error", err)
		}
	}
}

// sessionOptions maps the realtime config onto relay session options.
func (s *Server) sessionOptions() []relay.Option {
	rt := s.cfg.Realtime
	opts := []relay.Option{
		relay.WithLogger(s.log),
		relay.WithMetrics(s.metrics),
		relay.WithTurnDetection(turnDetectionPolicy(rt.VAD)),
	}
	if rt.Voice != "" {
		opts = append(opts, relay.WithVoice(rtproto.Voice(rt.Voice)))
	}
	if rt.Greeting != "" {
		opts = append(opts, relay.WithGreeting(rt.Greeting))
	}
	if rt.Instructions != "" {
		opts = append(opts, relay.WithInstructions(rt.Instructions))
	}
	if rt.TranscriptionModel != "" {
		opts = append(opts, relay.WithTranscriptionModel(rt.TranscriptionModel))
	}
	return opts
}

// turnDetectionPolicy converts the VAD config into the wire policy.
func turnDetectionPolicy(vad config.VADConfig) rtproto.TurnDetection {
	if vad.Disabled {
		return &rtproto.NoTurnDetection{}
	}
	policy := &rtproto.ServerVAD{Threshold: vad.Threshold}
	if vad.PrefixPaddingMs > 0 {
		policy.PrefixPaddingMs = &vad.PrefixPaddingMs
	}
	if vad.SilenceDurationMs > 0 {
		policy.SilenceDurationMs = &vad.SilenceDurationMs
	}
	return policy
}
