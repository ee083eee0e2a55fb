// Package server exposes the Parlance HTTP surface: the /realtime WebSocket
// endpoint, document upload and chat endpoints, health probes, and the
// Prometheus scrape endpoint.
//
// Construction follows an inject-or-default pattern: New takes the wired
// subsystems (chat service, document store, backend dialer) and functional
// options supply test doubles. Handler returns the full route tree so tests
// can drive it through httptest without binding a port.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parlance-dev/parlance/internal/chat"
	"github.com/parlance-dev/parlance/internal/config"
	"github.com/parlance-dev/parlance/internal/extract"
	"github.com/parlance-dev/parlance/internal/health"
	"github.com/parlance-dev/parlance/internal/observe"
)

// maxUploadBytes caps the size of an uploaded document.
const maxUploadBytes = 32 << 20 // 32 MiB

// shutdownTimeout bounds graceful shutdown of in-flight requests.
const shutdownTimeout = 10 * time.Second

// DocumentStore is the document persistence layer the upload and chat
// endpoints use. Implemented by docstore.Store.
type DocumentStore interface {
	Replace(ctx context.Context, text string) (int, error)
	Ping(ctx context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithBackendDialer overrides how /realtime connects to the inference
// backend. Tests inject fakes here.
func WithBackendDialer(d BackendDialer) Option {
	return func(s *Server) { s.dialBackend = d }
}

// Server holds the HTTP surface and its dependencies.
type Server struct {
	cfg     *config.Config
	chat    *chat.Service
	docs    DocumentStore
	log     *slog.Logger
	metrics *observe.Metrics

	dialBackend BackendDialer
	httpSrv     *http.Server
}

// New creates a Server. The chat service and document store may be nil when
// the corresponding endpoints are not configured; their routes then answer
// 503.
func New(cfg *config.Config, chatSvc *chat.Service, docs DocumentStore, opts ...Option) *Server {
	s := &Server{
		cfg:  cfg,
		chat: chatSvc,
		docs: docs,
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.dialBackend == nil {
		s.dialBackend = configDialer(cfg.Backend, s.log)
	}
	return s
}

// Handler builds the full route tree wrapped in the observability and CORS
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /realtime", s.handleRealtime)
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.Handle("GET /metrics", promhttp.Handler())

	checkers := make([]health.Checker, 0, 2)
	if s.docs != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: s.docs.Ping})
	}
	checkers = append(checkers, health.Checker{Name: "llm", Check: func(context.Context) error {
		if s.chat == nil {
			return errors.New("no completion provider configured")
		}
		return nil
	}})
	health.New(checkers...).Register(mux)

	return observe.Middleware(s.metrics)(allowAllCORS(mux))
}

// Run serves HTTP (or HTTPS when TLS is configured) until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := s.cfg.Server.TLS; tls != nil {
			err = s.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		errCh <- err
	}()
	s.log.Info("server listening", "addr", s.cfg.Server.ListenAddr, "tls", s.cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// ─── Upload ──────────────────────────────────────────────────────────────────

// uploadResponse is the JSON body returned by a successful /upload.
type uploadResponse struct {
	Filename string `json:"filename"`
	Chunks   int    `json:"chunks"`
}

// handleUpload ingests one document: multipart "file" part, text extraction
// by extension, then a full replace of the stored document.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.docs == nil {
		writeError(w, http.StatusServiceUnavailable, "document store not configured")
		return
	}
	start := time.Now()

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file part")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read file: "+err.Error())
		return
	}

	text, err := extract.Extract(header.Filename, data)
	if err != nil {
		var unsupported *extract.UnsupportedTypeError
		if errors.As(err, &unsupported) {
			writeError(w, http.StatusUnsupportedMediaType, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := s.docs.Replace(r.Context(), text)
	if err != nil {
		s.log.Error("document replace failed", "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "store document failed")
		return
	}

	s.metrics.UploadDuration.Record(r.Context(), time.Since(start).Seconds())
	s.log.Info("document uploaded", "filename", header.Filename, "chunks", n)
	writeJSON(w, http.StatusOK, uploadResponse{Filename: header.Filename, Chunks: n})
}

// ─── Chat ────────────────────────────────────────────────────────────────────

type chatRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
}

type chatResponse struct {
	Response string `json:"response"`
}

// handleChat answers one document-grounded question.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		writeError(w, http.StatusServiceUnavailable, "chat service not configured")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	answer, err := s.chat.Answer(r.Context(), req.SessionID, req.Prompt)
	if err != nil {
		s.log.Error("chat completion failed", "error", err)
		writeError(w, http.StatusBadGateway, "completion failed")
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Response: answer})
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// allowAllCORS mirrors the permissive browser policy of the reference
// deployment: any origin, any method, any header.
func allowAllCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
