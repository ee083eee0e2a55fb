// Package chat answers document-grounded questions over the /chat endpoint.
//
// Each answer is assembled from three sources: document excerpts retrieved
// from the store, the session's recent conversation history, and the question
// itself. History is kept per session, bounded to the most recent turns.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parlance-dev/parlance/internal/observe"
	"github.com/parlance-dev/parlance/pkg/provider/llm"
)

// DefaultSessionID is used when a request carries no session id.
const DefaultSessionID = "default"

// maxTurns is the number of question/answer pairs retained per session.
const maxTurns = 10

// Searcher retrieves document context for a question. Implemented by
// docstore.Store.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// Turn is one completed question/answer exchange.
type Turn struct {
	Question string
	Answer   string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service answers questions using an LLM grounded on stored documents.
// Safe for concurrent use.
type Service struct {
	llm     llm.Provider
	docs    Searcher
	log     *slog.Logger
	metrics *observe.Metrics

	mu        sync.Mutex
	histories map[string][]Turn
}

// NewService creates a chat service over the given model and document store.
func NewService(provider llm.Provider, docs Searcher, opts ...Option) *Service {
	s := &Service{
		llm:       provider,
		docs:      docs,
		log:       slog.Default(),
		histories: make(map[string][]Turn),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Answer resolves one question for the given session. The answer is appended
// to the session history before returning.
func (s *Service) Answer(ctx context.Context, sessionID, question string) (string, error) {
	if question == "" {
		return "", fmt.Errorf("chat: empty question")
	}
	if sessionID == "" {
		sessionID = DefaultSessionID
	}
	start := time.Now()

	searchStart := time.Now()
	docContext, err := s.docs.Search(ctx, question)
	if err != nil {
		return "", fmt.Errorf("chat: search documents: %w", err)
	}
	observe.RecordDuration(ctx, s.metrics.SearchDuration, searchStart)

	history := s.history(sessionID)
	prompt := buildPrompt(docContext, history, question)
	s.log.Debug("prompt assembled",
		"session_id", sessionID,
		"history_turns", len(history),
		"context_chars", len(docContext),
	)

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("chat: completion: %w", err)
	}

	s.appendTurn(sessionID, Turn{Question: question, Answer: resp.Content})
	observe.RecordDuration(ctx, s.metrics.ChatDuration, start,
		observe.Attr("model", s.llm.ModelID()))
	return resp.Content, nil
}

// History returns a copy of the session's retained turns.
func (s *Service) History(sessionID string) []Turn {
	if sessionID == "" {
		sessionID = DefaultSessionID
	}
	return s.history(sessionID)
}

func (s *Service) history(sessionID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.histories[sessionID]...)
}

func (s *Service) appendTurn(sessionID string, turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := append(s.histories[sessionID], turn)
	if len(history) > maxTurns {
		history = history[len(history)-maxTurns:]
	}
	s.histories[sessionID] = history
}

// buildPrompt lays the prompt out as: document excerpts preamble when context
// exists, then the conversation so far, then the question. Without context or
// history the question passes through bare.
func buildPrompt(docContext string, history []Turn, question string) string {
	var conversation string
	if len(history) > 0 {
		lines := make([]string, len(history))
		for i, t := range history {
			lines[i] = fmt.Sprintf("User: %s\nAssistant: %s", t.Question, t.Answer)
		}
		conversation = strings.Join(lines, "\n")
	}

	if docContext != "" {
		prompt := "Use the following document excerpts to answer the question.\n\n" +
			docContext + "\n\n"
		if conversation != "" {
			return prompt + fmt.Sprintf("%s\nUser: %s\nAssistant:", conversation, question)
		}
		return prompt + fmt.Sprintf("Question: %s\nAnswer:", question)
	}

	if conversation != "" {
		return fmt.Sprintf("%s\nUser: %s\nAssistant:", conversation, question)
	}
	return question
}
