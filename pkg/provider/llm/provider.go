// Package llm defines the Provider interface for large language model
// backends.
//
// An LLM provider wraps a remote or local model API behind a uniform
// completion interface, so the chat service can answer document-grounded
// questions without coupling to any specific SDK.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion are closed by the implementation when the stream ends or
// the supplied context is cancelled.
package llm

import "context"

// Message is a single entry in a conversation history. Role is one of
// "system", "user", or "assistant".
type Message struct {
	Role    string
	Content string
}

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history; the last message drives
	// the response.
	Messages []Message

	// SystemPrompt is an optional instruction injected before the
	// conversation. Providers without a dedicated system slot prepend it as a
	// system-role message.
	SystemPrompt string

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int
}

// Chunk is one fragment emitted by a streaming completion. FinishReason is
// set on the final chunk: "stop", "length", or "error" (with the error text
// in Text).
type Chunk struct {
	Text         string
	FinishReason string
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
//
// Methods must propagate context cancellation promptly: when ctx is cancelled
// the method returns, or closes its channel, as quickly as possible.
type Provider interface {
	// Complete sends req and waits for the full reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// StreamCompletion sends req and returns a channel emitting chunks as
	// they arrive. The channel is closed when generation finishes or ctx is
	// cancelled; callers must drain it. Errors after the stream opens arrive
	// as a Chunk with FinishReason "error". The returned channel is never nil
	// when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// ModelID returns the backend model identifier, for logging.
	ModelID() string
}
