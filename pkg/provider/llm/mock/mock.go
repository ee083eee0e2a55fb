// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify the CompletionRequests the chat
// service builds and to feed controlled replies without a live backend.
package mock

import (
	"context"
	"sync"

	"github.com/parlance-dev/parlance/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider. Zero-value response
// fields make methods return zero values and nil errors; set Err fields to
// inject failures.
type Provider struct {
	mu sync.Mutex

	// CompleteResponse is returned by Complete. CompleteFunc, when set, takes
	// precedence and derives the response from the request.
	CompleteResponse *llm.CompletionResponse
	CompleteFunc     func(req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// StreamChunks is the chunk sequence emitted on the channel returned by
	// StreamCompletion; all chunks are sent before the channel closes.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned from StreamCompletion instead of a
	// channel.
	StreamErr error

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// CompleteCalls records every call to Complete in order.
	CompleteCalls []CompleteCall

	// StreamCalls records every call to StreamCompletion in order.
	StreamCalls []StreamCall
}

// Complete records the call and returns the configured response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	fn := p.CompleteFunc
	resp, err := p.CompleteResponse, p.CompleteErr
	p.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &llm.CompletionResponse{}, nil
	}
	return resp, nil
}

// StreamCompletion records the call and emits StreamChunks on a fresh
// channel, respecting ctx cancellation.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	chunks := append([]llm.Chunk(nil), p.StreamChunks...)
	err := p.StreamErr
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.StreamCalls = nil
}

var _ llm.Provider = (*Provider)(nil)
