package config

import (
	"errors"
	"fmt"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/parlance-dev/parlance/pkg/provider/embeddings"
	embedollama "github.com/parlance-dev/parlance/pkg/provider/embeddings/ollama"
	embedopenai "github.com/parlance-dev/parlance/pkg/provider/embeddings/openai"
	"github.com/parlance-dev/parlance/pkg/provider/llm"
	"github.com/parlance-dev/parlance/pkg/provider/llm/anyllm"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]func(ProviderEntry) (llm.Provider, error)
	embeddings map[string]func(ProviderEntry) (embeddings.Provider, error)
}

// NewRegistry returns an empty [Registry]. Most callers want
// [DefaultRegistry] instead.
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]func(ProviderEntry) (llm.Provider, error)),
		embeddings: make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
	}
}

// DefaultRegistry returns a Registry with the built-in providers registered:
// every any-llm-go backend for LLMs, and openai plus ollama for embeddings.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	for _, name := range ValidProviderNames["llm"] {
		name := name
		r.RegisterLLM(name, func(entry ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	r.RegisterEmbeddings("openai", func(entry ProviderEntry) (embeddings.Provider, error) {
		var opts []embedopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, embedopenai.WithBaseURL(entry.BaseURL))
		}
		return embedopenai.New(entry.APIKey, entry.Model, opts...)
	})
	r.RegisterEmbeddings("ollama", func(entry ProviderEntry) (embeddings.Provider, error) {
		return embedollama.New(entry.BaseURL, entry.Model)
	})

	return r
}

// RegisterLLM registers an LLM provider factory under name. Subsequent calls
// with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] for unknown names.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
