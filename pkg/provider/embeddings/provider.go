// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// An embeddings provider maps text to dense float32 vectors. The document
// store uses these vectors to index uploaded document chunks and to retrieve
// the chunks most relevant to a chat question.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by one Provider instance share the dimensionality
// reported by Dimensions. Vectors from different Provider instances must not
// be compared unless the caller has verified both use the same model.
type Provider interface {
	// Embed computes the embedding vector for a single text. The result has
	// length Dimensions(). Text is passed to the model verbatim; any
	// model-specific prefixing is the caller's concern.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds a slice of texts in one provider call. The returned
	// slice has the same length as texts, index-aligned. On error no partial
	// results are returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length produced by this provider.
	// Constant for the lifetime of the instance.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, for logging and
	// for checking that the store schema matches the configured model.
	ModelID() string
}
