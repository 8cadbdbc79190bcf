package driven

import (
	"context"
)

// EmbeddingService generates text embeddings
type EmbeddingService interface {
	// Embed generates embeddings for multiple texts
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a search query
	// May use different model/parameters optimized for queries
	EmbedQuery(ctx context.Context, query string) ([]float32, error)

	// Dimensions returns the embedding dimension size
	Dimensions() int

	// Model returns the model name being used
	Model() string

	// HealthCheck verifies the embedding service is available
	HealthCheck(ctx context.Context) error

	// Close releases resources held by the embedding service
	Close() error
}

// Tokenizer counts and slices text by encoder tokens. Token offsets map
// back into the source string so chunk character spans stay accurate.
type Tokenizer interface {
	// Name identifies the tokenizer for caching and profile matching.
	Name() string

	// Count returns the token count for text.
	Count(text string) int

	// Encode splits text into tokens with byte offsets, without special
	// tokens.
	Encode(text string) []Token
}

// Token is one encoder token with its span in the source text.
type Token struct {
	Text  string
	Start int
	End   int
}
