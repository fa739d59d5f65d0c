package embedding

import "context"

// Model is the contract an embedding model implements. Models advertise
// their identifier and output dimension; the pipeline validates the result
// against the store's declared dimension.
type Model interface {
	// Name returns the model identifier recorded in cache entries and
	// memory metadata
	Name() string

	// Dimensions returns the advertised output dimension
	Dimensions() int

	// Embed generates an embedding for the given text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in one call
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}
