// Package embedding maps text to fixed-width dense vectors and provides the
// similarity and token helpers used by the memory store.
package embedding

import "context"

// DefaultDimension is the deployment-wide vector width (GTE-small family).
// Changing it requires re-embedding every active memory.
const DefaultDimension = 384

// Embedder defines the interface for generating text embeddings.
type Embedder interface {
	// Embed generates an embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the name of the embedding model being used.
	Model() string

	// Dimension returns the dimension of the embedding vectors.
	Dimension() int
}
