package memory

import "context"

// Embedder maps text to a fixed-dimension vector. The production
// implementation calls an OpenAI-compatible embeddings endpoint
// (embedder_openai.go); tests substitute deterministic stubs.
//
// The embedding contract promises unit-normalized vectors; the store still
// verifies the norm defensively on ingest.
type Embedder interface {
	// Embed produces a vector embedding for the given text.
	// Returns nil with no error for empty text.
	Embed(ctx context.Context, text string) ([]float32, error)
}
