package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/ristretto"
)

// CachedEmbedder decorates an Embedder with a cost-bounded in-memory cache.
// Query texts repeat across a session (the same question re-asked, retried
// clients, the ingest path re-embedding a just-searched user message), and
// the embedding call dominates per-query cost, so cache hits remove the
// single largest latency contributor from the retrieval path.
//
// Entries are costed by their vector byte size so the cache budget maps
// directly to memory use.
type CachedEmbedder struct {
	inner  Embedder
	cache  *ristretto.Cache
	logger *slog.Logger
}

// NewCachedEmbedder wraps inner with a cache holding at most maxBytes of
// vectors. maxBytes must be positive; callers disable caching by not
// wrapping.
func NewCachedEmbedder(inner Embedder, maxBytes int64, logger *slog.Logger) (*CachedEmbedder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		// Rule of thumb from the ristretto docs: counters at ~10x the
		// expected entry count. Vectors are ~1.5 KiB each.
		NumCounters: maxBytes / 128,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedder cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: cache, logger: logger}, nil
}

// Embed returns the cached vector for text when present, otherwise delegates
// to the wrapped embedder and caches the result. Failures are never cached.
func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}

	if v, ok := e.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			e.logger.Debug("embedder cache: hit", "text_len", len(text))
			return vec, nil
		}
	}

	vec, err := e.inner.Embed(ctx, text)
	if err != nil || vec == nil {
		return vec, err
	}

	e.cache.Set(text, vec, int64(len(vec)*4))
	return vec, nil
}

// Close releases the cache's internal goroutines.
func (e *CachedEmbedder) Close() {
	e.cache.Close()
}

// Compile-time interface satisfaction check.
var _ Embedder = (*CachedEmbedder)(nil)
