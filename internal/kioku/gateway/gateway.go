// Package gateway implements Kioku's proxy front: it intercepts the chat and
// generate endpoints to run the retrieval → injection → forward → stream-back
// pipeline, schedules background ingestion once a response has been fully
// delivered, and forwards every other path to the upstream server unchanged.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/memory"
)

// DefaultChatPath and DefaultGeneratePath are the intercepted endpoints of
// the Ollama wire protocol.
const (
	DefaultChatPath     = "/api/chat"
	DefaultGeneratePath = "/api/generate"
)

// DefaultUpstreamTimeout is the end-to-end budget for one upstream call,
// including streaming the full response body.
const DefaultUpstreamTimeout = 300 * time.Second

// memorySearcher is the read side of the store the gateway needs.
type memorySearcher interface {
	Len() int
	Search(query []float32, k int, threshold float64) ([]memory.SearchResult, error)
	Resolve(ids []int64) []memory.MemoryRecord
}

// embedder produces the query vector for retrieval.
type embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ingestScheduler accepts completed exchanges for background ingestion.
type ingestScheduler interface {
	Schedule(ex memory.Exchange) bool
}

// Config holds the gateway's tunables.
type Config struct {
	// Upstream is the base URL of the chat-completion server being proxied.
	Upstream *url.URL

	// ChatPath and GeneratePath are the intercepted endpoints. Default to
	// /api/chat and /api/generate.
	ChatPath     string
	GeneratePath string

	// UpstreamTimeout bounds one upstream call end to end. Defaults to 300 s.
	UpstreamTimeout time.Duration

	// TopK and Threshold parameterize retrieval.
	TopK      int
	Threshold float64
}

// Gateway is the HTTP front of the proxy. It holds no mutable state of its
// own; the memory store is the only shared resource and is reached through
// narrow read-only interfaces.
type Gateway struct {
	cfg       Config
	store     memorySearcher
	embedder  embedder
	injector  *memory.Injector
	scheduler ingestScheduler
	client    *http.Client
	logger    *slog.Logger
}

// New creates a Gateway. The store, embedder, injector, and scheduler are the
// four collaborators of the retrieval/ingestion pipeline; pass the app's
// constructed instances.
func New(cfg Config, store memorySearcher, emb embedder, injector *memory.Injector, scheduler ingestScheduler, logger *slog.Logger) *Gateway {
	if cfg.ChatPath == "" {
		cfg.ChatPath = DefaultChatPath
	}
	if cfg.GeneratePath == "" {
		cfg.GeneratePath = DefaultGeneratePath
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:       cfg,
		store:     store,
		embedder:  emb,
		injector:  injector,
		scheduler: scheduler,
		client:    &http.Client{Timeout: cfg.UpstreamTimeout},
		logger:    logger,
	}
}

// RegisterRoutes mounts the gateway's handlers: the two intercepted endpoints
// and the catch-all passthrough.
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(g.cfg.ChatPath, g.handleChat)
	mux.HandleFunc(g.cfg.GeneratePath, g.handleGenerate)
	mux.HandleFunc("/", g.handlePassthrough)
}
