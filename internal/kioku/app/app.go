// Package app wires the Kioku subsystems together and owns their lifecycle:
// construction, the run loop, and ordered teardown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/gateway"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
	"github.com/bdobrica/Kioku/internal/kioku/policy"
)

// Config holds the full application configuration. Every field has a default
// applied by DefaultConfig; main fills it from the environment.
type Config struct {
	// Host and Port are the proxy's listen address.
	Host string
	Port int

	// UpstreamURL is the base URL of the chat-completion server being
	// proxied.
	UpstreamURL string

	// ChatPath and GeneratePath are the intercepted endpoints.
	ChatPath     string
	GeneratePath string

	// UpstreamTimeout bounds one upstream call end to end, including
	// streaming the full response.
	UpstreamTimeout time.Duration

	// EmbedBaseURL, EmbedModel, EmbedAPIKey, and EmbedTimeout configure the
	// OpenAI-compatible embeddings client.
	EmbedBaseURL string
	EmbedModel   string
	EmbedAPIKey  string
	EmbedTimeout time.Duration

	// EmbedDim is the fixed vector dimension of the index. A snapshot loaded
	// at startup wins over this value when they disagree.
	EmbedDim int

	// EmbedCacheMB is the embedding cache budget in MiB. Zero disables the
	// cache.
	EmbedCacheMB int

	// SimilarityThreshold is the minimum score for a memory to be injected,
	// in [0, 1].
	SimilarityThreshold float64

	// TopK is the maximum number of search results per query.
	TopK int

	// MaxContextItems and MaxContextChars bound the injected context block.
	MaxContextItems int
	MaxContextChars int

	// StorageDir holds the durable snapshot (or sqlite database).
	StorageDir string

	// StoreBackend selects the persistence backend: "snapshot" (default) or
	// "sqlite".
	StoreBackend string

	// FlushInterval is the periodic snapshot cadence.
	FlushInterval time.Duration

	// IngestQueueSize caps the background ingestion queue.
	IngestQueueSize int

	// AdminAddr is the optional admin listener ("host:port"). Empty disables
	// it. The admin endpoints never share the proxied listener, which stays
	// fully passthrough.
	AdminAddr string

	// PolicyFile is an optional YAML memory-policy document. Empty uses the
	// built-in defaults.
	PolicyFile string
}

// DefaultConfig returns the configuration used when no environment overrides
// are present.
func DefaultConfig() Config {
	return Config{
		Host:                "0.0.0.0",
		Port:                11435,
		UpstreamURL:         "http://127.0.0.1:11434",
		ChatPath:            gateway.DefaultChatPath,
		GeneratePath:        gateway.DefaultGeneratePath,
		UpstreamTimeout:     gateway.DefaultUpstreamTimeout,
		EmbedBaseURL:        "http://127.0.0.1:11434/v1",
		EmbedModel:          "all-minilm",
		EmbedTimeout:        30 * time.Second,
		EmbedDim:            384,
		EmbedCacheMB:        32,
		SimilarityThreshold: 0.3,
		TopK:                5,
		MaxContextItems:     memory.DefaultMaxContextItems,
		MaxContextChars:     memory.DefaultMaxContextChars,
		StorageDir:          "./kioku_data",
		StoreBackend:        "snapshot",
		FlushInterval:       memory.DefaultFlushInterval,
		IngestQueueSize:     memory.DefaultQueueSize,
	}
}

// Validate rejects configurations that cannot work, with messages precise
// enough to fix the offending variable.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d is outside [1, 65535]", c.Port)
	}
	if _, err := url.Parse(c.UpstreamURL); err != nil {
		return fmt.Errorf("upstream URL %q: %w", c.UpstreamURL, err)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold %v is outside [0, 1]", c.SimilarityThreshold)
	}
	if c.TopK < 1 {
		return fmt.Errorf("top-k must be a positive integer, got %d", c.TopK)
	}
	if c.EmbedDim < 1 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.EmbedDim)
	}
	if c.StoreBackend != "snapshot" && c.StoreBackend != "sqlite" {
		return fmt.Errorf("store backend %q is not one of snapshot, sqlite", c.StoreBackend)
	}
	return nil
}

// App is the assembled Kioku process: the memory store, the ingestion runner,
// the proxy server, and the optional admin server, constructed once at
// startup and passed by reference — no ambient singletons.
type App struct {
	config       Config
	store        *memory.Store
	runner       *memory.Runner
	server       *http.Server
	admin        *AdminServer
	cache        *memory.CachedEmbedder
	runnerCtx    context.Context
	runnerCancel context.CancelFunc
}

// New constructs the application, bringing each subsystem up in dependency
// order. Construction failures abort startup; a corrupt saved state does not
// (the store warns and starts empty).
func New(cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// Memory policy: file-driven or built-in.
	pol := policy.Default()
	if cfg.PolicyFile != "" {
		loaded, err := policy.Load(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("load policy: %w", err)
		}
		pol = loaded
		slog.Info("memory policy loaded", "path", cfg.PolicyFile)
	}

	// Persistence backend.
	var persister memory.Persister
	var err error
	switch cfg.StoreBackend {
	case "sqlite":
		persister, err = memory.NewSQLitePersister(cfg.StorageDir, slog.Default())
	default:
		persister, err = memory.NewFilePersister(cfg.StorageDir, slog.Default())
	}
	if err != nil {
		return nil, fmt.Errorf("open persistence backend: %w", err)
	}

	store, err := memory.NewStore(context.Background(), cfg.EmbedDim, persister, slog.Default())
	if err != nil {
		persister.Close()
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	slog.Info("memory store ready",
		"backend", cfg.StoreBackend,
		"records", store.Len(),
		"dimension", store.Dimension())

	// Embedder, optionally wrapped in the cost-bounded cache.
	var embedder memory.Embedder = memory.NewOpenAIEmbedder(memory.OpenAIEmbedderConfig{
		BaseURL: cfg.EmbedBaseURL,
		Model:   cfg.EmbedModel,
		APIKey:  cfg.EmbedAPIKey,
		Timeout: cfg.EmbedTimeout,
	})
	var cache *memory.CachedEmbedder
	if cfg.EmbedCacheMB > 0 {
		cache, err = memory.NewCachedEmbedder(embedder, int64(cfg.EmbedCacheMB)*1024*1024, slog.Default())
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("embedding cache: %w", err)
		}
		embedder = cache
		slog.Info("embedding cache ready", "budget_mb", cfg.EmbedCacheMB)
	}
	slog.Info("embedder ready", "model", cfg.EmbedModel, "endpoint", cfg.EmbedBaseURL)

	// Ingestion pipeline and its single-writer runner.
	pipeline := memory.NewPipeline(store, embedder, memory.IngestFilter{
		MinUserChars:      pol.MinUserChars,
		MinAssistantChars: pol.MinAssistantChars,
		SkipPhrases:       pol.SkipPhrases,
	}, slog.Default())
	runner := memory.NewRunner(pipeline, store, cfg.IngestQueueSize, cfg.FlushInterval, slog.Default())
	slog.Info("ingestion runner ready",
		"queue_capacity", cfg.IngestQueueSize,
		"flush_interval", cfg.FlushInterval.String())

	// Gateway and the proxy server.
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("parse upstream URL: %w", err)
	}
	injector := memory.NewInjector(memory.InjectorConfig{
		BasePrompt: pol.BasePrompt,
		MaxItems:   cfg.MaxContextItems,
		MaxChars:   cfg.MaxContextChars,
	})
	gw := gateway.New(gateway.Config{
		Upstream:        upstream,
		ChatPath:        cfg.ChatPath,
		GeneratePath:    cfg.GeneratePath,
		UpstreamTimeout: cfg.UpstreamTimeout,
		TopK:            cfg.TopK,
		Threshold:       cfg.SimilarityThreshold,
	}, store, embedder, injector, runner, slog.Default())

	mux := http.NewServeMux()
	gw.RegisterRoutes(mux)
	server := &http.Server{
		Handler: mux,
		// No write timeout: streamed completions legitimately outlive any
		// fixed budget. The upstream client carries its own.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	slog.Info("gateway ready",
		"upstream", cfg.UpstreamURL,
		"chat_path", cfg.ChatPath,
		"generate_path", cfg.GeneratePath)

	// Optional admin server on its own listener.
	var admin *AdminServer
	if cfg.AdminAddr != "" {
		admin = NewAdminServer(cfg.AdminAddr, store, runner)
		slog.Info("admin server configured", "addr", cfg.AdminAddr)
	}

	runnerCtx, runnerCancel := context.WithCancel(context.Background())

	return &App{
		config:       cfg,
		store:        store,
		runner:       runner,
		server:       server,
		admin:        admin,
		cache:        cache,
		runnerCtx:    runnerCtx,
		runnerCancel: runnerCancel,
	}, nil
}

// Run starts the listeners and the ingestion runner, then blocks until an
// interrupt or termination signal arrives.
func (a *App) Run() error {
	addr := fmt.Sprintf("%s:%d", a.config.Host, a.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	go func() {
		slog.Info("proxy listening", "addr", ln.Addr().String(), "upstream", a.config.UpstreamURL)
		if err := a.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("proxy server stopped", "err", err)
		}
	}()

	go a.runner.Run(a.runnerCtx)

	if a.admin != nil {
		if err := a.admin.Start(a.runnerCtx); err != nil {
			slog.Warn("admin server failed to start; continuing without it", "err", err)
		}
	}

	slog.Info("kioku is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop tears the application down in reverse order: stop accepting requests,
// drain pending ingestions, flush, and close the store.
func (a *App) Stop() {
	slog.Info("stopping proxy server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("proxy shutdown error", "err", err)
	}

	if a.admin != nil {
		slog.Info("stopping admin server")
		a.admin.Stop()
	}

	slog.Info("draining ingestion queue")
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDrain()
	a.runner.Stop(drainCtx)
	a.runnerCancel()

	if a.cache != nil {
		a.cache.Close()
	}

	slog.Info("closing memory store")
	if err := a.store.Close(); err != nil {
		slog.Warn("store close error", "err", err)
	}
}
