package main

import (
	"fmt"
	"os"

	"github.com/bdobrica/Kioku/common/environment"
	"github.com/bdobrica/Kioku/common/version"
	"github.com/bdobrica/Kioku/internal/kioku/app"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
)

func main() {
	fmt.Printf("Kioku Memory Proxy\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	observability.Setup(
		environment.StringOr("KIOKU_LOG_LEVEL", "info"),
		environment.StringOr("KIOKU_LOG_FORMAT", "text"),
	)

	config := loadConfig()
	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	kioku, err := app.New(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Kioku: %v\n", err)
		os.Exit(1)
	}
	defer kioku.Stop()

	if err := kioku.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Kioku: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig fills the application configuration from KIOKU_* environment
// variables, falling back to the defaults for anything unset.
func loadConfig() app.Config {
	d := app.DefaultConfig()
	return app.Config{
		Host:                environment.StringOr("KIOKU_HOST", d.Host),
		Port:                environment.IntOr("KIOKU_PORT", d.Port),
		UpstreamURL:         environment.StringOr("KIOKU_UPSTREAM_URL", d.UpstreamURL),
		ChatPath:            environment.StringOr("KIOKU_CHAT_PATH", d.ChatPath),
		GeneratePath:        environment.StringOr("KIOKU_GENERATE_PATH", d.GeneratePath),
		UpstreamTimeout:     environment.DurationOr("KIOKU_UPSTREAM_TIMEOUT", d.UpstreamTimeout),
		EmbedBaseURL:        environment.StringOr("KIOKU_EMBED_URL", d.EmbedBaseURL),
		EmbedModel:          environment.StringOr("KIOKU_EMBED_MODEL", d.EmbedModel),
		EmbedAPIKey:         environment.StringOr("KIOKU_EMBED_API_KEY", d.EmbedAPIKey),
		EmbedTimeout:        environment.DurationOr("KIOKU_EMBED_TIMEOUT", d.EmbedTimeout),
		EmbedDim:            environment.IntOr("KIOKU_EMBED_DIM", d.EmbedDim),
		EmbedCacheMB:        environment.IntOr("KIOKU_EMBED_CACHE_MB", d.EmbedCacheMB),
		SimilarityThreshold: environment.Float64Or("KIOKU_SIMILARITY_THRESHOLD", d.SimilarityThreshold),
		TopK:                environment.IntOr("KIOKU_TOP_K", d.TopK),
		MaxContextItems:     environment.IntOr("KIOKU_MAX_CONTEXT_ITEMS", d.MaxContextItems),
		MaxContextChars:     environment.IntOr("KIOKU_MAX_CONTEXT_CHARS", d.MaxContextChars),
		StorageDir:          environment.StringOr("KIOKU_STORAGE_DIR", d.StorageDir),
		StoreBackend:        environment.StringOr("KIOKU_STORE_BACKEND", d.StoreBackend),
		FlushInterval:       environment.DurationOr("KIOKU_FLUSH_INTERVAL", d.FlushInterval),
		IngestQueueSize:     environment.IntOr("KIOKU_INGEST_QUEUE", d.IngestQueueSize),
		AdminAddr:           environment.StringOr("KIOKU_ADMIN_ADDR", d.AdminAddr),
		PolicyFile:          environment.StringOr("KIOKU_POLICY_FILE", d.PolicyFile),
	}
}
