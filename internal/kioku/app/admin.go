package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdobrica/Kioku/common/version"
	"github.com/bdobrica/Kioku/internal/kioku/memory"
)

// memoryStatus is the minimal interface the admin server needs from the
// store.
type memoryStatus interface {
	Stats() memory.Stats
	Backend() string
	LastFlush() time.Time
}

// ingestStatus is the minimal interface the admin server needs from the
// ingestion runner.
type ingestStatus interface {
	QueueDepth() int
}

// AdminServer exposes /health and /status on a dedicated listener, kept
// separate from the proxied one so the proxy surface stays fully
// passthrough. It is optional; Kioku runs without it when AdminAddr is
// empty.
type AdminServer struct {
	addr      string
	store     memoryStatus
	ingest    ingestStatus
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
}

// healthResponse is returned by GET /health.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// statusResponse is returned by GET /status.
type statusResponse struct {
	Status           string    `json:"status"`
	Version          string    `json:"version"`
	Commit           string    `json:"commit"`
	BuildTime        string    `json:"build_time"`
	StartedAt        time.Time `json:"started_at"`
	UptimeSecs       float64   `json:"uptime_seconds"`
	Backend          string    `json:"backend"`
	Records          int       `json:"records"`
	Dimension        int       `json:"dimension"`
	NextID           int64     `json:"next_id"`
	IngestQueueDepth int       `json:"ingest_queue_depth"`
	LastFlushAt      time.Time `json:"last_flush_at"`
}

// NewAdminServer creates and configures the admin server (does not start it).
func NewAdminServer(addr string, store memoryStatus, ingest ingestStatus) *AdminServer {
	mux := http.NewServeMux()
	as := &AdminServer{
		addr:      addr,
		store:     store,
		ingest:    ingest,
		startedAt: time.Now(),
		mux:       mux,
	}
	mux.HandleFunc("/health", as.handleHealth)
	mux.HandleFunc("/status", as.handleStatus)
	return as
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live network listener (e.g. with httptest.NewRecorder).
func (a *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// Start begins listening in the background. Blocks until the listener is
// established so the caller knows the port is open before returning.
func (a *AdminServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return fmt.Errorf("admin server: listen %s: %w", a.addr, err)
	}

	a.server = &http.Server{
		Handler:      a,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("admin server listening", "addr", ln.Addr().String())
		if err := a.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("admin server shutdown error", "err", err)
		}
	}()

	return nil
}

// Stop shuts down the admin server.
func (a *AdminServer) Stop() {
	if a.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		slog.Warn("admin server shutdown error", "err", err)
	}
}

// handleHealth responds with a simple ok JSON payload.
func (a *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatus responds with runtime statistics for the memory subsystem.
func (a *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := a.store.Stats()
	resp := statusResponse{
		Status:           "ok",
		Version:          version.Version,
		Commit:           version.GitCommit,
		BuildTime:        version.BuildTime,
		StartedAt:        a.startedAt,
		UptimeSecs:       time.Since(a.startedAt).Seconds(),
		Backend:          a.store.Backend(),
		Records:          stats.Records,
		Dimension:        stats.Dimension,
		NextID:           stats.NextID,
		IngestQueueDepth: a.ingest.QueueDepth(),
		LastFlushAt:      a.store.LastFlush(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("admin: failed to encode JSON response", "err", err)
	}
}
