package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bdobrica/Kioku/internal/kioku/observability"
)

// relayUpstream POSTs body to the upstream path and relays the NDJSON
// response to the client line by line, flushing after each line so streamed
// chunks reach the client as they arrive. Each relayed line is also handed to
// collect (when non-nil) so the caller can assemble the assistant text for
// ingestion.
//
// The request is bound to ctx: a client disconnect cancels the upstream call.
// Returns the upstream status code and whether the full response was
// delivered. An upstream connection failure is surfaced to the client as a
// 502 with an Ollama-shaped error body; it is never retried (re-running an
// LLM generation is not idempotent).
func (g *Gateway) relayUpstream(ctx context.Context, w http.ResponseWriter, path string, body []byte, collect func(line []byte)) (status int, delivered bool) {
	log := observability.With(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.cfg.Upstream.JoinPath(path).String(), bytes.NewReader(body))
	if err != nil {
		log.Error("gateway: build upstream request", "path", path, "err", err)
		writeUpstreamError(w, err)
		return 0, false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		log.Warn("gateway: upstream unavailable", "path", path, "err", err)
		writeUpstreamError(w, err)
		return 0, false
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	reader := bufio.NewReader(resp.Body)
	for {
		// ReadBytes instead of a Scanner: a non-streamed response is one
		// arbitrarily large line and must not overflow a fixed token buffer.
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, writeErr := w.Write(line); writeErr != nil {
				log.Debug("gateway: client gone mid-stream", "path", path, "err", writeErr)
				return resp.StatusCode, false
			}
			if flusher != nil {
				flusher.Flush()
			}
			if collect != nil {
				if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
					collect(trimmed)
				}
			}
		}
		if readErr == io.EOF {
			return resp.StatusCode, true
		}
		if readErr != nil {
			log.Warn("gateway: upstream stream broke", "path", path, "err", readErr)
			return resp.StatusCode, false
		}
	}
}

// writeUpstreamError reports an upstream connection failure to the client in
// the same JSON error shape the upstream itself uses.
func writeUpstreamError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	payload := map[string]string{"error": fmt.Sprintf("upstream unavailable: %v", err)}
	if encErr := json.NewEncoder(w).Encode(payload); encErr != nil {
		// The client is likely gone; nothing useful left to do.
		_ = encErr
	}
}

// chatChunkCollector accumulates assistant content from /api/chat NDJSON
// chunks (and from the single object of a non-streamed response).
func chatChunkCollector(sb *bytes.Buffer) func(line []byte) {
	return func(line []byte) {
		var chunk struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(line, &chunk); err != nil {
			return
		}
		sb.WriteString(chunk.Message.Content)
	}
}

// generateChunkCollector accumulates assistant content from /api/generate
// NDJSON chunks.
func generateChunkCollector(sb *bytes.Buffer) func(line []byte) {
	return func(line []byte) {
		var chunk struct {
			Response string `json:"response"`
		}
		if err := json.Unmarshal(line, &chunk); err != nil {
			return
		}
		sb.WriteString(chunk.Response)
	}
}
