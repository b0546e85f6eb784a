package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/memory"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
)

// handleChat intercepts the chat endpoint: the most recent user message
// becomes the retrieval query, relevant memories are merged into the outgoing
// message list as one synthetic system message, the upstream response is
// streamed back verbatim, and the completed exchange is scheduled for
// background ingestion.
//
// Every failure before the upstream call degrades to plain forwarding of the
// original bytes — the user still gets a normal answer, just without memory.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.handlePassthrough(w, r)
		return
	}

	ctx := observability.WithRequestID(r.Context(), observability.NewRequestID())
	log := observability.With(ctx)

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		log.Warn("gateway: read chat body", "err", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		// Never reject an intercepted request over parsing: forward the raw
		// bytes and let the upstream decide.
		log.Warn("gateway: chat body is not valid JSON; forwarding raw", "err", err)
		g.relayUpstream(ctx, w, g.cfg.ChatPath, raw, nil)
		return
	}

	messages, _ := body["messages"].([]any)
	model, _ := body["model"].(string)
	userText := extractLastUserMessage(messages)

	outgoing := raw
	if block := g.retrieveBlock(ctx, userText); block != "" {
		body["messages"] = injectIntoMessages(messages, block)
		if rewritten, err := json.Marshal(body); err == nil {
			outgoing = rewritten
		} else {
			log.Warn("gateway: marshal augmented chat body; forwarding original", "err", err)
		}
	}

	var assistant bytes.Buffer
	status, delivered := g.relayUpstream(ctx, w, g.cfg.ChatPath, outgoing, chatChunkCollector(&assistant))

	// Ingestion is scheduled only after the last byte has been delivered, so
	// it never adds latency to the visible stream.
	if delivered && status < 400 {
		g.scheduler.Schedule(memory.Exchange{
			RequestID:     observability.RequestIDFrom(ctx),
			Model:         model,
			UserText:      userText,
			AssistantText: assistant.String(),
		})
	}
}

// retrieveBlock runs the retrieval pipeline for the query text and returns
// the composed memory block, or "" when nothing should be injected. All
// retrieval failures are logged and reported as "", never propagated.
func (g *Gateway) retrieveBlock(ctx context.Context, query string) string {
	// Fast path: nothing stored yet means nothing to retrieve, and the
	// embedding call can be skipped entirely.
	total := g.store.Len()
	if query == "" || total == 0 {
		return ""
	}

	log := observability.With(ctx)

	vec, err := g.embedder.Embed(ctx, query)
	if err != nil {
		log.Warn("gateway: query embedding failed; forwarding unaugmented", "err", err)
		return ""
	}
	if vec == nil {
		return ""
	}
	// Copy before normalizing: a caching embedder hands every caller the same
	// backing slice, which must stay untouched.
	vec = append([]float32(nil), vec...)
	memory.Normalize(vec)

	hits, err := g.store.Search(vec, g.cfg.TopK, g.cfg.Threshold)
	if err != nil {
		// A dimension mismatch lands here and degrades the same way an
		// embedding failure does.
		log.Warn("gateway: memory search failed; forwarding unaugmented", "err", err)
		return ""
	}
	if len(hits) == 0 {
		return ""
	}

	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	records := g.store.Resolve(ids)
	if len(records) != len(hits) {
		log.Warn("gateway: resolve returned fewer records than hits",
			"hits", len(hits), "records", len(records))
	}

	scored := make([]memory.ScoredRecord, 0, len(records))
	for i, rec := range records {
		scored = append(scored, memory.ScoredRecord{Record: rec, Score: hits[i].Score})
	}

	log.Info("gateway: memory retrieved",
		"results", len(scored),
		"best_score", hits[0].Score,
		"total_stored", total,
		"query_len", len(query))

	return g.injector.Compose(scored, total, time.Now())
}

// extractLastUserMessage walks the message list in reverse and returns the
// text of the most recent user-role message. List-shaped (multimodal) content
// concatenates the text fields of its parts; blank candidates are skipped.
func extractLastUserMessage(messages []any) string {
	for i := len(messages) - 1; i >= 0; i-- {
		msg, ok := messages[i].(map[string]any)
		if !ok || msg["role"] != "user" {
			continue
		}
		var text string
		switch content := msg["content"].(type) {
		case string:
			text = content
		case []any:
			var parts []string
			for _, part := range content {
				if pm, ok := part.(map[string]any); ok {
					if t, ok := pm["text"].(string); ok {
						parts = append(parts, t)
					}
				}
			}
			text = strings.Join(parts, " ")
		}
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// injectIntoMessages merges the memory block into the message list. When the
// first message is a system message with string content the block is appended
// to it; otherwise a new system message is prepended. Either way exactly one
// synthetic system block enters the request.
func injectIntoMessages(messages []any, block string) []any {
	if len(messages) > 0 {
		if first, ok := messages[0].(map[string]any); ok && first["role"] == "system" {
			if content, ok := first["content"].(string); ok {
				merged := make(map[string]any, len(first))
				for k, v := range first {
					merged[k] = v
				}
				merged["content"] = content + "\n\n---\n" + block
				out := append([]any{merged}, messages[1:]...)
				return out
			}
		}
	}
	return append([]any{map[string]any{"role": "system", "content": block}}, messages...)
}
