package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/bdobrica/Kioku/internal/kioku/memory"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
)

// handleGenerate intercepts the generate endpoint (used by the upstream's
// CLI). The prompt field drives retrieval and the memory block is merged
// into the request's system string instead of a message list; the rest of
// the pipeline matches handleChat.
func (g *Gateway) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.handlePassthrough(w, r)
		return
	}

	ctx := observability.WithRequestID(r.Context(), observability.NewRequestID())
	log := observability.With(ctx)

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		log.Warn("gateway: read generate body", "err", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		log.Warn("gateway: generate body is not valid JSON; forwarding raw", "err", err)
		g.relayUpstream(ctx, w, g.cfg.GeneratePath, raw, nil)
		return
	}

	prompt, _ := body["prompt"].(string)
	model, _ := body["model"].(string)

	outgoing := raw
	if block := g.retrieveBlock(ctx, strings.TrimSpace(prompt)); block != "" {
		system, _ := body["system"].(string)
		body["system"] = injectIntoSystem(system, block)
		if rewritten, err := json.Marshal(body); err == nil {
			outgoing = rewritten
		} else {
			log.Warn("gateway: marshal augmented generate body; forwarding original", "err", err)
		}
	}

	var assistant bytes.Buffer
	status, delivered := g.relayUpstream(ctx, w, g.cfg.GeneratePath, outgoing, generateChunkCollector(&assistant))

	if delivered && status < 400 {
		g.scheduler.Schedule(memory.Exchange{
			RequestID:     observability.RequestIDFrom(ctx),
			Model:         model,
			UserText:      strings.TrimSpace(prompt),
			AssistantText: assistant.String(),
		})
	}
}

// injectIntoSystem merges the memory block into a system prompt string,
// appending when the prompt already has content.
func injectIntoSystem(system, block string) string {
	if system == "" {
		return block
	}
	return system + "\n\n---\n" + block
}
