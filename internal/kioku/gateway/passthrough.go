package gateway

import (
	"io"
	"net/http"
	"strings"

	"github.com/bdobrica/Kioku/internal/kioku/observability"
)

// hopByHopHeaders are connection-scoped and must not be copied across the
// proxy hop (RFC 9110 §7.6.1).
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// handlePassthrough forwards a non-intercepted request to the upstream with
// identical method, path, query, headers, and body, and relays the response
// unchanged. The memory layer never touches these requests.
func (g *Gateway) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	log := g.logger

	target := g.cfg.Upstream.JoinPath(r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		log.Error("gateway: build passthrough request", "path", r.URL.Path, "err", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	copyHeaders(req.Header, r.Header)
	// Without this the body is re-framed as chunked and the upstream loses
	// the Content-Length header.
	req.ContentLength = r.ContentLength

	resp, err := g.client.Do(req)
	if err != nil {
		log.Warn("gateway: passthrough upstream unavailable",
			"method", r.Method, "path", r.URL.Path, "err", err)
		writeUpstreamError(w, err)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(&flushWriter{w: w}, resp.Body); err != nil {
		log.Debug("gateway: passthrough relay interrupted",
			"method", r.Method, "path", r.URL.Path, "err", err)
		return
	}

	log.Debug("gateway: passthrough forwarded",
		"method", r.Method, "path", r.URL.Path, "status", resp.StatusCode,
		"request_id", observability.RequestIDFrom(r.Context()))
}

// copyHeaders copies all non-hop-by-hop headers from src to dst.
func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, skip := hopByHopHeaders[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		if strings.EqualFold(name, "Host") {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// flushWriter flushes after every write so streamed upstream bodies reach
// the client as they arrive. Final content is preserved; chunk boundaries
// need not be.
type flushWriter struct {
	w http.ResponseWriter
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if f, ok := fw.w.(http.Flusher); ok && n > 0 {
		f.Flush()
	}
	return n, err
}
