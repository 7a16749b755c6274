package main

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"gemini-stealth-gateway/internal/forward"
	"gemini-stealth-gateway/internal/rotator"
	"gemini-stealth-gateway/internal/shared/logs"

	"github.com/google/uuid"
)

const routePrefix = "/gemini"

// maxInboundBody bounds buffered request bodies.
const maxInboundBody = 10 << 20

func proxyHandler(w http.ResponseWriter, r *http.Request, deps *serverDeps) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	path := strings.TrimPrefix(r.URL.Path, routePrefix)
	if path == "" || path == "/" {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInboundBody))
	if err != nil {
		logs.Warn("failed reading inbound body", "request_id", requestID, "err", err)
		http.Error(w, "request body too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}

	clientID := clientAddr(r)
	query := r.URL.Query()
	// Inbound callers never supply the upstream credential.
	query.Del("key")

	logs.Info("forwarding request",
		"request_id", requestID,
		"method", r.Method,
		"path", path,
		"client", clientID,
		"bytes", len(body))

	if strings.HasSuffix(path, ":streamGenerateContent") {
		relayStream(w, r, deps, path, body, query, clientID, requestID)
		return
	}

	res := deps.engine.Forward(r.Context(), r.Method, path, body, r.Header, query, clientID)
	writeResult(w, res)
}

// relayStream forwards the live upstream body without buffering, flushing
// each chunk as it arrives.
func relayStream(w http.ResponseWriter, r *http.Request, deps *serverDeps, path string, body []byte, query map[string][]string, clientID, requestID string) {
	resp, errRes := deps.engine.ForwardStream(r.Context(), r.Method, path, body, r.Header, query, clientID)
	if resp == nil {
		writeResult(w, errRes)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				logs.Debug("stream client disconnected", "request_id", requestID, "err", werr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				logs.Warn("stream relay interrupted", "request_id", requestID, "err", err)
			}
			return
		}
	}
}

func writeResult(w http.ResponseWriter, res *forward.Result) {
	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	if res.FromCache {
		w.Header().Set("X-Proxy-Cache", "HIT")
	}
	w.WriteHeader(res.StatusCode)
	w.Write(res.Body)
}

type statsResponse struct {
	Pool          rotator.Stats `json:"pool"`
	UptimeSeconds float64       `json:"uptime_seconds"`
}

func statsHandler(w http.ResponseWriter, r *http.Request, deps *serverDeps) {
	out := statsResponse{
		Pool:          deps.rotator.Stats(),
		UptimeSeconds: time.Since(deps.started).Seconds(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		logs.Warn("failed to encode stats response", "err", err)
	}
}

// clientAddr identifies the logical caller for sticky session routing:
// first X-Forwarded-For hop when present, otherwise the remote host.
func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
