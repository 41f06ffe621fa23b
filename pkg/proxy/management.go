package proxy

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yolkispalkis/detoxgate/pkg/common"
)

func (h *Handler) managementMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleStatus)
	mux.HandleFunc("GET /proxy.pac", h.handlePAC)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.opts.Gatherer, promhttp.HandlerOpts{}))
	return mux
}

// serveLocal answers origin-form requests addressed to the proxy itself.
func (h *Handler) serveLocal(s *clientSession, req *http.Request) bool {
	start := time.Now()
	if req.Body != nil {
		_, _ = io.Copy(io.Discard, req.Body)
		req.Body.Close()
	}

	buf := newResponseBuffer()
	h.mux.ServeHTTP(buf, req)
	resp := buf.response(req)
	keepAlive := !wantsClose(req)
	resp.Close = !keepAlive

	cw := &countingWriter{w: s.conn}
	err := resp.Write(cw)
	h.record(req, "local", resp.StatusCode, 0, cw.n, start, quietRelayErr(err))
	return keepAlive && err == nil
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	var b strings.Builder
	fmt.Fprintf(&b, "%s is running\n\n", common.ProductName)
	fmt.Fprintf(&b, "uptime: %s\n", time.Since(h.started).Truncate(time.Second))
	if script := h.opts.Evaluator.Script(); script != nil {
		fmt.Fprintf(&b, "pac script: %s\n", script.Name)
	}
	fmt.Fprintf(&b, "pac evaluations: %d\n", h.opts.Evaluator.Evaluations())
	fmt.Fprintf(&b, "dns cache entries: %d\n", len(h.opts.Evaluator.Resolver().Snapshot()))
	fmt.Fprintf(&b, "client connections: %d\n", h.Active())

	stats := h.opts.Upstream.Stats()
	fmt.Fprintf(&b, "upstream connections: %d active, %d idle\n", stats.Active, stats.Idle)

	if failures := h.opts.Upstream.Failures(); len(failures) > 0 {
		b.WriteString("\nfailing upstreams:\n")
		writeSorted(&b, failures)
	}
	if h.opts.Status != nil {
		if extra := h.opts.Status(); len(extra) > 0 {
			b.WriteString("\n")
			writeSorted(&b, extra)
		}
	}
	_, _ = io.WriteString(w, b.String())
}

// handlePAC serves a script that sends everything through this proxy.
func (h *Handler) handlePAC(w http.ResponseWriter, req *http.Request) {
	addr := h.opts.ProxyAddr
	if addr == "" {
		addr = req.Host
	}
	w.Header().Set("Content-Type", "application/x-ns-proxy-autoconfig")
	fmt.Fprintf(w, "function FindProxyForURL(url, host) {\n  return \"PROXY %s\";\n}\n", addr)
}

func writeSorted[V any](b *strings.Builder, m map[string]V) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s: %v\n", k, m[k])
	}
}
