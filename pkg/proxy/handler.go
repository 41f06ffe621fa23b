// Package proxy drives client connections: it reads requests, asks the PAC
// evaluator for candidates, and forwards or tunnels through the first
// candidate that works.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/yolkispalkis/detoxgate/pkg/auth"
	"github.com/yolkispalkis/detoxgate/pkg/common"
	"github.com/yolkispalkis/detoxgate/pkg/metrics"
	"github.com/yolkispalkis/detoxgate/pkg/pac"
	"github.com/yolkispalkis/detoxgate/pkg/upstream"
)

const (
	defaultMaxConnections = 512
	clientIdleTimeout     = 2 * time.Minute
)

type Options struct {
	Evaluator *pac.Evaluator
	Upstream  *upstream.Manager
	// Handshake answers upstream 407s. Nil passes them to the client.
	Handshake *auth.Handshake

	// DirectFallback appends DIRECT to candidate lists that lack it.
	DirectFallback bool
	// AlwaysUseConnect sends plain HTTP through proxies inside a CONNECT
	// tunnel.
	AlwaysUseConnect bool
	MaxConnections   int64

	// ProxyAddr is the host:port advertised by /proxy.pac. Empty uses the
	// Host header of the request.
	ProxyAddr string
	Gatherer  prometheus.Gatherer
	// Status adds lines to the status page.
	Status func() map[string]string
	Logger *slog.Logger
}

type Handler struct {
	opts      Options
	handshake *auth.Handshake
	sem       *semaphore.Weighted
	mux       *http.ServeMux
	log       *slog.Logger
	started   time.Time

	drainCtx context.Context
	drain    context.CancelFunc
	active   atomic.Int64
}

func NewHandler(opts Options) *Handler {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = defaultMaxConnections
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	h := &Handler{
		opts:      opts,
		handshake: opts.Handshake,
		sem:       semaphore.NewWeighted(opts.MaxConnections),
		log:       opts.Logger,
		started:   time.Now(),
	}
	if h.handshake == nil {
		h.handshake = &auth.Handshake{}
	}
	h.drainCtx, h.drain = context.WithCancel(context.Background())
	h.mux = h.managementMux()
	return h
}

// Drain makes every session finish its current request and close. Idle
// keep-alive connections close at once.
func (h *Handler) Drain() { h.drain() }

// Active returns the number of open client connections.
func (h *Handler) Active() int64 { return h.active.Load() }

type clientSession struct {
	conn net.Conn
	br   *bufio.Reader
	log  *slog.Logger

	mu      sync.Mutex
	idle    bool
	closing bool
}

// setIdle marks the session as waiting for the next request. It returns
// false once the session is draining.
func (s *clientSession) setIdle(idle bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idle = idle
	if !idle {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	return !s.closing
}

func (s *clientSession) startDrain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	if s.idle {
		// Interrupts the pending ReadRequest.
		_ = s.conn.SetReadDeadline(time.Now())
	}
}

// ServeConn handles one client connection until it closes, the session
// drains, or ctx is cancelled. Cancelling ctx closes the connection.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	log := h.log.With("remote_addr", conn.RemoteAddr().String())
	if !h.sem.TryAcquire(1) {
		log.Warn("Too many concurrent connections, rejecting client")
		_, _ = io.WriteString(conn, "HTTP/1.1 503 Service Unavailable\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
		return
	}
	defer h.sem.Release(1)

	h.active.Add(1)
	metrics.ActiveSessions.Inc()
	defer func() {
		h.active.Add(-1)
		metrics.ActiveSessions.Dec()
	}()

	s := &clientSession{conn: conn, br: bufio.NewReader(conn), log: log}
	stopHard := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopHard()
	stopDrain := context.AfterFunc(h.drainCtx, s.startDrain)
	defer stopDrain()

	for {
		if !s.setIdle(true) {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(clientIdleTimeout))
		req, err := http.ReadRequest(s.br)
		draining := !s.setIdle(false)
		if err != nil {
			if !errors.Is(err, io.EOF) && !common.IsConnectionClosedErr(err) && !common.IsTimeoutError(err) {
				log.Debug("Malformed client request", "error", err)
				_ = errorResponse(nil, http.StatusBadRequest, err).Write(conn)
			}
			return
		}

		keepAlive := h.serveRequest(ctx, s, req)
		if !keepAlive || draining || ctx.Err() != nil {
			return
		}
	}
}

func (h *Handler) serveRequest(ctx context.Context, s *clientSession, req *http.Request) bool {
	req.RemoteAddr = s.conn.RemoteAddr().String()
	switch {
	case req.Method == http.MethodConnect:
		h.serveConnect(ctx, s, req)
		return false
	case req.URL.Host == "":
		return h.serveLocal(s, req)
	default:
		return h.serveForward(ctx, s, req)
	}
}

// candidates evaluates PAC once for the request and orders the result.
func (h *Handler) candidates(ctx context.Context, pacURL, host string) []pac.Candidate {
	cands := h.opts.Evaluator.FindProxy(ctx, pacURL, host)
	if h.opts.DirectFallback {
		cands = pac.WithDirectFallback(cands)
	}
	return h.opts.Upstream.Order(cands)
}

func (h *Handler) redialer(cand pac.Candidate, target string) auth.Redialer {
	return func(ctx context.Context) (*upstream.Conn, error) {
		return h.opts.Upstream.Connect(ctx, cand, target)
	}
}
