package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/yolkispalkis/detoxgate/pkg/common"
	"github.com/yolkispalkis/detoxgate/pkg/metrics"
	"github.com/yolkispalkis/detoxgate/pkg/pac"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultIdleTimeout    = 90 * time.Second
	// failureMemory is how long a failed proxy stays demoted by Order.
	failureMemory = 5 * time.Minute
	healthProbe   = time.Millisecond
)

var ErrManagerClosed = errors.New("upstream manager closed")

// ContextDialer opens raw TCP connections.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Options struct {
	ConnectTimeout time.Duration
	// MaxIdlePerHost is the number of idle proxy connections kept per
	// upstream. Zero disables pooling.
	MaxIdlePerHost int
	IdleTimeout    time.Duration
	Dialer         ContextDialer
}

type failureRecord struct {
	count int
	last  time.Time
}

// Manager opens connections to candidates, remembers which proxies have
// been failing, and optionally keeps idle proxy connections for reuse.
type Manager struct {
	connectTimeout time.Duration
	maxIdle        int
	idleTimeout    time.Duration
	dialer         ContextDialer

	mu       sync.Mutex
	failures map[string]failureRecord
	idle     map[string][]*Conn
	active   map[*Conn]struct{}
	closed   bool
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		connectTimeout: opts.ConnectTimeout,
		maxIdle:        opts.MaxIdlePerHost,
		idleTimeout:    opts.IdleTimeout,
		dialer:         opts.Dialer,
		failures:       make(map[string]failureRecord),
		idle:           make(map[string][]*Conn),
		active:         make(map[*Conn]struct{}),
	}
	if m.connectTimeout <= 0 {
		m.connectTimeout = defaultConnectTimeout
	}
	if m.idleTimeout <= 0 {
		m.idleTimeout = defaultIdleTimeout
	}
	if m.dialer == nil {
		m.dialer = &net.Dialer{KeepAlive: 30 * time.Second}
	}
	return m
}

// Connect opens a connection for target through cand. DIRECT dials the
// target; PROXY dials (or reuses) the proxy; SOCKS dials the target
// through the SOCKS5 server.
func (m *Manager) Connect(ctx context.Context, cand pac.Candidate, target string) (*Conn, error) {
	if cand.Kind == pac.KindProxy {
		if conn := m.checkout(cand.Addr()); conn != nil {
			conn.Target = target
			slog.Debug("Reusing pooled upstream connection", "upstream", cand.Addr(), "state", conn.State())
			metrics.PoolReuse.Inc()
			return conn, nil
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	var (
		raw net.Conn
		err error
	)
	switch cand.Kind {
	case pac.KindDirect:
		raw, err = m.dialer.DialContext(dialCtx, "tcp", target)
	case pac.KindProxy:
		raw, err = m.dialer.DialContext(dialCtx, "tcp", cand.Addr())
	case pac.KindSocks:
		raw, err = m.dialSocks(dialCtx, cand.Addr(), target)
	default:
		err = fmt.Errorf("unsupported candidate kind %v", cand.Kind)
	}
	if err != nil {
		m.recordFailure(cand)
		return nil, &ConnectError{Candidate: cand, Target: target, Err: err}
	}

	conn := newConn(raw, cand, target, m)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		raw.Close()
		return nil, &ConnectError{Candidate: cand, Target: target, Err: ErrManagerClosed}
	}
	m.active[conn] = struct{}{}
	m.mu.Unlock()
	return conn, nil
}

func (m *Manager) dialSocks(ctx context.Context, server, target string) (net.Conn, error) {
	d, err := proxy.SOCKS5("tcp", server, nil, forwardDialer{m.dialer})
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer for %s: %w", server, err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return d.Dial("tcp", target)
	}
	return cd.DialContext(ctx, "tcp", target)
}

// forwardDialer adapts ContextDialer to proxy.Dialer for the SOCKS client.
type forwardDialer struct{ d ContextDialer }

func (f forwardDialer) Dial(network, addr string) (net.Conn, error) {
	return f.d.DialContext(context.Background(), network, addr)
}

func (f forwardDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f.d.DialContext(ctx, network, addr)
}

// MarkFailed records a failure that happened after the connection was
// opened, such as a rejected CONNECT or a failed authentication.
func (m *Manager) MarkFailed(cand pac.Candidate) { m.recordFailure(cand) }

// MarkSucceeded clears the failure record of cand.
func (m *Manager) MarkSucceeded(cand pac.Candidate) {
	if cand.IsDirect() {
		return
	}
	m.mu.Lock()
	delete(m.failures, cand.String())
	m.mu.Unlock()
}

func (m *Manager) recordFailure(cand pac.Candidate) {
	metrics.CandidateFailures.WithLabelValues(cand.Kind.String(), cand.Addr()).Inc()
	if cand.IsDirect() {
		return
	}
	m.mu.Lock()
	rec := m.failures[cand.String()]
	rec.count++
	rec.last = time.Now()
	m.failures[cand.String()] = rec
	m.mu.Unlock()
}

func (m *Manager) failureCount(key string, now time.Time) int {
	rec, ok := m.failures[key]
	if !ok || now.Sub(rec.last) > failureMemory {
		return 0
	}
	return rec.count
}

// Order returns a copy of cands with recently failing proxies moved back
// among the proxy slots. DIRECT keeps its PAC position, and proxies with
// equal failure counts keep their PAC order.
func (m *Manager) Order(cands []pac.Candidate) []pac.Candidate {
	out := make([]pac.Candidate, len(cands))
	copy(out, cands)

	var slots []int
	var proxies []pac.Candidate
	for i, c := range out {
		if !c.IsDirect() {
			slots = append(slots, i)
			proxies = append(proxies, c)
		}
	}

	now := time.Now()
	m.mu.Lock()
	counts := make(map[string]int, len(proxies))
	for _, c := range proxies {
		counts[c.String()] = m.failureCount(c.String(), now)
	}
	m.mu.Unlock()

	sort.SliceStable(proxies, func(a, b int) bool { return counts[proxies[a].String()] < counts[proxies[b].String()] })
	for i, slot := range slots {
		out[slot] = proxies[i]
	}
	return out
}

// Failures returns the current failure counts by candidate.
func (m *Manager) Failures() map[string]int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.failures))
	for key := range m.failures {
		if n := m.failureCount(key, now); n > 0 {
			out[key] = n
		}
	}
	return out
}

// Release hands conn back. Healthy proxy connections are kept for reuse
// when pooling is on and reusable is set; anything else is closed.
func (m *Manager) Release(conn *Conn, reusable bool) {
	if conn == nil {
		return
	}
	if !reusable || m.maxIdle <= 0 || conn.Candidate.Kind != pac.KindProxy {
		conn.Close()
		return
	}

	key := conn.Candidate.Addr()
	m.mu.Lock()
	if m.closed || len(m.idle[key]) >= m.maxIdle {
		m.mu.Unlock()
		conn.Close()
		return
	}
	delete(m.active, conn)
	conn.idleSince = time.Now()
	m.idle[key] = append(m.idle[key], conn)
	m.mu.Unlock()
	slog.Debug("Upstream connection returned to pool", "upstream", key, "state", conn.State())
}

func (m *Manager) checkout(key string) *Conn {
	if m.maxIdle <= 0 {
		return nil
	}
	now := time.Now()
	for {
		m.mu.Lock()
		conns := m.idle[key]
		if len(conns) == 0 || m.closed {
			m.mu.Unlock()
			return nil
		}
		conn := conns[len(conns)-1]
		m.idle[key] = conns[:len(conns)-1]
		m.mu.Unlock()

		if now.Sub(conn.idleSince) > m.idleTimeout || !healthy(conn) {
			conn.Close()
			continue
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			conn.Close()
			return nil
		}
		m.active[conn] = struct{}{}
		m.mu.Unlock()
		conn.reused = true
		return conn
	}
}

// healthy reports whether an idle connection is still open and has no
// unsolicited data waiting.
func healthy(conn *Conn) bool {
	if conn.Reader.Buffered() > 0 {
		return false
	}
	if err := conn.SetReadDeadline(time.Now().Add(healthProbe)); err != nil {
		return false
	}
	_, err := conn.Reader.Peek(1)
	_ = conn.SetReadDeadline(time.Time{})
	return common.IsTimeoutError(err)
}

func (m *Manager) forget(conn *Conn) {
	m.mu.Lock()
	delete(m.active, conn)
	m.mu.Unlock()
}

// Stats is a snapshot for the status page.
type Stats struct {
	Active int
	Idle   int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Active: len(m.active)}
	for _, conns := range m.idle {
		s.Idle += len(conns)
	}
	return s
}

// CloseIdle drops every pooled connection.
func (m *Manager) CloseIdle() {
	m.mu.Lock()
	idle := m.idle
	m.idle = make(map[string][]*Conn)
	m.mu.Unlock()
	for _, conns := range idle {
		for _, c := range conns {
			c.Close()
		}
	}
}

// Close drops the pool and force-closes every connection still checked
// out. Later Connect calls fail.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	active := make([]*Conn, 0, len(m.active))
	for c := range m.active {
		active = append(active, c)
	}
	m.mu.Unlock()

	m.CloseIdle()
	for _, c := range active {
		c.Close()
	}
}
