package auth

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yolkispalkis/detoxgate/pkg/pac"
	"github.com/yolkispalkis/detoxgate/pkg/upstream"
)

type seenRequest struct {
	Conn   int
	Method string
	URI    string
	Auth   string
	Body   []byte
}

// fakeProxy answers each request with the raw response returned by
// respond. A response carrying "Connection: close" closes the connection;
// a 200 to CONNECT turns the connection into an echo tunnel.
type fakeProxy struct {
	l       net.Listener
	respond func(i int, r seenRequest) string

	mu    sync.Mutex
	seen  []seenRequest
	conns int
}

func newFakeProxy(t *testing.T, respond func(i int, r seenRequest) string) *fakeProxy {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &fakeProxy{l: l, respond: respond}
	t.Cleanup(func() { l.Close() })
	go p.serve()
	return p
}

func (p *fakeProxy) serve() {
	for {
		c, err := p.l.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conns++
		id := p.conns
		p.mu.Unlock()
		go p.handle(id, c)
	}
}

func (p *fakeProxy) handle(id int, c net.Conn) {
	defer c.Close()
	br := bufio.NewReader(c)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		body, _ := io.ReadAll(req.Body)
		rec := seenRequest{
			Conn:   id,
			Method: req.Method,
			URI:    req.RequestURI,
			Auth:   req.Header.Get("Proxy-Authorization"),
			Body:   body,
		}
		p.mu.Lock()
		p.seen = append(p.seen, rec)
		i := len(p.seen) - 1
		p.mu.Unlock()

		resp := p.respond(i, rec)
		if _, err := io.WriteString(c, resp); err != nil {
			return
		}
		if strings.Contains(resp, "Connection: close") {
			return
		}
		if req.Method == http.MethodConnect && strings.HasPrefix(resp, "HTTP/1.1 200") {
			_, _ = io.Copy(c, br)
			return
		}
	}
}

func (p *fakeProxy) requests() []seenRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]seenRequest(nil), p.seen...)
}

func (p *fakeProxy) dial(t *testing.T) (*upstream.Conn, Redialer) {
	t.Helper()
	m := upstream.NewManager(upstream.Options{ConnectTimeout: time.Second})
	t.Cleanup(m.Close)

	host, portStr, err := net.SplitHostPort(p.l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	cand := pac.Candidate{Kind: pac.KindProxy, Host: host, Port: port}

	const target = "origin.example:80"
	conn, err := m.Connect(context.Background(), cand, target)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, func(ctx context.Context) (*upstream.Conn, error) {
		return m.Connect(ctx, cand, target)
	}
}

type fakeProvider struct {
	// complete makes Continue finish the exchange without a reply token.
	complete bool

	mu     sync.Mutex
	spns   []string
	closed int
}

func (p *fakeProvider) Initiate(_ context.Context, spn string) (SecurityContext, []byte, error) {
	p.mu.Lock()
	p.spns = append(p.spns, spn)
	p.mu.Unlock()
	return &fakeSecurityContext{p: p}, []byte("initial"), nil
}

type fakeSecurityContext struct {
	p      *fakeProvider
	steps  int
	tokens []string
}

func (c *fakeSecurityContext) Continue(tok []byte) ([]byte, bool, error) {
	c.steps++
	c.tokens = append(c.tokens, string(tok))
	if c.p.complete {
		return nil, true, nil
	}
	return []byte("step-" + strconv.Itoa(c.steps)), false, nil
}

func (c *fakeSecurityContext) Close() {
	c.p.mu.Lock()
	c.p.closed++
	c.p.mu.Unlock()
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

const (
	respOK        = "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
	respNegotiate = "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Negotiate\r\nContent-Length: 6\r\n\r\ndenied"
)

func newGet(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://origin.example/path", nil)
	require.NoError(t, err)
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestRoundTripWithoutChallenge(t *testing.T) {
	p := newFakeProxy(t, func(int, seenRequest) string { return respOK })
	conn, redial := p.dial(t)

	h := &Handshake{Provider: &fakeProvider{}}
	resp, got, err := h.RoundTrip(context.Background(), conn, newGet(t), redial)
	require.NoError(t, err)
	require.Same(t, conn, got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", readBody(t, resp))
	require.Equal(t, upstream.Unauthenticated, got.State())

	reqs := p.requests()
	require.Len(t, reqs, 1)
	require.Empty(t, reqs[0].Auth)
	require.Equal(t, "http://origin.example/path", reqs[0].URI, "proxy requests carry the absolute URI")
}

func TestNegotiateSingleChallenge(t *testing.T) {
	p := newFakeProxy(t, func(_ int, r seenRequest) string {
		if r.Auth == "Negotiate "+b64("initial") {
			return respOK
		}
		return respNegotiate
	})
	conn, redial := p.dial(t)
	provider := &fakeProvider{}
	h := &Handshake{Provider: provider}

	req, err := http.NewRequest(http.MethodPost, "http://origin.example/submit", nil)
	require.NoError(t, err)
	req.Body = io.NopCloser(strings.NewReader("payload"))
	req.ContentLength = int64(len("payload"))

	resp, got, err := h.RoundTrip(context.Background(), conn, req, redial)
	require.NoError(t, err)
	require.Same(t, conn, got)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", readBody(t, resp))
	require.Equal(t, upstream.Authenticated, got.State())
	require.Empty(t, req.Header.Get("Proxy-Authorization"))

	reqs := p.requests()
	require.Len(t, reqs, 2)
	require.Equal(t, "payload", string(reqs[0].Body))
	require.Equal(t, "payload", string(reqs[1].Body), "body is replayed after the challenge")
	require.Equal(t, reqs[0].Conn, reqs[1].Conn, "challenge is answered on the same connection")

	require.Equal(t, []string{"HTTP/127.0.0.1"}, provider.spns)
	require.Equal(t, 1, provider.closed)
}

func TestNegotiateContinuation(t *testing.T) {
	p := newFakeProxy(t, func(_ int, r seenRequest) string {
		switch r.Auth {
		case "Negotiate " + b64("initial"):
			return "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Negotiate " + b64("challenge") + "\r\nContent-Length: 0\r\n\r\n"
		case "Negotiate " + b64("step-1"):
			return "HTTP/1.1 200 OK\r\nProxy-Authenticate: Negotiate " + b64("final") + "\r\nContent-Length: 2\r\n\r\nok"
		default:
			return respNegotiate
		}
	})
	conn, redial := p.dial(t)
	h := &Handshake{Provider: &fakeProvider{}}

	resp, got, err := h.RoundTrip(context.Background(), conn, newGet(t), redial)
	require.NoError(t, err)
	require.Equal(t, "ok", readBody(t, resp))
	require.Equal(t, upstream.Authenticated, got.State())
	require.Len(t, p.requests(), 3)
}

func TestNegotiateRoundLimit(t *testing.T) {
	p := newFakeProxy(t, func(int, seenRequest) string {
		return "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Negotiate " + b64("again") + "\r\nContent-Length: 0\r\n\r\n"
	})
	conn, redial := p.dial(t)
	h := &Handshake{Provider: &fakeProvider{}, MaxRounds: 3, Timeout: 5 * time.Second}

	start := time.Now()
	resp, _, err := h.RoundTrip(context.Background(), conn, newGet(t), redial)
	require.Nil(t, resp)
	require.ErrorIs(t, err, ErrRoundLimit)
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	require.Equal(t, SchemeNegotiate, hsErr.Scheme)
	require.Equal(t, Failed, hsErr.State)
	require.Equal(t, 4, hsErr.Rounds)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, p.requests(), 4)
}

func TestNegotiateRejected(t *testing.T) {
	p := newFakeProxy(t, func(i int, _ seenRequest) string {
		if i == 0 {
			return respNegotiate
		}
		return "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Negotiate " + b64("nope") + "\r\nContent-Length: 0\r\n\r\n"
	})
	conn, redial := p.dial(t)
	h := &Handshake{Provider: &fakeProvider{complete: true}}

	_, got, err := h.RoundTrip(context.Background(), conn, newGet(t), redial)
	require.ErrorIs(t, err, ErrRejected)
	require.Equal(t, upstream.Unauthenticated, got.State())
}

func TestChallengeWithConnectionCloseRedials(t *testing.T) {
	p := newFakeProxy(t, func(_ int, r seenRequest) string {
		if r.Auth == "" {
			return "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Negotiate\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"
		}
		return respOK
	})
	conn, redial := p.dial(t)
	h := &Handshake{Provider: &fakeProvider{}}

	resp, got, err := h.RoundTrip(context.Background(), conn, newGet(t), redial)
	require.NoError(t, err)
	t.Cleanup(func() { got.Close() })
	require.Equal(t, "ok", readBody(t, resp))
	require.NotSame(t, conn, got)

	_, err = conn.Write([]byte("x"))
	require.Error(t, err, "the challenged connection is closed")

	reqs := p.requests()
	require.Len(t, reqs, 2)
	require.NotEqual(t, reqs[0].Conn, reqs[1].Conn)
	require.Equal(t, "Negotiate "+b64("initial"), reqs[1].Auth)
}

func TestChallengeWithConnectionCloseWithoutRedial(t *testing.T) {
	p := newFakeProxy(t, func(int, seenRequest) string {
		return "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Negotiate\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"
	})
	conn, _ := p.dial(t)
	h := &Handshake{Provider: &fakeProvider{}}

	_, _, err := h.RoundTrip(context.Background(), conn, newGet(t), nil)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func writeNetrc(t *testing.T, content string) *NetrcCredentials {
	t.Helper()
	path := filepath.Join(t.TempDir(), "netrc")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	creds, err := LoadNetrc(path)
	require.NoError(t, err)
	return creds
}

func TestBasicFromNetrc(t *testing.T) {
	creds := writeNetrc(t, "machine 127.0.0.1 login alice password secret\n")
	p := newFakeProxy(t, func(_ int, r seenRequest) string {
		if r.Auth == "Basic "+b64("alice:secret") {
			return respOK
		}
		return "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"corp\"\r\nContent-Length: 0\r\n\r\n"
	})
	conn, redial := p.dial(t)
	h := &Handshake{Credentials: creds}

	resp, got, err := h.RoundTrip(context.Background(), conn, newGet(t), redial)
	require.NoError(t, err)
	require.Equal(t, "ok", readBody(t, resp))
	require.Equal(t, upstream.Authenticated, got.State())
}

func TestBasicRejectedOnce(t *testing.T) {
	creds := writeNetrc(t, "machine 127.0.0.1 login alice password wrong\n")
	p := newFakeProxy(t, func(int, seenRequest) string {
		return "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"corp\"\r\nContent-Length: 0\r\n\r\n"
	})
	conn, redial := p.dial(t)
	h := &Handshake{Credentials: creds}

	_, _, err := h.RoundTrip(context.Background(), conn, newGet(t), redial)
	require.ErrorIs(t, err, ErrRejected)
	require.Len(t, p.requests(), 2)
}

func TestUnsupportedScheme(t *testing.T) {
	p := newFakeProxy(t, func(int, seenRequest) string {
		return "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Digest realm=\"corp\"\r\nContent-Length: 0\r\n\r\n"
	})
	conn, redial := p.dial(t)
	h := &Handshake{Provider: &fakeProvider{}}

	_, _, err := h.RoundTrip(context.Background(), conn, newGet(t), redial)
	require.ErrorIs(t, err, ErrUnsupportedScheme)
}

func TestChallengePassesThroughWithoutAuth(t *testing.T) {
	p := newFakeProxy(t, func(int, seenRequest) string { return respNegotiate })
	conn, redial := p.dial(t)

	resp, got, err := (&Handshake{}).RoundTrip(context.Background(), conn, newGet(t), redial)
	require.NoError(t, err)
	require.Same(t, conn, got)
	require.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
	require.Equal(t, "denied", readBody(t, resp))
}

func TestLargeBodyIsNotReplayed(t *testing.T) {
	p := newFakeProxy(t, func(int, seenRequest) string { return respNegotiate })
	conn, redial := p.dial(t)
	h := &Handshake{Provider: &fakeProvider{}}

	big := bytes.Repeat([]byte("a"), MaxReplayBody+10)
	req, err := http.NewRequest(http.MethodPost, "http://origin.example/upload", nil)
	require.NoError(t, err)
	req.Body = io.NopCloser(bytes.NewReader(big))
	req.ContentLength = int64(len(big))

	_, _, err = h.RoundTrip(context.Background(), conn, req, redial)
	require.ErrorIs(t, err, ErrBodyNotReplayable)

	reqs := p.requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Body, len(big), "the body is streamed once in full")
}

func TestConnectTunnelAfterChallenge(t *testing.T) {
	p := newFakeProxy(t, func(_ int, r seenRequest) string {
		if r.Auth == "" {
			return "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Negotiate\r\nContent-Length: 0\r\n\r\n"
		}
		return "HTTP/1.1 200 Connection established\r\n\r\n"
	})
	conn, redial := p.dial(t)
	h := &Handshake{Provider: &fakeProvider{}}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: "origin.example:443"},
		Host:   "origin.example:443",
		Header: make(http.Header),
	}
	resp, got, err := h.RoundTrip(context.Background(), conn, req, redial)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reqs := p.requests()
	require.Len(t, reqs, 2)
	require.Equal(t, "origin.example:443", reqs[1].URI)

	_, err = got.Write([]byte("tunnel\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(got).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "tunnel\n", line)
}

func TestServicePrincipal(t *testing.T) {
	require.Equal(t, "HTTP/proxy.corp.example", ServicePrincipal("Proxy.Corp.Example."))
}

func TestNetrcLookup(t *testing.T) {
	creds := writeNetrc(t, "machine proxy.corp login bob password pw\ndefault login anon password guest\n")

	user, pass, ok := creds.Lookup("PROXY.corp")
	require.True(t, ok)
	require.Equal(t, "bob", user)
	require.Equal(t, "pw", pass)

	user, _, ok = creds.Lookup("other")
	require.True(t, ok)
	require.Equal(t, "anon", user)

	var none *NetrcCredentials
	_, _, ok = none.Lookup("proxy.corp")
	require.False(t, ok)

	_, err := LoadNetrc(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
