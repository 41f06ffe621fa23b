package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yolkispalkis/detoxgate/pkg/auth"
)

const negotiateAgain = "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Negotiate YWdhaW4=\r\nContent-Length: 0\r\n\r\n"

// challenger is an upstream proxy speaking raw HTTP. respond writes the
// whole response to each request.
type challenger struct {
	addr    string
	respond func(r *http.Request) string

	mu   sync.Mutex
	seen []*http.Request
}

func startChallenger(t *testing.T, respond func(r *http.Request) string) *challenger {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	c := &challenger{addr: l.Addr().String(), respond: respond}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go c.handle(conn)
		}
	}()
	return c
}

func (c *challenger) handle(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, req.Body)
		c.mu.Lock()
		c.seen = append(c.seen, req)
		c.mu.Unlock()

		if _, err := io.WriteString(conn, c.respond(req)); err != nil {
			return
		}
	}
}

func (c *challenger) requests() []*http.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*http.Request(nil), c.seen...)
}

// tokenProvider hands out a fixed initial token and answers every server
// token with another leg.
type tokenProvider struct {
	mu   sync.Mutex
	spns []string
}

func (p *tokenProvider) Initiate(_ context.Context, spn string) (auth.SecurityContext, []byte, error) {
	p.mu.Lock()
	p.spns = append(p.spns, spn)
	p.mu.Unlock()
	return tokenContext{}, []byte("initial"), nil
}

func (p *tokenProvider) principals() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.spns...)
}

type tokenContext struct{}

func (tokenContext) Continue([]byte) ([]byte, bool, error) { return []byte("next"), false, nil }
func (tokenContext) Close() {}

func negotiating() Options {
	return Options{Handshake: &auth.Handshake{Provider: &tokenProvider{}, MaxRounds: 3, Timeout: 5 * time.Second}}
}

func TestAuthRoundLimitFallsBackToDirect(t *testing.T) {
	origin := echoOrigin(t)
	ch := startChallenger(t, func(*http.Request) string { return negotiateAgain })
	p := startProxy(t, pacReturning("PROXY "+ch.addr+"; DIRECT"), negotiating())

	start := time.Now()
	resp, err := p.client(t, nil).Post(origin.URL+"/x", "text/plain", strings.NewReader("data"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "POST /x data", readAll(t, resp))
	require.Less(t, time.Since(start), 5*time.Second)

	require.Len(t, ch.requests(), 4)
	require.Contains(t, p.mgr.Failures(), ch.addr)
	require.Equal(t, uint64(1), p.eval.Evaluations())
}

func TestAuthRoundLimitWithoutFallback(t *testing.T) {
	ch := startChallenger(t, func(*http.Request) string { return negotiateAgain })
	p := startProxy(t, pacReturning("PROXY "+ch.addr), negotiating())

	resp, err := p.client(t, nil).Get("http://origin.example/x")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Contains(t, readAll(t, resp), "authentication failed")
	require.Len(t, ch.requests(), 4)
}

func TestConnectAuthFailureFallsBackToDirect(t *testing.T) {
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "tunnel ok")
	}))
	defer origin.Close()
	ch := startChallenger(t, func(*http.Request) string { return negotiateAgain })
	p := startProxy(t, pacReturning("PROXY "+ch.addr+"; DIRECT"), negotiating())

	client := p.client(t, origin.Client().Transport.(*http.Transport))
	resp, err := client.Get(origin.URL)
	require.NoError(t, err)
	require.Equal(t, "tunnel ok", readAll(t, resp))

	seen := ch.requests()
	require.Len(t, seen, 4)
	for _, r := range seen {
		require.Equal(t, http.MethodConnect, r.Method)
	}
	require.Contains(t, p.mgr.Failures(), ch.addr)
}

func TestConnectAuthFailureClosesConnection(t *testing.T) {
	ch := startChallenger(t, func(*http.Request) string { return negotiateAgain })
	p := startProxy(t, pacReturning("PROXY "+ch.addr), negotiating())

	c, err := net.Dial("tcp", p.addr)
	require.NoError(t, err)
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = io.WriteString(c, "CONNECT origin.example:443 HTTP/1.1\r\nHost: origin.example:443\r\n\r\n")
	require.NoError(t, err)

	rest, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Len(t, ch.requests(), 4)
}

func TestAnsweredChallengeIsHiddenFromClient(t *testing.T) {
	initial := "Negotiate " + base64.StdEncoding.EncodeToString([]byte("initial"))
	ch := startChallenger(t, func(r *http.Request) string {
		if r.Header.Get("Proxy-Authorization") != initial {
			return "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Negotiate\r\nContent-Length: 0\r\n\r\n"
		}
		return "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 7\r\n\r\nproxied"
	})
	opts := negotiating()
	provider := opts.Handshake.Provider.(*tokenProvider)
	p := startProxy(t, pacReturning("PROXY "+ch.addr+"; DIRECT"), opts)

	resp, err := p.client(t, nil).Get("http://origin.example/x")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Proxy-Authenticate"))
	require.Equal(t, "proxied", readAll(t, resp))

	seen := ch.requests()
	require.Len(t, seen, 2)
	require.Empty(t, seen[0].Header.Get("Proxy-Authorization"))
	require.Equal(t, initial, seen[1].Header.Get("Proxy-Authorization"))
	require.Equal(t, "http://origin.example/x", seen[1].RequestURI)
	require.Equal(t, []string{"HTTP/127.0.0.1"}, provider.principals())
	require.Empty(t, p.mgr.Failures())
}
