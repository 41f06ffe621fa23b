package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yolkispalkis/detoxgate/pkg/auth"
	"github.com/yolkispalkis/detoxgate/pkg/upstream"
)

func TestRemoveHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "X-Trace, keep-alive")
	h.Set("X-Trace", "1")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Proxy-Authorization", "Basic x")
	h.Set("Upgrade", "websocket")
	h.Set("Content-Type", "text/plain")

	removeHopByHop(h)
	require.Equal(t, http.Header{"Content-Type": {"text/plain"}}, h)
}

func TestWantsClose(t *testing.T) {
	req := httptestRequest(t, "GET http://a/ HTTP/1.1\r\nHost: a\r\nProxy-Connection: close\r\n\r\n")
	require.True(t, wantsClose(req))

	req = httptestRequest(t, "GET http://a/ HTTP/1.1\r\nHost: a\r\nConnection: close\r\n\r\n")
	require.True(t, wantsClose(req))

	req = httptestRequest(t, "GET http://a/ HTTP/1.1\r\nHost: a\r\n\r\n")
	require.False(t, wantsClose(req))

	req = httptestRequest(t, "GET http://a/ HTTP/1.0\r\nHost: a\r\n\r\n")
	require.True(t, wantsClose(req))
}

func TestConnectTarget(t *testing.T) {
	tests := []struct {
		authority string
		host      string
		target    string
		pacURL    string
	}{
		{"example.com:443", "example.com", "example.com:443", "https://example.com/"},
		{"example.com:8443", "example.com", "example.com:8443", "https://example.com:8443/"},
		{"example.com", "example.com", "example.com:443", "https://example.com/"},
		{"[::1]:443", "::1", "[::1]:443", "https://[::1]/"},
	}
	for _, tt := range tests {
		t.Run(tt.authority, func(t *testing.T) {
			req := &http.Request{Method: http.MethodConnect, Host: tt.authority, URL: &url.URL{Host: tt.authority}}
			host, target, pacURL, err := connectTarget(req)
			require.NoError(t, err)
			require.Equal(t, tt.host, host)
			require.Equal(t, tt.target, target)
			require.Equal(t, tt.pacURL, pacURL)
		})
	}
}

func TestBufferBody(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "http://a/", strings.NewReader("small"))
	require.NoError(t, err)
	req.GetBody = nil
	replayable, err := bufferBody(req)
	require.NoError(t, err)
	require.True(t, replayable)
	require.NotNil(t, req.GetBody)
	require.Equal(t, int64(5), req.ContentLength)

	large := bytes.Repeat([]byte("x"), 2<<20)
	req, err = http.NewRequest(http.MethodPost, "http://a/", io.NopCloser(bytes.NewReader(large)))
	require.NoError(t, err)
	req.ContentLength = -1
	replayable, err = bufferBody(req)
	require.NoError(t, err)
	require.False(t, replayable)
	got, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	require.Equal(t, large, got)
}

func TestErrorResponse(t *testing.T) {
	resp := errorResponse(nil, http.StatusBadGateway, io.ErrUnexpectedEOF)
	var buf bytes.Buffer
	require.NoError(t, resp.Write(&buf))
	out := buf.String()
	require.True(t, strings.HasPrefix(out, "HTTP/1.1 502 Bad Gateway\r\n"))
	require.Contains(t, out, "Connection: close")
	require.Contains(t, out, "unexpected EOF")
}

func TestFailureReason(t *testing.T) {
	refused := &upstream.ConnectError{Err: &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}}
	require.Equal(t, "refused", failureReason(refused))
	require.Equal(t, "refused", failureReason(fmt.Errorf("wrapped: %w", refused)))
	require.Equal(t, "status", failureReason(&StatusError{Status: "403 Forbidden"}))
	require.Equal(t, "auth", failureReason(&auth.HandshakeError{Err: auth.ErrRoundLimit}))
	require.Equal(t, "timeout", failureReason(context.DeadlineExceeded))
	require.Equal(t, "error", failureReason(io.ErrUnexpectedEOF))
}

func httptestRequest(t *testing.T, raw string) *http.Request {
	t.Helper()
	req, err := http.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	return req
}
