package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/yolkispalkis/detoxgate/pkg/auth"
	"github.com/yolkispalkis/detoxgate/pkg/common"
	"github.com/yolkispalkis/detoxgate/pkg/logging"
	"github.com/yolkispalkis/detoxgate/pkg/metrics"
	"github.com/yolkispalkis/detoxgate/pkg/pac"
	"github.com/yolkispalkis/detoxgate/pkg/upstream"
)

// StatusError is a non-2xx answer from an upstream proxy to CONNECT.
type StatusError struct {
	Candidate pac.Candidate
	Status    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s refused CONNECT: %s", e.Candidate, e.Status)
}

// connectTarget returns host:port of a CONNECT request and the URL handed
// to FindProxyForURL for it.
func connectTarget(req *http.Request) (host, target, pacURL string, err error) {
	authority := req.Host
	if authority == "" {
		authority = req.URL.Host
	}
	host, port, err := common.SplitHostPort(authority, 443)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid CONNECT target %q: %w", authority, err)
	}
	target = net.JoinHostPort(host, strconv.Itoa(port))

	urlHost := host
	if strings.Contains(host, ":") {
		urlHost = "[" + host + "]"
	}
	if port != 443 {
		urlHost = target
	}
	return host, target, "https://" + urlHost + "/", nil
}

func (h *Handler) serveConnect(ctx context.Context, s *clientSession, req *http.Request) {
	start := time.Now()
	host, target, pacURL, err := connectTarget(req)
	if err != nil {
		_ = errorResponse(req, http.StatusBadRequest, err).Write(s.conn)
		return
	}
	log := s.log.With("method", req.Method, "target", target)

	var lastErr error
	for _, cand := range h.candidates(ctx, pacURL, host) {
		up, err := h.openTunnel(ctx, cand, target)
		if err != nil {
			lastErr = err
			log.Warn("Candidate failed for CONNECT", "candidate", cand.String(), "reason", failureReason(err), "error", err)
			continue
		}

		route := cand.String()
		if _, err := io.WriteString(s.conn, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
			up.Close()
			log.Debug("Client went away before tunnel start", "error", err)
			return
		}
		log.Debug("Tunnel established", "candidate", route, "reused", up.Reused())

		sent, received, relayErr := relay(ctx, s.conn, s.br, up)
		up.Close()
		h.record(req, route, http.StatusOK, sent, received, start, quietRelayErr(relayErr))
		return
	}

	if lastErr == nil {
		lastErr = errors.New("no usable candidate")
	}
	h.record(req, "", http.StatusBadGateway, 0, 0, start, lastErr)
}

// openTunnel returns a connection on which bytes flow to target: a direct
// or SOCKS connection as is, or a proxy connection after a successful
// CONNECT.
func (h *Handler) openTunnel(ctx context.Context, cand pac.Candidate, target string) (*upstream.Conn, error) {
	mgr := h.opts.Upstream
	up, err := mgr.Connect(ctx, cand, target)
	if err != nil {
		return nil, err
	}
	if cand.Kind != pac.KindProxy {
		mgr.MarkSucceeded(cand)
		return up, nil
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: target},
		Host:   target,
		Header: make(http.Header),
	}
	connectReq.Header.Set("User-Agent", common.ProductName)

	resp, up, err := h.handshake.RoundTrip(ctx, up, connectReq, h.redialer(cand, target))
	if err != nil {
		up.Close()
		mgr.MarkFailed(cand)
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		// The body of a refusal is not needed; the connection is dropped.
		up.Close()
		mgr.MarkFailed(cand)
		return nil, &StatusError{Candidate: cand, Status: resp.Status}
	}
	mgr.MarkSucceeded(cand)
	return up, nil
}

// failureReason labels why a candidate was given up.
func failureReason(err error) string {
	var (
		connErr   *upstream.ConnectError
		statusErr *StatusError
		authErr   *auth.HandshakeError
	)
	switch {
	case errors.As(err, &connErr):
		return connErr.Reason()
	case errors.As(err, &statusErr):
		return "status"
	case errors.As(err, &authErr):
		return "auth"
	case common.IsTimeoutError(err):
		return "timeout"
	default:
		return "error"
	}
}

// quietRelayErr drops the errors every tunnel ends with.
func quietRelayErr(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || common.IsConnectionClosedErr(err) {
		return nil
	}
	var relayErr *RelayError
	if errors.As(err, &relayErr) && common.IsTimeoutError(relayErr.Err) {
		return nil
	}
	return err
}

// record emits the access log entry and request metrics. sent counts bytes
// from the client, received bytes to it.
func (h *Handler) record(req *http.Request, route string, status int, sent, received int64, start time.Time, err error) {
	label := route
	if label == "" {
		label = "none"
	} else if i := strings.IndexByte(label, ' '); i > 0 {
		label = label[:i]
	}
	elapsed := time.Since(start)
	metrics.RequestsTotal.WithLabelValues(req.Method, label).Inc()
	metrics.RequestDuration.WithLabelValues(req.Method, label).Observe(elapsed.Seconds())
	metrics.BytesReceived.WithLabelValues(label).Add(float64(sent))
	metrics.BytesSent.WithLabelValues(label).Add(float64(received))

	target := req.Host
	if req.Method != http.MethodConnect && req.URL != nil {
		target = req.URL.String()
	}
	logging.LogRequest(h.log, logging.RequestEntry{
		RemoteAddr: req.RemoteAddr,
		Method:     req.Method,
		Target:     target,
		Route:      route,
		Status:     status,
		BytesIn:    sent,
		BytesOut:   received,
		Duration:   elapsed,
		Err:        err,
	})
}
