package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yolkispalkis/detoxgate/pkg/auth"
	"github.com/yolkispalkis/detoxgate/pkg/common"
	"github.com/yolkispalkis/detoxgate/pkg/pac"
	"github.com/yolkispalkis/detoxgate/pkg/upstream"
)

// errBodyConsumed stops candidate fallback once a streamed request body has
// been sent to a candidate that then failed.
var errBodyConsumed = errors.New("request body already sent and too large to replay")

func (h *Handler) serveForward(ctx context.Context, s *clientSession, req *http.Request) bool {
	start := time.Now()
	target, err := common.Authority(req.URL)
	if err != nil {
		_ = errorResponse(req, http.StatusBadRequest, fmt.Errorf("invalid request target %q: %w", req.URL.String(), err)).Write(s.conn)
		return false
	}
	log := s.log.With("method", req.Method, "target", req.URL.String())

	clientClose := wantsClose(req)
	removeHopByHop(req.Header)
	req.RequestURI = ""

	replayable, err := bufferBody(req)
	if err != nil {
		h.record(req, "", http.StatusBadRequest, 0, 0, start, err)
		return false
	}
	sent := req.ContentLength
	if sent < 0 {
		sent = 0
	}

	var (
		lastErr  error
		bodySent bool
	)
	for i, cand := range h.candidates(ctx, req.URL.String(), req.URL.Hostname()) {
		if i > 0 {
			if bodySent && !replayable {
				lastErr = fmt.Errorf("%w: %v", errBodyConsumed, lastErr)
				break
			}
			if err := rewindBody(req); err != nil {
				lastErr = err
				break
			}
		}

		resp, up, poolable, err := h.attemptForward(ctx, cand, req, target)
		if err != nil {
			lastErr = err
			log.Warn("Candidate failed", "candidate", cand.String(), "reason", failureReason(err), "error", err)
			// A failed dial or a refused tunnel wrote nothing of the body.
			var (
				connErr   *upstream.ConnectError
				statusErr *StatusError
			)
			if !errors.As(err, &connErr) && !errors.As(err, &statusErr) {
				bodySent = true
			}
			continue
		}

		keepAlive, received, werr := h.writeResponse(s, req, resp, clientClose)
		h.opts.Upstream.Release(up, poolable && werr == nil && !resp.Close)
		if werr != nil {
			werr = fmt.Errorf("failed to write response to client: %w", werr)
		}
		h.record(req, cand.String(), resp.StatusCode, sent, received, start, quietRelayErr(werr))
		return keepAlive && werr == nil
	}

	if lastErr == nil {
		lastErr = errors.New("no usable candidate")
	}
	cw := &countingWriter{w: s.conn}
	_ = errorResponse(req, http.StatusBadGateway, lastErr).Write(cw)
	h.record(req, "", http.StatusBadGateway, sent, cw.n, start, lastErr)
	return false
}

// attemptForward sends req through cand and reads the response headers.
// poolable tells whether the connection may go back to the idle pool once
// the body has been relayed.
func (h *Handler) attemptForward(ctx context.Context, cand pac.Candidate, req *http.Request, target string) (*http.Response, *upstream.Conn, bool, error) {
	mgr := h.opts.Upstream

	if cand.Kind == pac.KindProxy && !h.opts.AlwaysUseConnect {
		up, err := mgr.Connect(ctx, cand, target)
		if err != nil {
			return nil, nil, false, err
		}
		resp, up, err := h.handshake.RoundTrip(ctx, up, req, h.redialer(cand, target))
		if err != nil {
			up.Close()
			mgr.MarkFailed(cand)
			return nil, nil, false, err
		}
		mgr.MarkSucceeded(cand)
		return resp, up, true, nil
	}

	// DIRECT and SOCKS reach the origin; with AlwaysUseConnect a proxy
	// tunnel does too. Either way the origin gets an origin-form request.
	up, err := h.openTunnel(ctx, cand, target)
	if err != nil {
		return nil, nil, false, err
	}
	if err := req.Write(up); err != nil {
		up.Close()
		return nil, nil, false, fmt.Errorf("failed to write request to %s: %w", target, err)
	}
	resp, err := http.ReadResponse(up.Reader, req)
	if err != nil {
		up.Close()
		return nil, nil, false, fmt.Errorf("failed to read response from %s: %w", target, err)
	}
	return resp, up, false, nil
}

// writeResponse relays resp to the client and reports whether the client
// connection can carry another request.
func (h *Handler) writeResponse(s *clientSession, req *http.Request, resp *http.Response, clientClose bool) (bool, int64, error) {
	defer resp.Body.Close()

	removeHopByHop(resp.Header)
	resp.Header.Add("Via", viaValue)

	framed := isBodyless(req, resp) || resp.ContentLength >= 0 || len(resp.TransferEncoding) > 0
	keepAlive := !clientClose && framed
	upstreamClose := resp.Close

	resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1
	resp.Close = !keepAlive
	cw := &countingWriter{w: s.conn}
	err := resp.Write(cw)
	resp.Close = upstreamClose || err != nil
	return keepAlive, cw.n, err
}

// bufferBody reads a small request body into memory so the request can be
// sent to more than one candidate. It reports whether that worked; larger
// bodies stay streamed.
func bufferBody(req *http.Request) (bool, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return true, nil
	}
	if req.ContentLength > auth.MaxReplayBody {
		return false, nil
	}
	buf, err := io.ReadAll(io.LimitReader(req.Body, auth.MaxReplayBody+1))
	if err != nil {
		return false, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(buf) > auth.MaxReplayBody {
		req.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), req.Body), req.Body}
		return false, nil
	}
	req.Body.Close()
	req.ContentLength = int64(len(buf))
	req.TransferEncoding = nil
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(buf)), nil }
	req.Body, _ = req.GetBody()
	if len(buf) == 0 {
		req.Body, req.GetBody = http.NoBody, nil
	}
	return true, nil
}

func rewindBody(req *http.Request) error {
	if req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("failed to rewind request body: %w", err)
	}
	req.Body = body
	return nil
}
