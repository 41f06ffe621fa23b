package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yolkispalkis/detoxgate/pkg/metrics"
	"github.com/yolkispalkis/detoxgate/pkg/pac"
	"github.com/yolkispalkis/detoxgate/pkg/upstream"
)

const (
	defaultMaxRounds = 3
	defaultTimeout   = 30 * time.Second
	// MaxReplayBody is the largest request body kept for re-sending after
	// a challenge.
	MaxReplayBody = 1 << 20
	// maxDrain bounds how much of a 407 body is read before the connection
	// is considered unusable.
	maxDrain = 64 << 10
)

// Redialer opens a fresh connection to the same upstream, used when the
// proxy closes the connection together with its challenge.
type Redialer func(ctx context.Context) (*upstream.Conn, error)

// Handshake sends requests to an upstream proxy and completes any
// authentication it asks for, so the caller only ever sees the final
// response.
type Handshake struct {
	// Provider enables Negotiate. Nil disables it.
	Provider Provider
	// Credentials enables Basic. Nil disables it.
	Credentials Credentials
	MaxRounds   int
	Timeout     time.Duration
}

func (h *Handshake) maxRounds() int {
	if h.MaxRounds > 0 {
		return h.MaxRounds
	}
	return defaultMaxRounds
}

func (h *Handshake) timeout() time.Duration {
	if h.Timeout > 0 {
		return h.Timeout
	}
	return defaultTimeout
}

// RoundTrip writes req on conn and reads the response, answering 407
// challenges on the same connection. With neither Provider nor Credentials
// set, a 407 is returned like any other response. If the proxy closes the connection
// with its challenge, redial supplies the next one. The connection the
// final response was read from is returned alongside it; the caller owns
// it, and conn if different has been closed.
//
// For a CONNECT request a 2xx response leaves conn positioned at the start
// of the tunnel and its body must not be read.
func (h *Handshake) RoundTrip(ctx context.Context, conn *upstream.Conn, req *http.Request, redial Redialer) (*http.Response, *upstream.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout())
	defer cancel()

	replay, err := prepareReplay(req)
	if err != nil {
		return nil, conn, err
	}

	sess := &Session{State: Idle}
	var secCtx SecurityContext
	defer func() {
		_ = conn.SetDeadline(time.Time{})
		sess.clearToken()
		if secCtx != nil {
			secCtx.Close()
		}
	}()

	fail := func(err error) (*http.Response, *upstream.Conn, error) {
		sess.State = Failed
		conn.SetState(upstream.Unauthenticated)
		if sess.Scheme != "" {
			metrics.AuthHandshakes.WithLabelValues(sess.Scheme, "failure").Inc()
		}
		return nil, conn, &HandshakeError{Scheme: sess.Scheme, State: sess.State, Rounds: sess.Rounds, Err: err}
	}

	log := slog.With("upstream", conn.Candidate.Addr(), "target", conn.Target)
	authorization := ""
	basicSent := false

	for {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if authorization != "" {
			req.Header.Set("Proxy-Authorization", authorization)
		} else {
			req.Header.Del("Proxy-Authorization")
		}

		resp, err := h.send(ctx, conn, req)
		if err != nil {
			if sess.Rounds == 0 {
				return nil, conn, err
			}
			return fail(err)
		}

		if resp.StatusCode != http.StatusProxyAuthRequired {
			if sess.Rounds > 0 {
				sess.State = Authenticated
				conn.SetState(upstream.Authenticated)
				metrics.AuthHandshakes.WithLabelValues(sess.Scheme, "success").Inc()
				if secCtx != nil {
					h.mutualAuth(secCtx, resp, log)
				}
				log.Debug("Upstream proxy authentication succeeded", "scheme", sess.Scheme, "rounds", sess.Rounds)
			}
			req.Header.Del("Proxy-Authorization")
			return resp, conn, nil
		}

		if h.Provider == nil && h.Credentials == nil {
			// Nothing to answer with; the client sees the challenge.
			return resp, conn, nil
		}

		challenges := parseChallenges(resp.Header.Values("Proxy-Authenticate"))
		reusable := drain(resp)
		sess.Rounds++
		if sess.State == Idle || sess.State == Authenticated {
			sess.State = ChallengeReceived
		}
		conn.SetState(upstream.ChallengePending)
		log.Debug("Upstream proxy requires authentication", "round", sess.Rounds, "challenges", resp.Header.Values("Proxy-Authenticate"))

		if sess.Rounds > h.maxRounds() {
			return fail(ErrRoundLimit)
		}
		if replay == nil {
			return fail(ErrBodyNotReplayable)
		}

		if !reusable {
			if redial == nil {
				return fail(ErrConnectionClosed)
			}
			conn.Close()
			next, err := redial(ctx)
			if err != nil {
				return fail(fmt.Errorf("failed to reconnect after challenge: %w", err))
			}
			conn = next
			conn.SetState(upstream.ChallengePending)
			// Security contexts are bound to the transport they ran on.
			if secCtx != nil {
				secCtx.Close()
				secCtx = nil
			}
			log.Debug("Redialed upstream proxy to answer challenge")
		}

		negotiate, hasNegotiate := challenges[strings.ToLower(SchemeNegotiate)]
		_, hasBasic := challenges[strings.ToLower(SchemeBasic)]

		switch {
		case hasNegotiate && h.Provider != nil && (sess.Scheme == "" || sess.Scheme == SchemeNegotiate):
			sess.Scheme = SchemeNegotiate
			var tok []byte
			if secCtx == nil {
				var err error
				secCtx, tok, err = h.Provider.Initiate(ctx, ServicePrincipal(conn.Candidate.Host))
				if err != nil {
					return fail(fmt.Errorf("security context provider refused: %w", err))
				}
			} else {
				if negotiate == "" {
					return fail(ErrRejected)
				}
				serverTok, err := base64.StdEncoding.DecodeString(negotiate)
				if err != nil {
					return fail(fmt.Errorf("invalid Negotiate token from proxy: %w", err))
				}
				var done bool
				tok, done, err = secCtx.Continue(serverTok)
				if err != nil {
					return fail(err)
				}
				if done && len(tok) == 0 {
					// The exchange is complete on our side yet the proxy
					// still refuses.
					return fail(ErrRejected)
				}
			}
			sess.setToken(tok)
			sess.State = TokenExchangeInFlight
			authorization = SchemeNegotiate + " " + base64.StdEncoding.EncodeToString(tok)

		case hasBasic && h.Credentials != nil && sess.Scheme != SchemeNegotiate:
			sess.Scheme = SchemeBasic
			if basicSent {
				return fail(ErrRejected)
			}
			user, password, ok := h.Credentials.Lookup(conn.Candidate.Host)
			if !ok {
				return fail(fmt.Errorf("%w: no credentials for %s", ErrUnsupportedScheme, conn.Candidate.Host))
			}
			basicSent = true
			sess.State = TokenExchangeInFlight
			authorization = SchemeBasic + " " + base64.StdEncoding.EncodeToString([]byte(user+":"+password))

		case sess.Scheme != "":
			// The proxy switched to a scheme we did not start with.
			return fail(ErrRejected)

		default:
			return fail(fmt.Errorf("%w: %s", ErrUnsupportedScheme, strings.Join(resp.Header.Values("Proxy-Authenticate"), ", ")))
		}

		if err := replay(req); err != nil {
			return fail(err)
		}
	}
}

// send writes req in the form the connection expects and reads the
// response headers. The connection deadline stays at the handshake
// deadline until RoundTrip returns.
func (h *Handshake) send(ctx context.Context, conn *upstream.Conn, req *http.Request) (*http.Response, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var err error
	if req.Method != http.MethodConnect && conn.Candidate.Kind == pac.KindProxy {
		err = req.WriteProxy(conn)
	} else {
		err = req.Write(conn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write request to upstream: %w", err)
	}
	resp, err := http.ReadResponse(conn.Reader, req)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from upstream: %w", err)
	}
	return resp, nil
}

func (h *Handshake) mutualAuth(secCtx SecurityContext, resp *http.Response, log *slog.Logger) {
	challenges := parseChallenges(resp.Header.Values("Proxy-Authenticate"))
	tok, ok := challenges[strings.ToLower(SchemeNegotiate)]
	if !ok || tok == "" {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(tok)
	if err != nil {
		log.Warn("Ignoring invalid final Negotiate token", "error", err)
		return
	}
	if _, _, err := secCtx.Continue(raw); err != nil {
		log.Warn("Mutual authentication with upstream proxy failed", "error", err)
	}
}

// parseChallenges maps lower-cased scheme names to their parameter text.
func parseChallenges(values []string) map[string]string {
	out := make(map[string]string, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		scheme, param, _ := strings.Cut(v, " ")
		out[strings.ToLower(scheme)] = strings.TrimSpace(param)
	}
	return out
}

// drain discards a challenge body. It reports whether the connection can
// carry the next request.
func drain(resp *http.Response) bool {
	n, err := io.CopyN(io.Discard, resp.Body, maxDrain+1)
	resp.Body.Close()
	if resp.Close || n > maxDrain {
		return false
	}
	return err == nil || errors.Is(err, io.EOF)
}

// prepareReplay buffers a small request body so the request can be sent
// again. It returns a nil function when the body is too large; the request
// still goes out once, streamed.
func prepareReplay(req *http.Request) (func(*http.Request) error, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return func(*http.Request) error { return nil }, nil
	}
	if req.GetBody != nil {
		return resetBody, nil
	}

	buf, err := io.ReadAll(io.LimitReader(req.Body, MaxReplayBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(buf) > MaxReplayBody {
		req.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), req.Body), req.Body}
		return nil, nil
	}
	req.Body.Close()
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(buf)), nil }
	req.Body, _ = req.GetBody()
	return resetBody, nil
}

func resetBody(req *http.Request) error {
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("failed to rewind request body: %w", err)
	}
	req.Body = body
	return nil
}
