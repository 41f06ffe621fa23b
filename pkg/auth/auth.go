// Package auth answers upstream proxy authentication challenges on behalf
// of clients: Negotiate through an injected security-context provider, or
// Basic with credentials from a netrc file.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Provider creates security contexts for a service principal. The
// credential material itself lives outside this process.
type Provider interface {
	// Initiate starts a context and returns the first token to send.
	Initiate(ctx context.Context, spn string) (SecurityContext, []byte, error)
}

// SecurityContext is one in-progress Negotiate exchange.
type SecurityContext interface {
	// Continue consumes a server token. done is true once the server's
	// token completes the exchange; token may then be empty.
	Continue(serverToken []byte) (token []byte, done bool, err error)
	Close()
}

// Credentials supplies Basic credentials per proxy host.
type Credentials interface {
	Lookup(host string) (user, password string, ok bool)
}

// State of one handshake.
type State int

const (
	Idle State = iota
	ChallengeReceived
	TokenExchangeInFlight
	Authenticated
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ChallengeReceived:
		return "challenge-received"
	case TokenExchangeInFlight:
		return "token-exchange-in-flight"
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	SchemeNegotiate = "Negotiate"
	SchemeBasic     = "Basic"
)

var (
	ErrRoundLimit        = errors.New("authentication round limit exceeded")
	ErrRejected          = errors.New("proxy rejected credentials")
	ErrUnsupportedScheme = errors.New("proxy requires an unsupported authentication scheme")
	ErrBodyNotReplayable = errors.New("request body too large to replay after authentication challenge")
	ErrConnectionClosed  = errors.New("proxy closed connection during authentication and no redial is possible")
)

// HandshakeError reports a failed authentication with an upstream proxy.
// The router treats it as a candidate failure.
type HandshakeError struct {
	Scheme string
	State  State
	Rounds int
	Err    error
}

func (e *HandshakeError) Error() string {
	scheme := e.Scheme
	if scheme == "" {
		scheme = "proxy"
	}
	return fmt.Sprintf("%s authentication failed in state %s after %d round(s): %v", scheme, e.State, e.Rounds, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// ServicePrincipal returns the Kerberos service name of an HTTP proxy.
func ServicePrincipal(host string) string {
	return "HTTP/" + strings.ToLower(strings.TrimSuffix(host, "."))
}

// Session is the transient state of one handshake on one connection.
type Session struct {
	Scheme string
	State  State
	Rounds int

	token []byte
}

func (s *Session) setToken(tok []byte) {
	s.clearToken()
	s.token = tok
}

// clearToken zeroes the last token so it does not linger in memory.
func (s *Session) clearToken() {
	for i := range s.token {
		s.token[i] = 0
	}
	s.token = nil
}
