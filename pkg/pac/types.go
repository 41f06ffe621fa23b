package pac

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Kind tells how a candidate reaches the destination.
type Kind int

const (
	KindDirect Kind = iota // "DIRECT"
	KindProxy              // "PROXY host:port", HTTP proxy
	KindSocks              // "SOCKS host:port", SOCKS5 proxy
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "DIRECT"
	case KindProxy:
		return "PROXY"
	case KindSocks:
		return "SOCKS"
	default:
		return "UNKNOWN"
	}
}

// Candidate is one connection strategy returned by FindProxyForURL.
// Position is its fallback priority, 0 being tried first.
type Candidate struct {
	Kind     Kind
	Host     string
	Port     int
	Position int
}

// Direct returns the single-candidate list used whenever PAC evaluation
// gives no usable answer.
func Direct() []Candidate {
	return []Candidate{{Kind: KindDirect}}
}

func (c Candidate) IsDirect() bool { return c.Kind == KindDirect }

// Addr returns host:port of the upstream proxy, or "" for DIRECT.
func (c Candidate) Addr() string {
	if c.Kind == KindDirect {
		return ""
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// String renders the candidate in PAC directive form.
func (c Candidate) String() string {
	if c.Kind == KindDirect {
		return "DIRECT"
	}
	return c.Kind.String() + " " + c.Addr()
}

// LoadError is returned when a PAC script cannot be compiled or does not
// define FindProxyForURL. It is fatal at server creation.
type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load PAC script %q: %v", e.Name, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// EvaluationError is returned when running FindProxyForURL fails: runtime
// exception, non-string result, timeout or cancellation.
type EvaluationError struct {
	URL string
	Err error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("PAC evaluation failed for %s: %v", e.URL, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

var (
	// ErrMalformedResult means FindProxyForURL returned a string without a
	// single recognised directive.
	ErrMalformedResult = errors.New("malformed PAC result")

	ErrTimeout                = errors.New("pac script execution timed out")
	ErrFindProxyForURLMissing = errors.New("function 'FindProxyForURL' not found in PAC script")
)
