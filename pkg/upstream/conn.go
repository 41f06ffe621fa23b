package upstream

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yolkispalkis/detoxgate/pkg/common"
	"github.com/yolkispalkis/detoxgate/pkg/pac"
)

// TrustState is what the upstream proxy knows about us on this connection.
type TrustState int

const (
	Unauthenticated TrustState = iota
	ChallengePending
	Authenticated
)

func (s TrustState) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case ChallengePending:
		return "challenge-pending"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Conn is a live socket to an upstream proxy or to the origin. It is owned
// by one client session at a time. Reads go through Reader so bytes
// buffered while parsing a response are not lost.
type Conn struct {
	net.Conn
	Reader *bufio.Reader

	Candidate pac.Candidate
	// Target is the origin host:port this connection was opened for. For
	// HTTP proxies it is informational; they may carry any target.
	Target string

	state     TrustState
	reused    bool
	idleSince time.Time

	bytesRead    atomic.Int64
	bytesWritten atomic.Int64

	mgr       *Manager
	closeOnce sync.Once
	closeErr  error
}

func newConn(raw net.Conn, cand pac.Candidate, target string, mgr *Manager) *Conn {
	return &Conn{
		Conn:      raw,
		Reader:    bufio.NewReader(raw),
		Candidate: cand,
		Target:    target,
		mgr:       mgr,
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.Reader.Read(p)
	c.bytesRead.Add(int64(n))
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.bytesWritten.Add(int64(n))
	return n, err
}

// CloseWrite half-closes the connection when the transport supports it.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.mgr != nil {
			c.mgr.forget(c)
		}
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

func (c *Conn) State() TrustState         { return c.state }
func (c *Conn) SetState(state TrustState) { c.state = state }

// Reused reports whether the connection came from the idle pool.
func (c *Conn) Reused() bool { return c.reused }

func (c *Conn) BytesRead() int64    { return c.bytesRead.Load() }
func (c *Conn) BytesWritten() int64 { return c.bytesWritten.Load() }

func (c *Conn) String() string {
	return fmt.Sprintf("%s -> %s (%s)", c.Candidate, c.Target, c.state)
}

// ConnectError means a candidate could not be reached. The router moves on
// to the next candidate.
type ConnectError struct {
	Candidate pac.Candidate
	Target    string
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect via %s to %s: %v", e.Candidate, e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Reason classifies the failure for logs: refused, timeout, closed or
// error.
func (e *ConnectError) Reason() string {
	switch {
	case common.IsRefusedErr(e.Err):
		return "refused"
	case common.IsTimeoutError(e.Err):
		return "timeout"
	case errors.Is(e.Err, ErrManagerClosed):
		return "closed"
	default:
		return "error"
	}
}
