package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// localListener owns the client-facing socket.
type localListener struct {
	address string

	mu       sync.Mutex
	listener net.Listener
}

func newLocalListener(iface string, port int) *localListener {
	return &localListener{address: net.JoinHostPort(iface, strconv.Itoa(port))}
}

func (l *localListener) start() error {
	listener, err := net.Listen("tcp", l.address)
	if err != nil {
		return fmt.Errorf("failed to start local listener on %s: %w", l.address, err)
	}
	l.mu.Lock()
	l.listener = listener
	l.mu.Unlock()
	slog.Info("Started local listener", "address", listener.Addr().String())
	return nil
}

func (l *localListener) accept() (net.Conn, error) {
	l.mu.Lock()
	listener := l.listener
	l.mu.Unlock()
	if listener == nil {
		return nil, net.ErrClosed
	}
	return listener.Accept()
}

func (l *localListener) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	slog.Info("Closing local listener", "address", l.listener.Addr().String())
	err := l.listener.Close()
	l.listener = nil
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (l *localListener) addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Addr()
	}
	return nil
}

// acceptBackoff grows the pause after temporary accept failures such as
// EMFILE, capped at one second.
func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	if next := prev * 2; next < time.Second {
		return next
	}
	return time.Second
}
