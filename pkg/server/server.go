// Package server ties the PAC evaluator, upstream manager and router to a
// listening socket and owns their lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/yolkispalkis/detoxgate/pkg/auth"
	"github.com/yolkispalkis/detoxgate/pkg/kerb"
	"github.com/yolkispalkis/detoxgate/pkg/metrics"
	"github.com/yolkispalkis/detoxgate/pkg/pac"
	"github.com/yolkispalkis/detoxgate/pkg/proxy"
	"github.com/yolkispalkis/detoxgate/pkg/upstream"
)

var (
	ErrAlreadyRunning = errors.New("server is already running")
	ErrStillRunning   = errors.New("server is still running")
	ErrClosed         = errors.New("server is closed")
)

type Server struct {
	opts Options
	log  *slog.Logger

	listener *localListener
	addr     net.Addr
	store    *pac.Store
	eval     *pac.Evaluator
	dns      *pac.DNSCache
	upstream *upstream.Manager
	kerberos *kerb.Provider
	handler  *proxy.Handler

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
	runDone chan struct{}

	sessions sync.WaitGroup
	tasks    sync.WaitGroup
}

// New compiles the PAC script and binds the listening socket. A script
// that does not compile or lacks FindProxyForURL is a *pac.LoadError.
func New(opts Options) (*Server, error) {
	opts.setDefaults()

	source := opts.PACScript
	if source == "" {
		source = pac.DefaultScript
	}
	script, err := pac.Compile(opts.PACName, source)
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:     opts,
		log:      opts.Logger,
		listener: newLocalListener(opts.Interface, opts.Port),
		store:    pac.NewStore(script),
		runDone:  make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	provider := opts.Provider
	if provider == nil && opts.Negotiate {
		s.kerberos, err = kerb.New(opts.Kerberos)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Kerberos provider: %w", err)
		}
		provider = s.kerberos
	}

	s.dns = pac.NewDNSCache(nil)
	s.eval = pac.NewEvaluator(s.store, pac.EvaluatorOptions{
		Timeout:  opts.PACTimeout,
		Resolver: s.dns,
	})
	s.upstream = upstream.NewManager(upstream.Options{
		ConnectTimeout: opts.ConnectTimeout,
		MaxIdlePerHost: opts.PoolMaxIdlePerHost,
		IdleTimeout:    opts.PoolIdleTimeout,
	})

	if err := s.listener.start(); err != nil {
		_ = s.release()
		return nil, err
	}
	s.addr = s.listener.addr()

	var handshake *auth.Handshake
	if provider != nil || opts.Credentials != nil {
		handshake = &auth.Handshake{
			Provider:    provider,
			Credentials: opts.Credentials,
			MaxRounds:   opts.AuthMaxRounds,
			Timeout:     opts.AuthTimeout,
		}
	}
	s.handler = proxy.NewHandler(proxy.Options{
		Evaluator:        s.eval,
		Upstream:         s.upstream,
		Handshake:        handshake,
		DirectFallback:   opts.DirectFallback,
		AlwaysUseConnect: opts.AlwaysUseConnect,
		MaxConnections:   opts.MaxConnections,
		ProxyAddr:        advertisedAddr(opts.Interface, s.addr),
		Gatherer:         opts.Gatherer,
		Status:           s.status,
		Logger:           s.log,
	})
	return s, nil
}

// advertisedAddr is the address /proxy.pac points clients at. A wildcard
// bind leaves it to the Host header of each request.
func advertisedAddr(iface string, addr net.Addr) string {
	if ip := net.ParseIP(iface); ip != nil && ip.IsUnspecified() {
		return ""
	}
	if iface == "" {
		return ""
	}
	return addr.String()
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.addr }

// Run accepts clients until Shutdown. It then lets sessions finish their
// current request for up to the grace period, force-closes what remains
// and returns once every session goroutine has exited.
func (s *Server) Run() error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.started:
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.started = true
	s.mu.Unlock()
	defer close(s.runDone)

	hardCtx, hardCancel := context.WithCancel(context.Background())
	defer hardCancel()

	s.startBackgroundTasks()
	stopAccept := context.AfterFunc(s.ctx, func() {
		if err := s.listener.close(); err != nil {
			s.log.Warn("Error closing listener", "error", err)
		}
	})
	defer stopAccept()

	s.log.Info("Proxy is serving", "address", s.addr.String(), "pac", s.opts.PACName)
	acceptErr := s.acceptLoop(hardCtx)

	s.log.Info("Stopped accepting, draining client sessions", "active", s.handler.Active(), "grace_period", s.opts.GracefulShutdownTimeout)
	s.handler.Drain()

	drained := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		s.log.Info("All client sessions finished")
	case <-time.After(s.opts.GracefulShutdownTimeout):
		s.log.Warn("Grace period expired, closing remaining sessions", "active", s.handler.Active())
		hardCancel()
		s.upstream.Close()
		<-drained
	}

	s.cancel()
	s.tasks.Wait()
	return acceptErr
}

func (s *Server) acceptLoop(hardCtx context.Context) error {
	var backoff time.Duration
	for {
		conn, err := s.listener.accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if (errors.As(err, &netErr) && netErr.Timeout()) || errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) {
				backoff = acceptBackoff(backoff)
				s.log.Warn("Temporary accept failure, retrying", "error", err, "backoff", backoff)
				select {
				case <-time.After(backoff):
					continue
				case <-s.ctx.Done():
					return nil
				}
			}
			s.log.Error("Accept failed, shutting down", "error", err)
			s.cancel()
			return fmt.Errorf("failed to accept client connection: %w", err)
		}
		backoff = 0

		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			s.handler.ServeConn(hardCtx, conn)
		}()
	}
}

// Shutdown makes Run stop accepting and begin draining. It does not wait
// and may be called any number of times from any goroutine.
func (s *Server) Shutdown() {
	s.cancel()
}

// Close releases everything the server holds. It fails with
// ErrStillRunning while Run has not returned.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.started {
		select {
		case <-s.runDone:
		default:
			return ErrStillRunning
		}
	}
	s.closed = true
	s.cancel()
	return s.release()
}

func (s *Server) release() error {
	if s.upstream != nil {
		s.upstream.Close()
	}
	if s.dns != nil {
		s.dns.Close()
	}
	if s.kerberos != nil {
		s.kerberos.Close()
	}
	return s.listener.close()
}

// Reload compiles source and swaps it in. On failure the running script
// stays in place.
func (s *Server) Reload(source string) error {
	script, err := pac.Compile(s.opts.PACName, source)
	if err != nil {
		metrics.PACReloadTotal.WithLabelValues("failure").Inc()
		s.log.Error("PAC reload failed, keeping current script", "error", err)
		return err
	}
	s.store.Swap(script)
	metrics.PACReloadTotal.WithLabelValues("success").Inc()
	s.log.Info("PAC script reloaded", "name", script.Name)
	return nil
}

// Evaluator exposes the PAC evaluator, for diagnostics.
func (s *Server) Evaluator() *pac.Evaluator { return s.eval }

func (s *Server) status() map[string]string {
	if s.kerberos == nil {
		return nil
	}
	st := s.kerberos.Status()
	out := map[string]string{
		"kerberos ccache": st.CCache,
		"kerberos valid":  fmt.Sprint(st.Valid),
	}
	if st.Principal != "" {
		out["kerberos principal"] = st.Principal + "@" + st.Realm
	}
	if !st.Expiry.IsZero() {
		out["kerberos expiry"] = st.Expiry.Format(time.RFC3339)
	}
	return out
}
