package server

import (
	"context"
	"log/slog"
	"time"
)

const statsLogInterval = 5 * time.Minute

// startBackgroundTasks runs the periodic jobs until shutdown begins.
func (s *Server) startBackgroundTasks() {
	if s.kerberos != nil {
		s.tasks.Add(1)
		go func() {
			defer s.tasks.Done()
			defer slog.Debug("Kerberos refresh task stopped")
			s.kerberos.RefreshLoop(s.ctx, s.opts.KerberosRefresh)
		}()
	}

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		s.runMaintenance(s.ctx)
	}()
}

// runMaintenance periodically logs the upstream failure table and
// connection counts.
func (s *Server) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(statsLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if failures := s.upstream.Failures(); len(failures) > 0 {
				s.log.Info("Upstreams with recent failures", "failures", failures)
			}
			stats := s.upstream.Stats()
			s.log.Debug("Upstream connection stats", "active", stats.Active, "idle", stats.Idle, "clients", s.handler.Active())
		}
	}
}
