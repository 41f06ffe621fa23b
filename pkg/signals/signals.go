package signals

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// SetupHandler cancels on SIGINT/SIGTERM and calls reload on SIGHUP until
// ctx is done. reload may be nil.
func SetupHandler(ctx context.Context, cancel context.CancelFunc, shutdownOnce *sync.Once, reload func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		defer signal.Stop(sigCh)
		for {
			select {
			case sig := <-sigCh:
				if sig == syscall.SIGHUP {
					if reload != nil {
						slog.Info("Received SIGHUP, reloading PAC script")
						reload()
					}
					continue
				}
				slog.Info("Received signal, initiating shutdown...", "signal", sig)
				TriggerShutdown(shutdownOnce, cancel)
				return
			case <-ctx.Done():
				slog.Debug("Signal handler context done, stopping listener.")
				return
			}
		}
	}()
}

func TriggerShutdown(shutdownOnce *sync.Once, cancel context.CancelFunc) {
	shutdownOnce.Do(func() {
		slog.Info("Triggering application shutdown...")
		if cancel != nil {
			cancel()
		}
	})
}
