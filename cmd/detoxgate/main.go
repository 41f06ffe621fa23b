package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/yolkispalkis/detoxgate/pkg/auth"
	"github.com/yolkispalkis/detoxgate/pkg/common"
	"github.com/yolkispalkis/detoxgate/pkg/config"
	"github.com/yolkispalkis/detoxgate/pkg/limit"
	"github.com/yolkispalkis/detoxgate/pkg/logging"
	"github.com/yolkispalkis/detoxgate/pkg/metrics"
	"github.com/yolkispalkis/detoxgate/pkg/pac"
	"github.com/yolkispalkis/detoxgate/pkg/server"
	"github.com/yolkispalkis/detoxgate/pkg/signals"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliFlags struct {
	configPath  string
	writeConfig string
	showVersion bool
}

func main() {
	var shutdownOnce sync.Once
	ctx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "DETOXGATE PANIC: %v\n%s\n", r, string(debug.Stack()))
			signals.TriggerShutdown(&shutdownOnce, rootCancel)
			os.Exit(1)
		}
	}()

	fs, flags := newFlagSet()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	if flags.showVersion {
		fmt.Printf("%s %s, commit %s, built at %s\n", common.ProductName, version, commit, date)
		return
	}

	cfg, err := config.LoadConfig(flags.configPath, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if flags.writeConfig != "" {
		if err := config.SaveConfig(cfg, flags.writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write configuration: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogPath, cfg.LogFormat, os.Stderr)
	slog.Info("Starting "+common.ProductName, "version", version, "pid", os.Getpid())

	if n, err := limit.RaiseOpenFiles(); err != nil {
		slog.Warn("Could not raise open file limit", "error", err)
	} else if n > 0 {
		slog.Debug("Open file limit", "limit", n)
	}

	if err := run(ctx, rootCancel, &shutdownOnce, cfg, logger); err != nil {
		slog.Error("Proxy stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info(common.ProductName + " exited gracefully.")
}

func run(ctx context.Context, cancel context.CancelFunc, shutdownOnce *sync.Once, cfg *config.Config, logger *slog.Logger) error {
	loadOpts := pac.LoadOptions{Charset: cfg.PAC.Charset, UserAgent: common.ProductName + "/" + version}
	script, err := loadPAC(ctx, cfg.PAC.File, loadOpts)
	if err != nil {
		return err
	}

	opts := server.OptionsFromConfig(cfg, script)
	opts.Logger = logger
	netrcPath := cfg.Auth.NetrcFile
	if netrcPath == "" && !cfg.Auth.Negotiate {
		// Basic from the user's netrc, when there is one.
		if p := auth.DefaultNetrcPath(); p != "" {
			if _, err := os.Stat(p); err == nil {
				netrcPath = p
			}
		}
	}
	if netrcPath != "" {
		creds, err := auth.LoadNetrc(netrcPath)
		if err != nil {
			return err
		}
		slog.Info("Using netrc credentials for Basic authentication", "path", netrcPath)
		opts.Credentials = creds
	}

	metrics.Register()
	srv, err := server.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			slog.Error("Failed to release proxy resources", "error", err)
		}
	}()

	reload := func() {
		if cfg.PAC.File == "" {
			slog.Info("No PAC file configured, nothing to reload")
			return
		}
		source, err := loadPAC(ctx, cfg.PAC.File, loadOpts)
		if err != nil {
			metrics.PACReloadTotal.WithLabelValues("failure").Inc()
			slog.Error("Failed to fetch PAC script for reload", "location", cfg.PAC.File, "error", err)
			return
		}
		_ = srv.Reload(source)
	}
	signals.SetupHandler(ctx, cancel, shutdownOnce, reload)

	go func() {
		<-ctx.Done()
		srv.Shutdown()
	}()
	return srv.Run()
}

func loadPAC(ctx context.Context, location string, opts pac.LoadOptions) (string, error) {
	if location == "" {
		slog.Info("No PAC file configured, routing everything DIRECT")
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return pac.Load(ctx, location, opts)
}

func newFlagSet() (*pflag.FlagSet, *cliFlags) {
	var flags cliFlags
	fs := pflag.NewFlagSet(common.ProductName, pflag.ContinueOnError)
	fs.StringVarP(&flags.configPath, "config", "c", "", "Path to YAML configuration file")
	fs.StringVar(&flags.writeConfig, "write-config", "", "Write the effective configuration to this path and exit")
	fs.BoolVar(&flags.showVersion, "version", false, "Show version")

	fs.StringP("pac-file", "p", "", "PAC file path or http(s) URL")
	fs.IntP("port", "P", common.DefaultListenPort, "Port to listen on")
	fs.StringP("interface", "i", common.DefaultListenAddr, "Interface address to listen on")
	fs.BoolP("negotiate", "N", false, "Answer Negotiate challenges with Kerberos credentials")
	fs.String("netrc-file", "", "netrc file with Basic credentials for upstream proxies")
	fs.Bool("direct-fallback", false, "Try DIRECT after all PAC candidates fail")
	fs.Bool("always-use-connect", false, "Send plain HTTP through upstream proxies with CONNECT")
	fs.Int("connect-timeout", config.DefaultConnectTimeout, "Upstream connect timeout in seconds")
	fs.Int("max-connections", config.DefaultMaxConnections, "Maximum concurrent client connections")
	fs.String("log-level", config.DefaultLogLevel, "Log level: debug, info, warn, error")
	fs.String("log-format", config.DefaultLogFormat, "Log format: text, json, console")
	return fs, &flags
}
