package server

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yolkispalkis/detoxgate/pkg/auth"
	"github.com/yolkispalkis/detoxgate/pkg/common"
	"github.com/yolkispalkis/detoxgate/pkg/config"
	"github.com/yolkispalkis/detoxgate/pkg/kerb"
)

const (
	defaultGracefulShutdownTimeout = 10 * time.Second
	defaultKerberosRefresh         = time.Minute
)

// Options configure a Server. Zero values select defaults.
type Options struct {
	// PACScript is the script source; empty routes everything DIRECT.
	PACScript string
	// PACName names the script in errors and the status page.
	PACName string

	Interface string
	Port      int

	// Negotiate answers Negotiate challenges with credentials from the
	// user's Kerberos ccache. Provider, when set, is used instead.
	Negotiate       bool
	Provider        auth.Provider
	Kerberos        kerb.Options
	KerberosRefresh time.Duration
	// Credentials answer Basic challenges.
	Credentials auth.Credentials

	PACTimeout         time.Duration
	ConnectTimeout     time.Duration
	AuthTimeout        time.Duration
	AuthMaxRounds      int
	DirectFallback     bool
	AlwaysUseConnect   bool
	MaxConnections     int64
	PoolMaxIdlePerHost int
	PoolIdleTimeout    time.Duration

	GracefulShutdownTimeout time.Duration

	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Interface == "" {
		o.Interface = common.DefaultListenAddr
	}
	if o.PACName == "" {
		o.PACName = "default.pac"
	}
	if o.GracefulShutdownTimeout <= 0 {
		o.GracefulShutdownTimeout = defaultGracefulShutdownTimeout
	}
	if o.KerberosRefresh <= 0 {
		o.KerberosRefresh = defaultKerberosRefresh
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// OptionsFromConfig maps the loaded configuration onto Options. script is
// the already fetched PAC source.
func OptionsFromConfig(cfg *config.Config, script string) Options {
	seconds := func(n int) time.Duration { return time.Duration(n) * time.Second }
	name := cfg.PAC.File
	if name == "" {
		name = "default.pac"
	}
	return Options{
		PACScript:               script,
		PACName:                 name,
		Interface:               cfg.Listen.Interface,
		Port:                    cfg.Listen.Port,
		Negotiate:               cfg.Auth.Negotiate,
		Kerberos:                kerb.Options{CCache: cfg.Kerberos.CCache, Krb5Conf: cfg.Kerberos.Krb5Conf},
		KerberosRefresh:         seconds(cfg.Kerberos.RefreshInterval),
		PACTimeout:              seconds(cfg.PAC.ExecutionTimeout),
		ConnectTimeout:          seconds(cfg.Proxy.ConnectTimeout),
		AuthTimeout:             seconds(cfg.Auth.Timeout),
		AuthMaxRounds:           cfg.Auth.MaxRounds,
		DirectFallback:          cfg.Proxy.DirectFallback,
		AlwaysUseConnect:        cfg.Proxy.AlwaysUseConnect,
		MaxConnections:          int64(cfg.Proxy.MaxConnections),
		PoolMaxIdlePerHost:      cfg.Proxy.PoolMaxIdlePerHost,
		PoolIdleTimeout:         seconds(cfg.Proxy.PoolIdleTimeout),
		GracefulShutdownTimeout: cfg.ShutdownTimeout,
	}
}
