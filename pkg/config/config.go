// pkg/config/config.go
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/yolkispalkis/detoxgate/pkg/common"
)

// Default values for configuration
const (
	DefaultPACExecutionTimeout = 5  // seconds
	DefaultConnectTimeout      = 10 // seconds
	DefaultAuthMaxRounds       = 3
	DefaultAuthTimeout         = 30 // seconds
	DefaultPoolIdleTimeout     = 90 // seconds
	DefaultMaxConnections      = 512
	DefaultKerberosRefresh     = 60 // seconds
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultShutdownTimeout     = 10 // seconds
	EnvPrefix                  = "DETOX"
)

// Config holds the main application configuration.
type Config struct {
	Listen          ListenConfig   `mapstructure:"listen"`
	PAC             PACConfig      `mapstructure:"pac"`
	Auth            AuthConfig     `mapstructure:"auth"`
	Proxy           ProxyConfig    `mapstructure:"proxy"`
	Kerberos        KerberosConfig `mapstructure:"kerberos"`
	LogLevel        string         `mapstructure:"log_level"`
	LogPath         string         `mapstructure:"log_path"`
	LogFormat       string         `mapstructure:"log_format"` // text, json, console
	ShutdownTimeout time.Duration  `mapstructure:"-"`          // Parsed separately
}

type ListenConfig struct {
	Interface string `mapstructure:"interface"`
	Port      int    `mapstructure:"port"`
}

type PACConfig struct {
	File             string `mapstructure:"file"`              // Path or URL; empty means DIRECT for everything
	Charset          string `mapstructure:"charset"`           // Optional override, e.g. "windows-1251"
	ExecutionTimeout int    `mapstructure:"execution_timeout"` // seconds
}

type AuthConfig struct {
	Negotiate bool   `mapstructure:"negotiate"`
	NetrcFile string `mapstructure:"netrc_file"` // Enables Basic when set
	MaxRounds int    `mapstructure:"max_rounds"`
	Timeout   int    `mapstructure:"timeout"` // seconds
}

// ProxyConfig tunes routing and upstream connections.
type ProxyConfig struct {
	ConnectTimeout     int  `mapstructure:"connect_timeout"` // seconds
	DirectFallback     bool `mapstructure:"direct_fallback"`
	AlwaysUseConnect   bool `mapstructure:"always_use_connect"`
	PoolMaxIdlePerHost int  `mapstructure:"pool_max_idle_per_host"` // 0 disables pooling
	PoolIdleTimeout    int  `mapstructure:"pool_idle_timeout"`      // seconds
	MaxConnections     int  `mapstructure:"max_connections"`
}

// KerberosConfig points at the credential cache; tickets come from kinit.
type KerberosConfig struct {
	CCache          string `mapstructure:"ccache"`    // Overrides KRB5CCNAME
	Krb5Conf        string `mapstructure:"krb5_conf"` // Overrides KRB5_CONFIG
	RefreshInterval int    `mapstructure:"refresh_interval"`
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"interface":          "listen.interface",
	"port":               "listen.port",
	"pac-file":           "pac.file",
	"negotiate":          "auth.negotiate",
	"netrc-file":         "auth.netrc_file",
	"direct-fallback":    "proxy.direct_fallback",
	"always-use-connect": "proxy.always_use_connect",
	"connect-timeout":    "proxy.connect_timeout",
	"max-connections":    "proxy.max_connections",
	"log-level":          "log_level",
	"log-format":         "log_format",
}

// LoadConfig reads configuration from an optional file, DETOX_* environment
// variables, changed flags and defaults.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			slog.Warn("Could not get absolute config path, using provided path", "path", configPath, "error", err)
			absPath = configPath
		}
		v.SetConfigFile(absPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file %s: %w", absPath, err)
			}
			slog.Warn("Config file not found, using defaults and environment variables.", "path", absPath)
		} else {
			slog.Info("Loaded configuration file", "path", absPath)
		}
	}

	// DETOX_LISTEN_PORT, DETOX_PAC_FILE, etc.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
				}
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	config.ShutdownTimeout = time.Duration(v.GetInt("shutdown_timeout")) * time.Second

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

// validateConfig checks the consistency and validity of the configuration.
func validateConfig(cfg *Config) error {
	if cfg.Listen.Port < 0 || cfg.Listen.Port > 65535 {
		return fmt.Errorf("invalid listen.port %d (must be 0-65535)", cfg.Listen.Port)
	}
	if cfg.PAC.ExecutionTimeout <= 0 {
		return errors.New("pac.execution_timeout must be a positive number of seconds")
	}
	if cfg.Auth.MaxRounds <= 0 {
		return errors.New("auth.max_rounds must be positive")
	}
	if cfg.Auth.Timeout <= 0 {
		return errors.New("auth.timeout must be a positive number of seconds")
	}
	if cfg.Proxy.ConnectTimeout <= 0 {
		return errors.New("proxy.connect_timeout must be a positive number of seconds")
	}
	if cfg.Proxy.PoolMaxIdlePerHost < 0 {
		return errors.New("proxy.pool_max_idle_per_host cannot be negative")
	}
	if cfg.Proxy.PoolIdleTimeout <= 0 {
		return errors.New("proxy.pool_idle_timeout must be a positive number of seconds")
	}
	if cfg.Proxy.MaxConnections <= 0 {
		return errors.New("proxy.max_connections must be positive")
	}
	if cfg.Kerberos.RefreshInterval <= 0 {
		return errors.New("kerberos.refresh_interval must be a positive number of seconds")
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "text", "json", "console":
	default:
		return fmt.Errorf("invalid log_format '%s', must be one of: text, json, console", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be a positive number of seconds")
	}
	if !cfg.Auth.Negotiate && cfg.Auth.NetrcFile == "" {
		slog.Debug("No upstream authentication configured, 407 responses are passed to clients")
	}
	return nil
}

// setDefaults configures the default values in viper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen.interface", common.DefaultListenAddr)
	v.SetDefault("listen.port", common.DefaultListenPort)

	v.SetDefault("pac.file", "")
	v.SetDefault("pac.charset", "")
	v.SetDefault("pac.execution_timeout", DefaultPACExecutionTimeout)

	v.SetDefault("auth.negotiate", false)
	v.SetDefault("auth.netrc_file", "")
	v.SetDefault("auth.max_rounds", DefaultAuthMaxRounds)
	v.SetDefault("auth.timeout", DefaultAuthTimeout)

	v.SetDefault("proxy.connect_timeout", DefaultConnectTimeout)
	v.SetDefault("proxy.direct_fallback", false)
	v.SetDefault("proxy.always_use_connect", false)
	v.SetDefault("proxy.pool_max_idle_per_host", 0)
	v.SetDefault("proxy.pool_idle_timeout", DefaultPoolIdleTimeout)
	v.SetDefault("proxy.max_connections", DefaultMaxConnections)

	v.SetDefault("kerberos.ccache", "")
	v.SetDefault("kerberos.krb5_conf", "")
	v.SetDefault("kerberos.refresh_interval", DefaultKerberosRefresh)

	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_path", "")
	v.SetDefault("log_format", DefaultLogFormat)
	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)
}

// SaveConfig writes cfg as YAML, e.g. to seed a config file from the
// effective settings.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	if err := v.MergeConfigMap(toKeyed(cfg)); err != nil {
		return fmt.Errorf("failed to prepare config map for saving: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to save configuration to %s: %w", path, err)
	}
	if err := os.Chmod(path, 0640); err != nil {
		slog.Warn("Failed to set permissions on saved config file", "path", path, "error", err)
	}
	slog.Info("Configuration saved", "path", path)
	return nil
}

func toKeyed(cfg *Config) map[string]interface{} {
	return map[string]interface{}{
		"listen": map[string]interface{}{
			"interface": cfg.Listen.Interface,
			"port":      cfg.Listen.Port,
		},
		"pac": map[string]interface{}{
			"file":              cfg.PAC.File,
			"charset":           cfg.PAC.Charset,
			"execution_timeout": cfg.PAC.ExecutionTimeout,
		},
		"auth": map[string]interface{}{
			"negotiate":  cfg.Auth.Negotiate,
			"netrc_file": cfg.Auth.NetrcFile,
			"max_rounds": cfg.Auth.MaxRounds,
			"timeout":    cfg.Auth.Timeout,
		},
		"proxy": map[string]interface{}{
			"connect_timeout":        cfg.Proxy.ConnectTimeout,
			"direct_fallback":        cfg.Proxy.DirectFallback,
			"always_use_connect":     cfg.Proxy.AlwaysUseConnect,
			"pool_max_idle_per_host": cfg.Proxy.PoolMaxIdlePerHost,
			"pool_idle_timeout":      cfg.Proxy.PoolIdleTimeout,
			"max_connections":        cfg.Proxy.MaxConnections,
		},
		"kerberos": map[string]interface{}{
			"ccache":           cfg.Kerberos.CCache,
			"krb5_conf":        cfg.Kerberos.Krb5Conf,
			"refresh_interval": cfg.Kerberos.RefreshInterval,
		},
		"log_level":        cfg.LogLevel,
		"log_path":         cfg.LogPath,
		"log_format":       cfg.LogFormat,
		"shutdown_timeout": int(cfg.ShutdownTimeout.Seconds()),
	}
}
