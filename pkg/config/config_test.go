package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Listen.Interface)
	require.Equal(t, 3128, cfg.Listen.Port)
	require.Equal(t, DefaultPACExecutionTimeout, cfg.PAC.ExecutionTimeout)
	require.Equal(t, DefaultAuthMaxRounds, cfg.Auth.MaxRounds)
	require.Equal(t, 0, cfg.Proxy.PoolMaxIdlePerHost)
	require.Equal(t, "text", cfg.LogFormat)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detoxgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen:
  port: 8080
pac:
  file: /etc/detoxgate/proxy.pac
auth:
  negotiate: true
proxy:
  direct_fallback: true
shutdown_timeout: 3
`), 0o600))

	t.Setenv("DETOX_PROXY_CONNECT_TIMEOUT", "4")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 3128, "")
	flags.String("log-level", "info", "")
	require.NoError(t, flags.Parse([]string{"--log-level=debug"}))

	cfg, err := LoadConfig(path, flags)
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Listen.Port, "unchanged flag does not override the file")
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "/etc/detoxgate/proxy.pac", cfg.PAC.File)
	require.True(t, cfg.Auth.Negotiate)
	require.True(t, cfg.Proxy.DirectFallback)
	require.Equal(t, 4, cfg.Proxy.ConnectTimeout)
	require.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)
	require.Equal(t, 3128, cfg.Listen.Port)
}

func TestValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_format: xml\n"), 0o600))
	_, err := LoadConfig(path, nil)
	require.ErrorContains(t, err, "log_format")

	require.NoError(t, os.WriteFile(path, []byte("listen:\n  port: 70000\n"), 0o600))
	_, err = LoadConfig(path, nil)
	require.ErrorContains(t, err, "listen.port")
}

func TestSaveConfigRoundTrip(t *testing.T) {
	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)
	cfg.PAC.File = "http://wpad.corp/wpad.dat"
	cfg.Proxy.AlwaysUseConnect = true

	path := filepath.Join(t.TempDir(), "out", "detoxgate.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path, nil)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}
