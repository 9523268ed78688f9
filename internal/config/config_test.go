package config_test

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/testutil"
	"github.com/ameshkov/ssme/internal/config"
	"github.com/ameshkov/ssme/internal/hoststore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes data to a config file in a temporary directory and
// returns its path.
func writeConfig(t *testing.T, data string) (path string) {
	t.Helper()

	path = filepath.Join(t.TempDir(), "ssme.config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	return path
}

func TestLoad(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	path := writeConfig(t, `
listen-addr: 127.0.0.1
port: 8080
secure-port: 8443
hosts-path: ~/hosts
log-output-console: true
proxy-url: socks5://127.0.0.1:1080
drain-timeout: 2s
prometheus:
  addr: 127.0.0.1
  port: 9090
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, &config.File{
		Prometheus: &config.Prometheus{
			Addr: "127.0.0.1",
			Port: 9090,
		},
		ListenAddr:       "127.0.0.1",
		HostsPath:        filepath.Join(home, "hosts"),
		LogDumpPath:      filepath.Join(home, ".ssme", "log"),
		ProxyURL:         "socks5://127.0.0.1:1080",
		DrainTimeout:     2 * time.Second,
		Port:             8080,
		SecurePort:       8443,
		LogOutputConsole: true,
	}, cfg)

	gwCfg, err := cfg.ToGatewayConfig()
	require.NoError(t, err)

	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), gwCfg.ListenAddr)
	assert.Equal(t, uint16(8080), gwCfg.ListenPort)
	assert.Equal(t, uint16(8443), gwCfg.ListenPortTLS)
	assert.Equal(t, 2*time.Second, gwCfg.DrainTimeout)
	assert.Zero(t, gwCfg.CloseTimeout)
	require.NotNil(t, gwCfg.ProxyURL)
	assert.Equal(t, "socks5", gwCfg.ProxyURL.Scheme)

	dir, ok := gwCfg.Hosts.(*hoststore.Dir)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(home, "hosts"), dir.Path())
}

func TestLoad_defaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "hosts-path: /srv/hosts\n"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.ListenAddr)
	assert.Equal(t, uint16(80), cfg.Port)
	assert.Equal(t, uint16(443), cfg.SecurePort)
	assert.Equal(t, "/srv/hosts", cfg.HostsPath)
	assert.False(t, cfg.LogOutputConsole)
	assert.Nil(t, cfg.Prometheus)
}

func TestLoad_errors(t *testing.T) {
	testCases := []struct {
		name       string
		data       string
		wantErrMsg string
	}{{
		name:       "bad_yaml",
		data:       "port: [",
		wantErrMsg: "failed to parse config file",
	}, {
		name:       "no_hosts_path",
		data:       "hosts-path: ''\n",
		wantErrMsg: "failed to validate config file: hosts-path is required",
	}, {
		name:       "bad_listen_addr",
		data:       "listen-addr: localhost\n",
		wantErrMsg: "failed to validate config file: listen-addr",
	}, {
		name:       "same_ports",
		data:       "port: 8080\nsecure-port: 8080\n",
		wantErrMsg: "failed to validate config file: port and secure-port are both 8080",
	}, {
		name:       "bad_proxy_url",
		data:       "proxy-url: '://x'\n",
		wantErrMsg: "failed to validate config file: proxy-url",
	}, {
		name:       "negative_timeout",
		data:       "drain-timeout: -1s\n",
		wantErrMsg: "failed to validate config file: drain-timeout",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tc.data))
			require.Error(t, err)

			assert.Contains(t, err.Error(), tc.wantErrMsg)
		})
	}
}

func TestLoad_missing(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "none.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestWatcher(t *testing.T) {
	path := writeConfig(t, "port: 8080\n")

	cfgCh := make(chan *config.File, 10)
	w, err := config.NewWatcher(path, func(cfg *config.File) {
		cfgCh <- cfg
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	testutil.CleanupAndRequireSuccess(t, func() (err error) {
		return w.Shutdown(context.Background())
	})

	// Invalid changes are ignored.
	require.NoError(t, os.WriteFile(path, []byte("port: ["), 0o600))
	require.NoError(t, os.WriteFile(path, []byte("port: 9090\n"), 0o600))

	var cfg *config.File
	require.Eventually(t, func() bool {
		select {
		case cfg = <-cfgCh:
			return cfg.Port == 9090
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	// Other files in the directory don't trigger a reload.
	other := filepath.Join(filepath.Dir(path), "other.yaml")
	require.NoError(t, os.WriteFile(other, []byte("port: 1\n"), 0o600))

	assert.Never(t, func() bool {
		select {
		case cfg = <-cfgCh:
			return cfg.Port == 1
		default:
			return false
		}
	}, 500*time.Millisecond, 50*time.Millisecond)
}

func TestWatcher_Shutdown(t *testing.T) {
	path := writeConfig(t, "port: 8080\n")

	calls := make(chan struct{}, 10)
	w, err := config.NewWatcher(path, func(_ *config.File) {
		calls <- struct{}{}
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	require.NoError(t, w.Shutdown(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte("port: 9090\n"), 0o600))

	assert.Never(t, func() bool {
		return len(calls) > 0
	}, 500*time.Millisecond, 50*time.Millisecond)
}
