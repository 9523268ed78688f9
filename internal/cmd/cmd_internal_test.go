package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/AdguardTeam/golibs/log"
	"github.com/ameshkov/ssme/internal/config"
	"github.com/ameshkov/ssme/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrictBool_UnmarshalText(t *testing.T) {
	testCases := []struct {
		name    string
		in      string
		want    strictBool
		wantErr bool
	}{{
		name: "zero",
		in:   "0",
		want: false,
	}, {
		name: "one",
		in:   "1",
		want: true,
	}, {
		name:    "true",
		in:      "true",
		wantErr: true,
	}, {
		name:    "empty",
		in:      "",
		wantErr: true,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var sb strictBool
			err := sb.UnmarshalText([]byte(tc.in))
			if tc.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.want, sb)
		})
	}
}

func TestReadEnvs(t *testing.T) {
	t.Setenv("SSME_CONFIG", "/etc/ssme.yaml")
	t.Setenv("LOG_OUTPUT_CONSOLE", "true")
	t.Setenv("LOG_DUMP_PATH", "/var/log/ssme")
	t.Setenv("SENTRY_DSN", "")
	t.Setenv("VERBOSE", "1")

	envs, err := readEnvs()
	require.NoError(t, err)

	assert.Equal(t, &environments{
		ConfigPath:       "/etc/ssme.yaml",
		LogOutputConsole: "true",
		LogDumpPath:      "/var/log/ssme",
		LogVerbose:       true,
	}, envs)

	t.Setenv("VERBOSE", "yes")

	_, err = readEnvs()
	require.Error(t, err)
}

func TestEnvironments_apply(t *testing.T) {
	testCases := []struct {
		envs        *environments
		name        string
		wantDump    string
		wantConsole bool
	}{{
		envs:        &environments{},
		name:        "empty",
		wantDump:    "/log",
		wantConsole: true,
	}, {
		envs:        &environments{LogOutputConsole: "false", LogDumpPath: "/other"},
		name:        "override",
		wantDump:    "/other",
		wantConsole: false,
	}, {
		envs:        &environments{LogOutputConsole: "1"},
		name:        "not_true",
		wantDump:    "/log",
		wantConsole: false,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &config.File{LogDumpPath: "/log", LogOutputConsole: true}
			tc.envs.apply(cfg)

			assert.Equal(t, tc.wantDump, cfg.LogDumpPath)
			assert.Equal(t, tc.wantConsole, cfg.LogOutputConsole)
		})
	}
}

func TestParseOptions(t *testing.T) {
	o, err := parseOptions([]string{"-c", "/etc/ssme.yaml", "-v"})
	require.NoError(t, err)

	assert.Equal(t, "/etc/ssme.yaml", o.ConfigPath)
	assert.True(t, o.Verbose)
	assert.Contains(t, o.String(), "config-path: /etc/ssme.yaml")

	o, err = parseOptions(nil)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultPath, configPath(o, &environments{}))
	assert.Equal(t, "/env.yaml", configPath(o, &environments{ConfigPath: "/env.yaml"}))

	_, err = parseOptions([]string{"extra"})
	require.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "none.yaml")

	cfg, err := loadConfig(missing, false, &environments{LogDumpPath: dir})
	require.NoError(t, err)

	assert.Equal(t, uint16(80), cfg.Port)
	assert.Equal(t, dir, cfg.LogDumpPath)

	_, err = loadConfig(missing, true, &environments{})
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLogOutput(t *testing.T) {
	dir := t.TempDir()

	o := newLogOutput()
	t.Cleanup(func() { require.NoError(t, o.Close()) })

	require.NoError(t, o.configure(false, filepath.Join(dir, "a")))
	log.Info("test: first")

	require.NoError(t, o.configure(false, filepath.Join(dir, "b")))
	log.Info("test: second")

	a, err := os.ReadFile(filepath.Join(dir, "a", logFileName))
	require.NoError(t, err)
	assert.Contains(t, string(a), "test: first")
	assert.NotContains(t, string(a), "test: second")

	b, err := os.ReadFile(filepath.Join(dir, "b", logFileName))
	require.NoError(t, err)
	assert.Contains(t, string(b), "test: second")
}

func TestNewErrorCollector(t *testing.T) {
	errColl, err := newErrorCollector("")
	require.NoError(t, err)
	assert.Equal(t, gateway.EmptyErrorCollector{}, errColl)

	_, err = newErrorCollector("not a dsn")
	require.Error(t, err)

	errColl, err = newErrorCollector("https://public@sentry.example/1")
	require.NoError(t, err)

	sc, ok := errColl.(*sentryErrorCollector)
	require.True(t, ok)

	// Nothing is captured, so there is nothing to flush.
	require.NoError(t, sc.Shutdown(context.Background()))
}
