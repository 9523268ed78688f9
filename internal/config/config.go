// Package config is responsible for parsing configuration file.
package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file used when none is given.
const DefaultPath = "ssme.config.yaml"

// Default values of the configuration file.
const (
	defaultListenAddr  = "0.0.0.0"
	defaultPort        = 80
	defaultSecurePort  = 443
	defaultHostsPath   = "~/.ssme/hosts"
	defaultLogDumpPath = "~/.ssme/log"
)

// File represents a configuration file.
type File struct {
	// Prometheus is the metrics endpoint section.  If not specified, the
	// metrics are not exposed.
	Prometheus *Prometheus `yaml:"prometheus"`

	// ListenAddr is the address where the gateway listens to incoming
	// connections.
	ListenAddr string `yaml:"listen-addr"`

	// HostsPath is the directory with the host records.  Must be specified.
	// A leading "~" is the user's home directory.
	HostsPath string `yaml:"hosts-path"`

	// LogDumpPath is the directory where server.log is written.  If empty,
	// the log is not written to a file.  A leading "~" is the user's home
	// directory.
	LogDumpPath string `yaml:"log-dump-path"`

	// ProxyURL is the optional proxy for upstream connections.
	// Format of the URL: [protocol://username:password@]host[:port]
	ProxyURL string `yaml:"proxy-url"`

	// SentryDSN is the DSN of the Sentry project errors are reported to.  If
	// empty, errors are only logged.
	SentryDSN string `yaml:"sentry-dsn"`

	// DrainTimeout is the time to wait for the connections to close on
	// shutdown.  If zero, the gateway default is used.
	DrainTimeout time.Duration `yaml:"drain-timeout"`

	// CloseTimeout is the time to wait for the listeners to close on
	// shutdown.  If zero, the gateway default is used.
	CloseTimeout time.Duration `yaml:"close-timeout"`

	// Port is the plain HTTP port.
	Port uint16 `yaml:"port"`

	// SecurePort is the HTTPS port.
	SecurePort uint16 `yaml:"secure-port"`

	// LogOutputConsole defines whether the log is written to stderr.
	LogOutputConsole bool `yaml:"log-output-console"`
}

// Prometheus represents the prometheus configuration.
type Prometheus struct {
	// Addr is the address where prometheus metrics are exposed.
	Addr string `yaml:"addr"`

	// Port is the port where prometheus metrics will be exposed.
	Port uint16 `yaml:"port"`
}

// Default returns the configuration used when there is no configuration
// file.
func Default() (cfg *File) {
	return &File{
		ListenAddr:  defaultListenAddr,
		HostsPath:   defaultHostsPath,
		LogDumpPath: defaultLogDumpPath,
		Port:        defaultPort,
		SecurePort:  defaultSecurePort,
	}
}

// Load loads and validates configuration from the specified file.  The
// fields missing from the file keep their default values.
func Load(path string) (cfg *File, err error) {
	// #nosec G304 -- Trust the path that is given on the command line.
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg = Default()
	err = yaml.Unmarshal(b, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	err = cfg.Normalize()
	if err != nil {
		return nil, fmt.Errorf("failed to validate config file: %w", err)
	}

	return cfg, nil
}

// Normalize expands the home directory in the paths and validates f.
func (f *File) Normalize() (err error) {
	f.HostsPath, err = expandHome(f.HostsPath)
	if err != nil {
		return fmt.Errorf("hosts-path: %w", err)
	}

	f.LogDumpPath, err = expandHome(f.LogDumpPath)
	if err != nil {
		return fmt.Errorf("log-dump-path: %w", err)
	}

	return validate(f)
}

func validate(cfg *File) (err error) {
	if cfg.HostsPath == "" {
		return errors.Error("hosts-path is required")
	}

	if _, err = netip.ParseAddr(cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen-addr: %w", err)
	}

	if cfg.Port != 0 && cfg.Port == cfg.SecurePort {
		return fmt.Errorf("port and secure-port are both %d", cfg.Port)
	}

	if cfg.ProxyURL != "" {
		if _, err = url.Parse(cfg.ProxyURL); err != nil {
			return fmt.Errorf("proxy-url: %w", err)
		}
	}

	if cfg.DrainTimeout < 0 {
		return fmt.Errorf("drain-timeout: negative value %s", cfg.DrainTimeout)
	}

	if cfg.CloseTimeout < 0 {
		return fmt.Errorf("close-timeout: negative value %s", cfg.CloseTimeout)
	}

	return nil
}

// expandHome replaces the leading "~" in path with the home directory of the
// current user.
func expandHome(path string) (expanded string, err error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
