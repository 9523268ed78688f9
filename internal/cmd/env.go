package cmd

import (
	"fmt"

	"github.com/ameshkov/ssme/internal/config"
	"github.com/caarlos0/env/v7"
)

// environments stores the values of the parsed environment variables.
type environments struct {
	ConfigPath       string     `env:"SSME_CONFIG"`
	LogOutputConsole string     `env:"LOG_OUTPUT_CONSOLE"`
	LogDumpPath      string     `env:"LOG_DUMP_PATH"`
	SentryDSN        string     `env:"SENTRY_DSN"`
	LogVerbose       strictBool `env:"VERBOSE" envDefault:"0"`
}

// readEnvs reads the configuration defined by the environment variables.  See
// environments.
func readEnvs() (envs *environments, err error) {
	envs = &environments{}
	err = env.Parse(envs)
	if err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}

	return envs, nil
}

// apply overrides the values of cfg with the ones set in the environment.
// LOG_OUTPUT_CONSOLE only enables the console output when it is "true".
func (envs *environments) apply(cfg *config.File) {
	if envs.LogOutputConsole != "" {
		cfg.LogOutputConsole = envs.LogOutputConsole == "true"
	}

	if envs.LogDumpPath != "" {
		cfg.LogDumpPath = envs.LogDumpPath
	}

	if envs.SentryDSN != "" {
		cfg.SentryDSN = envs.SentryDSN
	}
}

// strictBool is a type for booleans that are parsed from the environment more
// strictly than the usual bool.  It only accepts "0" and "1" as valid values.
type strictBool bool

// UnmarshalText implements the encoding.TextUnmarshaler interface for
// *strictBool.
func (sb *strictBool) UnmarshalText(b []byte) (err error) {
	const (
		strictBoolFalse = '0'
		strictBoolTrue  = '1'
	)

	if len(b) == 1 {
		switch b[0] {
		case strictBoolFalse:
			*sb = false

			return nil
		case strictBoolTrue:
			*sb = true

			return nil
		default:
			// Go on and return an error.
		}
	}

	return fmt.Errorf("invalid value %q, supported: %q, %q", b, strictBoolFalse, strictBoolTrue)
}
