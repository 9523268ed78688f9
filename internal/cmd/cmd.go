// Package cmd is responsible for the program's command-line interface.
package cmd

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/ameshkov/ssme/internal/config"
	"github.com/ameshkov/ssme/internal/gateway"
	"github.com/ameshkov/ssme/internal/metrics"
	"github.com/ameshkov/ssme/internal/version"
	goFlags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Main is the entry point of the program.
func Main() {
	if isVersionRequest() {
		fmt.Printf("ssme version: %s\n", version.Version())

		os.Exit(0)
	}

	o, err := parseOptions(os.Args[1:])
	var flagErr *goFlags.Error
	if errors.As(err, &flagErr) && flagErr.Type == goFlags.ErrHelp {
		// This is a special case when we exit process here as we received
		// --help.
		os.Exit(0)
	}

	check("parse args", err)

	envs, err := readEnvs()
	check("read environment", err)

	if o.Verbose || bool(envs.LogVerbose) {
		log.SetLevel(log.DEBUG)
	}

	confPath := configPath(o, envs)
	cfg, err := loadConfig(confPath, o.ConfigPath != "" || envs.ConfigPath != "", envs)
	check("load config file", err)

	logOut := newLogOutput()
	err = logOut.configure(cfg.LogOutputConsole, cfg.LogDumpPath)
	check("set up logging", err)

	errColl, err := newErrorCollector(cfg.SentryDSN)
	check("init error collector", err)

	gwCfg, err := cfg.ToGatewayConfig()
	check("parse gateway config", err)

	gwCfg.ErrColl = errColl

	gw, err := gateway.New(gwCfg)
	check("init gateway", err)

	err = gw.Start(context.Background())
	check("start gateway", err)

	metrics.SetUpGauge(version.Version(), "", "", runtime.Version())

	svcs := []service{}

	r := &reloader{
		gw:      gw,
		logOut:  logOut,
		envs:    envs,
		errColl: errColl,
	}

	w, err := config.NewWatcher(confPath, r.apply)
	check("init config watcher", err)

	err = w.Start()
	check("start config watcher", err)

	// The watcher goes first so that no restart races the shutdown.
	svcs = append(svcs, w, gw)

	if cfg.Prometheus != nil {
		metricsSrv := newMetricsServer(cfg.Prometheus.Addr, cfg.Prometheus.Port)
		go serveMetrics(metricsSrv)

		svcs = append(svcs, metricsSrv)
	}

	if sc, ok := errColl.(service); ok {
		svcs = append(svcs, sc)
	}

	sigHandler := newSignalHandler(svcs...)
	status := sigHandler.handle()

	log.OnCloserError(logOut, log.DEBUG)

	os.Exit(status)
}

// check exits with an error status if err is not nil.
func check(operationName string, err error) {
	if err != nil {
		log.Error("failed to %s: %v", operationName, err)

		os.Exit(1)
	}
}

// configPath returns the path of the configuration file: the one from the
// command line, the one from the environment, or the default one.
func configPath(o *Options, envs *environments) (path string) {
	switch {
	case o.ConfigPath != "":
		return o.ConfigPath
	case envs.ConfigPath != "":
		return envs.ConfigPath
	default:
		return config.DefaultPath
	}
}

// loadConfig loads the configuration from path and applies the environment
// to it.  If the file doesn't exist and it hasn't been set explicitly, the
// default configuration is used.
func loadConfig(path string, explicit bool, envs *environments) (cfg *config.File, err error) {
	cfg, err = config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		log.Info("no config file at %s, using defaults", path)

		cfg = config.Default()
	} else if err != nil {
		return nil, err
	}

	envs.apply(cfg)

	return cfg, cfg.Normalize()
}

// reloader applies the changes of the configuration file to the running
// program.
type reloader struct {
	gw      *gateway.Gateway
	logOut  *logOutput
	envs    *environments
	errColl gateway.ErrorCollector
}

// apply reconfigures logging and restarts the gateway with cfg.  The restart
// is not waited for.  It is used as the config.Watcher callback.
func (r *reloader) apply(cfg *config.File) {
	r.envs.apply(cfg)

	err := cfg.Normalize()
	if err != nil {
		log.Error("reloading config: %s", err)

		return
	}

	err = r.logOut.configure(cfg.LogOutputConsole, cfg.LogDumpPath)
	if err != nil {
		log.Error("reloading config: logging: %s", err)
	}

	gwCfg, err := cfg.ToGatewayConfig()
	if err != nil {
		log.Error("reloading config: %s", err)

		return
	}

	gwCfg.ErrColl = r.errColl

	err = r.gw.UpdateConfig(gwCfg)
	if err != nil {
		log.Error("reloading config: %s", err)

		return
	}

	go func() {
		defer log.OnPanic("reloader")

		// Restart logs and collects its errors itself.
		_ = r.gw.Restart(context.Background())
	}()
}

// newMetricsServer returns the server for the prometheus metrics and the
// health check.
func newMetricsServer(listenAddr string, port uint16) (srv *http.Server) {
	mux := &http.ServeMux{}
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health-check", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "OK")
	})

	return &http.Server{
		Addr:         netutil.JoinHostPort(listenAddr, port),
		Handler:      mux,
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
	}
}

// serveMetrics runs srv until it is shut down.  It is intended to be used as
// a goroutine.
func serveMetrics(srv *http.Server) {
	defer log.OnPanic("metrics")

	log.Info("Starting metrics at %s", srv.Addr)

	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Metrics failed to listen to %s: %v", srv.Addr, err)
	}
}
