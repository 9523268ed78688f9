// Package gateway implements the virtual hosts gateway: it serves many domains
// on shared HTTP and HTTPS ports, picks the certificate by SNI, and routes
// every domain to an upstream or to a static files root.
package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/ameshkov/ssme/internal/hoststore"
	"github.com/ameshkov/ssme/internal/metrics"
)

// ErrNotStopped is returned from Start when the gateway isn't stopped.
const ErrNotStopped errors.Error = "gateway is not stopped"

const (
	// readHeaderTimeout is the timeout for reading the request headers.
	readHeaderTimeout = 60 * time.Second

	// idleTimeout is the timeout for idle keep-alive connections.
	idleTimeout = 120 * time.Second
)

// Listener names used in logs and metrics.
const (
	listenerPlain = "http"
	listenerTLS   = "https"
)

// Gateway serves the domains from the host store.  It owns both listeners,
// the subscription to the host store, and the routing tables.
type Gateway struct {
	// tables is the live routing state.  It is swapped as a whole.
	tables atomic.Pointer[tables]

	// state is the current State.  It is only changed while mu is held.
	state atomic.Uint32

	// mu serializes lifecycle transitions and protects the fields below.
	mu *sync.Mutex

	conf      *Config
	sub       hoststore.Subscription
	transport *http.Transport
	servers   []*server

	// restarting is true while a restart is in progress.
	restarting atomic.Bool

	// reloadMu serializes table builds.
	reloadMu *sync.Mutex

	tracker *connTracker
	clients *clientCounter
}

// server is one of the two HTTP servers of the gateway.
type server struct {
	srv      *http.Server
	listener net.Listener

	// done is closed when srv.Serve returns.
	done chan struct{}

	name string
}

// type check
var _ http.Handler = (*Gateway)(nil)

// New creates a new stopped *Gateway.
func New(c *Config) (g *Gateway, err error) {
	conf, err := c.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("bad config: %w", err)
	}

	g = &Gateway{
		mu:       &sync.Mutex{},
		conf:     conf,
		reloadMu: &sync.Mutex{},
		tracker:  newConnTracker(),
		clients:  newClientCounter(),
	}

	g.tables.Store(newTables())

	return g, nil
}

// State returns the current lifecycle state.
func (g *Gateway) State() (s State) {
	return State(g.state.Load())
}

// setState changes the state.  g.mu must be held.
func (g *Gateway) setState(s State) {
	log.Debug("gateway: state %s -> %s", g.State(), s)

	g.state.Store(uint32(s))
}

// UpdateConfig replaces the configuration.  It takes effect on the next
// start, use Restart to apply it to the running gateway.
func (g *Gateway) UpdateConfig(c *Config) (err error) {
	conf, err := c.withDefaults()
	if err != nil {
		return fmt.Errorf("bad config: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.conf = conf

	return nil
}

// AddrPlain returns the address where the gateway listens for plain HTTP or
// nil if it isn't started.
func (g *Gateway) AddrPlain() (addr net.Addr) {
	return g.addr(listenerPlain)
}

// AddrTLS returns the address where the gateway listens for HTTPS or nil if
// it isn't started.
func (g *Gateway) AddrTLS() (addr net.Addr) {
	return g.addr(listenerTLS)
}

// addr returns the address of the listener with the given name.
func (g *Gateway) addr(name string) (addr net.Addr) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, s := range g.servers {
		if s.name == name {
			return s.listener.Addr()
		}
	}

	return nil
}

// ActiveConns returns the number of live connections accepted by the
// gateway.
func (g *Gateway) ActiveConns() (n int) {
	return g.tracker.len()
}

// Domains returns the sorted domains of the live routing table.
func (g *Gateway) Domains() (domains []string) {
	return g.tables.Load().routes.domains()
}

// UniqueClients returns the estimated number of distinct clients that have
// been served for domain.
func (g *Gateway) UniqueClients(domain string) (n uint64) {
	return g.clients.estimate(normalizeDomain(domain))
}

// ServeHTTP implements the http.Handler interface for *Gateway.  The route is
// picked from the table that is live at the moment the request arrives and
// is used for the whole request, even if a reload happens meanwhile.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := requestHost(r)

	rt := g.tables.Load().routes.lookup(host)
	if rt == nil {
		metrics.RequestsTotal.WithLabelValues(ruleNotFound).Inc()
		log.Debug("gateway: no route for %q", host)

		http.NotFound(w, r)

		return
	}

	g.clients.observe(rt.domain, r.RemoteAddr)

	rt.ServeHTTP(w, r)
}

// Start binds the plain HTTP listener, then the HTTPS one, subscribes to
// the host store, builds the routing tables, and starts serving.  It is only
// valid in StateStopped.  If it fails, the gateway stays stopped with no
// listeners open.
func (g *Gateway) Start(ctx context.Context) (err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.startLocked(ctx)
}

// startLocked starts the gateway.  g.mu must be held.
func (g *Gateway) startLocked(ctx context.Context) (err error) {
	if st := g.State(); st != StateStopped {
		return fmt.Errorf("starting in state %s: %w", st, ErrNotStopped)
	}

	log.Info("gateway: starting")

	g.setState(StateStarting)
	defer func() {
		if err != nil {
			g.setState(StateStopped)
		}
	}()

	conf := g.conf

	transport, err := newUpstreamTransport(conf.ProxyURL)
	if err != nil {
		return err
	}

	lc := &net.ListenConfig{}

	plainAddr := netip.AddrPortFrom(conf.ListenAddr, conf.ListenPort).String()
	plainL, err := lc.Listen(ctx, "tcp", plainAddr)
	if err != nil {
		return fmt.Errorf("failed to serve plain HTTP: %w", err)
	}

	tlsAddr := netip.AddrPortFrom(conf.ListenAddr, conf.ListenPortTLS).String()
	tlsL, err := lc.Listen(ctx, "tcp", tlsAddr)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to serve TLS: %w", err), plainL.Close())
	}

	sub, err := conf.Hosts.Subscribe(func() {
		g.reload(context.Background(), conf, transport)
	})
	if err != nil {
		err = fmt.Errorf("subscribing to hosts: %w", err)

		return errors.Join(err, plainL.Close(), tlsL.Close())
	}

	g.reload(ctx, conf, transport)

	g.tracker.reset()
	g.servers = []*server{
		g.newServer(listenerPlain, g.tracker.wrap(plainL, listenerPlain), nil),
		g.newServer(listenerTLS, g.tracker.wrap(tlsL, listenerTLS), g.newTLSConfig()),
	}

	for _, s := range g.servers {
		go s.serve()
	}

	g.sub = sub
	g.transport = transport
	g.setState(StateStarted)

	log.Info("gateway: started, http on %s, https on %s", plainL.Addr(), tlsL.Addr())

	return nil
}

// newTLSConfig returns the TLS configuration of the HTTPS server.
func (g *Gateway) newTLSConfig() (conf *tls.Config) {
	return &tls.Config{
		GetCertificate: g.getCertificate,
		NextProtos:     []string{"http/1.1"},
		MinVersion:     tls.VersionTLS12,
	}
}

// newServer returns a new *server with g as the handler.  tlsConf is nil for
// the plain HTTP server.
func (g *Gateway) newServer(name string, l net.Listener, tlsConf *tls.Config) (s *server) {
	return &server{
		srv: &http.Server{
			Handler:           g,
			TLSConfig:         tlsConf,
			ReadHeaderTimeout: readHeaderTimeout,
			IdleTimeout:       idleTimeout,
			ConnState:         setConnState,
			ErrorLog:          log.StdLog("gateway: "+name, log.DEBUG),
			// Disable HTTP/2.
			TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){},
		},
		listener: l,
		done:     make(chan struct{}),
		name:     name,
	}
}

// serve runs the server until it is closed.  It is intended to be used as a
// goroutine.
func (s *server) serve() {
	defer close(s.done)
	defer log.OnPanic("gateway: " + s.name)

	var err error
	if s.srv.TLSConfig != nil {
		err = s.srv.ServeTLS(s.listener, "", "")
	} else {
		err = s.srv.Serve(s.listener)
	}

	if errors.Is(err, http.ErrServerClosed) {
		log.Info("gateway: %s: exiting listener loop as it has been closed", s.name)

		return
	}

	log.Error("gateway: %s: serving: %s", s.name, err)
}

// Shutdown stops the gateway: cancels the host store subscription, drains
// the connections, and closes the listeners.  It is a no-op unless the
// gateway is started.  The gateway is stopped when it returns, even if err
// is not nil.
func (g *Gateway) Shutdown(ctx context.Context) (err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.shutdownLocked(ctx)
}

// shutdownLocked stops the gateway.  g.mu must be held.
func (g *Gateway) shutdownLocked(ctx context.Context) (err error) {
	if st := g.State(); st != StateStarted {
		log.Debug("gateway: not stopping in state %s", st)

		return nil
	}

	log.Info("gateway: stopping")

	g.setState(StateStopping)

	// Cancel synchronously so that no reload races the teardown.
	subErr := g.sub.Cancel()
	if subErr != nil {
		subErr = fmt.Errorf("canceling hosts subscription: %w", subErr)
	}

	g.drain(ctx)
	closeErr := g.closeServers(ctx)

	g.transport.CloseIdleConnections()

	g.sub = nil
	g.transport = nil
	g.servers = nil
	g.setState(StateStopped)

	log.Info("gateway: stopped")

	return errors.Join(subErr, closeErr)
}

// drain closes the live connections gracefully and waits for them to close.
// If they don't close within the drain timeout, they are closed forcibly.
func (g *Gateway) drain(ctx context.Context) {
	drained := g.tracker.startDrain()

	log.Info("gateway: waiting until %d connections close", g.tracker.len())

	// Disabling keep-alives closes the idle connections right away and makes
	// the busy ones close after the current response.
	for _, s := range g.servers {
		s.srv.SetKeepAlivesEnabled(false)
	}

	// Connections that haven't sent a request yet are not closed by the
	// servers until they time out, so end them from our side.
	n := g.tracker.closeWriteUnused()
	log.Debug("gateway: sent fin to %d connections without requests", n)

	timer := time.NewTimer(g.conf.DrainTimeout)
	defer timer.Stop()

	select {
	case <-drained:
		log.Info("gateway: all connections closed")

		return
	case <-timer.C:
		// Go on.
	case <-ctx.Done():
		// Go on.
	}

	n = g.tracker.closeAll()
	metrics.ForcedClosesTotal.Add(float64(n))

	log.Info("gateway: warning: drain timed out, closed %d connections forcibly", n)
}

// closeServers closes the servers and their listeners and waits for the
// serving goroutines to exit.  If they don't within the close timeout, the
// servers are considered closed anyway.
func (g *Gateway) closeServers(ctx context.Context) (err error) {
	servers := g.servers
	errs := make([]error, len(servers))
	closed := make(chan struct{})

	go func() {
		defer close(closed)

		for i, s := range servers {
			errs[i] = s.srv.Close()
			<-s.done
		}
	}()

	timer := time.NewTimer(g.conf.CloseTimeout)
	defer timer.Stop()

	select {
	case <-closed:
		return errors.Join(errs...)
	case <-timer.C:
		// Go on.
	case <-ctx.Done():
		// Go on.
	}

	log.Info("gateway: warning: listeners didn't close in time, considering them closed")

	return nil
}

// Restart stops and starts the gateway again, applying the latest
// configuration.  It is a no-op unless the gateway is started.  Calls made
// while another restart is in progress return nil right away.  Failures of
// either phase are logged and returned; if starting fails, the gateway is
// left stopped.
func (g *Gateway) Restart(ctx context.Context) (err error) {
	if !g.restarting.CompareAndSwap(false, true) {
		log.Debug("gateway: restart already in progress")

		return nil
	}
	defer g.restarting.Store(false)

	g.mu.Lock()
	defer g.mu.Unlock()

	if st := g.State(); st != StateStarted {
		log.Debug("gateway: not restarting in state %s", st)

		return nil
	}

	log.Info("gateway: restarting")

	errColl := g.conf.ErrColl

	stopErr := g.shutdownLocked(ctx)
	if stopErr != nil {
		stopErr = fmt.Errorf("restart: stopping: %w", stopErr)
		log.Error("gateway: %s", stopErr)
		errColl.Collect(ctx, stopErr)
	}

	startErr := g.startLocked(ctx)
	if startErr != nil {
		startErr = fmt.Errorf("restart: starting: %w", startErr)
		log.Error("gateway: %s", startErr)
		errColl.Collect(ctx, startErr)
	}

	return errors.Join(stopErr, startErr)
}

// reload rebuilds the routing tables from the host store and swaps them.  If
// the store cannot be read or there are no enabled hosts, the live tables
// are kept.  Errors are never propagated.
func (g *Gateway) reload(ctx context.Context, conf *Config, transport http.RoundTripper) {
	defer log.OnPanic("gateway: reload")

	g.reloadMu.Lock()
	defer g.reloadMu.Unlock()

	log.Info("gateway: loading hosts")

	recs, err := conf.Hosts.List(ctx)
	if err != nil {
		metrics.ReloadsTotal.WithLabelValues("error").Inc()

		err = fmt.Errorf("listing hosts: %w", err)
		log.Error("gateway: %s", err)
		conf.ErrColl.Collect(ctx, err)

		return
	}

	t := buildTables(recs, transport)
	if t.routes.len() == 0 {
		metrics.ReloadsTotal.WithLabelValues("empty").Inc()
		log.Info(
			"gateway: no hosts loaded, keeping %d live routes",
			g.tables.Load().routes.len(),
		)

		return
	}

	g.tables.Store(t)

	metrics.ReloadsTotal.WithLabelValues("ok").Inc()
	metrics.RoutesNum.Set(float64(t.routes.len()))
	metrics.CertificatesNum.Set(float64(t.certs.len()))

	log.Info("gateway: loaded %d routes and %d certificates", t.routes.len(), t.certs.len())
}
