package gateway

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/AdguardTeam/golibs/container"
	"github.com/AdguardTeam/golibs/log"
	"github.com/ameshkov/ssme/internal/metrics"
)

// connTracker keeps the set of live connections accepted by the gateway
// listeners.  Connections are added when they are accepted and removed when
// they are closed, nothing else changes the set.
type connTracker struct {
	// mu protects all the fields below.
	mu *sync.Mutex

	conns *container.MapSet[*trackedConn]

	// drained is closed once the set becomes empty after the drain has
	// started.  It is nil until then.
	drained chan struct{}

	draining bool
}

// newConnTracker returns a new empty *connTracker.
func newConnTracker() (t *connTracker) {
	return &connTracker{
		mu:    &sync.Mutex{},
		conns: container.NewMapSet[*trackedConn](),
	}
}

// reset prepares t for a new start.  Connections left from the previous
// run, if any, stay tracked until they close.
func (t *connTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.draining = false
	t.drained = nil
}

// wrap returns a listener that registers the accepted connections in t.
// name is used in logs and metrics.
func (t *connTracker) wrap(l net.Listener, name string) (tl net.Listener) {
	return &trackingListener{
		Listener: l,
		tracker:  t,
		name:     name,
	}
}

// len returns the number of tracked connections.
func (t *connTracker) len() (n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.conns.Len()
}

// add registers conn.  ok is false if the tracker is draining, in which case
// conn must be closed by the caller.
func (t *connTracker) add(conn net.Conn, listener string) (tc *trackedConn, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.draining {
		return nil, false
	}

	tc = &trackedConn{
		Conn:      conn,
		tracker:   t,
		listener:  listener,
		closeOnce: &sync.Once{},
	}
	tc.httpState.Store(int32(http.StateNew))

	t.conns.Add(tc)
	metrics.ConnectionsNum.WithLabelValues(listener).Inc()

	return tc, true
}

// remove deregisters tc.  Removing a connection that isn't tracked is a
// no-op.
func (t *connTracker) remove(tc *trackedConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.conns.Has(tc) {
		return
	}

	t.conns.Delete(tc)
	metrics.ConnectionsNum.WithLabelValues(tc.listener).Dec()

	if t.draining {
		t.signalIfDrained()
	}
}

// startDrain makes t refuse new connections and returns the channel that is
// closed once there are no tracked connections left.
func (t *connTracker) startDrain() (drained <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.draining {
		t.draining = true
		t.drained = make(chan struct{})
		t.signalIfDrained()
	}

	return t.drained
}

// signalIfDrained closes t.drained if the set is empty.  t.mu must be held
// and t.draining must be true.  Since no connections are added while
// draining, the set becomes empty only once.
func (t *connTracker) signalIfDrained() {
	if t.conns.Len() > 0 {
		return
	}

	select {
	case <-t.drained:
		// Already closed.
	default:
		close(t.drained)
	}
}

// closeAll forcibly closes all tracked connections and returns their number.
func (t *connTracker) closeAll() (n int) {
	t.mu.Lock()
	conns := t.conns.Values()
	t.mu.Unlock()

	for _, tc := range conns {
		err := tc.Close()
		if err != nil {
			log.Debug("gateway: closing %s conn from %s: %s", tc.listener, tc.RemoteAddr(), err)
		}
	}

	return len(conns)
}

// closeWriteUnused sends FIN to every tracked connection that has no request
// in progress, so that the peers close them.  It returns the number of such
// connections.
func (t *connTracker) closeWriteUnused() (n int) {
	t.mu.Lock()
	conns := t.conns.Values()
	t.mu.Unlock()

	for _, tc := range conns {
		switch http.ConnState(tc.httpState.Load()) {
		case http.StateNew, http.StateIdle:
			// Go on.
		default:
			continue
		}

		err := tc.CloseWrite()
		if err != nil {
			log.Debug("gateway: closing %s conn from %s for writing: %s", tc.listener, tc.RemoteAddr(), err)

			continue
		}

		n++
	}

	return n
}

// setConnState records st for the tracked connection underlying conn.  It is
// used as the http.Server.ConnState hook.
func setConnState(conn net.Conn, st http.ConnState) {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		conn = tlsConn.NetConn()
	}

	if tc, ok := conn.(*trackedConn); ok {
		tc.httpState.Store(int32(st))
	}
}

// trackingListener is a net.Listener that registers the accepted connections
// in the tracker.
type trackingListener struct {
	net.Listener

	tracker *connTracker
	name    string
}

// type check
var _ net.Listener = (*trackingListener)(nil)

// Accept implements the net.Listener interface for *trackingListener.
// Connections accepted while the tracker is draining are closed right away.
func (l *trackingListener) Accept() (conn net.Conn, err error) {
	for {
		conn, err = l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		tc, ok := l.tracker.add(conn, l.name)
		if ok {
			return tc, nil
		}

		log.Debug("gateway: %s: draining, refusing conn from %s", l.name, conn.RemoteAddr())
		log.OnCloserError(conn, log.DEBUG)
	}
}

// closeWriter is a helper interface which only purpose is to check if the
// object has CloseWrite function or not and call it if it exists.
type closeWriter interface {
	CloseWrite() error
}

// trackedConn is a connection that deregisters itself from the tracker when
// closed.
type trackedConn struct {
	net.Conn

	tracker   *connTracker
	closeOnce *sync.Once
	closeErr  error
	listener  string

	// httpState is the last http.ConnState reported by the server.
	httpState atomic.Int32
}

// type check
var _ closeWriter = (*trackedConn)(nil)

// Close implements the net.Conn interface for *trackedConn.
func (c *trackedConn) Close() (err error) {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
		c.tracker.remove(c)
	})

	return c.closeErr
}

// CloseWrite sends FIN to the peer if the underlying connection supports it.
// The HTTP server uses it to close the connections gracefully.
func (c *trackedConn) CloseWrite() (err error) {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}

	return nil
}
