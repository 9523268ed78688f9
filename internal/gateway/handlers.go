package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"golang.org/x/net/proxy"
)

// indexFile is the file served for the paths that match no static file.
const indexFile = "index.html"

const (
	// upstreamDialTimeout is the timeout for connecting to an upstream.
	upstreamDialTimeout = 10 * time.Second

	// upstreamIdleTimeout is the time an idle upstream connection is kept.
	upstreamIdleTimeout = 90 * time.Second
)

// newUpstreamTransport returns the transport for the proxy handlers.  If
// proxyURL is not nil, upstream connections are made through that proxy.
func newUpstreamTransport(proxyURL *url.URL) (t *http.Transport, err error) {
	var dialer proxy.Dialer = &net.Dialer{Timeout: upstreamDialTimeout}
	if proxyURL != nil {
		dialer, err = proxy.FromURL(proxyURL, dialer)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy: %w", err)
		}
	}

	return &http.Transport{
		DialContext:           dialContextFunc(dialer),
		TLSHandshakeTimeout:   upstreamDialTimeout,
		IdleConnTimeout:       upstreamIdleTimeout,
		ExpectContinueTimeout: time.Second,
		MaxIdleConnsPerHost:   16,
		// Disable HTTP/2 to the upstreams.
		TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{},
	}, nil
}

// dialContextFunc returns the DialContext function of d.  Dialers without
// context support ignore the context.
func dialContextFunc(d proxy.Dialer) (f func(ctx context.Context, network, addr string) (net.Conn, error)) {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext
	}

	return func(_ context.Context, network, addr string) (conn net.Conn, err error) {
		return d.Dial(network, addr)
	}
}

// newProxyHandler returns a reverse proxy to target.  The Host header of the
// outgoing requests is the host of target.
func newProxyHandler(target *url.URL, transport http.RoundTripper) (h http.Handler) {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: transport,
		ErrorLog:  stdlog.New(io.Discard, "", 0),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Debug("gateway: proxying %s%s to %s: %s", r.Host, r.URL.Path, target, err)

			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		},
	}
}

// staticHandler serves the files from root.  Paths that match no file get
// the root index.html, so that client-side routing works.
type staticHandler struct {
	files http.Handler
	root  string
}

// type check
var _ http.Handler = (*staticHandler)(nil)

// newStaticHandler returns a new *staticHandler for root, which must be an
// absolute path.
func newStaticHandler(root string) (h *staticHandler) {
	return &staticHandler{
		files: http.FileServer(http.Dir(root)),
		root:  root,
	}
}

// ServeHTTP implements the http.Handler interface for *staticHandler.
func (h *staticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.exists(r.URL.Path) {
		h.files.ServeHTTP(w, r)

		return
	}

	h.serveIndex(w, r)
}

// exists returns true if urlPath matches a file or a directory with an index
// file under the root.
func (h *staticHandler) exists(urlPath string) (ok bool) {
	name := filepath.Join(h.root, filepath.FromSlash(path.Clean("/"+urlPath)))

	fi, err := os.Stat(name)
	if err != nil {
		return false
	}

	if !fi.IsDir() {
		return true
	}

	_, err = os.Stat(filepath.Join(name, indexFile))

	return err == nil
}

// serveIndex writes the root index file.
func (h *staticHandler) serveIndex(w http.ResponseWriter, r *http.Request) {
	f, err := os.Open(filepath.Join(h.root, indexFile))
	if err != nil {
		log.Debug("gateway: static %s: %s", h.root, err)

		http.NotFound(w, r)

		return
	}
	defer log.OnCloserError(f, log.DEBUG)

	fi, err := f.Stat()
	if err != nil {
		log.Debug("gateway: static %s: %s", h.root, err)

		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)

		return
	}

	http.ServeContent(w, r, indexFile, fi.ModTime(), f)
}
