package gateway

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"slices"
	"strings"

	"github.com/AdguardTeam/golibs/log"
	"github.com/IGLOU-EU/go-wildcard"
	"github.com/ameshkov/ssme/internal/hoststore"
	"github.com/ameshkov/ssme/internal/metrics"
)

// acmeChallengePrefix is the path prefix of the ACME HTTP-01 challenges.
const acmeChallengePrefix = "/.well-known/acme-challenge/"

// Rule names used in the metrics.
const (
	ruleChallenge = "challenge"
	ruleForbidden = "forbidden"
	ruleNotFound  = "not_found"
	ruleProxy     = "proxy"
	ruleRedirect  = "redirect"
	ruleStatic    = "static"
)

// tables is the routing state the requests and the handshakes are served
// with.  It is replaced as a whole on every reload and is never modified
// after it has been published, so the routes and the certificates always
// come from the same set of records.
type tables struct {
	routes *routeTable
	certs  *certRegistry
}

// newTables returns new empty *tables.
func newTables() (t *tables) {
	return &tables{
		routes: newRouteTable(),
		certs:  newCertRegistry(),
	}
}

// routeTable maps domains to their routes.
type routeTable struct {
	exact     map[string]*route
	wildcards []*route
}

// newRouteTable returns a new empty *routeTable.
func newRouteTable() (t *routeTable) {
	return &routeTable{
		exact: map[string]*route{},
	}
}

// add adds rt to the table.  ok is false if there already is a route for the
// same domain.
func (t *routeTable) add(rt *route) (ok bool) {
	if isWildcard(rt.domain) {
		if slices.ContainsFunc(t.wildcards, func(w *route) bool { return w.domain == rt.domain }) {
			return false
		}

		t.wildcards = append(t.wildcards, rt)

		return true
	}

	if _, ok = t.exact[rt.domain]; ok {
		return false
	}

	t.exact[rt.domain] = rt

	return true
}

// lookup returns the route for host or nil if there is none.  Exact domains
// take precedence over the wildcards, wildcards are checked in the order
// they were read.
func (t *routeTable) lookup(host string) (rt *route) {
	if rt = t.exact[host]; rt != nil {
		return rt
	}

	for _, w := range t.wildcards {
		if wildcard.MatchSimple(w.domain, host) {
			return w
		}
	}

	return nil
}

// len returns the number of routes.
func (t *routeTable) len() (n int) {
	return len(t.exact) + len(t.wildcards)
}

// domains returns the sorted list of domains in the table.
func (t *routeTable) domains() (domains []string) {
	domains = make([]string, 0, t.len())
	for d := range t.exact {
		domains = append(domains, d)
	}

	for _, w := range t.wildcards {
		domains = append(domains, w.domain)
	}

	slices.Sort(domains)

	return domains
}

// route is the set of rules of a single domain.  The rules are evaluated in
// a fixed order: ACME challenge, HTTPS redirect, access policy, and then the
// proxy or static handler.
type route struct {
	handler         http.Handler
	policy          *accessPolicy
	challengePath   string
	validation      string
	domain          string
	rule            string
	redirectToHTTPS bool
}

// type check
var _ http.Handler = (*route)(nil)

// ServeHTTP implements the http.Handler interface for *route.
func (rt *route) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if rt.challengePath != "" && r.URL.Path == rt.challengePath &&
		(r.Method == http.MethodGet || r.Method == http.MethodHead) {
		metrics.RequestsTotal.WithLabelValues(ruleChallenge).Inc()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, rt.validation)

		return
	}

	if rt.redirectToHTTPS && r.TLS == nil {
		metrics.RequestsTotal.WithLabelValues(ruleRedirect).Inc()

		http.Redirect(w, r, "https://"+r.Host+r.URL.RequestURI(), http.StatusFound)

		return
	}

	if rt.policy != nil && !rt.policy.allowsRemote(r.RemoteAddr) {
		metrics.RequestsTotal.WithLabelValues(ruleForbidden).Inc()
		log.Debug("gateway: %s: forbidden for %s", rt.domain, r.RemoteAddr)

		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)

		return
	}

	metrics.RequestsTotal.WithLabelValues(rt.rule).Inc()
	rt.handler.ServeHTTP(w, r)
}

// buildTables builds new tables from recs.  Invalid records are logged and
// skipped.  transport is used by the proxy handlers.
func buildTables(recs []*hoststore.Record, transport http.RoundTripper) (t *tables) {
	t = newTables()

	for _, rec := range recs {
		domain := normalizeDomain(rec.Domain)
		if domain == "" || rec.Target == "" {
			log.Info(
				"gateway: warning: %q: missing either domain or target, skipping",
				rec.Filename,
			)

			continue
		}

		if !rec.Enabled {
			log.Debug("gateway: %s: disabled", domain)

			continue
		}

		rt, cert, err := newRoute(domain, rec, transport)
		if err != nil {
			log.Error("gateway: %s: skipping: %s", domain, err)

			continue
		}

		if !t.routes.add(rt) {
			log.Info("gateway: warning: %s: duplicate domain in %q, skipping", domain, rec.Filename)

			continue
		}

		if cert != nil {
			t.certs.add(domain, cert)
		}
	}

	return t
}

// newRoute creates the route for rec.  cert is nil if the record has no TLS
// key material or it cannot be loaded; in the latter case the domain is only
// served over plain HTTP.
func newRoute(
	domain string,
	rec *hoststore.Record,
	transport http.RoundTripper,
) (rt *route, cert *tls.Certificate, err error) {
	rt = &route{
		domain: domain,
	}

	if ch := rec.PendingChallenge; ch != nil && ch.Token != "" {
		rt.challengePath = acmeChallengePrefix + ch.Token
		rt.validation = ch.Validation
	}

	if rec.Security != nil {
		cert, err = loadCertificate(rec.Security)
		if err != nil {
			log.Error("gateway: %s: loading certificate, serving plain http only: %s", domain, err)
		} else {
			rt.redirectToHTTPS = rec.RedirectToHTTPS
		}
	}

	rt.policy, err = newAccessPolicy(rec.AccessPolicy)
	if err != nil {
		return nil, nil, fmt.Errorf("access policy: %w", err)
	}

	target, isURL, err := parseTarget(rec.Target)
	if err != nil {
		return nil, nil, err
	}

	if isURL {
		rt.rule = ruleProxy
		rt.handler = newProxyHandler(target, transport)

		log.Info("gateway: serving proxy %q to %q", domain, target)

		return rt, cert, nil
	}

	root, err := filepath.Abs(rec.Target)
	if err != nil {
		return nil, nil, fmt.Errorf("static root: %w", err)
	}

	rt.rule = ruleStatic
	rt.handler = newStaticHandler(root)

	log.Info("gateway: serving static content for %q from %q", domain, root)

	return rt, cert, nil
}

// parseTarget returns the parsed upstream URL and true if target looks like
// a URL, that is it has a scheme and a host.  Otherwise target is a path.
func parseTarget(target string) (u *url.URL, isURL bool, err error) {
	if !strings.Contains(target, "://") {
		return nil, false, nil
	}

	u, err = url.Parse(target)
	if err != nil {
		return nil, false, fmt.Errorf("target: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		// Go on.
	default:
		return nil, false, fmt.Errorf("target: unsupported scheme %q", u.Scheme)
	}

	if u.Host == "" {
		return nil, false, fmt.Errorf("target: no host in %q", target)
	}

	return u, true, nil
}

// requestHost returns the normalized host the request is addressed to: the
// TLS server name when there is one, otherwise the Host header.
func requestHost(r *http.Request) (host string) {
	if r.TLS != nil && r.TLS.ServerName != "" {
		return normalizeDomain(r.TLS.ServerName)
	}

	host = r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	return normalizeDomain(host)
}

// normalizeDomain lowercases domain and removes the trailing dot.
func normalizeDomain(domain string) (normalized string) {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// isWildcard returns true if domain is a wildcard pattern.
func isWildcard(domain string) (ok bool) {
	return strings.Contains(domain, "*")
}
