package gateway

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/IGLOU-EU/go-wildcard"
	"github.com/ameshkov/ssme/internal/hoststore"
	"github.com/ameshkov/ssme/internal/metrics"
)

// errNoCertificate is returned from the certificate callback when there is
// no certificate for the server name.  It fails that handshake only.
const errNoCertificate errors.Error = "no certificate for server name"

// pemPrefix is the beginning of any PEM block.
const pemPrefix = "-----BEGIN"

// certRegistry maps domains to their certificates.  It is never modified
// after it has been built.
type certRegistry struct {
	exact     map[string]*tls.Certificate
	wildcards []*wildcardCert
}

// wildcardCert is a certificate registered for a wildcard pattern.
type wildcardCert struct {
	cert    *tls.Certificate
	pattern string
}

// newCertRegistry returns a new empty *certRegistry.
func newCertRegistry() (r *certRegistry) {
	return &certRegistry{
		exact: map[string]*tls.Certificate{},
	}
}

// add registers cert for domain.  domain must be normalized.
func (r *certRegistry) add(domain string, cert *tls.Certificate) {
	if isWildcard(domain) {
		r.wildcards = append(r.wildcards, &wildcardCert{cert: cert, pattern: domain})

		return
	}

	r.exact[domain] = cert
}

// lookup returns the certificate for serverName or nil if there is none.
// serverName must be normalized.
func (r *certRegistry) lookup(serverName string) (cert *tls.Certificate) {
	if serverName == "" {
		return nil
	}

	if cert = r.exact[serverName]; cert != nil {
		return cert
	}

	for _, wc := range r.wildcards {
		if wildcard.MatchSimple(wc.pattern, serverName) {
			return wc.cert
		}
	}

	return nil
}

// len returns the number of registered certificates.
func (r *certRegistry) len() (n int) {
	return len(r.exact) + len(r.wildcards)
}

// getCertificate is the [tls.Config.GetCertificate] callback.  It never
// panics, a miss fails the handshake of this connection only.
func (g *Gateway) getCertificate(hello *tls.ClientHelloInfo) (cert *tls.Certificate, err error) {
	serverName := normalizeDomain(hello.ServerName)

	cert = g.tables.Load().certs.lookup(serverName)
	if cert == nil {
		metrics.HandshakeFailuresTotal.Inc()
		log.Debug("gateway: no certificate for %q", serverName)

		return nil, fmt.Errorf("%q: %w", serverName, errNoCertificate)
	}

	return cert, nil
}

// loadCertificate parses the key material of sec.  The CA chain, if any, is
// appended to the certificate so that clients receive the full chain.
func loadCertificate(sec *hoststore.Security) (cert *tls.Certificate, err error) {
	certPEM, err := readPEM(sec.Cert)
	if err != nil {
		return nil, fmt.Errorf("reading cert: %w", err)
	}

	keyPEM, err := readPEM(sec.Key)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	if sec.CA != "" {
		var caPEM []byte
		caPEM, err = readPEM(sec.CA)
		if err != nil {
			return nil, fmt.Errorf("reading ca: %w", err)
		}

		certPEM = bytes.Join([][]byte{certPEM, caPEM}, []byte("\n"))
	}

	c, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing key pair: %w", err)
	}

	c.Leaf, err = x509.ParseCertificate(c.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parsing leaf: %w", err)
	}

	return &c, nil
}

// readPEM returns v if it is PEM data already, otherwise it reads the file at
// path v.
func readPEM(v string) (b []byte, err error) {
	if v == "" {
		return nil, errors.Error("empty value")
	}

	if strings.HasPrefix(strings.TrimSpace(v), pemPrefix) {
		return []byte(v), nil
	}

	// #nosec G304 -- Trust the paths from the host records.
	return os.ReadFile(v)
}
