package gateway_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/testutil"
	"github.com/ameshkov/ssme/internal/gateway"
	"github.com/ameshkov/ssme/internal/hoststore"
	"github.com/stretchr/testify/require"
)

// testStore is a gateway.HostStore with the records in memory.  Setting the
// records calls the change handler synchronously, so the reload is complete
// when set returns.
type testStore struct {
	mu       *sync.Mutex
	recs     []*hoststore.Record
	listErr  error
	onChange func()

	// subscribes is the number of Subscribe calls.
	subscribes int
}

// type check
var _ gateway.HostStore = (*testStore)(nil)

// newTestStore returns a new *testStore with recs.
func newTestStore(recs ...*hoststore.Record) (s *testStore) {
	return &testStore{
		mu:   &sync.Mutex{},
		recs: recs,
	}
}

// List implements the gateway.HostStore interface for *testStore.
func (s *testStore) List(_ context.Context) (recs []*hoststore.Record, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listErr != nil {
		return nil, s.listErr
	}

	return append([]*hoststore.Record(nil), s.recs...), nil
}

// Subscribe implements the gateway.HostStore interface for *testStore.
func (s *testStore) Subscribe(onChange func()) (sub hoststore.Subscription, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onChange = onChange
	s.subscribes++

	return testSub{store: s}, nil
}

// set replaces the records and notifies the subscriber, if any.
func (s *testStore) set(recs ...*hoststore.Record) {
	s.mu.Lock()
	s.recs = recs
	onChange := s.onChange
	s.mu.Unlock()

	if onChange != nil {
		onChange()
	}
}

// setListErr makes List fail with err and notifies the subscriber.
func (s *testStore) setListErr(err error) {
	s.mu.Lock()
	s.listErr = err
	onChange := s.onChange
	s.mu.Unlock()

	if onChange != nil {
		onChange()
	}
}

// subscribed returns true if there is an active subscription.
func (s *testStore) subscribed() (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.onChange != nil
}

// subscribeCount returns the number of Subscribe calls so far.
func (s *testStore) subscribeCount() (n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.subscribes
}

// testSub is the hoststore.Subscription of *testStore.
type testSub struct {
	store *testStore
}

// Cancel implements the hoststore.Subscription interface for testSub.
func (s testSub) Cancel() (err error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	s.store.onChange = nil

	return nil
}

// newTestConfig returns the config for a gateway on random loopback ports.
func newTestConfig(store gateway.HostStore) (conf *gateway.Config) {
	return &gateway.Config{
		Hosts:      store,
		ListenAddr: netip.MustParseAddr("127.0.0.1"),
	}
}

// startGateway creates and starts the gateway with conf and stops it when
// the test is over.
func startGateway(t *testing.T, conf *gateway.Config) (g *gateway.Gateway) {
	t.Helper()

	g, err := gateway.New(conf)
	require.NoError(t, err)

	err = g.Start(context.Background())
	require.NoError(t, err)

	testutil.CleanupAndRequireSuccess(t, func() (err error) {
		return g.Shutdown(context.Background())
	})

	return g
}

// newClient returns an HTTP client that connects to addr whatever the URL
// is and doesn't follow redirects.
func newClient(addr net.Addr, roots *x509.CertPool) (c *http.Client) {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "tcp", addr.String())
			},
			TLSClientConfig: &tls.Config{RootCAs: roots},
		},
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 10 * time.Second,
	}
}

// newCertPEM generates a self-signed certificate for dnsNames and returns it
// with its private key, both PEM-encoded.
func newCertPEM(t *testing.T, dnsNames ...string) (certPEM, keyPEM []byte) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	require.NoError(t, err)

	notBefore := time.Now().Add(-time.Hour)
	notAfter := notBefore.Add(5 * 365 * time.Hour * 24)

	keyUsage := x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign
	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{Organization: []string{"SSME Tests"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              keyUsage,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              dnsNames,
	}

	derBytes, err := x509.CreateCertificate(
		rand.Reader,
		&template,
		&template,
		&privateKey.PublicKey,
		privateKey,
	)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: derBytes,
	})
	keyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	return certPEM, keyPEM
}

// writeFile writes data to dir/name and returns the full path.
func writeFile(t *testing.T, dir, name string, data []byte) (path string) {
	t.Helper()

	path = filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

// newStaticRoot creates a static files root with an index file, an asset,
// and a directory without an index file.
func newStaticRoot(t *testing.T) (root string) {
	t.Helper()

	root = t.TempDir()
	writeFile(t, root, "index.html", []byte(testIndex))
	writeFile(t, root, "app.js", []byte(testAsset))
	writeFile(t, root, "docs/readme.txt", []byte("docs"))

	return root
}

// Contents of the files in the static root.
const (
	testIndex = "<html>index</html>"
	testAsset = "console.log(1)"
)
