package gateway

import (
	"net/netip"
	"sync"

	"github.com/ameshkov/ssme/internal/metrics"
	"github.com/axiomhq/hyperloglog"
)

// clientCounter estimates the number of distinct clients of each domain.
// The sketches survive reloads and restarts.
type clientCounter struct {
	// mu protects sketches.
	mu       *sync.Mutex
	sketches map[string]*hyperloglog.Sketch
}

// newClientCounter returns a new *clientCounter.
func newClientCounter() (c *clientCounter) {
	return &clientCounter{
		mu:       &sync.Mutex{},
		sketches: map[string]*hyperloglog.Sketch{},
	}
}

// observe records the client with remoteAddr for domain and updates the
// metric.
func (c *clientCounter) observe(domain, remoteAddr string) {
	ap, err := netip.ParseAddrPort(remoteAddr)
	if err != nil {
		return
	}

	est := c.insert(domain, ap.Addr().Unmap().AsSlice())
	metrics.UniqueClients.WithLabelValues(domain).Set(float64(est))
}

// insert adds client to the sketch of domain and returns the new estimate.
func (c *clientCounter) insert(domain string, client []byte) (est uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sk, ok := c.sketches[domain]
	if !ok {
		sk = hyperloglog.New()
		c.sketches[domain] = sk
	}

	sk.Insert(client)

	return sk.Estimate()
}

// estimate returns the current estimate for domain.
func (c *clientCounter) estimate(domain string) (est uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sk, ok := c.sketches[domain]; ok {
		return sk.Estimate()
	}

	return 0
}
