package gateway

import (
	"context"
	"net/netip"
	"net/url"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/ameshkov/ssme/internal/hoststore"
)

const (
	// DefaultDrainTimeout is the time the gateway waits for the connections to
	// close gracefully before it destroys them.
	DefaultDrainTimeout = 5 * time.Second

	// DefaultCloseTimeout is the time the gateway waits for the listeners to
	// close before it considers them closed anyway.
	DefaultCloseTimeout = 1 * time.Second
)

// Config represents the gateway configuration.
type Config struct {
	// Hosts is the source of host records.  Must not be nil.
	Hosts HostStore

	// ErrColl is used to report errors that are not returned to the caller,
	// e.g. reload errors.  If nil, errors are only logged.
	ErrColl ErrorCollector

	// ProxyURL is the proxy server address used for connections to the
	// upstreams (optional).
	ProxyURL *url.URL

	// ListenAddr is the address the gateway listens to.
	ListenAddr netip.Addr

	// ListenPort is the port for plain HTTP.  Zero means a random port.
	ListenPort uint16

	// ListenPortTLS is the port for HTTPS.  Zero means a random port.
	ListenPortTLS uint16

	// DrainTimeout is the time to wait for the connections to close on
	// shutdown.  If zero, DefaultDrainTimeout is used.
	DrainTimeout time.Duration

	// CloseTimeout is the time to wait for the listeners to close on
	// shutdown.  If zero, DefaultCloseTimeout is used.
	CloseTimeout time.Duration
}

// HostStore is the source of the host records.  [*hoststore.Dir] is the
// main implementation.
type HostStore interface {
	// List returns all records, enabled and disabled.
	List(ctx context.Context) (recs []*hoststore.Record, err error)

	// Subscribe makes the store call onChange each time the records change
	// until the subscription is canceled.
	Subscribe(onChange func()) (sub hoststore.Subscription, err error)
}

// type check
var _ HostStore = (*hoststore.Dir)(nil)

// ErrorCollector collects errors that cannot be returned to the caller.
type ErrorCollector interface {
	Collect(ctx context.Context, err error)
}

// EmptyErrorCollector is an ErrorCollector that does nothing.
type EmptyErrorCollector struct{}

// type check
var _ ErrorCollector = EmptyErrorCollector{}

// Collect implements the ErrorCollector interface for EmptyErrorCollector.
func (EmptyErrorCollector) Collect(_ context.Context, _ error) {}

// withDefaults validates c and returns its copy with the defaults set.
func (c *Config) withDefaults() (conf *Config, err error) {
	if c == nil {
		return nil, errors.Error("no config")
	}

	if c.Hosts == nil {
		return nil, errors.Error("no host store")
	}

	conf = &Config{}
	*conf = *c

	if conf.ErrColl == nil {
		conf.ErrColl = EmptyErrorCollector{}
	}

	if conf.DrainTimeout <= 0 {
		conf.DrainTimeout = DefaultDrainTimeout
	}

	if conf.CloseTimeout <= 0 {
		conf.CloseTimeout = DefaultCloseTimeout
	}

	return conf, nil
}
