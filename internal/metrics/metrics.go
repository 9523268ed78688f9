// Package metrics contains definitions of most of the prometheus metrics
// that we use in ssme.
//
// TODO(ameshkov): consider not using promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// constants with the namespace and the subsystem names that we use in our
// prometheus metrics.
const (
	namespace = "ssme"

	subsystemApp     = "app"
	subsystemGateway = "gateway"
	subsystemHosts   = "hosts"
)

// ConnectionsNum is a gauge with the number of live connections accepted by
// each of the listeners.
var ConnectionsNum = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: subsystemGateway,
	Name:      "conns_num",
	Help:      "The number of live connections to the gateway.",
}, []string{"listener"})

// RequestsTotal is a counter with the number of requests grouped by the rule
// that has answered them.
var RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: subsystemGateway,
	Name:      "requests_total",
	Help:      "The total number of requests by the answering rule.",
}, []string{"rule"})

// UniqueClients is a gauge with the estimated number of distinct client
// addresses seen by each domain since the start of the process.
var UniqueClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: subsystemGateway,
	Name:      "unique_clients",
	Help:      "The estimated number of distinct clients per domain.",
}, []string{"domain"})

// HandshakeFailuresTotal is a counter of TLS handshakes that had no
// certificate for the requested server name.
var HandshakeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: subsystemGateway,
	Name:      "cert_misses_total",
	Help:      "The total number of TLS handshakes without a matching certificate.",
})

// ForcedClosesTotal is a counter of connections that were closed forcibly
// because the drain timeout has expired.
var ForcedClosesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: subsystemGateway,
	Name:      "forced_closes_total",
	Help:      "The total number of connections destroyed after the drain timeout.",
})

// ReloadsTotal is a counter of host table reloads by their result.
var ReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: subsystemHosts,
	Name:      "reloads_total",
	Help:      "The total number of host table reloads.",
}, []string{"result"})

// RoutesNum is a gauge with the number of routes in the live table.
var RoutesNum = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: subsystemHosts,
	Name:      "routes_num",
	Help:      "The number of domains in the live routing table.",
})

// CertificatesNum is a gauge with the number of certificates in the live
// registry.
var CertificatesNum = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: subsystemHosts,
	Name:      "certs_num",
	Help:      "The number of certificates in the live registry.",
})

// SetUpGauge signals that the server has been started.  Use a function here to
// avoid circular dependencies.
func SetUpGauge(version, branch, revision, goVersion string) {
	upGauge := promauto.NewGauge(
		prometheus.GaugeOpts{
			Name:      "up",
			Namespace: namespace,
			Subsystem: subsystemApp,
			Help:      `A metric with a constant '1' value labeled by the build information.`,
			ConstLabels: prometheus.Labels{
				"version":   version,
				"branch":    branch,
				"revision":  revision,
				"goversion": goVersion,
			},
		},
	)

	upGauge.Set(1)
}
