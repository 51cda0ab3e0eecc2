package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	CoordinatorRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dhtring",
			Subsystem: "coordinator",
			Name:      "requests_total",
			Help:      "Coordinator requests by command and reply status.",
		},
		[]string{"command", "status"},
	)

	RingExists = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dhtring",
			Subsystem: "coordinator",
			Name:      "ring_exists",
			Help:      "1 while a ring is formed, 0 otherwise.",
		},
	)

	RingMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dhtring",
			Subsystem: "node",
			Name:      "ring_messages_total",
			Help:      "Ring datagrams handled by command and outcome (handled, forwarded, dropped).",
		},
		[]string{"command", "outcome"},
	)

	StoreInserts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dhtring",
			Subsystem: "node",
			Name:      "store_inserts_total",
			Help:      "Local store inserts by result (stored, full).",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(CoordinatorRequests, RingExists, RingMessages, StoreInserts)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr.
func NewServer(addr string) *http.Server {
	var mux = http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler())
	return &http.Server{
		Addr:    addr,
		Handler: mux,
	}
}
