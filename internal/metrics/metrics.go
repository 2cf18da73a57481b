// Package metrics exposes the Adapter Facade's Prometheus metrics: session
// lifecycle counters, websocket round-trip latency, order submission
// latency, reconciliation outcomes, and order-book update throughput.
// Grounded on sawpanic-cryptorun's interfaces/http/metrics.go
// (MetricsRegistry: a struct of Counter/Gauge/Histogram vecs built at
// construction and registered once), adapted here to a private
// prometheus.Registry per instance instead of the global default registry,
// since this module may be instantiated more than once in a test process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric xconnect emits.
type Registry struct {
	reg *prometheus.Registry

	SessionConnects    *prometheus.CounterVec
	SessionDisconnects *prometheus.CounterVec
	SessionReconnects  *prometheus.CounterVec
	AuthFailures       *prometheus.CounterVec

	WSLatency *prometheus.HistogramVec

	OrdersSubmitted *prometheus.CounterVec
	OrderLatency    *prometheus.HistogramVec
	CancelsSubmitted *prometheus.CounterVec

	FillsProcessed       *prometheus.CounterVec
	UnreconciledUpdates  *prometheus.CounterVec

	BookUpdates   *prometheus.CounterVec
	BookSequenceGaps *prometheus.CounterVec

	ActiveSessions prometheus.Gauge
}

// New builds a Registry with every metric registered against a private
// prometheus.Registry (not the global default, so multiple Registry
// instances — one per test, say — never collide on duplicate
// registration).
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,

		SessionConnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xconnect_session_connects_total",
				Help: "Total number of successful session connects, by venue and kind.",
			},
			[]string{"venue", "kind"},
		),
		SessionDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xconnect_session_disconnects_total",
				Help: "Total number of session disconnects, by venue and reason.",
			},
			[]string{"venue", "reason"},
		),
		SessionReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xconnect_session_reconnects_total",
				Help: "Total number of reconnect attempts scheduled, by venue.",
			},
			[]string{"venue"},
		),
		AuthFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xconnect_auth_failures_total",
				Help: "Total number of authentication failures, by venue.",
			},
			[]string{"venue"},
		),
		WSLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xconnect_ws_roundtrip_seconds",
				Help:    "Round-trip latency of request/response exchanges over the session transport.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"venue", "method"},
		),
		OrdersSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xconnect_orders_submitted_total",
				Help: "Total number of create-order requests submitted, by venue and symbol.",
			},
			[]string{"venue", "symbol"},
		),
		OrderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xconnect_order_submit_seconds",
				Help:    "Latency of order submission from request to venue acknowledgment.",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"venue"},
		),
		CancelsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xconnect_cancels_submitted_total",
				Help: "Total number of cancel-order requests submitted, by venue.",
			},
			[]string{"venue"},
		),
		FillsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xconnect_fills_processed_total",
				Help: "Total number of fills applied by the execution reconciler, by venue and liquidity.",
			},
			[]string{"venue", "liquidity"},
		),
		UnreconciledUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xconnect_unreconciled_updates_total",
				Help: "Total number of execution reports that matched no known order, by venue and kind.",
			},
			[]string{"venue", "kind"},
		),
		BookUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xconnect_book_updates_total",
				Help: "Total number of order book snapshots or deltas applied, by venue, symbol, and kind.",
			},
			[]string{"venue", "symbol", "kind"},
		),
		BookSequenceGaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xconnect_book_sequence_gaps_total",
				Help: "Total number of detected order book sequence gaps, by venue and symbol.",
			},
			[]string{"venue", "symbol"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "xconnect_active_sessions",
				Help: "Number of currently connected sessions across all venues.",
			},
		),
	}

	reg.MustRegister(
		r.SessionConnects, r.SessionDisconnects, r.SessionReconnects, r.AuthFailures,
		r.WSLatency, r.OrdersSubmitted, r.OrderLatency, r.CancelsSubmitted,
		r.FillsProcessed, r.UnreconciledUpdates, r.BookUpdates, r.BookSequenceGaps,
		r.ActiveSessions,
	)
	return r
}

// Handler returns the HTTP handler serving this registry's metrics in the
// Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// LatencyTimer tracks one in-flight operation's duration.
type LatencyTimer struct {
	start time.Time
}

// StartTimer begins timing an operation.
func StartTimer() LatencyTimer { return LatencyTimer{start: time.Now()} }

// ObserveWS records the elapsed time against WSLatency.
func (r *Registry) ObserveWS(t LatencyTimer, venue, method string) {
	r.WSLatency.WithLabelValues(venue, method).Observe(time.Since(t.start).Seconds())
}

// ObserveOrder records the elapsed time against OrderLatency.
func (r *Registry) ObserveOrder(t LatencyTimer, venue string) {
	r.OrderLatency.WithLabelValues(venue).Observe(time.Since(t.start).Seconds())
}
