package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the gateway. Scraped from /metrics on the main
// listener.
var (
	ClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "witsgate_clients_active",
		Help: "Current number of connected WebSocket clients",
	})

	ClientsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "witsgate_clients_total",
		Help: "Total number of WebSocket clients accepted",
	})

	UpstreamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "witsgate_upstreams_active",
		Help: "Current number of upstream TCP sessions",
	})

	RecordsForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "witsgate_records_forwarded_total",
		Help: "Total WITS records forwarded to clients",
	})

	BytesFromUpstream = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "witsgate_upstream_bytes_read_total",
		Help: "Total bytes read from upstream TCP endpoints",
	})

	BytesToUpstream = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "witsgate_upstream_bytes_written_total",
		Help: "Total bytes written to upstream TCP endpoints",
	})

	ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "witsgate_reconnect_attempts_total",
		Help: "Total upstream reconnect attempts scheduled",
	})

	UpstreamFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "witsgate_upstream_failures_total",
		Help: "Total upstream sessions that exhausted reconnect attempts",
	})

	SlowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "witsgate_slow_clients_disconnected_total",
		Help: "Total clients disconnected because their outbound queue overflowed",
	})

	HeartbeatTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "witsgate_heartbeat_timeouts_total",
		Help: "Total clients terminated for missing heartbeat pongs",
	})

	FramerOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "witsgate_framer_overflows_total",
		Help: "Total framer buffer overflows (bytes discarded without a delimiter)",
	})

	RateLimitedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "witsgate_rate_limited_frames_total",
		Help: "Total inbound client frames dropped by the rate limiter",
	})
)

func init() {
	prometheus.MustRegister(
		ClientsActive,
		ClientsTotal,
		UpstreamsActive,
		RecordsForwarded,
		BytesFromUpstream,
		BytesToUpstream,
		ReconnectAttempts,
		UpstreamFailures,
		SlowClientsDisconnected,
		HeartbeatTimeouts,
		FramerOverflows,
		RateLimitedFrames,
	)
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
