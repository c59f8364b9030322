package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memtls",
			Subsystem: "session",
			Name:      "handshakes_total",
			Help:      "Completed handshakes by outcome.",
		},
		[]string{"role", "outcome"},
	)
	handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "memtls",
			Subsystem: "session",
			Name:      "handshake_seconds",
			Help:      "Time from session init to handshake outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role"},
	)
	sessionBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memtls",
			Subsystem: "session",
			Name:      "bytes_total",
			Help:      "Bytes moved through session channels.",
		},
		[]string{"role", "direction"},
	)
	resumptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memtls",
			Subsystem: "session",
			Name:      "resumptions_total",
			Help:      "Handshakes that resumed an earlier session.",
		},
		[]string{"role"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "memtls",
			Subsystem: "host",
			Name:      "sessions_active",
			Help:      "Sessions currently owned by the host loop.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memtls",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"host", "method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "memtls",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"host", "method", "route", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			handshakes,
			handshakeDuration,
			sessionBytes,
			resumptions,
			activeSessions,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordHandshake(role, outcome string, duration time.Duration) {
	RegisterMetrics()
	handshakes.WithLabelValues(role, outcome).Inc()
	handshakeDuration.WithLabelValues(role).Observe(duration.Seconds())
}

func RecordSessionBytes(role, direction string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	sessionBytes.WithLabelValues(role, direction).Add(float64(n))
}

func RecordResumption(role string) {
	RegisterMetrics()
	resumptions.WithLabelValues(role).Inc()
}

func SetActiveSessions(n int) {
	RegisterMetrics()
	activeSessions.Set(float64(n))
}

func RecordHTTPRequest(host, method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(host, method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(host, method, route, statusLabel).Observe(duration.Seconds())
}
