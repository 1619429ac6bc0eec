package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glasslink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "glasslink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	linkWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glasslink",
			Subsystem: "link",
			Name:      "writes_total",
			Help:      "Frame writes per arm by outcome (acked, timeout, dropped, reset).",
		},
		[]string{"side", "result"},
	)
	linkAckWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "glasslink",
			Subsystem: "link",
			Name:      "ack_wait_seconds",
			Help:      "Time between a frame write and its completion.",
			Buckets:   []float64{.002, .005, .01, .025, .05, .1, .25, .5, 1, 2},
		},
		[]string{"side"},
	)
	linkTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glasslink",
			Subsystem: "link",
			Name:      "state_transitions_total",
			Help:      "Per-arm lifecycle transitions by target state.",
		},
		[]string{"side", "to"},
	)
	linkReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "glasslink",
			Subsystem: "link",
			Name:      "reconnects_total",
			Help:      "Forced pair disconnects followed by a scheduled reconnect.",
		},
	)
	linkBondFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glasslink",
			Subsystem: "link",
			Name:      "bond_failures_total",
			Help:      "Failed bonding attempts per arm.",
		},
		[]string{"side"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glasslink",
			Subsystem: "demux",
			Name:      "notifications_total",
			Help:      "Inbound notifications per arm by classified kind.",
		},
		[]string{"side", "kind"},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "glasslink",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Send requests waiting for the drain worker.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			linkWrites, linkAckWait, linkTransitions, linkReconnects, linkBondFailures,
			notifications, queueDepth,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordWrite(side, result string, wait time.Duration) {
	RegisterMetrics()
	linkWrites.WithLabelValues(side, result).Inc()
	if wait > 0 {
		linkAckWait.WithLabelValues(side).Observe(wait.Seconds())
	}
}

func RecordStateTransition(side, to string) {
	RegisterMetrics()
	linkTransitions.WithLabelValues(side, to).Inc()
}

func RecordReconnect() {
	RegisterMetrics()
	linkReconnects.Inc()
}

func RecordBondFailure(side string) {
	RegisterMetrics()
	linkBondFailures.WithLabelValues(side).Inc()
}

func RecordNotification(side, kind string) {
	RegisterMetrics()
	notifications.WithLabelValues(side, kind).Inc()
}

func SetQueueDepth(n int) {
	RegisterMetrics()
	queueDepth.Set(float64(n))
}
