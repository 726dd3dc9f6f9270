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
			Namespace: "ftprelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status endpoint requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ftprelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status endpoint request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	itemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ftprelay",
			Subsystem: "relay",
			Name:      "items_total",
			Help:      "Batch records by direction and final status.",
		},
		[]string{"direction", "status"},
	)
	itemDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ftprelay",
			Subsystem: "relay",
			Name:      "item_duration_seconds",
			Help:      "Time from first attempt to final outcome per item.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"direction", "status"},
	)
	relocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ftprelay",
			Subsystem: "relay",
			Name:      "relocations_total",
			Help:      "Remote relocations by path taken.",
		},
		[]string{"path"},
	)
	retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ftprelay",
			Subsystem: "relay",
			Name:      "retries_total",
			Help:      "Failed tries by error class.",
		},
		[]string{"direction", "class"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ftprelay",
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Control session reconnect sequences.",
		},
		[]string{"reason", "success"},
	)
	runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ftprelay",
			Subsystem: "relay",
			Name:      "runs_total",
			Help:      "Completed batch runs by terminal state.",
		},
		[]string{"direction", "policy", "state"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			itemsTotal, itemDuration,
			relocations, retries, reconnects, runs,
		)
	})
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}

func RecordItem(direction, status string, duration time.Duration) {
	RegisterMetrics()
	itemsTotal.WithLabelValues(direction, status).Inc()
	if duration > 0 {
		itemDuration.WithLabelValues(direction, status).Observe(duration.Seconds())
	}
}

// RecordRelocation counts one relocation; path is rename, fallback or failed.
func RecordRelocation(path string) {
	RegisterMetrics()
	relocations.WithLabelValues(path).Inc()
}

func RecordRetry(direction, class string) {
	RegisterMetrics()
	retries.WithLabelValues(direction, class).Inc()
}

func RecordReconnect(reason string, success bool) {
	RegisterMetrics()
	reconnects.WithLabelValues(reason, strconv.FormatBool(success)).Inc()
}

func RecordRun(direction, policy, state string) {
	RegisterMetrics()
	runs.WithLabelValues(direction, policy, state).Inc()
}
