package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "token_exporter"

// HTTP metrics of the exporter's own server.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_in_flight_requests",
		Help:      "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Collection metrics.
var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "total",
			Help:      "Collection cycles by outcome (loaded, no_token, error, aborted).",
		},
		[]string{"outcome"},
	)

	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "duration_seconds",
		Help:      "Wall time of a full collection cycle.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	})

	lastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last cycle that did not end in error.",
	})

	triggersDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "triggers_dropped_total",
		Help:      "Refresh triggers ignored because a cycle was still running.",
	})

	tokensCollected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tokens_collected",
			Help:      "Tokens collected by the last successful cycle, per kind.",
		},
		[]string{"kind"},
	)

	tokensSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_skipped_total",
			Help:      "Tokens left out of the published document, per reason.",
		},
		[]string{"reason"},
	)

	gitlabRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gitlab",
			Name:      "requests_total",
			Help:      "Outbound GitLab API requests by HTTP status (\"error\" for transport failures).",
		},
		[]string{"status"},
	)

	gitlabInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gitlab",
		Name:      "requests_in_flight",
		Help:      "Outbound GitLab API requests currently in flight.",
	})

	pathCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "path_cache",
			Name:      "lookups_total",
			Help:      "Path resolutions served from the per-cycle cache (hit) or resolved upstream (miss).",
		},
		[]string{"result"},
	)
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			cyclesTotal, cycleDuration, lastSuccess, triggersDropped,
			tokensCollected, tokensSkipped,
			gitlabRequests, gitlabInFlight,
			pathCacheLookups,
		)
	})
}

// Handler serves the exporter's own metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCycle records the outcome and wall time of one cycle.
func ObserveCycle(outcome string, d time.Duration) {
	cyclesTotal.WithLabelValues(outcome).Inc()
	cycleDuration.Observe(d.Seconds())
	if outcome != "error" && outcome != "aborted" {
		lastSuccess.SetToCurrentTime()
	}
}

func TriggerDropped() { triggersDropped.Inc() }

func SetTokensCollected(kind string, n int) {
	tokensCollected.WithLabelValues(kind).Set(float64(n))
}

func TokenSkipped(reason string) { tokensSkipped.WithLabelValues(reason).Inc() }

// GitLabRequestStarted marks an outbound request in flight and returns the func
// that records its completion.
func GitLabRequestStarted() func(status int, err error) {
	gitlabInFlight.Inc()
	return func(status int, err error) {
		gitlabInFlight.Dec()
		label := strconv.Itoa(status)
		if err != nil {
			label = "error"
		}
		gitlabRequests.WithLabelValues(label).Inc()
	}
}

func PathCacheLookup(hit bool) {
	if hit {
		pathCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	pathCacheLookups.WithLabelValues("miss").Inc()
}

// CanonicalPath folds request paths into a bounded label set.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	switch p {
	case "", "/":
		return "/"
	case "/metrics", "/-/metrics", "/live", "/ready":
		return p
	default:
		return "other"
	}
}

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
