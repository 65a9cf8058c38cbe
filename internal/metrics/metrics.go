// Package metrics exposes Prometheus collectors for the crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal                  *prometheus.CounterVec
	fetchRetriesTotal             *prometheus.CounterVec
	egressBansTotal               prometheus.Counter
	egressRotationsTotal          prometheus.Counter
	dedupResultsTotal             *prometheus.CounterVec
	rowsWrittenTotal              prometheus.Counter
	partitionFlushesTotal         *prometheus.CounterVec
	stateSavesTotal               *prometheus.CounterVec
	pendingRequests               prometheus.Gauge
	activeWorkers                 prometheus.Gauge
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	adminRequestSeconds           *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call more than once, and every
// observer calls it, so packages do not depend on start-up ordering.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Logical fetches completed, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_retries_total",
				Help: "Fetch attempts that were retried after a transient failure.",
			},
			[]string{"site"},
		)

		egressBansTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_egress_bans_total",
				Help: "Egress IPs added to the banned set.",
			},
		)

		egressRotationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_egress_rotations_total",
				Help: "Proxy endpoint rotations performed after suspected blocking.",
			},
		)

		dedupResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_dedup_results_total",
				Help: "Records checked for duplicates, labeled by result.",
			},
			[]string{"result"},
		)

		rowsWrittenTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_rows_written_total",
				Help: "Rows appended to the output workbook.",
			},
		)

		partitionFlushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_partition_flushes_total",
				Help: "Workbook flushes, labeled by status.",
			},
			[]string{"status"},
		)

		stateSavesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_state_saves_total",
				Help: "Crawl state saves, labeled by trigger.",
			},
			[]string{"reason"},
		)

		pendingRequests = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_pending_requests",
				Help: "Requests waiting on the crawl state stack.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a request.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		adminRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_admin_request_duration_seconds",
				Help:    "Admin API request latency, labeled by method, route and status code.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "code"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from rawURL.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler exposing the default registry.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetch counts one logical fetch for the URL's site.
func ObserveFetch(rawURL, outcome string) {
	Init()
	fetchesTotal.WithLabelValues(SanitizeSite(rawURL), outcome).Inc()
}

// ObserveRetry counts a retried fetch attempt.
func ObserveRetry(rawURL string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveBan counts a banned egress IP.
func ObserveBan() {
	Init()
	egressBansTotal.Inc()
}

// ObserveRotation counts a proxy rotation.
func ObserveRotation() {
	Init()
	egressRotationsTotal.Inc()
}

// ObserveDedup counts a dedup decision.
func ObserveDedup(duplicate bool) {
	Init()
	result := "unique"
	if duplicate {
		result = "duplicate"
	}
	dedupResultsTotal.WithLabelValues(result).Inc()
}

// ObserveRowWritten counts an appended row.
func ObserveRowWritten() {
	Init()
	rowsWrittenTotal.Inc()
}

// ObserveFlush counts a workbook flush.
func ObserveFlush(status string) {
	Init()
	partitionFlushesTotal.WithLabelValues(status).Inc()
}

// ObserveStateSave counts a persisted crawl state save.
func ObserveStateSave(reason string) {
	Init()
	stateSavesTotal.WithLabelValues(reason).Inc()
}

// SetPendingRequests records the stack depth.
func SetPendingRequests(n int) {
	Init()
	pendingRequests.Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records how long a request waited on the limiter.
func ObserveRateLimitDelay(domain string, d time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// ObserveAdminRequest records one admin API request.
func ObserveAdminRequest(method, route string, status int, d time.Duration) {
	Init()
	adminRequestSeconds.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
