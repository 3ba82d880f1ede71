package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripmail_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dripmail_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	discoveryTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dripmail_discovery_ticks_total",
			Help: "Scheduler discovery passes",
		},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripmail_jobs_enqueued_total",
			Help: "Sequence advancement jobs handed to the queue, by result",
		},
		[]string{"result"},
	)

	rulesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripmail_rules_processed_total",
			Help: "Due rules handled by the rule engine, by result",
		},
		[]string{"result"},
	)

	recipientsEnrolled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dripmail_recipients_enrolled_total",
			Help: "Recipient records created by rule-triggered broadcasts",
		},
	)

	jobOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripmail_job_outcomes_total",
			Help: "Sequence advancement results by outcome",
		},
		[]string{"outcome"},
	)

	sendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dripmail_send_latency_seconds",
			Help:    "Time spent handing a message to the mail transport",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"transport", "status"},
	)

	quotaBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dripmail_quota_blocks_total",
			Help: "Send attempts held back by the tenant quota, by window",
		},
		[]string{"window"},
	)

	linkRewriteFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dripmail_link_rewrite_fallbacks_total",
			Help: "Emails sent without click tracking because link rewriting failed",
		},
	)

	jobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dripmail_jobs_in_flight",
			Help: "Current jobs being processed by the worker pool",
		},
	)

	claimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dripmail_claim_conflicts_total",
			Help: "Jobs skipped because another worker held the record's lease",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dripmail_mail_breaker_state",
			Help: "Mail transport circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"transport"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDiscoveryTick records one scheduler pass
func RecordDiscoveryTick() {
	discoveryTicks.Inc()
}

// RecordEnqueue records a job handed to the queue ("ok" or "error")
func RecordEnqueue(result string) {
	jobsEnqueued.WithLabelValues(result).Inc()
}

// RecordRuleProcessed records the result of handling one due rule
func RecordRuleProcessed(result string) {
	rulesProcessed.WithLabelValues(result).Inc()
}

// RecordRecipientsEnrolled adds n newly enrolled recipients
func RecordRecipientsEnrolled(n int64) {
	recipientsEnrolled.Add(float64(n))
}

// RecordJobOutcome records a sequence advancement outcome
func RecordJobOutcome(outcome string) {
	jobOutcomes.WithLabelValues(outcome).Inc()
}

// RecordSendLatency records how long a transport took to accept a message
func RecordSendLatency(transport, status string, latency time.Duration) {
	sendLatency.WithLabelValues(transport, status).Observe(latency.Seconds())
}

// RecordQuotaBlocked records a send held back by the daily or monthly quota
func RecordQuotaBlocked(window string) {
	quotaBlocks.WithLabelValues(window).Inc()
}

// RecordLinkRewriteFallback records a click-tracking rewrite failure
func RecordLinkRewriteFallback() {
	linkRewriteFallbacks.Inc()
}

// SetJobsInFlight sets the current in-flight job count
func SetJobsInFlight(count int) {
	jobsInFlight.Set(float64(count))
}

// RecordClaimConflict records a job skipped due to a held lease
func RecordClaimConflict() {
	claimConflicts.Inc()
}

// SetBreakerState publishes the state of a transport's circuit breaker
func SetBreakerState(transport string, state int) {
	breakerState.WithLabelValues(transport).Set(float64(state))
}

// BreakerState returns the state gauge of a transport.
func BreakerState(transport string) prometheus.Gauge {
	return breakerState.WithLabelValues(transport)
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled by chi route pattern so path parameters do not explode the
// label space.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
