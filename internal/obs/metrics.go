package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session-core metrics. Registered once via Init; exported through Handler
// when a frontend wants to expose them.
var (
	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "userdeck_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	refreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "userdeck_refreshes_total",
			Help: "Session refresh attempts by outcome.",
		},
		[]string{"outcome"},
	)

	rateLimitBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "userdeck_rate_limit_blocks_total",
			Help: "Attempts blocked by the client-side rate limiter.",
		},
		[]string{"action"},
	)

	securityViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "userdeck_security_violations_total",
			Help: "Inputs rejected by the suspicious-pattern gate.",
		},
	)

	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "userdeck_api_requests_total",
			Help: "Outbound API requests by endpoint and status.",
		},
		[]string{"endpoint", "status"},
	)

	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "userdeck_api_request_duration_seconds",
			Help:    "Outbound API request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "status"},
	)
)

// Init registers all collectors in the default registry.
func Init() {
	prometheus.MustRegister(
		loginsTotal,
		refreshesTotal,
		rateLimitBlocksTotal,
		securityViolationsTotal,
		apiRequestsTotal,
		apiRequestDuration,
	)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLogin records a login attempt outcome ("success", "failure",
// "rate_limited", "rejected").
func ObserveLogin(outcome string) {
	loginsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRefresh records a refresh attempt outcome.
func ObserveRefresh(outcome string) {
	refreshesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitBlock records a locally blocked attempt.
func ObserveRateLimitBlock(action string) {
	rateLimitBlocksTotal.WithLabelValues(action).Inc()
}

// ObserveSecurityViolation records a rejected suspicious input.
func ObserveSecurityViolation() {
	securityViolationsTotal.Inc()
}

// ObserveAPIRequest records one outbound request.
func ObserveAPIRequest(endpoint string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	apiRequestsTotal.WithLabelValues(endpoint, code).Inc()
	apiRequestDuration.WithLabelValues(endpoint, code).Observe(elapsed.Seconds())
}
