package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics
)

// HTTP returns the lazily-initialised registry recording API route activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowdao",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method, and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowdao",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowdao",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowdao",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *httpMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.throttles.WithLabelValues(route, strings.TrimSpace(reason)).Inc()
}

// LedgerMetrics tracks escrow and dispute operations.
type LedgerMetrics struct {
	operations    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	locked        prometheus.Gauge
	oracleLatency *prometheus.HistogramVec
	oracleErrors  *prometheus.CounterVec
}

// Ledger returns the lazily-initialised ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowdao",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Escrow and dispute operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowdao",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency of escrow and dispute operations including commit retries.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			locked: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrowdao",
				Subsystem: "ledger",
				Name:      "locked_amount",
				Help:      "Funds currently held in escrow custody, in minor units.",
			}),
			oracleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowdao",
				Subsystem: "oracle",
				Name:      "call_duration_seconds",
				Help:      "Latency of token oracle calls.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			}, []string{"call"}),
			oracleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowdao",
				Subsystem: "oracle",
				Name:      "errors_total",
				Help:      "Token oracle failures segmented by call.",
			}, []string{"call"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.duration,
			ledgerRegistry.locked,
			ledgerRegistry.oracleLatency,
			ledgerRegistry.oracleErrors,
		)
	})
	return ledgerRegistry
}

// ObserveOperation records one ledger operation. Outcome labels are derived
// from the returned error kind via classify.
func (m *LedgerMetrics) ObserveOperation(operation string, duration time.Duration, err error, classify func(error) string) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		if classify != nil {
			outcome = classify(err)
		}
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.duration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetLocked updates the custody gauge.
func (m *LedgerMetrics) SetLocked(amount *big.Int) {
	if m == nil {
		return
	}
	m.locked.Set(bigToFloat(amount))
}

// ObserveOracle records the latency and failure of a token oracle call.
func (m *LedgerMetrics) ObserveOracle(call string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.oracleLatency.WithLabelValues(call).Observe(duration.Seconds())
	if err != nil {
		m.oracleErrors.WithLabelValues(call).Inc()
	}
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
