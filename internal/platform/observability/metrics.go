package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shopvn/orderflow/internal/services"
)

// Metrics holds the Prometheus collectors exposed on /metrics. It also observes payment
// reconciliations and scheduler sweeps.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge

	paymentResults   *prometheus.CounterVec
	materializations *prometheus.CounterVec
	materializeTries prometheus.Histogram

	sweeps        *prometheus.CounterVec
	sweepAdvanced *prometheus.CounterVec
	sweepFailed   *prometheus.CounterVec
}

var (
	_ services.ReconcileObserver = (*Metrics)(nil)
	_ services.SweepObserver     = (*Metrics)(nil)
)

// NewMetrics creates the collectors on a private registry together with Go runtime and
// process collectors.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "orderflow"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "route"},
		),
		requestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),
		paymentResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payments",
				Name:      "returns_total",
				Help:      "Gateway returns applied, by resulting payment status",
			},
			[]string{"status", "replayed"},
		),
		materializations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payments",
				Name:      "order_materializations_total",
				Help:      "Order side outcomes of resolved payments",
			},
			[]string{"outcome"},
		),
		materializeTries: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "payments",
				Name:      "order_materialization_attempts",
				Help:      "Attempts needed to create an order from the cart after payment",
				Buckets:   []float64{1, 2, 3, 5},
			},
		),
		sweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "sweeps_total",
				Help:      "Scheduler sweeps, by job and result",
			},
			[]string{"job", "result"},
		),
		sweepAdvanced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "orders_advanced_total",
				Help:      "Orders advanced by scheduler sweeps",
			},
			[]string{"job"},
		),
		sweepFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "orders_failed_total",
				Help:      "Orders a scheduler sweep could not advance",
			},
			[]string{"job"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.requestsInFlight,
		m.paymentResults,
		m.materializations,
		m.materializeTries,
		m.sweeps,
		m.sweepAdvanced,
		m.sweepFailed,
	)

	return m
}

// Middleware records request counts and latency labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.requestsInFlight.Inc()
		defer m.requestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveReconciliation implements services.ReconcileObserver.
func (m *Metrics) ObserveReconciliation(result services.Reconciliation) {
	m.paymentResults.WithLabelValues(string(result.Payment.Status), strconv.FormatBool(result.Replayed)).Inc()
	if result.Replayed {
		return
	}
	m.materializations.WithLabelValues(string(result.Outcome)).Inc()
	if result.Attempts > 0 {
		m.materializeTries.Observe(float64(result.Attempts))
	}
}

// ObserveSweep implements services.SweepObserver.
func (m *Metrics) ObserveSweep(result services.SweepResult) {
	outcome := "ok"
	if result.Err != nil {
		outcome = "error"
	}
	m.sweeps.WithLabelValues(result.Job, outcome).Inc()
	m.sweepAdvanced.WithLabelValues(result.Job).Add(float64(result.Advanced))
	m.sweepFailed.WithLabelValues(result.Job).Add(float64(result.Failed))
}
