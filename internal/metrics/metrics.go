package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "checkout"

// Metrics is nil-safe: every recording method is a no-op on a nil receiver,
// so components can be built without metrics in tests.
type Metrics struct {
	Requests        *prometheus.CounterVec
	LatencyMS       *prometheus.HistogramVec
	SessionsCreated prometheus.Counter
	SessionsFailed  *prometheus.CounterVec
	OrdersFinalized *prometheus.CounterVec
	Callbacks       *prometheus.CounterVec
	FraudLevels     *prometheus.CounterVec
	GatewayCalls    *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests
// to avoid duplicate registration on the default registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_ms",
			Help:    "HTTP request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route"}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_created_total",
			Help: "Checkout sessions created.",
		}),
		SessionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_failed_total",
			Help: "Checkout sessions moved to a failed/canceled/expired state.",
		}, []string{"reason"}),
		OrdersFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_finalized_total",
			Help: "Orders materialized from paid sessions.",
		}, []string{"manual_review"}),
		Callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gateway_callbacks_total",
			Help: "Gateway callbacks by event type and outcome.",
		}, []string{"event_type", "result"}),
		FraudLevels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fraud_assessments_total",
			Help: "Fraud assessments frozen on orders, by level.",
		}, []string{"level"}),
		GatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gateway_calls_total",
			Help: "Outbound payment gateway calls by operation and result.",
		}, []string{"op", "result"}),
		gatherer: reg,
	}
	reg.MustRegister(m.Requests, m.LatencyMS, m.SessionsCreated, m.SessionsFailed,
		m.OrdersFinalized, m.Callbacks, m.FraudLevels, m.GatewayCalls)
	return m
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *Metrics) SessionFailed(reason string) {
	if m == nil {
		return
	}
	m.SessionsFailed.WithLabelValues(reason).Inc()
}

func (m *Metrics) OrderFinalized(manualReview bool, level string) {
	if m == nil {
		return
	}
	m.OrdersFinalized.WithLabelValues(strconv.FormatBool(manualReview)).Inc()
	m.FraudLevels.WithLabelValues(level).Inc()
}

func (m *Metrics) Callback(eventType, result string) {
	if m == nil {
		return
	}
	m.Callbacks.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) GatewayCall(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.GatewayCalls.WithLabelValues(op, result).Inc()
}

// Handler exposes the registry this Metrics was built on.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request count and latency labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.Requests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		m.LatencyMS.WithLabelValues(route).Observe(float64(time.Since(start).Milliseconds()))
	})
}
