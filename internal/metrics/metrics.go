// Package metrics exposes broker counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oauth_broker"

type Metrics struct {
	registry       *prometheus.Registry
	authorizations prometheus.Counter
	callbacks      *prometheus.CounterVec
	tokensIssued   *prometheus.CounterVec
	verifications  *prometheus.CounterVec
	httpReqCnt     *prometheus.CounterVec
	httpDur        *prometheus.HistogramVec
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	authorizations := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "authorizations_total", Help: "Authorization requests redirected to the IdP."})
	callbacks := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "callbacks_total", Help: "IdP callbacks by outcome."}, []string{"outcome"})
	tokensIssued := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "tokens_issued_total", Help: "Token pairs issued by grant type."}, []string{"grant_type"})
	verifications := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "token_verifications_total", Help: "Access token verifications by result."}, []string{"result"})
	httpReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total"}, []string{"method", "route", "status"})
	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: "http_request_duration_seconds", Buckets: prometheus.DefBuckets}, []string{"method", "route"})
	r.MustRegister(authorizations, callbacks, tokensIssued, verifications, httpReqCnt, httpDur)

	return &Metrics{
		registry:       r,
		authorizations: authorizations,
		callbacks:      callbacks,
		tokensIssued:   tokensIssued,
		verifications:  verifications,
		httpReqCnt:     httpReqCnt,
		httpDur:        httpDur,
	}
}

func (m *Metrics) AuthorizationStarted() {
	if m == nil {
		return
	}
	m.authorizations.Inc()
}

func (m *Metrics) Callback(outcome string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TokenIssued(grantType string) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(grantType).Inc()
}

func (m *Metrics) Verification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

// Middleware records request counts and latency per route.
func (m *Metrics) Middleware(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.httpReqCnt.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDur.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
