// Package metrics holds foodrelay's Prometheus collectors.
//
// Every collector lives on a private prometheus.Registry rather than the
// global default one, so tests can build as many registries as they like.
// All Observe methods are safe on a nil *Registry; packages that take an
// optional registry call them unconditionally.
//
//	foodrelay_transitions_total{entity,from,to}
//	foodrelay_version_conflicts_total
//	foodrelay_donations_expired_total
//	foodrelay_dispatch_total{outcome}
//	foodrelay_http_requests_total{method,path,status}
//	foodrelay_http_request_duration_seconds{method,path}
//	foodrelay_webhook_deliveries_total{result}
//	foodrelay_event_drops_total
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snehjoshi/foodrelay/internal/types"
)

const namespace = "foodrelay"

// Registry owns every foodrelay collector.
type Registry struct {
	reg *prometheus.Registry

	transitions  *prometheus.CounterVec
	conflicts    prometheus.Counter
	expired      prometheus.Counter
	dispatch     *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	webhooks     *prometheus.CounterVec
	eventDrops   prometheus.Counter
}

// New builds a registry with all collectors plus the Go runtime and process
// collectors registered.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Lifecycle transitions committed, by entity and edge.",
		}, []string{"entity", "from", "to"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Writes rejected because the record changed since it was read.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "donations_expired_total",
			Help:      "Donations moved to expired by the sweeper or a late claim.",
		}),
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Courier dispatch attempts by outcome (assigned, pending).",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook POST attempts by result (delivered, retry, dropped).",
		}, []string{"result"}),
		eventDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_drops_total",
			Help:      "Events dropped because a subscriber's buffer was full.",
		}),
	}
	r.reg.MustRegister(
		r.transitions, r.conflicts, r.expired, r.dispatch,
		r.httpRequests, r.httpDuration, r.webhooks, r.eventDrops,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler renders the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// WatchGauge registers a gauge whose value is read from fn at scrape time.
func (r *Registry) WatchGauge(name, help string, fn func() float64) {
	if r == nil {
		return
	}
	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (r *Registry) ObserveTransition(kind types.EntityKind, from, to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(string(kind), from, to).Inc()
}

func (r *Registry) ObserveConflict() {
	if r == nil {
		return
	}
	r.conflicts.Inc()
}

func (r *Registry) ObserveExpired() {
	if r == nil {
		return
	}
	r.expired.Inc()
}

func (r *Registry) ObserveDispatch(outcome string) {
	if r == nil {
		return
	}
	r.dispatch.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records one served request. path should be the route pattern,
// not the raw URL, to keep label cardinality bounded.
func (r *Registry) ObserveHTTP(method, path string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func (r *Registry) ObserveWebhook(result string) {
	if r == nil {
		return
	}
	r.webhooks.WithLabelValues(result).Inc()
}

func (r *Registry) ObserveEventDrop() {
	if r == nil {
		return
	}
	r.eventDrops.Inc()
}
