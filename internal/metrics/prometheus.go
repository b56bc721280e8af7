// Package metrics provides a Prometheus metrics registry for the batcher.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics. Record methods are safe for
// concurrent use; nil-Registry checks are the caller's responsibility.
type Registry struct {
	reg *prometheus.Registry

	// batcher_inflight_requests
	inFlight prometheus.Gauge

	// batcher_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// batcher_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// batcher_queue_depth{lane}
	queueDepth *prometheus.GaugeVec

	// batcher_dispatches_total{lane,reason}
	dispatches *prometheus.CounterVec

	// batcher_batch_size{lane}
	batchSize *prometheus.HistogramVec

	// batcher_upstream_calls_total{backend,outcome}
	upstreamCalls *prometheus.CounterVec

	// batcher_upstream_duration_seconds{backend}
	upstreamDuration *prometheus.HistogramVec

	// batcher_tokens_total{lane}
	tokensTotal *prometheus.CounterVec

	// batcher_store_operations_total{op,result}
	storeOps *prometheus.CounterVec

	// batcher_request_latency_seconds{lane} — created_at to completed_at
	requestLatency *prometheus.HistogramVec

	// batcher_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batcher_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batcher_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batcher_http_request_duration_seconds",
				Help:    "HTTP handler duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "batcher_queue_depth",
				Help: "Current number of requests parked in each priority lane",
			},
			[]string{"lane"},
		),

		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batcher_dispatches_total",
				Help: "Batches dispatched, by lane and firing reason (window|size)",
			},
			[]string{"lane", "reason"},
		),

		batchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batcher_batch_size",
				Help:    "Number of requests drained into one batch",
				Buckets: []float64{1, 2, 3, 4, 5, 6},
			},
			[]string{"lane"},
		),

		upstreamCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batcher_upstream_calls_total",
				Help: "Combined upstream generation calls, by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batcher_upstream_duration_seconds",
				Help:    "Wall-clock duration of combined upstream calls",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"backend"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batcher_tokens_total",
				Help: "Upstream-reported tokens attributed to completed requests",
			},
			[]string{"lane"},
		),

		storeOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batcher_store_operations_total",
				Help: "Chat store operations by op and result",
			},
			[]string{"op", "result"},
		),

		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batcher_request_latency_seconds",
				Help:    "End-to-end request latency (created_at to completed_at)",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			},
			[]string{"lane"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "batcher_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.queueDepth,
		r.dispatches,
		r.batchSize,
		r.upstreamCalls,
		r.upstreamDuration,
		r.tokensTotal,
		r.storeOps,
		r.requestLatency,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

func (r *Registry) SetQueueDepth(lane string, depth int) {
	r.queueDepth.WithLabelValues(lane).Set(float64(depth))
}

func (r *Registry) RecordDispatch(lane, reason string, size int) {
	r.dispatches.WithLabelValues(lane, reason).Inc()
	r.batchSize.WithLabelValues(lane).Observe(float64(size))
}

func (r *Registry) ObserveUpstreamCall(backend, outcome string, dur time.Duration) {
	r.upstreamCalls.WithLabelValues(backend, outcome).Inc()
	r.upstreamDuration.WithLabelValues(backend).Observe(dur.Seconds())
}

func (r *Registry) AddTokens(lane string, tokens int) {
	r.tokensTotal.WithLabelValues(lane).Add(float64(tokens))
}

func (r *Registry) RecordStoreOp(op, result string) {
	r.storeOps.WithLabelValues(op, result).Inc()
}

func (r *Registry) ObserveRequestLatency(lane string, dur time.Duration) {
	r.requestLatency.WithLabelValues(lane).Observe(dur.Seconds())
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// Handler returns the fasthttp handler serving the /metrics endpoint.
func (r *Registry) Handler() fasthttp.RequestHandler { return r.metricsHandler }

// PromRegistry exposes the underlying registry for tests.
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
