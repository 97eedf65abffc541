// Package metrics provides a Prometheus metrics registry for the gateway.
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

var durationBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300, 600}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_ratelimit_total{tier,result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_upstream_attempts_total{kind,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{kind,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_fallback_total{from,to}
	fallbacks *prometheus.CounterVec

	// gateway_tokenizer_fallback_total{kind}
	tokenizerFallback *prometheus.CounterVec

	// gateway_tokens_total{model,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_cost_total{model}
	costTotal *prometheus.CounterVec

	// gateway_billing_total{result}
	billingTotal *prometheus.CounterVec

	// gateway_billing_queue_depth
	billingQueueDepth prometheus.Gauge

	// gateway_dependency_health{dependency}
	dependencyHealth *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds; streams are measured until the last frame",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions per gauntlet tier",
			},
			[]string{"tier", "result"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream attempts (includes fallbacks)",
			},
			[]string{"kind", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Time until the upstream answered or the stream opened",
				Buckets: durationBuckets,
			},
			[]string{"kind", "outcome"},
		),

		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_fallback_total",
				Help: "Requests retried on a model's fallback after an upstream failure",
			},
			[]string{"from", "to"},
		),

		tokenizerFallback: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokenizer_fallback_total",
				Help: "Prompt counts that fell back to the character estimate",
			},
			[]string{"kind"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Billed token units",
			},
			[]string{"model", "direction"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cost_total",
				Help: "Billed cost in balance units",
			},
			[]string{"model"},
		),

		billingTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_billing_total",
				Help: "Settlement outcomes",
			},
			[]string{"result"},
		),

		billingQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_billing_queue_depth",
			Help: "Entries waiting in the billing queue",
		}),

		dependencyHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_dependency_health",
				Help: "Dependency health status (1=ok, 0=degraded)",
			},
			[]string{"dependency"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.rateLimitTotal,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.fallbacks,
		r.tokenizerFallback,
		r.tokensTotal,
		r.costTotal,
		r.billingTotal,
		r.billingQueueDepth,
		r.dependencyHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes int) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
}

// RecordRateLimit implements ratelimit.Recorder.
func (r *Registry) RecordRateLimit(tier, result string) {
	r.rateLimitTotal.WithLabelValues(tier, result).Inc()
}

// ObserveUpstreamAttempt records one upstream attempt.
func (r *Registry) ObserveUpstreamAttempt(kind, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(kind, outcome).Inc()
	r.upstreamDuration.WithLabelValues(kind, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFallback(from, to string) {
	r.fallbacks.WithLabelValues(from, to).Inc()
}

// RecordTokenizerFallback implements tokens.FallbackRecorder.
func (r *Registry) RecordTokenizerFallback(kind string) {
	r.tokenizerFallback.WithLabelValues(kind).Inc()
}

// RecordUsage implements billing.UsageRecorder.
func (r *Registry) RecordUsage(model string, inputTokens, outputTokens int, cost float64) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
	if cost > 0 {
		r.costTotal.WithLabelValues(model).Add(cost)
	}
}

// RecordBilling implements billing.QueueRecorder.
func (r *Registry) RecordBilling(result string) {
	r.billingTotal.WithLabelValues(result).Inc()
}

// SetBillingQueueDepth implements billing.QueueRecorder.
func (r *Registry) SetBillingQueueDepth(n int) {
	r.billingQueueDepth.Set(float64(n))
}

func (r *Registry) SetDependencyHealth(dep string, ok bool) {
	if ok {
		r.dependencyHealth.WithLabelValues(dep).Set(1)
		return
	}
	r.dependencyHealth.WithLabelValues(dep).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
