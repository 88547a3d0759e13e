package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "cardpay/chain"

type rpcMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

type chainMetrics struct {
	transitions *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	height      prometheus.Gauge

	transitionCounter metric.Int64Counter
	latencyHistogram  metric.Float64Histogram
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics

	chainMetricsOnce sync.Once
	chainRegistry    *chainMetrics
)

// RPC returns the lazily-initialised registry recording HTTP API activity.
func RPC() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cardpay",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cardpay",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cardpay",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cardpay",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by the rate limiter.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			rpcRegistry.requests,
			rpcRegistry.errors,
			rpcRegistry.latency,
			rpcRegistry.throttles,
		)
	})
	return rpcRegistry
}

// Observe records the outcome of a request. status is the HTTP status that
// was written to the client.
func (m *rpcMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle counts a rejected request. Reasons should be stable strings
// such as "rate_limit".
func (m *rpcMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// Chain returns the registry recording state transitions.
func Chain() *chainMetrics {
	chainMetricsOnce.Do(func() {
		chainRegistry = &chainMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cardpay",
				Subsystem: "chain",
				Name:      "transitions_total",
				Help:      "State transitions segmented by name and outcome.",
			}, []string{"name", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cardpay",
				Subsystem: "chain",
				Name:      "transition_duration_seconds",
				Help:      "Time spent applying a state transition.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			}, []string{"name"}),
			height: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "cardpay",
				Subsystem: "chain",
				Name:      "committed_height",
				Help:      "Height of the last committed state root.",
			}),
		}
		prometheus.MustRegister(chainRegistry.transitions, chainRegistry.latency, chainRegistry.height)
		chainRegistry.initMeter()
	})
	return chainRegistry
}

// initMeter mirrors the transition metrics onto the global OpenTelemetry meter
// provider so they reach the OTLP exporter as well as /metrics.
func (m *chainMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter(meterName)
	counter, err := meter.Int64Counter("cardpay.chain.transitions")
	if err != nil {
		meter = noop.NewMeterProvider().Meter(meterName)
		counter, _ = meter.Int64Counter("cardpay.chain.transitions")
	}
	latency, err := meter.Float64Histogram("cardpay.chain.transition_ms")
	if err != nil {
		meter = noop.NewMeterProvider().Meter(meterName)
		latency, _ = meter.Float64Histogram("cardpay.chain.transition_ms")
	}
	m.transitionCounter = counter
	m.latencyHistogram = latency
}

// ObserveTransition records one applied or rejected transition. kind is the
// error class for rejections and empty on success.
func (m *chainMetrics) ObserveTransition(name, kind string, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "committed"
	if kind != "" {
		outcome = "rejected_" + kind
	}
	m.transitions.WithLabelValues(name, outcome).Inc()
	m.latency.WithLabelValues(name).Observe(duration.Seconds())
	attrs := metric.WithAttributes(attribute.String("name", name), attribute.String("outcome", outcome))
	if m.transitionCounter != nil {
		m.transitionCounter.Add(context.Background(), 1, attrs)
	}
	if m.latencyHistogram != nil {
		m.latencyHistogram.Record(context.Background(), float64(duration.Microseconds())/1000, attrs)
	}
}

// SetHeight publishes the committed height.
func (m *chainMetrics) SetHeight(height uint64) {
	if m == nil {
		return
	}
	m.height.Set(float64(height))
}
