package usage

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsPlugin exports usage records as Prometheus metrics.
//
// Metrics:
//   - zgate_requests_total: request count by model, status, token source
//   - zgate_request_duration_seconds: request duration histogram
//   - zgate_request_tokens_total: token counts by model and type
type MetricsPlugin struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
}

// NewMetricsPlugin creates and registers the usage metrics with the provided
// registry.
func NewMetricsPlugin(registry *prometheus.Registry) *MetricsPlugin {
	mp := &MetricsPlugin{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zgate",
				Name:      "requests_total",
				Help:      "Total number of translated requests",
			},
			[]string{"model", "status", "token_source"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "zgate",
				Name:      "request_duration_seconds",
				Help:      "Duration of translated requests in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"model"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zgate",
				Name:      "request_tokens_total",
				Help:      "Total number of tokens processed",
			},
			[]string{"model", "type"},
		),
	}

	registry.MustRegister(
		mp.requestsTotal,
		mp.requestDuration,
		mp.tokensTotal,
	)

	return mp
}

// HandleUsage implements Plugin.
func (mp *MetricsPlugin) HandleUsage(ctx context.Context, record Record) {
	mp.requestsTotal.WithLabelValues(record.Model, record.Status, record.TokenSource).Inc()
	mp.requestDuration.WithLabelValues(record.Model).Observe(record.Duration.Seconds())
	if record.Detail.PromptTokens > 0 {
		mp.tokensTotal.WithLabelValues(record.Model, "prompt").Add(float64(record.Detail.PromptTokens))
	}
	if record.Detail.CompletionTokens > 0 {
		mp.tokensTotal.WithLabelValues(record.Model, "completion").Add(float64(record.Detail.CompletionTokens))
	}
}
