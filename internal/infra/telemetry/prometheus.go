package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusMetrics struct {
	toolCalls           *prometheus.CounterVec
	toolDuration        *prometheus.HistogramVec
	discoveryConfidence *prometheus.HistogramVec
	serverRequests      *prometheus.CounterVec
	upstreamSessions    *prometheus.GaugeVec
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		toolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "magictunnel_tool_calls_total",
				Help: "Total number of tool invocations by outcome",
			},
			[]string{"tool", "result"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "magictunnel_tool_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"tool"},
		),
		discoveryConfidence: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "magictunnel_discovery_confidence",
				Help:    "Confidence of tools invoked through smart discovery",
				Buckets: []float64{.1, .3, .5, .7, .8, .9, .95, 1},
			},
			[]string{"method"},
		),
		serverRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "magictunnel_server_requests_total",
				Help: "Sampling and elicitation requests raised by upstream servers",
			},
			[]string{"kind", "source", "status"},
		),
		upstreamSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "magictunnel_upstream_sessions",
				Help: "Upstream sessions by state",
			},
			[]string{"state"},
		),
	}
}

func (p *PrometheusMetrics) ObserveToolCall(tool, result string, duration time.Duration) {
	if p == nil {
		return
	}
	p.toolCalls.WithLabelValues(tool, result).Inc()
	p.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveDiscovery(method string, confidence float64) {
	if p == nil {
		return
	}
	p.discoveryConfidence.WithLabelValues(method).Observe(confidence)
}

func (p *PrometheusMetrics) ObserveServerRequest(kind, source string, err error) {
	if p == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	p.serverRequests.WithLabelValues(kind, source, status).Inc()
}

func (p *PrometheusMetrics) SetUpstreamSessions(state string, count int) {
	if p == nil {
		return
	}
	p.upstreamSessions.WithLabelValues(state).Set(float64(count))
}
