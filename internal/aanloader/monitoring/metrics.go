package monitoring

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const MetricPrefix = "aanloader_"

// Report outcomes
const (
	ReportLoaded    = "loaded"
	ReportMalformed = "malformed"
	ReportFailed    = "failed"
)

// Metrics holds the loader's prometheus collectors on a dedicated registry, so that exactly these
// are pushed at the end of a run.
type Metrics struct {
	registry        *prometheus.Registry
	stepRows        *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	reports         *prometheus.CounterVec
	batchFailures   *prometheus.CounterVec
	lastSuccessTime prometheus.Gauge
}

func NewMetrics() *Metrics {
	stepRows := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricPrefix + "step_rows_total",
			Help: "Rows affected by a loading step",
		},
		[]string{"step"},
	)
	stepDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    MetricPrefix + "step_duration_seconds",
			Help:    "Time spent in a loading step",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"step"},
	)
	reports := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricPrefix + "reports_total",
			Help: "Reports processed by outcome",
		},
		[]string{"outcome"},
	)
	batchFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricPrefix + "batch_failures_total",
			Help: "Batches halted by a failure, by failed step",
		},
		[]string{"step"},
	)
	lastSuccessTime := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricPrefix + "last_success_timestamp_seconds",
			Help: "Unix time of the last batch that completed without failure",
		},
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(stepRows, stepDuration, reports, batchFailures, lastSuccessTime)
	return &Metrics{
		registry:        registry,
		stepRows:        stepRows,
		stepDuration:    stepDuration,
		reports:         reports,
		batchFailures:   batchFailures,
		lastSuccessTime: lastSuccessTime,
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Push sends the current values to a Pushgateway, replacing the previous push of the same job
// and grouping.
func (m *Metrics) Push(ctx context.Context, url, job string, grouping map[string]string) error {
	pusher := push.New(url, job).Gatherer(m.registry)
	for name, value := range grouping {
		pusher = pusher.Grouping(name, value)
	}
	return errors.Wrapf(pusher.PushContext(ctx), "pushing metrics to %s", url)
}
