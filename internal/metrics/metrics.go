// Package metrics exposes Prometheus metrics for the relay.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Singleton metrics instance
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds all Prometheus metrics for the relay
type Metrics struct {
	// Connection metrics
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge

	// Pipeline metrics
	Rejections    *prometheus.CounterVec
	SPFResults    *prometheus.CounterVec
	DMARCPolicies *prometheus.CounterVec
	Rewrites      *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec
	SpamScore     prometheus.Histogram
	MessageSize   prometheus.Histogram

	// Delivery metrics
	Deliveries       *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
}

// GetMetrics returns the singleton registered with the default registry
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = NewMetrics(prometheus.DefaultRegisterer)
	})
	return metricsInstance
}

// NewMetrics creates and registers all metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mxforward_connections_total",
			Help: "Total number of SMTP connections",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mxforward_connections_active",
			Help: "Number of active SMTP connections",
		}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mxforward_rejections_total",
			Help: "Rejected SMTP commands by stage and reply code",
		}, []string{"stage", "code"}),
		SPFResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mxforward_spf_results_total",
			Help: "SPF evaluation results by direction",
		}, []string{"direction", "result"}),
		DMARCPolicies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mxforward_dmarc_policies_total",
			Help: "DMARC policies seen for sender domains",
		}, []string{"policy"}),
		Rewrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mxforward_friendly_from_rewrites_total",
			Help: "Friendly-from rewrites by trigger",
		}, []string{"reason"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mxforward_pipeline_step_duration_seconds",
			Help:    "Duration of message pipeline steps",
			Buckets: prometheus.DefBuckets,
		}, []string{"step"}),
		SpamScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mxforward_spam_score",
			Help:    "Spam scores reported by the classifier",
			Buckets: []float64{-5, 0, 1, 2, 3, 4, 5, 7.5, 10, 15},
		}),
		MessageSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mxforward_message_size_bytes",
			Help:    "Size of received messages",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mxforward_deliveries_total",
			Help: "Outbound deliveries by result",
		}, []string{"result"}),
		DeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mxforward_delivery_duration_seconds",
			Help:    "Duration of outbound deliveries",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// RecordRejection counts a rejected command.
func (m *Metrics) RecordRejection(stage string, code int) {
	m.Rejections.WithLabelValues(stage, strconv.Itoa(code)).Inc()
}

// ObserveStep records how long a pipeline step took.
func (m *Metrics) ObserveStep(step string, start time.Time) {
	m.StepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
}

// RecordDelivery counts one delivery attempt and its duration.
func (m *Metrics) RecordDelivery(err error, duration time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.Deliveries.WithLabelValues(result).Inc()
	m.DeliveryDuration.Observe(duration.Seconds())
}
