package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRejection(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRejection("rcpt", 550)
	m.RecordRejection("rcpt", 550)
	m.RecordRejection("data", 554)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Rejections.WithLabelValues("rcpt", "550")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rejections.WithLabelValues("data", "554")))
}

func TestRecordDelivery(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordDelivery(nil, 20*time.Millisecond)
	m.RecordDelivery(errors.New("refused"), time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("failure")))

	families, err := reg.Gather()
	require.NoError(t, err)

	var histogram *dto.Histogram
	for _, mf := range families {
		if mf.GetName() == "mxforward_delivery_duration_seconds" {
			require.Equal(t, dto.MetricType_HISTOGRAM, mf.GetType())
			histogram = mf.GetMetric()[0].GetHistogram()
		}
	}
	require.NotNil(t, histogram)
	assert.Equal(t, uint64(2), histogram.GetSampleCount())
}

func TestObserveStep(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveStep("spf", time.Now().Add(-time.Millisecond))

	assert.Equal(t, 1, testutil.CollectAndCount(m.StepDuration))
}

func TestGetMetricsSingleton(t *testing.T) {
	assert.Same(t, GetMetrics(), GetMetrics())
}
