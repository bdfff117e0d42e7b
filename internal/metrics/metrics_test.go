package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.pushes, "pushes counter should be initialized")
	assert.NotNil(t, collector.runs, "runs counter vec should be initialized")
	assert.NotNil(t, collector.jobLatency, "jobLatency histogram should be initialized")
	assert.NotNil(t, collector.jobsPending, "jobsPending gauge should be initialized")
}

func TestRecordRunByMode(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	collector.RecordRun(true)
	collector.RecordRun(true)
	collector.RecordRun(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.runs.WithLabelValues("async")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.runs.WithLabelValues("sync")))
}

func TestRecordCounters(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	collector.RecordPush()
	collector.RecordCanceled(3)
	collector.RecordCanceled(0)
	collector.RecordDuplicated(2)
	collector.RecordOutputComputed()
	collector.RecordTexturesReleased(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.pushes))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.jobsCanceled))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.jobsDuplicated))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.outputsComputed))
	assert.Equal(t, 4.0, testutil.ToFloat64(collector.texturesReleased))
}

func TestRecordCompleted(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	latencies := []float64{0.001, 0.01, 0.1, 1.0, 5.0}
	for _, latency := range latencies {
		assert.NotPanics(t, func() {
			collector.RecordCompleted(latency)
		}, "RecordCompleted should not panic with latency %f", latency)
	}
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.jobsCompleted))
}

func TestRecordLink(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	collector.RecordLink(0.002, nil)
	collector.RecordLink(0.004, errors.New("bad assembly"))

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.links))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.linkFailures))
}

func TestGauges(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	testCases := []struct {
		name    string
		pending int
		budget  uint64
		cores   int
	}{
		{"zero values", 0, 0, 1},
		{"normal values", 10, 256 << 20, 4},
		{"large budget", 3, 8 << 30, 32},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			collector.SetPendingJobs(tc.pending)
			collector.SetHardResources(tc.budget, tc.cores)
			assert.Equal(t, float64(tc.pending), testutil.ToFloat64(collector.jobsPending))
			assert.Equal(t, float64(tc.budget), testutil.ToFloat64(collector.memoryBudget))
			assert.Equal(t, float64(tc.cores), testutil.ToFloat64(collector.cores))
		})
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var collector *Collector
	assert.NotPanics(t, func() {
		collector.RecordPush()
		collector.RecordRun(true)
		collector.RecordCanceled(1)
		collector.RecordDuplicated(1)
		collector.RecordCompleted(1.0)
		collector.RecordOutputComputed()
		collector.RecordLink(0.1, nil)
		collector.RecordTexturesReleased(1)
		collector.SetPendingJobs(1)
		collector.SetHardResources(1, 1)
	})
}

func TestConcurrentMetricUpdates(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordPush()
			collector.RecordRun(true)
			collector.RecordCompleted(0.1)
			collector.SetPendingJobs(10)
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}
	assert.Equal(t, 100.0, testutil.ToFloat64(collector.pushes))
}

func TestCollectorIsolation(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector1 := NewCollector()
	require.NotNil(t, collector1)

	// A process should have only one collector
	assert.Panics(t, func() {
		NewCollector()
	}, "Creating a second collector should panic due to duplicate registration")
}

func TestHandlerExposesMetrics(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()
	collector.RecordPush()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "render_pushes_total 1"))
}
