package prom

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-queue/internal/domain/model"
	"github.com/target/mmk-queue/internal/observability/metrics"
)

func TestSink_JobLifecycle(t *testing.T) {
	s := NewSink()
	metrics.EmitJobLifecycle(s, metrics.JobMetric{
		Queue:      "emails",
		Name:       "send",
		Transition: metrics.TransitionComplete,
		Result:     metrics.ResultSuccess,
		Duration:   20 * time.Millisecond,
	})
	metrics.EmitJobLifecycle(s, metrics.JobMetric{
		Queue:      "emails",
		Name:       "send",
		Transition: metrics.TransitionComplete,
		Result:     metrics.ResultSuccess,
	})

	c := s.counters[metrics.JobTransition].vec.WithLabelValues("emails", "send", "complete", "success", "")
	assert.InDelta(t, 2.0, testutil.ToFloat64(c), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(s.histograms[metrics.JobDuration].vec))
}

func TestSink_QueueDepthAndUnknownNames(t *testing.T) {
	s := NewSink()
	metrics.EmitQueueDepth(s, "emails", model.QueueCounts{Waiting: 4})
	s.Count("not.a.metric", 1, nil)
	s.Gauge("not.a.metric", 1, nil)
	s.Timing("not.a.metric", time.Second, nil)

	g := s.gauges[metrics.QueueDepth].vec.WithLabelValues("emails", "waiting")
	assert.InDelta(t, 4.0, testutil.ToFloat64(g), 0)
}

func TestSink_Handler(t *testing.T) {
	s := NewSink()
	metrics.EmitRetention(s, "emails", model.JobStateCompleted, 3, nil)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `mmkq_retention_removed_total{queue="emails",state="completed"} 3`)
	assert.Contains(t, string(body), "go_goroutines")
}
