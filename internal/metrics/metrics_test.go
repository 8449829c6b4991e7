package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.ObserveJob("worker1", OutcomeSuccess, 2*time.Second)
	r.ObserveJob("worker1", OutcomeSuccess, time.Second)
	r.ObserveJob("advisor", OutcomeBusy, 0)
	r.ProcessStarted("commander")
	r.PipelineCompleted("completed")
	r.QueueDepth("worker", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.jobsTotal.WithLabelValues("worker1", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.jobsTotal.WithLabelValues("advisor", OutcomeBusy)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.processes.WithLabelValues("commander")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.queueDepth.WithLabelValues("worker")))

	r.ProcessStopped("commander")
	assert.Equal(t, 0.0, testutil.ToFloat64(r.processes.WithLabelValues("commander")))

	r.ObserveRequest("submit", "", time.Millisecond)
	r.ObserveRequest("approve", "NOT_FOUND", time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.requestsTotal.WithLabelValues("submit", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.requestsTotal.WithLabelValues("approve", "NOT_FOUND")))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewPrometheusRecorder(reg)
	r.PipelineCompleted("completed")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `shogun_pipeline_jobs_total{outcome="completed"} 1`)
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	r.ObserveJob("x", OutcomeFailure, time.Second)
	r.PipelineCompleted("error")
}
