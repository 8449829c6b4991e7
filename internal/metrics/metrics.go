// Package metrics records process host and pipeline counters.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Job outcomes reported by the process host.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeTimeout  = "timeout"
	OutcomeBusy     = "busy"
	OutcomeProtocol = "protocol_error"
	OutcomeNoRole   = "no_process"
)

// Recorder is implemented by PrometheusRecorder and Nop.
type Recorder interface {
	ObserveJob(role, outcome string, d time.Duration)
	ProcessStarted(role string)
	ProcessStopped(role string)
	PipelineCompleted(outcome string)
	QueueDepth(queue string, n int)
	ObserveRequest(command, code string, d time.Duration)
}

// Nop discards every observation.
type Nop struct{}

func (Nop) ObserveJob(string, string, time.Duration)     {}
func (Nop) ProcessStarted(string)                        {}
func (Nop) ProcessStopped(string)                        {}
func (Nop) PipelineCompleted(string)                     {}
func (Nop) QueueDepth(string, int)                       {}
func (Nop) ObserveRequest(string, string, time.Duration) {}

type PrometheusRecorder struct {
	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	processes     *prometheus.GaugeVec
	pipelineTotal *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	requestsTotal *prometheus.CounterVec
}

// NewPrometheusRecorder registers the shogun collectors on reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	f := promauto.With(reg)
	return &PrometheusRecorder{
		jobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shogun_host_jobs_total",
				Help: "Jobs sent to resident processes by role and outcome",
			},
			[]string{"role", "outcome"},
		),
		jobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shogun_host_job_duration_seconds",
				Help:    "Wall time of jobs sent to resident processes",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"role"},
		),
		processes: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shogun_host_process_up",
				Help: "1 while the resident process for a role is running",
			},
			[]string{"role"},
		),
		pipelineTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shogun_pipeline_jobs_total",
				Help: "Top-level jobs completed by outcome",
			},
			[]string{"outcome"},
		),
		queueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shogun_pipeline_queue_depth",
				Help: "Jobs waiting in each role queue",
			},
			[]string{"queue"},
		),
		requestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shogun_socket_requests_total",
				Help: "Control socket requests by command and error code",
			},
			[]string{"command", "code"},
		),
	}
}

func (p *PrometheusRecorder) ObserveJob(role, outcome string, d time.Duration) {
	p.jobsTotal.WithLabelValues(role, outcome).Inc()
	if outcome != OutcomeBusy && outcome != OutcomeNoRole {
		p.jobDuration.WithLabelValues(role).Observe(d.Seconds())
	}
}

func (p *PrometheusRecorder) ProcessStarted(role string) {
	p.processes.WithLabelValues(role).Set(1)
}

func (p *PrometheusRecorder) ProcessStopped(role string) {
	p.processes.WithLabelValues(role).Set(0)
}

func (p *PrometheusRecorder) PipelineCompleted(outcome string) {
	p.pipelineTotal.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) QueueDepth(queue string, n int) {
	p.queueDepth.WithLabelValues(queue).Set(float64(n))
}

// ObserveRequest counts a control socket request. An empty code is
// recorded as "ok".
func (p *PrometheusRecorder) ObserveRequest(command, code string, _ time.Duration) {
	if code == "" {
		code = "ok"
	}
	p.requestsTotal.WithLabelValues(command, code).Inc()
}

// Handler serves the collectors gathered by g in the text exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
