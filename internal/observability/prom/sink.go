// Package prom exposes queue metrics to Prometheus. Sink implements
// statsd.Sink so the rest of the module emits through one interface.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/target/mmk-queue/internal/observability/metrics"
	"github.com/target/mmk-queue/internal/observability/statsd"
)

const namespace = "mmkq"

type counter struct {
	vec    *prometheus.CounterVec
	labels []string
}

type gauge struct {
	vec    *prometheus.GaugeVec
	labels []string
}

type histogram struct {
	vec    *prometheus.HistogramVec
	labels []string
}

// Sink records the module's named metrics in a Prometheus registry.
// Metrics it does not know are dropped.
type Sink struct {
	registry   *prometheus.Registry
	counters   map[string]counter
	gauges     map[string]gauge
	histograms map[string]histogram
}

var _ statsd.Sink = (*Sink)(nil)

// NewSink registers the queue collectors, plus the Go and process collectors,
// on a fresh registry.
func NewSink() *Sink {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	transitionLabels := []string{"queue", "name", "transition", "result", "error_class"}
	durationLabels := []string{"queue", "name", "transition", "result"}

	return &Sink{
		registry: reg,
		counters: map[string]counter{
			metrics.JobTransition: {
				vec: factory.NewCounterVec(prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "job_transitions_total",
					Help:      "Job lifecycle transitions by queue, job name and outcome.",
				}, transitionLabels),
				labels: transitionLabels,
			},
			metrics.SchedulerMoved: {
				vec: factory.NewCounterVec(prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "scheduler_jobs_total",
					Help:      "Jobs promoted, stall-recovered or failed by the scheduler.",
				}, []string{"action"}),
				labels: []string{"action"},
			},
			metrics.RetentionRun: {
				vec: factory.NewCounterVec(prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "retention_runs_total",
					Help:      "Retention passes per queue and terminal state.",
				}, []string{"queue", "state", "result", "error_class"}),
				labels: []string{"queue", "state", "result", "error_class"},
			},
			metrics.RetentionRemoved: {
				vec: factory.NewCounterVec(prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "retention_removed_total",
					Help:      "Jobs removed by the retention sweeper.",
				}, []string{"queue", "state"}),
				labels: []string{"queue", "state"},
			},
		},
		gauges: map[string]gauge{
			metrics.QueueDepth: {
				vec: factory.NewGaugeVec(prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_jobs",
					Help:      "Jobs per queue and state.",
				}, []string{"queue", "state"}),
				labels: []string{"queue", "state"},
			},
		},
		histograms: map[string]histogram{
			metrics.JobDuration: {
				vec: factory.NewHistogramVec(prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "job_duration_seconds",
					Help:      "Handler run time in seconds.",
					Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15),
				}, durationLabels),
				labels: durationLabels,
			},
			metrics.SchedulerTick: {
				vec: factory.NewHistogramVec(prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "scheduler_tick_seconds",
					Help:      "Scheduler tick duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				}, []string{"result"}),
				labels: []string{"result"},
			},
		},
	}
}

func (s *Sink) Count(name string, value int64, tags map[string]string) {
	if c, ok := s.counters[name]; ok && value > 0 {
		c.vec.With(labelsFor(c.labels, tags)).Add(float64(value))
	}
}

func (s *Sink) Gauge(name string, value float64, tags map[string]string) {
	if g, ok := s.gauges[name]; ok {
		g.vec.With(labelsFor(g.labels, tags)).Set(value)
	}
}

func (s *Sink) Timing(name string, value time.Duration, tags map[string]string) {
	if h, ok := s.histograms[name]; ok {
		h.vec.With(labelsFor(h.labels, tags)).Observe(value.Seconds())
	}
}

// Registry exposes the underlying registry for tests and extra collectors.
func (s *Sink) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// labelsFor picks exactly the collector's labels from tags; missing ones are empty.
func labelsFor(names []string, tags map[string]string) prometheus.Labels {
	out := make(prometheus.Labels, len(names))
	for _, n := range names {
		out[n] = tags[n]
	}
	return out
}
