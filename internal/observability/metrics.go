// Package observability publishes engine metrics. A MetricsRecorder
// interface decouples the orchestrator from the backend; the Prometheus
// collector is the production recorder, the expvar recorder serves
// process-local deployments, and Noop serves tests.
package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder receives study lifecycle and engine events.
type MetricsRecorder interface {
	// BuildCompleted records one finished build and its outcome label
	// (ok, error, aborted).
	BuildCompleted(outcome string, elapsed time.Duration)
	// EngineRun records one engine subprocess run.
	EngineRun(outcome string, elapsed time.Duration)
	// EngineProcesses tracks the number of live engine subprocesses.
	EngineProcesses(delta int)
	// CacheLookup records a run-cache lookup result (hit or miss).
	CacheLookup(outcome string)
}

// Collector is the Prometheus-backed MetricsRecorder.
type Collector struct {
	builds     *prometheus.CounterVec
	buildTime  *prometheus.HistogramVec
	engineRuns *prometheus.CounterVec
	engineTime *prometheus.HistogramVec
	processes  prometheus.Gauge
	cache      *prometheus.CounterVec
}

// NewCollector registers the study metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "study_builds_total",
			Help: "Completed study builds by outcome.",
		}, []string{"outcome"}),
		buildTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "study_build_duration_seconds",
			Help:    "Study build wall time in seconds.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		}, []string{"outcome"}),
		engineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_runs_total",
			Help: "Engine subprocess invocations by outcome.",
		}, []string{"outcome"}),
		engineTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_run_duration_seconds",
			Help:    "Engine subprocess wall time in seconds.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		}, []string{"outcome"}),
		processes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_processes",
			Help: "Live engine subprocesses.",
		}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "run_cache_lookups_total",
			Help: "Run-cache lookups by outcome.",
		}, []string{"outcome"}),
	}
	for _, col := range []prometheus.Collector{c.builds, c.buildTime, c.engineRuns, c.engineTime, c.processes, c.cache} {
		if err := reg.Register(col); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
		}
	}
	return c, nil
}

// BuildCompleted implements MetricsRecorder.
func (c *Collector) BuildCompleted(outcome string, elapsed time.Duration) {
	c.builds.WithLabelValues(outcome).Inc()
	c.buildTime.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// EngineRun implements MetricsRecorder.
func (c *Collector) EngineRun(outcome string, elapsed time.Duration) {
	c.engineRuns.WithLabelValues(outcome).Inc()
	c.engineTime.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// EngineProcesses implements MetricsRecorder.
func (c *Collector) EngineProcesses(delta int) {
	c.processes.Add(float64(delta))
}

// CacheLookup implements MetricsRecorder.
func (c *Collector) CacheLookup(outcome string) {
	c.cache.WithLabelValues(outcome).Inc()
}

// Noop is a MetricsRecorder that drops everything.
type Noop struct{}

func (Noop) BuildCompleted(string, time.Duration) {}
func (Noop) EngineRun(string, time.Duration)      {}
func (Noop) EngineProcesses(int)                  {}
func (Noop) CacheLookup(string)                   {}
