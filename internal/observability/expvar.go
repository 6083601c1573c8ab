package observability

import (
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq uint64

// ExpvarRecorder publishes aggregate counters via expvar for deployments
// that prefer process-local metrics without external dependencies.
type ExpvarRecorder struct {
	name string
	mu   sync.Mutex
	data ExpvarSnapshot
}

// ExpvarSnapshot is a read-only view of the recorded metrics.
type ExpvarSnapshot struct {
	Builds        map[string]int64 `json:"builds_total"`
	BuildSeconds  float64          `json:"build_seconds_total"`
	EngineRuns    map[string]int64 `json:"engine_runs_total"`
	EngineSeconds float64          `json:"engine_seconds_total"`
	Processes     int64            `json:"engine_processes"`
	CacheLookups  map[string]int64 `json:"cache_lookups_total"`
}

// NewExpvarRecorder constructs an expvar-backed recorder published under the
// supplied name. When name is empty, a unique identifier is generated.
func NewExpvarRecorder(name string) *ExpvarRecorder {
	if name == "" {
		id := atomic.AddUint64(&expvarSeq, 1)
		name = fmt.Sprintf("study_metrics_%d", id)
	}
	rec := &ExpvarRecorder{
		name: name,
		data: ExpvarSnapshot{
			Builds:       map[string]int64{},
			EngineRuns:   map[string]int64{},
			CacheLookups: map[string]int64{},
		},
	}
	expvar.Publish(name, expvar.Func(func() any {
		return rec.Snapshot()
	}))
	return rec
}

// Name returns the expvar export name associated with the recorder.
func (r *ExpvarRecorder) Name() string { return r.name }

// Snapshot returns an immutable copy of the aggregated metrics.
func (r *ExpvarRecorder) Snapshot() ExpvarSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := ExpvarSnapshot{
		BuildSeconds:  r.data.BuildSeconds,
		EngineSeconds: r.data.EngineSeconds,
		Processes:     r.data.Processes,
		Builds:        map[string]int64{},
		EngineRuns:    map[string]int64{},
		CacheLookups:  map[string]int64{},
	}
	for k, v := range r.data.Builds {
		out.Builds[k] = v
	}
	for k, v := range r.data.EngineRuns {
		out.EngineRuns[k] = v
	}
	for k, v := range r.data.CacheLookups {
		out.CacheLookups[k] = v
	}
	return out
}

// BuildCompleted implements MetricsRecorder.
func (r *ExpvarRecorder) BuildCompleted(outcome string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.Builds[outcome]++
	r.data.BuildSeconds += elapsed.Seconds()
}

// EngineRun implements MetricsRecorder.
func (r *ExpvarRecorder) EngineRun(outcome string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.EngineRuns[outcome]++
	r.data.EngineSeconds += elapsed.Seconds()
}

// EngineProcesses implements MetricsRecorder.
func (r *ExpvarRecorder) EngineProcesses(delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.Processes += int64(delta)
}

// CacheLookup implements MetricsRecorder.
func (r *ExpvarRecorder) CacheLookup(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.CacheLookups[outcome]++
}
