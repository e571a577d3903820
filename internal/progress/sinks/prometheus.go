package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/rewrite-core/internal/progress"
)

// PrometheusSink exports rewrite progress metrics via Prometheus. It owns the
// collectors for contexts started/completed/running, input fetches and
// per-filter rewrite results.
type PrometheusSink struct {
	contextsStarted   prometheus.Counter
	contextsCompleted *prometheus.CounterVec
	contextsRunning   prometheus.Gauge
	contextDuration   *prometheus.HistogramVec
	cacheHits         *prometheus.CounterVec

	fetchRequests *prometheus.CounterVec
	fetchBytes    prometheus.Counter
	fetchDuration *prometheus.HistogramVec

	rewrites      *prometheus.CounterVec
	rewriteOutput *prometheus.CounterVec

	tracker *contextTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		contextsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rewrite_contexts_started_total",
			Help: "Total rewrite contexts that have started.",
		}),
		contextsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_contexts_completed_total",
			Help: "Total rewrite contexts completed partitioned by filter and outcome.",
		}, []string{"filter", "outcome"}),
		contextsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rewrite_contexts_running",
			Help: "Current number of running rewrite contexts.",
		}),
		contextDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rewrite_context_duration_seconds",
			Help:    "Wall time per completed rewrite context.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"outcome"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_metadata_hits_total",
			Help: "Rewrite contexts answered from cached metadata.",
		}, []string{"filter"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_context_input_fetches_total",
			Help: "Input fetch completions partitioned by status class.",
		}, []string{"status_class"}),
		fetchBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rewrite_context_input_bytes_total",
			Help: "Input bytes fetched.",
		}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rewrite_context_input_fetch_duration_seconds",
			Help:    "Input fetch duration partitioned by status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"status_class"}),
		rewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_partitions_total",
			Help: "Partition rewrites partitioned by filter and result.",
		}, []string{"filter", "result"}),
		rewriteOutput: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rewrite_output_bytes_total",
			Help: "Bytes produced by successful rewrites.",
		}, []string{"filter"}),
		tracker: newContextTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.contextsStarted,
		s.contextsCompleted,
		s.contextsRunning,
		s.contextDuration,
		s.cacheHits,
		s.fetchRequests,
		s.fetchBytes,
		s.fetchDuration,
		s.rewrites,
		s.rewriteOutput,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageContextStart, progress.StageContextDone:
		s.handleContextEvent(evt)
	case progress.StageCacheHit:
		s.cacheHits.WithLabelValues(evt.Filter).Inc()
	case progress.StageInputFetch:
		s.handleFetchEvent(evt)
	case progress.StageRewrite:
		s.rewrites.WithLabelValues(evt.Filter, evt.Note).Inc()
		if evt.Note == "ok" && evt.Bytes > 0 {
			s.rewriteOutput.WithLabelValues(evt.Filter).Add(float64(evt.Bytes))
		}
	}
}

func (s *PrometheusSink) handleContextEvent(evt progress.Event) {
	if evt.Stage == progress.StageContextStart {
		s.contextsStarted.Inc()
		if s.tracker.start(evt.ContextID) {
			s.contextsRunning.Inc()
		}
		return
	}
	outcome := evt.Note
	if outcome == "" {
		outcome = "unknown"
	}
	s.contextsCompleted.WithLabelValues(evt.Filter, outcome).Inc()
	if evt.Dur > 0 {
		s.contextDuration.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.ContextID) {
		s.contextsRunning.Dec()
	}
}

func (s *PrometheusSink) handleFetchEvent(evt progress.Event) {
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.fetchRequests.WithLabelValues(statusClass).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(statusClass).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type contextTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newContextTracker() *contextTracker {
	return &contextTracker{running: make(map[[16]byte]struct{})}
}

func (t *contextTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *contextTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
