// Package metrics exposes prometheus collectors for the intake pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "intake"

// Cleanup results.
const (
	CleanupRemoved = "removed"
	CleanupFailed  = "failed"
)

// Pipeline groups the submission pipeline collectors. A nil *Pipeline is valid and records nothing.
type Pipeline struct {
	Submissions        *prometheus.CounterVec
	SubmissionDuration prometheus.Histogram
	CleanupDeletions   *prometheus.CounterVec
	StagedBytes        prometheus.Counter
	SweptBlobs         prometheus.Counter
}

// NewPipeline creates unregistered pipeline collectors.
func NewPipeline() *Pipeline {
	return &Pipeline{
		Submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "submissions",
				Name:      "total",
				Help:      "Submissions by terminal state (COMMITTED, REJECTED, FAILED)",
			},
			[]string{"state"},
		),
		SubmissionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "submissions",
				Name:      "duration_seconds",
				Help:      "Time from first byte parsed to terminal state",
				Buckets:   prometheus.DefBuckets,
			},
		),
		CleanupDeletions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cleanup",
				Name:      "deletions_total",
				Help:      "Compensating blob deletions by result",
			},
			[]string{"result"},
		),
		StagedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "blobs",
				Name:      "staged_bytes_total",
				Help:      "Attachment bytes written to the blob store",
			},
		),
		SweptBlobs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "blobs",
				Name:      "swept_total",
				Help:      "Unreferenced blobs removed by the sweeper",
			},
		),
	}
}

// Register adds every collector to registerer.
func (m *Pipeline) Register(registerer prometheus.Registerer) error {
	for _, collector := range []prometheus.Collector{
		m.Submissions,
		m.SubmissionDuration,
		m.CleanupDeletions,
		m.StagedBytes,
		m.SweptBlobs,
	} {
		if err := registerer.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// ObserveSubmission records a terminal submission state and its latency.
func (m *Pipeline) ObserveSubmission(state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(state).Inc()
	m.SubmissionDuration.Observe(elapsed.Seconds())
}

// CountCleanup records one compensating deletion attempt.
func (m *Pipeline) CountCleanup(result string) {
	if m == nil {
		return
	}
	m.CleanupDeletions.WithLabelValues(result).Inc()
}

// AddStagedBytes records bytes accepted into the blob store.
func (m *Pipeline) AddStagedBytes(size int64) {
	if m == nil || size <= 0 {
		return
	}
	m.StagedBytes.Add(float64(size))
}

// AddSwept records blobs removed by a sweep.
func (m *Pipeline) AddSwept(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.SweptBlobs.Add(float64(count))
}

// NewRegistry returns a registry carrying the runtime collectors and the pipeline collectors.
func NewRegistry(pipeline *Pipeline) (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if pipeline != nil {
		if err := pipeline.Register(registry); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Handler serves the registry in the prometheus exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		Registry: registry,
	})
}
