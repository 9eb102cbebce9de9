// SPDX-License-Identifier: MPL-2.0

// Package metrics collects build and dispatch metrics in a private prometheus
// registry. envrun is a short-lived CLI, so metrics are exported by writing a
// node_exporter textfile at exit rather than by serving /metrics.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "envrun"

var (
	buildBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200}
	runBuckets   = []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600}
)

// Metrics implements the build and dispatch observers.
type Metrics struct {
	registry *prometheus.Registry

	cacheLookups  *prometheus.CounterVec
	builds        *prometheus.CounterVec
	buildDuration *prometheus.HistogramVec
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "cache_lookups_total",
			Help:      "Build cache lookups by environment and result (hit or miss).",
		}, []string{"env", "result"}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "builds_total",
			Help:      "Image builds by environment and outcome.",
		}, []string{"env", "outcome"}),
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "duration_seconds",
			Help:      "Image build duration.",
			Buckets:   buildBuckets,
		}, []string{"env"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "runs_total",
			Help:      "Dispatched run requests by environment and final state.",
		}, []string{"env", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "run_duration_seconds",
			Help:      "Wall time of run requests, including any build.",
			Buckets:   runBuckets,
		}, []string{"env"}),
	}
	m.registry.MustRegister(m.cacheLookups, m.builds, m.buildDuration, m.runs, m.runDuration)
	return m
}

// Registry returns the registry holding every envrun collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveCacheLookup counts a build cache lookup.
func (m *Metrics) ObserveCacheLookup(env string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(env, result).Inc()
}

// ObserveBuild counts a build attempt. Durations are recorded for completed
// builds only.
func (m *Metrics) ObserveBuild(env, outcome string, d time.Duration) {
	m.builds.WithLabelValues(env, outcome).Inc()
	if d > 0 {
		m.buildDuration.WithLabelValues(env).Observe(d.Seconds())
	}
}

// ObserveRun counts a finished run request.
func (m *Metrics) ObserveRun(env, outcome string, d time.Duration) {
	m.runs.WithLabelValues(env, outcome).Inc()
	m.runDuration.WithLabelValues(env).Observe(d.Seconds())
}

// WriteTextfile writes every collector to path in the text exposition
// format. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}
