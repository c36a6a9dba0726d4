// Package observer defines the metrics hooks of the executor and their
// prometheus implementation.
package observer

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsRecorder records executor metrics.
type MetricsRecorder interface {
	ObserveMatch(ctx context.Context, game, outcome string, d time.Duration)
	ObserveForfeit(ctx context.Context, game string)
	ObserveSpawn(ctx context.Context, backend string, ok bool, d time.Duration)
	ObserveBundleFetch(ctx context.Context, ok bool, d time.Duration)
	ObserveRequeue(ctx context.Context, deadLettered bool)
	SetSlotsInUse(n int64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveMatch(context.Context, string, string, time.Duration) {}
func (Nop) ObserveForfeit(context.Context, string)                      {}
func (Nop) ObserveSpawn(context.Context, string, bool, time.Duration)   {}
func (Nop) ObserveBundleFetch(context.Context, bool, time.Duration)     {}
func (Nop) ObserveRequeue(context.Context, bool)                        {}
func (Nop) SetSlotsInUse(int64)                                         {}

// Metrics implements MetricsRecorder on its own prometheus registry.
type Metrics struct {
	Registry *prometheus.Registry

	matchesTotal    *prometheus.CounterVec
	matchDuration   *prometheus.HistogramVec
	forfeitsTotal   *prometheus.CounterVec
	spawnsTotal     *prometheus.CounterVec
	spawnDuration   *prometheus.HistogramVec
	bundleFetches   *prometheus.CounterVec
	bundleDuration  prometheus.Histogram
	requeuesTotal   *prometheus.CounterVec
	sandboxSlotsUse prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		matchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "match",
			Name:      "total",
			Help:      "Finished matches by game and outcome.",
		}, []string{"game", "outcome"}),
		matchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arena",
			Subsystem: "match",
			Name:      "duration_seconds",
			Help:      "Wall time of a match from _START to _END.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"game"}),
		forfeitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "match",
			Name:      "forfeits_total",
			Help:      "Matches lost by an agent fault.",
		}, []string{"game"}),
		spawnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "sandbox",
			Name:      "spawns_total",
			Help:      "Sandbox spawns by backend and status.",
		}, []string{"backend", "status"}),
		spawnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "arena",
			Subsystem: "sandbox",
			Name:      "spawn_duration_seconds",
			Help:      "Time from spawn request to a connected, uploaded agent.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"backend"}),
		bundleFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "bundle",
			Name:      "fetches_total",
			Help:      "Bundle fetches by status.",
		}, []string{"status"}),
		bundleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arena",
			Subsystem: "bundle",
			Name:      "fetch_duration_seconds",
			Help:      "Bundle fetch duration, cache hits included.",
			Buckets:   prometheus.DefBuckets,
		}),
		requeuesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arena",
			Subsystem: "executor",
			Name:      "requeues_total",
			Help:      "Match requests put back because every sandbox slot was busy.",
		}, []string{"destination"}),
		sandboxSlotsUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arena",
			Subsystem: "executor",
			Name:      "sandbox_slots_in_use",
			Help:      "Sandbox slots currently held by running matches.",
		}),
	}
	reg.MustRegister(
		m.matchesTotal,
		m.matchDuration,
		m.forfeitsTotal,
		m.spawnsTotal,
		m.spawnDuration,
		m.bundleFetches,
		m.bundleDuration,
		m.requeuesTotal,
		m.sandboxSlotsUse,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveMatch(_ context.Context, game, outcome string, d time.Duration) {
	m.matchesTotal.WithLabelValues(game, outcome).Inc()
	m.matchDuration.WithLabelValues(game).Observe(d.Seconds())
}

func (m *Metrics) ObserveForfeit(_ context.Context, game string) {
	m.forfeitsTotal.WithLabelValues(game).Inc()
}

func (m *Metrics) ObserveSpawn(_ context.Context, backend string, ok bool, d time.Duration) {
	m.spawnsTotal.WithLabelValues(backend, status(ok)).Inc()
	if ok {
		m.spawnDuration.WithLabelValues(backend).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveBundleFetch(_ context.Context, ok bool, d time.Duration) {
	m.bundleFetches.WithLabelValues(status(ok)).Inc()
	m.bundleDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveRequeue(_ context.Context, deadLettered bool) {
	dest := "retry"
	if deadLettered {
		dest = "dead_letter"
	}
	m.requeuesTotal.WithLabelValues(dest).Inc()
}

func (m *Metrics) SetSlotsInUse(n int64) {
	m.sandboxSlotsUse.Set(float64(n))
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
