// Package metrics holds the Prometheus collectors for the playback core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "player"

type Metrics struct {
	registry *prometheus.Registry

	transitions        *prometheus.CounterVec
	transitionsDropped *prometheus.CounterVec
	snapshots          *prometheus.CounterVec
	autoplay           *prometheus.CounterVec
	breakerState       prometheus.Gauge
	healthyNodes       prometheus.Gauge
	sessions           prometheus.Gauge
	searchLatency      prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Track transitions completed, by trigger",
		}, []string{"trigger"}),
		transitionsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_dropped_total",
			Help:      "Transitions dropped on lock timeout or as stale, by trigger",
		}, []string{"trigger"}),
		snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Preserved playback snapshots, by outcome",
		}, []string{"outcome"}),
		autoplay: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "autoplay_total",
			Help:      "Autoplay lookups, by outcome",
		}, []string{"outcome"}),
		breakerState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "breaker_state",
			Help:      "Search circuit breaker state (0 closed, 1 half-open, 2 open)",
		}),
		healthyNodes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "healthy_nodes",
			Help:      "Audio backend nodes currently healthy",
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Live guild sessions in this process",
		}),
		searchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "search_duration_seconds",
			Help:      "Latency of backend track loads",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
	}
}

func (m *Metrics) Transition(trigger string) {
	if m != nil {
		m.transitions.WithLabelValues(trigger).Inc()
	}
}

func (m *Metrics) TransitionDropped(trigger string) {
	if m != nil {
		m.transitionsDropped.WithLabelValues(trigger).Inc()
	}
}

// Snapshot counts a preserve/restore outcome: written, discarded, found, resumed.
func (m *Metrics) Snapshot(outcome string) {
	if m != nil {
		m.snapshots.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Autoplay(outcome string) {
	if m != nil {
		m.autoplay.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) BreakerState(v int) {
	if m != nil {
		m.breakerState.Set(float64(v))
	}
}

func (m *Metrics) HealthyNodes(n int) {
	if m != nil {
		m.healthyNodes.Set(float64(n))
	}
}

func (m *Metrics) Sessions(n int) {
	if m != nil {
		m.sessions.Set(float64(n))
	}
}

func (m *Metrics) ObserveSearch(d time.Duration) {
	if m != nil {
		m.searchLatency.Observe(d.Seconds())
	}
}

// Gather exposes the registry for tests and the CLI.
func (m *Metrics) Gather() prometheus.Gatherer {
	return m.registry
}

// Serve listens on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics listener")
	}
	return nil
}
