// Package observability — metrics.go
//
// Prometheus metrics for the DLM daemon.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Metric naming convention: dlm_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Station IDs are NOT used as labels (unbounded cardinality).
//   - Labels are bounded enums: protocol, reason, severity, state names.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the DLM daemon.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Allocator ────────────────────────────────────────────────────────────

	// AllocatorTicksTotal counts balancing loop passes.
	AllocatorTicksTotal prometheus.Counter

	// AllocatedPowerKW is the total power allocated on the last tick.
	AllocatedPowerKW prometheus.Gauge

	// AvailableCapacityKW is the capacity computed on the last tick.
	AvailableCapacityKW prometheus.Gauge

	// DispatchErrorsTotal counts per-station dispatch failures, by kind.
	DispatchErrorsTotal *prometheus.CounterVec

	// ─── Stations ─────────────────────────────────────────────────────────────

	// StationsTracked is the current number of registered stations.
	StationsTracked prometheus.Gauge

	// StationsCharging is the number of stations currently charging.
	StationsCharging prometheus.Gauge

	// ─── Shedding ─────────────────────────────────────────────────────────────

	// SheddingLevel is the current shedding level (0–5).
	SheddingLevel prometheus.Gauge

	// SheddingTransitionsTotal counts level transitions, by direction.
	SheddingTransitionsTotal *prometheus.CounterVec

	// ─── Constraints ──────────────────────────────────────────────────────────

	// ViolationsTotal counts recorded violations, by component and severity.
	ViolationsTotal *prometheus.CounterVec

	// ─── Fail-safe ────────────────────────────────────────────────────────────

	// FailSafeActiveStations is the number of stations under fail-safe.
	FailSafeActiveStations prometheus.Gauge

	// FailSafeTransitionsTotal counts fail-safe activations and clears.
	FailSafeTransitionsTotal *prometheus.CounterVec

	// ─── Drivers ──────────────────────────────────────────────────────────────

	// DriverCommandsTotal counts station commands, by protocol and result.
	DriverCommandsTotal *prometheus.CounterVec

	// DriverObservationsTotal counts push observations, by protocol.
	DriverObservationsTotal *prometheus.CounterVec

	// ─── Event bus ────────────────────────────────────────────────────────────

	// BusEventsPublishedTotal counts events published on the bus.
	BusEventsPublishedTotal prometheus.Counter

	// BusEventsDroppedTotal counts events dropped by slow subscribers.
	BusEventsDroppedTotal prometheus.Counter

	// ─── Storage ──────────────────────────────────────────────────────────────

	// SnapshotWriteLatency records snapshot persistence latency.
	SnapshotWriteLatency prometheus.Histogram

	startTime time.Time
}

// NewMetrics creates and registers all DLM Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		AllocatorTicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dlm", Subsystem: "allocator", Name: "ticks_total",
			Help: "Total balancing loop passes.",
		}),
		AllocatedPowerKW: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dlm", Subsystem: "allocator", Name: "allocated_power_kw",
			Help: "Total power allocated on the last tick.",
		}),
		AvailableCapacityKW: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dlm", Subsystem: "allocator", Name: "available_capacity_kw",
			Help: "Available capacity computed on the last tick.",
		}),
		DispatchErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlm", Subsystem: "allocator", Name: "dispatch_errors_total",
			Help: "Per-station dispatch failures, by error kind.",
		}, []string{"kind"}),

		StationsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dlm", Subsystem: "stations", Name: "tracked",
			Help: "Current number of registered stations.",
		}),
		StationsCharging: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dlm", Subsystem: "stations", Name: "charging",
			Help: "Number of stations currently charging.",
		}),

		SheddingLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dlm", Subsystem: "shedding", Name: "level",
			Help: "Current load shedding level (0-5).",
		}),
		SheddingTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlm", Subsystem: "shedding", Name: "transitions_total",
			Help: "Shedding level transitions, by direction.",
		}, []string{"direction"}),

		ViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlm", Subsystem: "constraints", Name: "violations_total",
			Help: "Recorded site constraint violations, by component and severity.",
		}, []string{"component", "severity"}),

		FailSafeActiveStations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dlm", Subsystem: "failsafe", Name: "active_stations",
			Help: "Number of stations currently under fail-safe control.",
		}),
		FailSafeTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlm", Subsystem: "failsafe", Name: "transitions_total",
			Help: "Fail-safe activations and clears.",
		}, []string{"transition"}),

		DriverCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlm", Subsystem: "driver", Name: "commands_total",
			Help: "Station commands dispatched, by protocol and result.",
		}, []string{"protocol", "result"}),
		DriverObservationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlm", Subsystem: "driver", Name: "observations_total",
			Help: "Push observations received, by protocol.",
		}, []string{"protocol"}),

		BusEventsPublishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dlm", Subsystem: "bus", Name: "events_published_total",
			Help: "Events published on the in-process bus.",
		}),
		BusEventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dlm", Subsystem: "bus", Name: "events_dropped_total",
			Help: "Events dropped because a subscriber queue was full.",
		}),

		SnapshotWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dlm", Subsystem: "storage", Name: "write_latency_seconds",
			Help:    "Snapshot persistence latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	// Uptime is sampled at scrape time rather than maintained by a
	// ticker goroutine.
	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "dlm", Subsystem: "daemon", Name: "uptime_seconds",
		Help: "Number of seconds since the daemon started.",
	}, func() float64 { return time.Since(m.startTime).Seconds() })

	reg.MustRegister(
		m.AllocatorTicksTotal,
		m.AllocatedPowerKW,
		m.AvailableCapacityKW,
		m.DispatchErrorsTotal,
		m.StationsTracked,
		m.StationsCharging,
		m.SheddingLevel,
		m.SheddingTransitionsTotal,
		m.ViolationsTotal,
		m.FailSafeActiveStations,
		m.FailSafeTransitionsTotal,
		m.DriverCommandsTotal,
		m.DriverObservationsTotal,
		m.BusEventsPublishedTotal,
		m.BusEventsDroppedTotal,
		m.SnapshotWriteLatency,
		uptime,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the scrape handler for the dedicated registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// ServeMetrics serves GET /metrics and GET /healthz on addr until ctx
// is cancelled or the listener fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server on %s: %w", addr, err)
		}
		return nil
	}
}
