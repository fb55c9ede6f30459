package lease

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ozanturksever/go-lease/fslock"
)

// Metrics manages Prometheus metrics for the lease subsystem.
type Metrics struct {
	registry *prometheus.Registry
	server   *http.Server
	logger   *slog.Logger

	Leases       prometheus.Gauge
	LeasedFiles  prometheus.Gauge
	Scans        prometheus.Counter
	ScanDuration prometheus.Histogram
	ScanDeferred prometheus.Counter
	Recoveries   *prometheus.CounterVec
	LockHeld     *prometheus.HistogramVec
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics(logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		logger:   logger,

		Leases: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "golease_leases",
			Help: "Number of active leases",
		}),

		LeasedFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "golease_leased_files",
			Help: "Number of files under an active lease",
		}),

		Scans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "golease_scans_total",
			Help: "Total expiry scans run",
		}),

		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "golease_scan_duration_seconds",
			Help:    "Expiry scan duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),

		ScanDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "golease_scan_deferred_total",
			Help: "Expired holders left for a later scan",
		}),

		Recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "golease_recoveries_total",
			Help: "Lease recovery attempts by outcome",
		}, []string{"outcome"}),

		LockHeld: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "golease_lock_held_seconds",
			Help:    "Global lock hold time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}, []string{"mode"}),
	}

	registry.MustRegister(
		m.Leases,
		m.LeasedFiles,
		m.Scans,
		m.ScanDuration,
		m.ScanDeferred,
		m.Recoveries,
		m.LockHeld,
	)

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Start begins serving /metrics on addr until ctx is done.
func (m *Metrics) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	m.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		m.Stop()
	}()

	return nil
}

// Stop stops the metrics server.
func (m *Metrics) Stop() {
	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.server.Shutdown(ctx)
	}
}

// SetLeaseCounts updates the lease and file gauges.
func (m *Metrics) SetLeaseCounts(leases, files int) {
	m.Leases.Set(float64(leases))
	m.LeasedFiles.Set(float64(files))
}

// ObserveScan records one expiry scan.
func (m *Metrics) ObserveScan(report ScanReport) {
	m.Scans.Inc()
	m.ScanDuration.Observe(report.Duration.Seconds())
	m.ScanDeferred.Add(float64(report.Deferred))
}

// ObserveRecovery counts a recovery attempt outcome.
func (m *Metrics) ObserveRecovery(outcome string) {
	m.Recoveries.WithLabelValues(outcome).Inc()
}

// ObserveLockHeld records a global lock hold. It matches fslock.HoldObserver.
func (m *Metrics) ObserveLockHeld(mode fslock.Mode, held time.Duration) {
	m.LockHeld.WithLabelValues(string(mode)).Observe(held.Seconds())
}
