package lease

import (
	"log/slog"
	"time"

	"github.com/juju/clock"
)

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for renewals and expiry. Tests pass a
// testclock.Clock.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger overrides Config.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithRecoverer sets the collaborator that closes expired files.
func WithRecoverer(r Recoverer) Option {
	return func(m *Manager) {
		m.recoverer = r
	}
}

// WithMetrics reports lease counts and scan outcomes to metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithAuditor publishes recovery events to a.
func WithAuditor(a *Audit) Option {
	return func(m *Manager) {
		m.audit = a
	}
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorInterval overrides Config.RecheckInterval.
func WithMonitorInterval(interval time.Duration) MonitorOption {
	return func(mon *Monitor) {
		mon.interval = interval
	}
}

// WithMonitorGate skips scans while gate returns false, e.g. in safe mode.
func WithMonitorGate(gate func() bool) MonitorOption {
	return func(mon *Monitor) {
		mon.gate = gate
	}
}

// WithMonitorHealth registers the monitor's liveness check with h.
func WithMonitorHealth(h *Health) MonitorOption {
	return func(mon *Monitor) {
		mon.health = h
	}
}
