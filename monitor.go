package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/ozanturksever/go-lease/fslock"
)

// WriteLocker hands out the global write lock.
type WriteLocker interface {
	AcquireWrite() *fslock.WriteToken
}

// Monitor periodically runs CheckLeases under the global write lock.
type Monitor struct {
	mgr      *Manager
	locker   WriteLocker
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
	gate     func() bool
	health   *Health

	trigger chan struct{}

	mu         sync.RWMutex
	lastScan   time.Time
	lastReport ScanReport
	running    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor for mgr. The interval defaults to the
// manager's configured recheck interval.
func NewMonitor(mgr *Manager, locker WriteLocker, interval time.Duration, opts ...MonitorOption) *Monitor {
	if interval <= 0 {
		interval = DefaultRecheckInterval
	}
	mon := &Monitor{
		mgr:      mgr,
		locker:   locker,
		clock:    mgr.clock,
		logger:   mgr.logger.With("component", "lease-monitor"),
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(mon)
	}
	if mon.health != nil {
		mon.health.Register("lease-monitor", mon.check)
	}
	return mon
}

// Start launches the scan loop.
func (mon *Monitor) Start(ctx context.Context) error {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	if mon.running {
		return ErrMonitorRunning
	}
	mon.running = true
	mon.lastScan = mon.clock.Now()
	mon.ctx, mon.cancel = context.WithCancel(ctx)

	mon.wg.Add(1)
	go mon.loop()

	mon.logger.Info("lease monitor started", "interval", mon.interval)
	return nil
}

// Stop ends the scan loop and waits for a running scan to finish its
// current holder.
func (mon *Monitor) Stop() {
	mon.mu.Lock()
	if !mon.running {
		mon.mu.Unlock()
		return
	}
	mon.running = false
	mon.cancel()
	mon.mu.Unlock()

	mon.wg.Wait()
	mon.logger.Info("lease monitor stopped")
}

// Trigger asks for a scan now. Requests made while one is pending coalesce.
func (mon *Monitor) Trigger() {
	select {
	case mon.trigger <- struct{}{}:
	default:
	}
}

// LastScan returns when the last scan ended and what it did.
func (mon *Monitor) LastScan() (time.Time, ScanReport) {
	mon.mu.RLock()
	defer mon.mu.RUnlock()
	return mon.lastScan, mon.lastReport
}

func (mon *Monitor) loop() {
	defer mon.wg.Done()

	for {
		select {
		case <-mon.ctx.Done():
			return
		case <-mon.clock.After(mon.interval):
		case <-mon.trigger:
		}
		mon.runOnce(mon.ctx)
	}
}

func (mon *Monitor) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if mon.gate != nil && !mon.gate() {
		mon.logger.Debug("lease scan skipped by gate")
		mon.markScanned(ScanReport{})
		return
	}

	tok := mon.locker.AcquireWrite()
	report, err := mon.mgr.CheckLeases(ctx, tok)
	tok.Release()

	if err != nil {
		mon.logger.Error("lease scan failed", "error", err)
		return
	}
	mon.markScanned(report)
}

func (mon *Monitor) markScanned(report ScanReport) {
	mon.mu.Lock()
	mon.lastScan = mon.clock.Now()
	mon.lastReport = report
	mon.mu.Unlock()
}

// check fails when no scan completed for ten intervals.
func (mon *Monitor) check(ctx context.Context) error {
	last, _ := mon.LastScan()
	if since := mon.clock.Now().Sub(last); since > 10*mon.interval {
		return fmt.Errorf("no lease scan for %v", since)
	}
	return nil
}
