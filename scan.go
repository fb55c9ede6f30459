package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ozanturksever/go-lease/fslock"
)

// ScanReport summarizes one CheckLeases run.
type ScanReport struct {
	// Expired is the size of the snapshot the run worked from.
	Expired int
	// Examined counts holders whose recovery was attempted.
	Examined int
	Released int
	Pending  int
	Failed   int
	// Skipped counts snapshotted leases that were gone or renewed by the
	// time their turn came.
	Skipped int
	// Deferred counts holders left for the next run because the lock-hold
	// budget ran out.
	Deferred    int
	Interrupted bool
	Duration    time.Duration
}

type scanTarget struct {
	lease  *Lease
	holder string
}

// CheckLeases reclaims files from leases past the hard limit. The caller
// must hold the global write lock and proves it with tok.
//
// The expired set is captured once before any recovery runs and only that
// set is walked, so the run ends even when recovery keeps failing and the
// same leases stay expired. Each expired holder gets one recovery attempt,
// on its highest-numbered file. Failures are logged and left for the next
// run. ctx and the lock-hold budget are checked between holders.
func (m *Manager) CheckLeases(ctx context.Context, tok *fslock.WriteToken) (ScanReport, error) {
	if !tok.Held() {
		return ScanReport{}, ErrWriteLockNotHeld
	}

	start := m.clock.Now()
	hard := m.hardLimit

	var batch []scanTarget
	for l := range m.index.Expired(start, hard) {
		batch = append(batch, scanTarget{lease: l, holder: l.holder})
	}

	report := ScanReport{Expired: len(batch)}
	for i, target := range batch {
		if ctx.Err() != nil {
			report.Interrupted = true
			report.Deferred = len(batch) - i
			break
		}
		if m.maxHold > 0 && m.clock.Now().Sub(start) >= m.maxHold {
			report.Deferred = len(batch) - i
			m.logger.Info("lease scan reached lock hold budget",
				"budget", m.maxHold,
				"deferred", report.Deferred,
			)
			break
		}

		l := target.lease
		if !m.index.contains(l) || !l.ExpiredHardLimit(start, hard) {
			report.Skipped++
			continue
		}
		id, ok := l.recoveryCandidate()
		if !ok {
			panic(fmt.Errorf("lease of %q has no files: %w", target.holder, ErrInconsistentIndex))
		}

		report.Examined++
		m.recoverOne(ctx, target.holder, id, &report)
	}

	report.Duration = m.clock.Now().Sub(start)
	if report.Expired > 0 {
		m.logger.Info("lease scan finished",
			"expired", report.Expired,
			"released", report.Released,
			"pending", report.Pending,
			"failed", report.Failed,
			"deferred", report.Deferred,
		)
	}
	if m.metrics != nil {
		m.metrics.ObserveScan(report)
	}
	m.report()
	return report, nil
}

func (m *Manager) recoverOne(ctx context.Context, holder string, id INodeID, report *ScanReport) {
	result, err := m.recoverer.RecoverLease(ctx, holder, id)
	switch {
	case errors.Is(err, ErrFileNotFound):
		m.logger.Warn("leased file vanished, dropping lease", "holder", holder, "inode", id)
		m.index.RemoveFile(id)
		report.Released++
		m.auditRecovery(ctx, "dropped", holder, id, err)
	case err != nil:
		m.logger.Warn("lease recovery failed, retrying next scan", "holder", holder, "inode", id, "error", err)
		report.Failed++
		m.auditRecovery(ctx, "failed", holder, id, err)
	case result == RecoveryClosed:
		// The recoverer may already have released the lease through the
		// close path.
		if l := m.index.ByFile(id); l != nil && l.holder == holder {
			m.index.RemoveFile(id)
		}
		report.Released++
		m.auditRecovery(ctx, "closed", holder, id, nil)
	default:
		m.logger.Info("lease recovery pending", "holder", holder, "inode", id)
		report.Pending++
		m.auditRecovery(ctx, "pending", holder, id, nil)
	}
}

func (m *Manager) auditRecovery(ctx context.Context, action, holder string, id INodeID, err error) {
	if m.metrics != nil {
		m.metrics.ObserveRecovery(action)
	}
	if m.audit == nil {
		return
	}
	data := map[string]any{"holder": holder, "inode": uint64(id)}
	if err != nil {
		data["error"] = err.Error()
	}
	m.audit.Log(ctx, AuditEntry{
		Category: "recovery",
		Action:   action,
		Data:     data,
	})
}
