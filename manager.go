package lease

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
)

// Manager tracks which client may write each open file and reclaims files
// from clients that stop renewing.
//
// Manager has no lock of its own. Mutating calls must be made with the
// metadata server's global write lock held, lookups with at least its read
// lock held.
type Manager struct {
	index     *Index
	softLimit time.Duration
	hardLimit time.Duration
	maxHold   time.Duration

	recoverer Recoverer
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *Metrics
	audit     *Audit
}

// NewManager creates a lease manager.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lease config: %w", err)
	}

	m := &Manager{
		index:     NewIndex(),
		softLimit: cfg.SoftLimit,
		hardLimit: cfg.HardLimit,
		maxHold:   cfg.MaxLockHold,
		recoverer: ReleaseOnly,
		clock:     clock.WallClock,
		logger:    cfg.Logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.recoverer == nil {
		m.recoverer = ReleaseOnly
	}
	m.logger = m.logger.With("component", "lease")
	return m, nil
}

// AddLease leases the file to holder, renewing the holder's lease. It is
// called when a client opens a file for writing or appends to one.
func (m *Manager) AddLease(holder string, id INodeID) (*Lease, error) {
	l, err := m.index.Add(holder, id, m.clock.Now())
	if err != nil {
		return nil, err
	}
	m.report()
	return l, nil
}

// RenewLease refreshes the holder's lease. Unknown holders are ignored.
func (m *Manager) RenewLease(holder string) {
	m.index.Renew(holder, m.clock.Now())
}

// RenewAllLeases refreshes every lease, e.g. after leaving safe mode so that
// clients get a full period to come back.
func (m *Manager) RenewAllLeases() {
	m.index.RenewAll(m.clock.Now())
}

// RemoveLease releases holder's lease on the file. It is a no-op when the
// file is not leased to holder.
func (m *Manager) RemoveLease(holder string, id INodeID) {
	l := m.index.ByHolder(holder)
	if l == nil || !l.HasFile(id) {
		m.logger.Debug("remove of unleased file ignored", "holder", holder, "inode", id)
		return
	}
	m.index.RemoveFile(id)
	m.report()
}

// RemoveLeases releases the leases on all listed files.
func (m *Manager) RemoveLeases(ids []INodeID) {
	if m.index.RemoveFiles(ids) > 0 {
		m.report()
	}
}

// RemoveAllLeases drops every lease.
func (m *Manager) RemoveAllLeases() {
	m.index.Clear()
	m.report()
}

// ReassignLease moves holder's lease on the file to newHolder.
func (m *Manager) ReassignLease(holder string, id INodeID, newHolder string) (*Lease, error) {
	if l := m.index.ByFile(id); l == nil || l.holder != holder {
		return nil, fmt.Errorf("inode %d not leased by %q: %w", id, holder, ErrLeaseNotFound)
	}
	l, err := m.index.Reassign(id, newHolder, m.clock.Now())
	if err != nil {
		return nil, err
	}
	m.report()
	return l, nil
}

// GetLease returns the lease covering the file, or nil.
func (m *Manager) GetLease(id INodeID) *Lease {
	return m.index.ByFile(id)
}

// GetLeaseByHolder returns the holder's lease, or nil.
func (m *Manager) GetLeaseByHolder(holder string) *Lease {
	return m.index.ByHolder(holder)
}

// CountLease returns the number of leases.
func (m *Manager) CountLease() int {
	return m.index.Len()
}

// CountPath returns the number of leased files.
func (m *Manager) CountPath() int {
	return m.index.NumFiles()
}

// INodeIDsWithLeases returns the IDs of all leased files, ascending.
func (m *Manager) INodeIDsWithLeases() []INodeID {
	return m.index.FileIDs()
}

// IsSoftLimitExpired reports whether another client may take the file over.
func (m *Manager) IsSoftLimitExpired(id INodeID) bool {
	l := m.index.ByFile(id)
	return l != nil && l.ExpiredSoftLimit(m.clock.Now(), m.softLimit)
}

// SetLeasePeriod changes the limits. They apply from the next scan on. A soft
// limit above the hard limit is accepted; the scan only looks at the hard
// limit, takeover only at the soft one.
func (m *Manager) SetLeasePeriod(soft, hard time.Duration) error {
	if soft < 0 || hard < 0 {
		return fmt.Errorf("soft %v, hard %v: %w", soft, hard, ErrInvalidLeasePeriod)
	}
	m.softLimit = soft
	m.hardLimit = hard
	m.logger.Info("lease period changed", "soft", soft, "hard", hard)
	return nil
}

// SoftLimit returns the current soft limit.
func (m *Manager) SoftLimit() time.Duration {
	return m.softLimit
}

// HardLimit returns the current hard limit.
func (m *Manager) HardLimit() time.Duration {
	return m.hardLimit
}

// Verify checks the index invariants.
func (m *Manager) Verify() error {
	return m.index.Verify()
}

func (m *Manager) report() {
	if m.metrics != nil {
		m.metrics.SetLeaseCounts(m.index.Len(), m.index.NumFiles())
	}
}
