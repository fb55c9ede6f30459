// Package namesystem assembles the metadata server: the global lock, the
// namespace tree, the lease manager and its expiry monitor.
//
// Every exported method takes the global lock itself. The namesystem is also
// the lease manager's Recoverer, called back with the write lock held.
package namesystem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/juju/clock"

	lease "github.com/ozanturksever/go-lease"
	"github.com/ozanturksever/go-lease/fslock"
	"github.com/ozanturksever/go-lease/namespace"
	"github.com/ozanturksever/go-lease/snapshot"
)

// Errors returned by the namesystem.
var (
	ErrSafeMode            = errors.New("namesystem is in safe mode")
	ErrAlreadyBeingCreated = errors.New("file is already being created")
	ErrNotLeaseHolder      = errors.New("client does not hold the lease")
	ErrNoImageStore        = errors.New("no image store configured")
)

// RecoveryHolder holds the leases of files whose block recovery is running.
const RecoveryHolder = "go-lease-recovery"

// ImageStore persists namespace images. snapshot.Manager implements it.
type ImageStore interface {
	Save(ctx context.Context, data []byte, meta map[string]string) (*snapshot.Snapshot, error)
	LoadLatest(ctx context.Context) ([]byte, *snapshot.Snapshot, error)
}

// Config configures a Namesystem.
type Config struct {
	Lease lease.Config

	// SlowLockThreshold logs a warning for every global lock hold longer
	// than this. Zero disables the warning.
	SlowLockThreshold time.Duration

	Logger *slog.Logger
}

// Option configures a Namesystem.
type Option func(*Namesystem)

// WithClock sets the clock driving leases and the expiry monitor.
func WithClock(c clock.Clock) Option {
	return func(ns *Namesystem) {
		ns.clock = c
	}
}

// WithMetrics reports lease and lock metrics.
func WithMetrics(m *lease.Metrics) Option {
	return func(ns *Namesystem) {
		ns.metrics = m
	}
}

// WithAudit publishes lease recovery events.
func WithAudit(a *lease.Audit) Option {
	return func(ns *Namesystem) {
		ns.audit = a
	}
}

// WithHealth registers the expiry monitor's health check.
func WithHealth(h *lease.Health) Option {
	return func(ns *Namesystem) {
		ns.health = h
	}
}

// Namesystem is a running metadata server.
type Namesystem struct {
	lock    *fslock.Lock
	tree    *namespace.Tree
	leases  *lease.Manager
	monitor *lease.Monitor
	store   ImageStore
	logger  *slog.Logger

	safeMode atomic.Bool

	clock   clock.Clock
	metrics *lease.Metrics
	audit   *lease.Audit
	health  *lease.Health
}

// New loads the latest namespace image from store and rebuilds the leases
// of every file it marks under construction. A nil store or an empty one
// starts an empty namespace.
func New(ctx context.Context, cfg Config, store ImageStore, opts ...Option) (*Namesystem, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Lease.Logger == nil {
		cfg.Lease.Logger = cfg.Logger
	}

	ns := &Namesystem{
		store:  store,
		logger: cfg.Logger.With("component", "namesystem"),
		clock:  clock.WallClock,
	}
	for _, opt := range opts {
		opt(ns)
	}

	lockOpts := []fslock.Option{
		fslock.WithLogger(cfg.Logger),
		fslock.WithHoldLimit(cfg.SlowLockThreshold),
	}
	if ns.metrics != nil {
		lockOpts = append(lockOpts, fslock.WithHoldObserver(ns.metrics.ObserveLockHeld))
	}
	ns.lock = fslock.New(lockOpts...)

	mgr, err := lease.NewManager(cfg.Lease,
		lease.WithClock(ns.clock),
		lease.WithRecoverer(ns),
		lease.WithMetrics(ns.metrics),
		lease.WithAuditor(ns.audit),
	)
	if err != nil {
		return nil, err
	}
	ns.leases = mgr

	tree, err := ns.loadImage(ctx)
	if err != nil {
		return nil, err
	}

	tok := ns.lock.AcquireWrite()
	ns.tree = tree
	_, err = mgr.Restore(tree)
	tok.Release()
	if err != nil {
		return nil, fmt.Errorf("restore leases: %w", err)
	}

	ns.monitor = lease.NewMonitor(mgr, ns.lock, cfg.Lease.RecheckInterval,
		lease.WithMonitorGate(ns.scanAllowed),
		lease.WithMonitorHealth(ns.health),
	)
	return ns, nil
}

func (ns *Namesystem) loadImage(ctx context.Context) (*namespace.Tree, error) {
	if ns.store == nil {
		return namespace.New(), nil
	}

	data, snap, err := ns.store.LoadLatest(ctx)
	if errors.Is(err, snapshot.ErrSnapshotNotFound) {
		ns.logger.Info("no namespace image found, starting empty")
		return namespace.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load namespace image: %w", err)
	}

	tree, err := namespace.ReadImage(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("read namespace image %s: %w", snap.ID, err)
	}
	ns.logger.Info("namespace image loaded", "id", snap.ID, "files", tree.Len())
	return tree, nil
}

// Start starts the expiry monitor.
func (ns *Namesystem) Start(ctx context.Context) error {
	return ns.monitor.Start(ctx)
}

// Stop stops the expiry monitor.
func (ns *Namesystem) Stop() {
	ns.monitor.Stop()
}

// Image encodes the namespace under the read lock. It matches
// snapshot.Source.
func (ns *Namesystem) Image() ([]byte, map[string]string, error) {
	tok := ns.lock.AcquireRead()
	defer tok.Release()

	var buf bytes.Buffer
	if err := ns.tree.WriteImage(&buf); err != nil {
		return nil, nil, err
	}
	meta := map[string]string{
		"files":             strconv.Itoa(ns.tree.Len()),
		"underConstruction": strconv.Itoa(len(ns.tree.UnderConstruction())),
		"leases":            strconv.Itoa(ns.leases.CountLease()),
	}
	return buf.Bytes(), meta, nil
}

// SaveNamespace stores the current namespace image.
func (ns *Namesystem) SaveNamespace(ctx context.Context) (*snapshot.Snapshot, error) {
	if ns.store == nil {
		return nil, ErrNoImageStore
	}
	data, meta, err := ns.Image()
	if err != nil {
		return nil, err
	}
	return ns.store.Save(ctx, data, meta)
}

// EnterSafeMode stops namespace changes and expiry scans.
func (ns *Namesystem) EnterSafeMode() {
	if !ns.safeMode.Swap(true) {
		ns.logger.Info("entered safe mode")
	}
}

// LeaveSafeMode resumes normal operation. Every lease is renewed so clients
// get a full period to come back.
func (ns *Namesystem) LeaveSafeMode() {
	tok := ns.lock.AcquireWrite()
	defer tok.Release()

	if ns.safeMode.Swap(false) {
		ns.leases.RenewAllLeases()
		ns.logger.Info("left safe mode", "leases", ns.leases.CountLease())
	}
}

// InSafeMode reports whether the namesystem is in safe mode.
func (ns *Namesystem) InSafeMode() bool {
	return ns.safeMode.Load()
}

func (ns *Namesystem) scanAllowed() bool {
	return !ns.safeMode.Load()
}

// CheckLeases runs one expiry scan now.
func (ns *Namesystem) CheckLeases(ctx context.Context) (lease.ScanReport, error) {
	tok := ns.lock.AcquireWrite()
	defer tok.Release()
	return ns.leases.CheckLeases(ctx, tok)
}

// TriggerScan asks the monitor for an early scan.
func (ns *Namesystem) TriggerScan() {
	ns.monitor.Trigger()
}

// LastScan returns when the monitor last scanned and what it found.
func (ns *Namesystem) LastScan() (time.Time, lease.ScanReport) {
	return ns.monitor.LastScan()
}

// SetLeasePeriod changes the soft and hard limits.
func (ns *Namesystem) SetLeasePeriod(soft, hard time.Duration) error {
	tok := ns.lock.AcquireWrite()
	defer tok.Release()
	return ns.leases.SetLeasePeriod(soft, hard)
}
