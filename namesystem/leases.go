package namesystem

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	lease "github.com/ozanturksever/go-lease"
	"github.com/ozanturksever/go-lease/namespace"
)

// LeaseInfo is a copy of a lease taken under the read lock.
type LeaseInfo struct {
	Holder     string          `json:"holder"`
	LastUpdate time.Time       `json:"lastUpdate"`
	Files      []lease.INodeID `json:"files"`
}

func infoOf(l *lease.Lease) LeaseInfo {
	return LeaseInfo{
		Holder:     l.Holder(),
		LastUpdate: l.LastUpdate(),
		Files:      l.Files(),
	}
}

// Lease returns the lease on a file.
func (ns *Namesystem) Lease(id lease.INodeID) (LeaseInfo, bool) {
	tok := ns.lock.AcquireRead()
	defer tok.Release()

	l := ns.leases.GetLease(id)
	if l == nil {
		return LeaseInfo{}, false
	}
	return infoOf(l), true
}

// Leases returns every lease, ordered by holder.
func (ns *Namesystem) Leases() []LeaseInfo {
	tok := ns.lock.AcquireRead()
	defer tok.Release()

	seen := make(map[string]bool)
	var infos []LeaseInfo
	for _, id := range ns.leases.INodeIDsWithLeases() {
		l := ns.leases.GetLease(id)
		if seen[l.Holder()] {
			continue
		}
		seen[l.Holder()] = true
		infos = append(infos, infoOf(l))
	}
	slices.SortFunc(infos, func(a, b LeaseInfo) int {
		return cmp.Compare(a.Holder, b.Holder)
	})
	return infos
}

// CountLease returns the number of leases.
func (ns *Namesystem) CountLease() int {
	tok := ns.lock.AcquireRead()
	defer tok.Release()
	return ns.leases.CountLease()
}

// Status summarizes the lease state for the node status responder.
func (ns *Namesystem) Status() map[string]any {
	tok := ns.lock.AcquireRead()
	leases, files := ns.leases.CountLease(), ns.leases.CountPath()
	tok.Release()

	at, report := ns.LastScan()
	status := map[string]any{
		"leases":   leases,
		"files":    files,
		"safeMode": ns.InSafeMode(),
	}
	if !at.IsZero() {
		status["lastScan"] = at.UTC().Format(time.RFC3339Nano)
		status["lastScanReleased"] = report.Released
		status["lastScanFailed"] = report.Failed
		status["lastScanDeferred"] = report.Deferred
	}
	return status
}

// Stat returns the file at path.
func (ns *Namesystem) Stat(path string) (namespace.File, error) {
	tok := ns.lock.AcquireRead()
	defer tok.Release()
	return ns.tree.Lookup(path)
}

// Verify checks the lease index and that leases and under-construction
// markers agree: every open file is leased to the client recorded on it and
// every leased file is open.
func (ns *Namesystem) Verify() error {
	tok := ns.lock.AcquireRead()
	defer tok.Release()

	if err := ns.leases.Verify(); err != nil {
		return err
	}

	open := ns.tree.UnderConstruction()
	for _, f := range open {
		l := ns.leases.GetLease(f.ID)
		if l == nil {
			return fmt.Errorf("%s open by %q has no lease: %w", f.Path, f.Client, lease.ErrInconsistentIndex)
		}
		if l.Holder() != f.Client {
			return fmt.Errorf("%s open by %q leased to %q: %w", f.Path, f.Client, l.Holder(), lease.ErrInconsistentIndex)
		}
	}
	if n := ns.leases.CountPath(); n != len(open) {
		return fmt.Errorf("%d leased files, %d open: %w", n, len(open), lease.ErrInconsistentIndex)
	}
	return nil
}
