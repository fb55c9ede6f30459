package namesystem

import (
	"context"
	"errors"
	"fmt"

	lease "github.com/ozanturksever/go-lease"
	"github.com/ozanturksever/go-lease/namespace"
)

// Create adds a file and leases it to client.
func (ns *Namesystem) Create(path, client string) (lease.INodeID, error) {
	tok := ns.lock.AcquireWrite()
	defer tok.Release()

	if ns.safeMode.Load() {
		return 0, ErrSafeMode
	}
	f, err := ns.tree.Create(path, client)
	if err != nil {
		return 0, err
	}
	if _, err := ns.leases.AddLease(client, f.ID); err != nil {
		ns.tree.Delete(f.Path)
		return 0, err
	}
	return f.ID, nil
}

// Append reopens a closed file for client. A file still open by another
// client is taken over once that client's soft limit has passed: its lease
// is recovered first, and ErrRecoveryInProgress is returned while block
// recovery runs.
func (ns *Namesystem) Append(ctx context.Context, path, client string) (lease.INodeID, error) {
	tok := ns.lock.AcquireWrite()
	defer tok.Release()

	if ns.safeMode.Load() {
		return 0, ErrSafeMode
	}
	f, err := ns.tree.Lookup(path)
	if err != nil {
		return 0, err
	}
	if f.UnderConstruction {
		if err := ns.takeOver(ctx, f, client); err != nil {
			return 0, err
		}
	}

	f, err = ns.tree.Append(path, client)
	if err != nil {
		return 0, err
	}
	if _, err := ns.leases.AddLease(client, f.ID); err != nil {
		return 0, err
	}
	return f.ID, nil
}

func (ns *Namesystem) takeOver(ctx context.Context, f namespace.File, client string) error {
	l := ns.leases.GetLease(f.ID)
	if l == nil {
		return fmt.Errorf("%s: %w", f.Path, lease.ErrLeaseNotFound)
	}
	holder := l.Holder()
	if holder == client || !ns.leases.IsSoftLimitExpired(f.ID) {
		return fmt.Errorf("%s held by %q: %w", f.Path, holder, ErrAlreadyBeingCreated)
	}

	ns.logger.Info("soft limit passed, recovering lease", "path", f.Path, "holder", holder, "client", client)
	closed, err := ns.recover(ctx, holder, f.ID)
	if err != nil {
		return err
	}
	if !closed {
		return fmt.Errorf("%s: %w", f.Path, lease.ErrRecoveryInProgress)
	}
	return nil
}

// RecoverFile forces lease recovery of a file regardless of the soft limit.
// It reports whether the file is closed.
func (ns *Namesystem) RecoverFile(ctx context.Context, path string) (bool, error) {
	tok := ns.lock.AcquireWrite()
	defer tok.Release()

	if ns.safeMode.Load() {
		return false, ErrSafeMode
	}
	f, err := ns.tree.Lookup(path)
	if err != nil {
		return false, err
	}
	if !f.UnderConstruction {
		return true, nil
	}
	l := ns.leases.GetLease(f.ID)
	if l == nil {
		return false, fmt.Errorf("%s: %w", f.Path, lease.ErrLeaseNotFound)
	}
	return ns.recover(ctx, l.Holder(), f.ID)
}

// recover runs one recovery attempt and releases the lease if the file was
// closed.
func (ns *Namesystem) recover(ctx context.Context, holder string, id lease.INodeID) (bool, error) {
	result, err := ns.RecoverLease(ctx, holder, id)
	if err != nil {
		return false, err
	}
	if result != lease.RecoveryClosed {
		return false, nil
	}
	ns.leases.RemoveLease(holder, id)
	return true, nil
}

// AddBlock allocates a block at the end of a file client is writing and
// renews client's lease.
func (ns *Namesystem) AddBlock(id lease.INodeID, client string) (namespace.Block, error) {
	tok := ns.lock.AcquireWrite()
	defer tok.Release()

	if ns.safeMode.Load() {
		return namespace.Block{}, ErrSafeMode
	}
	if err := ns.checkLease(id, client); err != nil {
		return namespace.Block{}, err
	}
	b, err := ns.tree.AddBlock(id)
	if err != nil {
		return namespace.Block{}, err
	}
	ns.leases.RenewLease(client)
	return b, nil
}

// Complete commits the file's blocks, closes it and releases client's lease
// on it.
func (ns *Namesystem) Complete(id lease.INodeID, client string) error {
	tok := ns.lock.AcquireWrite()
	defer tok.Release()

	if ns.safeMode.Load() {
		return ErrSafeMode
	}
	if err := ns.checkLease(id, client); err != nil {
		return err
	}
	if err := ns.tree.CommitBlocks(id); err != nil {
		return err
	}
	if err := ns.tree.Complete(id); err != nil {
		return err
	}
	ns.leases.RemoveLease(client, id)
	return nil
}

// RenewLease renews client's lease. Clients call it periodically while they
// have files open.
func (ns *Namesystem) RenewLease(client string) {
	tok := ns.lock.AcquireWrite()
	defer tok.Release()
	ns.leases.RenewLease(client)
}

// FinishBlockRecovery records that block recovery of a file completed,
// closes the file and releases its lease.
func (ns *Namesystem) FinishBlockRecovery(id lease.INodeID) error {
	tok := ns.lock.AcquireWrite()
	defer tok.Release()

	if err := ns.tree.FinishBlockRecovery(id); err != nil {
		return err
	}
	if err := ns.tree.Complete(id); err != nil {
		return err
	}
	if l := ns.leases.GetLease(id); l != nil {
		ns.leases.RemoveLease(l.Holder(), id)
	}
	ns.logger.Info("block recovery finished, file closed", "inode", id)
	return nil
}

// Delete removes the file at path, or every file below it, and drops their
// leases. It returns the number of files removed.
func (ns *Namesystem) Delete(path string) (int, error) {
	tok := ns.lock.AcquireWrite()
	defer tok.Release()

	if ns.safeMode.Load() {
		return 0, ErrSafeMode
	}
	ids, err := ns.tree.Delete(path)
	if err != nil {
		return 0, err
	}
	ns.leases.RemoveLeases(ids)
	return len(ids), nil
}

func (ns *Namesystem) checkLease(id lease.INodeID, client string) error {
	l := ns.leases.GetLease(id)
	if l == nil || l.Holder() != client {
		return fmt.Errorf("inode %d, client %q: %w", id, client, ErrNotLeaseHolder)
	}
	return nil
}

// RecoverLease implements lease.Recoverer. It is called with the global
// write lock held.
//
// A file without pending blocks is closed at once. Otherwise block recovery
// is started, the lease moves to RecoveryHolder and the file stays open
// until FinishBlockRecovery. When RecoveryHolder's own lease expires, every
// file it holds is resumed together; see resumeRecovery.
func (ns *Namesystem) RecoverLease(ctx context.Context, holder string, id lease.INodeID) (lease.RecoveryResult, error) {
	if holder == RecoveryHolder {
		return ns.resumeRecovery(id)
	}

	f, err := ns.tree.Get(id)
	if errors.Is(err, namespace.ErrFileNotFound) {
		return 0, fmt.Errorf("inode %d: %w", id, lease.ErrFileNotFound)
	}
	if err != nil {
		return 0, err
	}
	if !f.UnderConstruction {
		return lease.RecoveryClosed, nil
	}
	if f.Recovering {
		return 0, fmt.Errorf("%s: %w", f.Path, lease.ErrRecoveryInProgress)
	}

	if f.PendingBlocks() == 0 {
		if err := ns.tree.Complete(id); err != nil {
			return 0, err
		}
		ns.logger.Info("file closed by lease recovery", "path", f.Path, "holder", holder)
		return lease.RecoveryClosed, nil
	}

	if err := ns.tree.StartBlockRecovery(id); err != nil {
		return 0, err
	}
	if _, err := ns.leases.ReassignLease(holder, id, RecoveryHolder); err != nil {
		return 0, err
	}
	if err := ns.tree.SetClient(id, RecoveryHolder); err != nil {
		return 0, err
	}
	ns.logger.Info("block recovery started", "path", f.Path, "holder", holder, "blocks", f.PendingBlocks())
	return lease.RecoveryPending, nil
}

// resumeRecovery handles an expired RecoveryHolder lease. Recovery marks are
// not kept in images, so after a restart none of its files is recovering.
// Every file of the lease is looked at, not only id: finished ones are
// closed, the rest have block recovery started if it is not running. The
// lease is then renewed so that running recoveries are not reported again
// on every scan.
func (ns *Namesystem) resumeRecovery(id lease.INodeID) (lease.RecoveryResult, error) {
	l := ns.leases.GetLeaseByHolder(RecoveryHolder)
	if l == nil {
		return 0, fmt.Errorf("inode %d: %w", id, lease.ErrLeaseNotFound)
	}

	var (
		result lease.RecoveryResult
		idErr  error
	)
	for _, fid := range l.Files() {
		closed, err := ns.resumeFile(fid)
		if fid == id {
			switch {
			case errors.Is(err, namespace.ErrFileNotFound):
				idErr = fmt.Errorf("inode %d: %w", id, lease.ErrFileNotFound)
			case err != nil:
				idErr = err
			case closed:
				result = lease.RecoveryClosed
			default:
				result = lease.RecoveryPending
			}
			continue
		}
		switch {
		case errors.Is(err, namespace.ErrFileNotFound) || closed:
			ns.leases.RemoveLease(RecoveryHolder, fid)
		case err != nil:
			ns.logger.Warn("block recovery not resumed", "inode", fid, "error", err)
		}
	}

	ns.leases.RenewLease(RecoveryHolder)
	if idErr != nil {
		return 0, idErr
	}
	return result, nil
}

// resumeFile closes a file held by RecoveryHolder if nothing is left to
// recover, and starts block recovery if it is not running.
func (ns *Namesystem) resumeFile(id lease.INodeID) (bool, error) {
	f, err := ns.tree.Get(id)
	if err != nil {
		return false, err
	}
	if !f.UnderConstruction {
		return true, nil
	}
	if f.Recovering {
		return false, nil
	}
	if f.PendingBlocks() == 0 {
		if err := ns.tree.Complete(id); err != nil {
			return false, err
		}
		ns.logger.Info("file closed by lease recovery", "path", f.Path, "holder", RecoveryHolder)
		return true, nil
	}
	if err := ns.tree.StartBlockRecovery(id); err != nil {
		return false, err
	}
	ns.logger.Info("block recovery resumed", "path", f.Path, "blocks", f.PendingBlocks())
	return false, nil
}
