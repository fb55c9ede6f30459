package lease

import (
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/google/btree"
)

const indexDegree = 8

// Index is the authoritative in-memory lease table. It owns every Lease and
// keeps three views over them: by holder, by file, and ordered by last
// renewal for expiry scans.
//
// Index is not safe for concurrent use. Callers serialize access through the
// metadata server's global lock.
type Index struct {
	byHolder map[string]*Lease
	byFile   map[INodeID]*Lease
	sorted   *btree.BTreeG[*Lease]
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		byHolder: make(map[string]*Lease),
		byFile:   make(map[INodeID]*Lease),
		sorted:   btree.NewG(indexDegree, lessByLastUpdate),
	}
}

// Add leases the file to holder and renews the holder's lease. Adding a file
// the holder already owns only renews. A file owned by another holder is
// refused with ErrLeaseConflict.
func (x *Index) Add(holder string, id INodeID, now time.Time) (*Lease, error) {
	if owner, ok := x.byFile[id]; ok && owner.holder != holder {
		return nil, fmt.Errorf("inode %d held by %q, requested by %q: %w", id, owner.holder, holder, ErrLeaseConflict)
	}

	l, ok := x.byHolder[holder]
	if !ok {
		l = newLease(holder, now)
		x.byHolder[holder] = l
	} else {
		x.unlink(l)
		l.lastUpdate = now
	}
	x.sorted.ReplaceOrInsert(l)

	l.files[id] = struct{}{}
	x.byFile[id] = l
	return l, nil
}

// Renew refreshes the holder's lease. It reports false if the holder has none.
func (x *Index) Renew(holder string, now time.Time) bool {
	l, ok := x.byHolder[holder]
	if !ok {
		return false
	}
	x.unlink(l)
	l.lastUpdate = now
	x.sorted.ReplaceOrInsert(l)
	return true
}

// RenewAll refreshes every lease to now.
func (x *Index) RenewAll(now time.Time) {
	x.sorted.Clear(false)
	for _, l := range x.byHolder {
		l.lastUpdate = now
		x.sorted.ReplaceOrInsert(l)
	}
}

// RemoveFile detaches the file from its lease, deleting the lease when it
// becomes empty. It reports whether the file was leased.
func (x *Index) RemoveFile(id INodeID) bool {
	l, ok := x.byFile[id]
	if !ok {
		return false
	}
	x.assertLive(l)

	delete(l.files, id)
	delete(x.byFile, id)
	if len(l.files) == 0 {
		x.drop(l)
	}
	return true
}

// RemoveFiles detaches every listed file. All files of a lease are detached
// before the lease's place in the expiry order is touched, and only leases
// left empty are dropped from it. It returns the number of files removed.
func (x *Index) RemoveFiles(ids []INodeID) int {
	touched := make(map[*Lease]struct{})
	removed := 0
	for _, id := range ids {
		l, ok := x.byFile[id]
		if !ok {
			continue
		}
		x.assertLive(l)
		delete(l.files, id)
		delete(x.byFile, id)
		touched[l] = struct{}{}
		removed++
	}
	for l := range touched {
		if len(l.files) == 0 {
			x.drop(l)
		}
	}
	return removed
}

// RemoveHolder deletes the holder's lease and all of its files.
func (x *Index) RemoveHolder(holder string) bool {
	l, ok := x.byHolder[holder]
	if !ok {
		return false
	}
	for id := range l.files {
		if x.byFile[id] != l {
			panic(fmt.Errorf("inode %d of %q mapped to another lease: %w", id, holder, ErrInconsistentIndex))
		}
		delete(x.byFile, id)
	}
	clear(l.files)
	x.drop(l)
	return true
}

// Reassign moves the file to newHolder's lease, creating or renewing it.
func (x *Index) Reassign(id INodeID, newHolder string, now time.Time) (*Lease, error) {
	if _, ok := x.byFile[id]; !ok {
		return nil, fmt.Errorf("inode %d: %w", id, ErrLeaseNotFound)
	}
	x.RemoveFile(id)
	return x.Add(newHolder, id, now)
}

// Clear drops every lease.
func (x *Index) Clear() {
	clear(x.byHolder)
	clear(x.byFile)
	x.sorted.Clear(false)
}

// Expired yields leases whose last renewal is more than limit before now,
// oldest first. It stops at the first lease that has not expired. The
// sequence reads the live index, so callers that mutate the index while
// ranging must collect it first.
func (x *Index) Expired(now time.Time, limit time.Duration) iter.Seq[*Lease] {
	return func(yield func(*Lease) bool) {
		x.sorted.Ascend(func(l *Lease) bool {
			if !l.ExpiredHardLimit(now, limit) {
				return false
			}
			return yield(l)
		})
	}
}

// ByHolder returns the holder's lease or nil.
func (x *Index) ByHolder(holder string) *Lease {
	return x.byHolder[holder]
}

// ByFile returns the lease covering the file or nil.
func (x *Index) ByFile(id INodeID) *Lease {
	return x.byFile[id]
}

// Len returns the number of leases.
func (x *Index) Len() int {
	return len(x.byHolder)
}

// NumFiles returns the number of leased files.
func (x *Index) NumFiles() int {
	return len(x.byFile)
}

// FileIDs returns every leased file ID in ascending order.
func (x *Index) FileIDs() []INodeID {
	ids := make([]INodeID, 0, len(x.byFile))
	for id := range x.byFile {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Verify cross-checks the three views and returns the first disagreement.
func (x *Index) Verify() error {
	if x.sorted.Len() != len(x.byHolder) {
		return fmt.Errorf("%d leases ordered, %d by holder: %w", x.sorted.Len(), len(x.byHolder), ErrInconsistentIndex)
	}
	files := 0
	var err error
	x.sorted.Ascend(func(l *Lease) bool {
		if x.byHolder[l.holder] != l {
			err = fmt.Errorf("ordered lease of %q not reachable by holder: %w", l.holder, ErrInconsistentIndex)
			return false
		}
		if len(l.files) == 0 {
			err = fmt.Errorf("lease of %q has no files: %w", l.holder, ErrInconsistentIndex)
			return false
		}
		for id := range l.files {
			if x.byFile[id] != l {
				err = fmt.Errorf("inode %d of %q not mapped back: %w", id, l.holder, ErrInconsistentIndex)
				return false
			}
		}
		files += len(l.files)
		return true
	})
	if err != nil {
		return err
	}
	if files != len(x.byFile) {
		return fmt.Errorf("%d files in leases, %d by file: %w", files, len(x.byFile), ErrInconsistentIndex)
	}
	return nil
}

// contains reports whether l is still the live lease of its holder.
func (x *Index) contains(l *Lease) bool {
	return x.byHolder[l.holder] == l
}

func (x *Index) unlink(l *Lease) {
	if _, ok := x.sorted.Delete(l); !ok {
		panic(fmt.Errorf("lease of %q missing from expiry order: %w", l.holder, ErrInconsistentIndex))
	}
}

func (x *Index) drop(l *Lease) {
	x.unlink(l)
	delete(x.byHolder, l.holder)
}

func (x *Index) assertLive(l *Lease) {
	if x.byHolder[l.holder] != l {
		panic(fmt.Errorf("lease of %q reachable by file but not by holder: %w", l.holder, ErrInconsistentIndex))
	}
}
