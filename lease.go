package lease

import (
	"slices"
	"time"
)

// INodeID identifies a file in the namespace. IDs are never reused.
type INodeID uint64

// RootINodeID is the ID of the namespace root. Files are numbered after it.
const RootINodeID INodeID = 16385

// Lease is the write lease a single client holds on its open files.
//
// A Lease is owned by the Index that created it; callers get read access only.
type Lease struct {
	holder     string
	lastUpdate time.Time
	files      map[INodeID]struct{}
}

func newLease(holder string, now time.Time) *Lease {
	return &Lease{
		holder:     holder,
		lastUpdate: now,
		files:      make(map[INodeID]struct{}),
	}
}

// Holder returns the client name holding the lease.
func (l *Lease) Holder() string {
	return l.holder
}

// LastUpdate returns when the lease was last renewed.
func (l *Lease) LastUpdate() time.Time {
	return l.lastUpdate
}

// Files returns the leased file IDs in ascending order.
func (l *Lease) Files() []INodeID {
	ids := make([]INodeID, 0, len(l.files))
	for id := range l.files {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// NumFiles returns how many files the lease covers.
func (l *Lease) NumFiles() int {
	return len(l.files)
}

// HasFile reports whether the lease covers the file.
func (l *Lease) HasFile(id INodeID) bool {
	_, ok := l.files[id]
	return ok
}

// ExpiredSoftLimit reports whether another client may take the files over.
func (l *Lease) ExpiredSoftLimit(now time.Time, soft time.Duration) bool {
	return now.Sub(l.lastUpdate) > soft
}

// ExpiredHardLimit reports whether the lease must be reclaimed.
func (l *Lease) ExpiredHardLimit(now time.Time, hard time.Duration) bool {
	return now.Sub(l.lastUpdate) > hard
}

// recoveryCandidate picks the file a scan recovers first: the highest ID.
func (l *Lease) recoveryCandidate() (INodeID, bool) {
	var (
		best  INodeID
		found bool
	)
	for id := range l.files {
		if !found || id > best {
			best, found = id, true
		}
	}
	return best, found
}

// lessByLastUpdate orders leases oldest first, holder breaking ties.
func lessByLastUpdate(a, b *Lease) bool {
	if !a.lastUpdate.Equal(b.lastUpdate) {
		return a.lastUpdate.Before(b.lastUpdate)
	}
	return a.holder < b.holder
}
