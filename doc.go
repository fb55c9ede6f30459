// Package lease coordinates single-writer access to files in a file system
// metadata server.
//
// A client that opens a file for writing is granted a lease on it. One lease
// per client covers all of its open files and is renewed as a whole. When a
// client stops renewing, its files are taken back in two steps:
//
//   - after the soft limit another client may take a file over
//   - after the hard limit the expiry monitor reclaims the files itself
//
// # Quick Start
//
//	mgr, err := lease.NewManager(lease.DefaultConfig(),
//	    lease.WithRecoverer(namesystem),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	lock := fslock.New()
//	lock.WithWriteLock(func(*fslock.WriteToken) {
//	    mgr.AddLease("client-1", id)
//	})
//
//	mon := lease.NewMonitor(mgr, lock, 2*time.Second)
//	mon.Start(ctx)
//	defer mon.Stop()
//
// # Locking
//
// The manager keeps no lock of its own. Every call runs under the metadata
// server's global lock from package fslock: mutations with the write lock,
// lookups with at least the read lock. [Manager.CheckLeases] takes the
// [fslock.WriteToken] of the caller so it cannot run without it.
//
// # Expiry scans
//
// A scan works from the set of leases that were expired when it started.
// Each expired holder gets one recovery attempt per scan through the
// configured [Recoverer]. A failed attempt is logged and the lease stays for
// the next scan, so a scan always ends. The scan also gives the lock back
// once [Config.MaxLockHold] is used up.
//
// # Restarts
//
// Leases are not persisted. After a restart [Manager.Restore] rebuilds them
// from the files the namespace still marks as under construction.
//
// # Sub-packages
//
//   - fslock: the global reader/writer lock
//   - namespace: file tree with under-construction markers and images
//   - snapshot: namespace images in a NATS JetStream object store
//   - namesystem: the assembled metadata server
//   - health: node status over NATS request/reply
//   - testutil: embedded NATS server for tests
package lease
