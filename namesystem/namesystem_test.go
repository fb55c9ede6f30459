package namesystem

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lease "github.com/ozanturksever/go-lease"
	"github.com/ozanturksever/go-lease/namespace"
	"github.com/ozanturksever/go-lease/snapshot"
	"github.com/ozanturksever/go-lease/testutil"
)

const (
	testSoft = time.Second
	testHard = 10 * time.Second
)

func newTestNamesystem(t *testing.T, store ImageStore) (*Namesystem, *testclock.Clock) {
	t.Helper()

	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ns, err := New(context.Background(), Config{
		Lease: lease.Config{
			SoftLimit:       testSoft,
			HardLimit:       testHard,
			RecheckInterval: time.Second,
		},
	}, store, WithClock(clk))
	require.NoError(t, err)
	return ns, clk
}

func TestNamesystem_CreateWriteComplete(t *testing.T) {
	ns, _ := newTestNamesystem(t, nil)

	id, err := ns.Create("/data/a", "client-1")
	require.NoError(t, err)
	assert.Equal(t, lease.RootINodeID+1, id)

	info, ok := ns.Lease(id)
	require.True(t, ok)
	assert.Equal(t, "client-1", info.Holder)
	assert.Equal(t, 1, ns.CountLease())

	_, err = ns.AddBlock(id, "client-2")
	assert.ErrorIs(t, err, ErrNotLeaseHolder)
	_, err = ns.AddBlock(id, "client-1")
	require.NoError(t, err)

	require.NoError(t, ns.Complete(id, "client-1"))
	assert.Equal(t, 0, ns.CountLease())
	_, ok = ns.Lease(id)
	assert.False(t, ok)

	f, err := ns.Stat("/data/a")
	require.NoError(t, err)
	assert.False(t, f.UnderConstruction)
	assert.Equal(t, 0, f.PendingBlocks())
	require.NoError(t, ns.Verify())
}

func TestNamesystem_AppendBeforeSoftLimit(t *testing.T) {
	ns, _ := newTestNamesystem(t, nil)

	_, err := ns.Create("/f", "client-1")
	require.NoError(t, err)

	_, err = ns.Append(context.Background(), "/f", "client-2")
	assert.ErrorIs(t, err, ErrAlreadyBeingCreated)
	_, err = ns.Append(context.Background(), "/f", "client-1")
	assert.ErrorIs(t, err, ErrAlreadyBeingCreated)
}

func TestNamesystem_AppendTakesOverClosableFile(t *testing.T) {
	ns, clk := newTestNamesystem(t, nil)
	ctx := context.Background()

	id, err := ns.Create("/f", "client-1")
	require.NoError(t, err)
	clk.Advance(testSoft + time.Millisecond)

	got, err := ns.Append(ctx, "/f", "client-2")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	info, ok := ns.Lease(id)
	require.True(t, ok)
	assert.Equal(t, "client-2", info.Holder)
	assert.Equal(t, 1, ns.CountLease())
	require.NoError(t, ns.Verify())
}

func TestNamesystem_AppendWaitsForBlockRecovery(t *testing.T) {
	ns, clk := newTestNamesystem(t, nil)
	ctx := context.Background()

	id, err := ns.Create("/f", "client-1")
	require.NoError(t, err)
	_, err = ns.AddBlock(id, "client-1")
	require.NoError(t, err)
	clk.Advance(testSoft + time.Millisecond)

	_, err = ns.Append(ctx, "/f", "client-2")
	assert.ErrorIs(t, err, lease.ErrRecoveryInProgress)

	info, ok := ns.Lease(id)
	require.True(t, ok)
	assert.Equal(t, RecoveryHolder, info.Holder)
	require.NoError(t, ns.Verify())

	// The recovery agent's lease is fresh, so a second attempt is refused.
	_, err = ns.Append(ctx, "/f", "client-2")
	assert.ErrorIs(t, err, ErrAlreadyBeingCreated)

	require.NoError(t, ns.FinishBlockRecovery(id))
	assert.Equal(t, 0, ns.CountLease())

	_, err = ns.Append(ctx, "/f", "client-2")
	require.NoError(t, err)
	info, _ = ns.Lease(id)
	assert.Equal(t, "client-2", info.Holder)
}

func TestNamesystem_RecoverFile(t *testing.T) {
	ns, _ := newTestNamesystem(t, nil)
	ctx := context.Background()

	id, err := ns.Create("/f", "client-1")
	require.NoError(t, err)

	closed, err := ns.RecoverFile(ctx, "/f")
	require.NoError(t, err)
	assert.True(t, closed)
	_, ok := ns.Lease(id)
	assert.False(t, ok)

	closed, err = ns.RecoverFile(ctx, "/f")
	require.NoError(t, err)
	assert.True(t, closed)
}

func TestNamesystem_HardLimitScan(t *testing.T) {
	ns, clk := newTestNamesystem(t, nil)
	ctx := context.Background()

	closable, err := ns.Create("/closable", "client-1")
	require.NoError(t, err)
	pending, err := ns.Create("/pending", "client-2")
	require.NoError(t, err)
	_, err = ns.AddBlock(pending, "client-2")
	require.NoError(t, err)
	_, err = ns.Create("/fresh", "client-3")
	require.NoError(t, err)

	clk.Advance(testHard - time.Second)
	ns.RenewLease("client-3")
	clk.Advance(2 * time.Second)

	report, err := ns.CheckLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Expired)
	assert.Equal(t, 1, report.Released)
	assert.Equal(t, 1, report.Pending)

	_, ok := ns.Lease(closable)
	assert.False(t, ok)
	info, ok := ns.Lease(pending)
	require.True(t, ok)
	assert.Equal(t, RecoveryHolder, info.Holder)
	assert.Equal(t, 2, ns.CountLease())
	require.NoError(t, ns.Verify())

	// Block recovery still running when the agent's lease expires.
	clk.Advance(testHard + time.Second)
	ns.RenewLease("client-3")
	report, err = ns.CheckLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pending)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 2, ns.CountLease())

	// The agent's lease was renewed, so the running recovery is not retried.
	report, err = ns.CheckLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Expired)
	require.NoError(t, ns.Verify())
}

func TestNamesystem_DeleteDropsLeases(t *testing.T) {
	ns, _ := newTestNamesystem(t, nil)

	for i := 0; i < 4; i++ {
		_, err := ns.Create(fmt.Sprintf("/dir/f%d", i), "foo")
		require.NoError(t, err)
	}
	_, err := ns.Create("/other", "bar")
	require.NoError(t, err)
	assert.Equal(t, 2, ns.CountLease())

	n, err := ns.Delete("/dir")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 1, ns.CountLease())
	require.NoError(t, ns.Verify())

	leases := ns.Leases()
	require.Len(t, leases, 1)
	assert.Equal(t, "bar", leases[0].Holder)
}

func TestNamesystem_SafeMode(t *testing.T) {
	ns, clk := newTestNamesystem(t, nil)

	id, err := ns.Create("/f", "client-1")
	require.NoError(t, err)

	ns.EnterSafeMode()
	assert.True(t, ns.InSafeMode())
	_, err = ns.Create("/g", "client-1")
	assert.ErrorIs(t, err, ErrSafeMode)
	_, err = ns.AddBlock(id, "client-1")
	assert.ErrorIs(t, err, ErrSafeMode)
	_, err = ns.Delete("/f")
	assert.ErrorIs(t, err, ErrSafeMode)
	assert.False(t, ns.scanAllowed())

	clk.Advance(testHard + time.Second)
	ns.LeaveSafeMode()
	assert.False(t, ns.InSafeMode())

	// Leaving safe mode renewed the lease.
	report, err := ns.CheckLeases(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Expired)
	assert.Equal(t, 1, ns.CountLease())
}

func TestNamesystem_MonitorReclaimsExpiredLeases(t *testing.T) {
	ns, clk := newTestNamesystem(t, nil)

	_, err := ns.Create("/f", "client-1")
	require.NoError(t, err)

	require.NoError(t, ns.Start(context.Background()))
	defer ns.Stop()

	require.NoError(t, clk.WaitAdvance(testHard+time.Second, time.Second, 1))
	require.Eventually(t, func() bool {
		_, report := ns.LastScan()
		return report.Released == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, ns.CountLease())
}

func TestNamesystem_SaveWithoutStore(t *testing.T) {
	ns, _ := newTestNamesystem(t, nil)
	_, err := ns.SaveNamespace(context.Background())
	assert.ErrorIs(t, err, ErrNoImageStore)
}

func TestNamesystem_LeasesSurviveRestart(t *testing.T) {
	nsrv := testutil.StartNATS(t)
	_, js := nsrv.JetStream(t)
	ctx := context.Background()

	store, err := snapshot.NewManager(ctx, js, "restart", "node-1", snapshot.Config{})
	require.NoError(t, err)

	// An empty store starts an empty namespace.
	first, _ := newTestNamesystem(t, store)
	assert.Equal(t, 0, first.CountLease())

	var ids []lease.INodeID
	for i, holder := range []string{"a", "a", "b", "c"} {
		id, err := first.Create(fmt.Sprintf("/f%d", i), holder)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	closed, err := first.Create("/closed", "d")
	require.NoError(t, err)
	require.NoError(t, first.Complete(closed, "d"))

	snap, err := first.SaveNamespace(ctx)
	require.NoError(t, err)
	assert.Equal(t, "4", snap.Metadata["underConstruction"])
	assert.Equal(t, "3", snap.Metadata["leases"])

	second, _ := newTestNamesystem(t, store)
	assert.Equal(t, first.CountLease(), second.CountLease())
	for _, id := range ids {
		want, ok := first.Lease(id)
		require.True(t, ok)
		got, ok := second.Lease(id)
		require.True(t, ok)
		assert.Equal(t, want.Holder, got.Holder)
	}
	_, ok := second.Lease(closed)
	assert.False(t, ok)
	require.NoError(t, second.Verify())

	f, err := second.Stat("/closed")
	require.NoError(t, err)
	assert.False(t, f.UnderConstruction)

	next, err := second.Create("/new", "e")
	require.NoError(t, err)
	assert.Greater(t, next, closed)
}

func TestNamesystem_RecovererReportsMissingFile(t *testing.T) {
	ns, _ := newTestNamesystem(t, nil)

	_, err := ns.RecoverLease(context.Background(), "ghost", lease.RootINodeID+42)
	assert.ErrorIs(t, err, lease.ErrFileNotFound)
}

func TestNamesystem_StatMissing(t *testing.T) {
	ns, _ := newTestNamesystem(t, nil)
	_, err := ns.Stat("/missing")
	assert.ErrorIs(t, err, namespace.ErrFileNotFound)
}

func TestNamesystem_Status(t *testing.T) {
	ns, _ := newTestNamesystem(t, nil)

	_, err := ns.Create("/a", "client-1")
	require.NoError(t, err)
	_, err = ns.Create("/b", "client-1")
	require.NoError(t, err)
	_, err = ns.Create("/c", "client-2")
	require.NoError(t, err)
	ns.EnterSafeMode()

	status := ns.Status()
	assert.Equal(t, 2, status["leases"])
	assert.Equal(t, 3, status["files"])
	assert.Equal(t, true, status["safeMode"])
	assert.NotContains(t, status, "lastScan")
}

func TestNamesystem_LeaseRebuiltFromOpenFile(t *testing.T) {
	nsrv := testutil.StartNATS(t)
	_, js := nsrv.JetStream(t)
	ctx := context.Background()

	store, err := snapshot.NewManager(ctx, js, "rebuild", "node-1", snapshot.Config{})
	require.NoError(t, err)

	first, _ := newTestNamesystem(t, store)
	id, err := first.Create("/open", "holder")
	require.NoError(t, err)

	// Drop the lease while the file stays open.
	first.leases.RemoveLease("holder", id)
	_, ok := first.Lease(id)
	require.False(t, ok)
	f, err := first.Stat("/open")
	require.NoError(t, err)
	require.True(t, f.UnderConstruction)

	snap, err := first.SaveNamespace(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", snap.Metadata["underConstruction"])
	assert.Equal(t, "0", snap.Metadata["leases"])

	second, _ := newTestNamesystem(t, store)
	info, ok := second.Lease(id)
	require.True(t, ok)
	assert.Equal(t, "holder", info.Holder)
	assert.Equal(t, []lease.INodeID{id}, info.Files)
	require.NoError(t, second.Verify())
}

func TestNamesystem_BlockRecoveryResumesAfterRestart(t *testing.T) {
	nsrv := testutil.StartNATS(t)
	_, js := nsrv.JetStream(t)
	ctx := context.Background()

	store, err := snapshot.NewManager(ctx, js, "resume", "node-1", snapshot.Config{})
	require.NoError(t, err)

	first, clk := newTestNamesystem(t, store)
	var ids []lease.INodeID
	for _, path := range []string{"/a", "/b"} {
		id, err := first.Create(path, "client-1")
		require.NoError(t, err)
		_, err = first.AddBlock(id, "client-1")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	clk.Advance(testHard + time.Second)

	// One file per scan moves to the recovery agent.
	for range ids {
		report, err := first.CheckLeases(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Pending)
	}
	for _, id := range ids {
		info, ok := first.Lease(id)
		require.True(t, ok)
		assert.Equal(t, RecoveryHolder, info.Holder)
	}
	_, err = first.SaveNamespace(ctx)
	require.NoError(t, err)

	second, clk2 := newTestNamesystem(t, store)
	for _, id := range ids {
		f, err := second.tree.Get(id)
		require.NoError(t, err)
		assert.False(t, f.Recovering)
	}
	info, ok := second.Lease(ids[0])
	require.True(t, ok)
	assert.Equal(t, RecoveryHolder, info.Holder)
	assert.Len(t, info.Files, 2)

	clk2.Advance(testHard + time.Second)
	report, err := second.CheckLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Examined)
	assert.Equal(t, 1, report.Pending)
	assert.Equal(t, 0, report.Failed)

	// Both files recover, not only the one the scan picked.
	for _, id := range ids {
		f, err := second.tree.Get(id)
		require.NoError(t, err)
		assert.True(t, f.Recovering)
	}

	report, err = second.CheckLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Expired)

	for _, id := range ids {
		require.NoError(t, second.FinishBlockRecovery(id))
	}
	assert.Equal(t, 0, second.CountLease())
	require.NoError(t, second.Verify())
}

func TestNamesystem_RecoveryAgentClosesFinishedFiles(t *testing.T) {
	ns, clk := newTestNamesystem(t, nil)
	ctx := context.Background()

	var ids []lease.INodeID
	for _, path := range []string{"/a", "/b"} {
		id, err := ns.Create(path, "client-1")
		require.NoError(t, err)
		_, err = ns.AddBlock(id, "client-1")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	clk.Advance(testHard + time.Second)
	for range ids {
		_, err := ns.CheckLeases(ctx)
		require.NoError(t, err)
	}

	// The lower file's blocks are recovered outside the lease path and the
	// mark is lost, as after a restart.
	require.NoError(t, ns.tree.FinishBlockRecovery(ids[0]))

	clk.Advance(testHard + time.Second)
	report, err := ns.CheckLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pending)

	_, ok := ns.Lease(ids[0])
	assert.False(t, ok)
	f, err := ns.Stat("/a")
	require.NoError(t, err)
	assert.False(t, f.UnderConstruction)
	info, ok := ns.Lease(ids[1])
	require.True(t, ok)
	assert.Equal(t, RecoveryHolder, info.Holder)
	require.NoError(t, ns.Verify())
}
