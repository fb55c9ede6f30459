package lease

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozanturksever/go-lease/fslock"
)

type recoverCall struct {
	holder string
	id     INodeID
}

// recorder is a Recoverer that records calls and answers with fn.
type recorder struct {
	calls []recoverCall
	fn    func(holder string, id INodeID) (RecoveryResult, error)
}

func (r *recorder) RecoverLease(_ context.Context, holder string, id INodeID) (RecoveryResult, error) {
	r.calls = append(r.calls, recoverCall{holder, id})
	if r.fn == nil {
		return RecoveryClosed, nil
	}
	return r.fn(holder, id)
}

func scan(t *testing.T, m *Manager) ScanReport {
	t.Helper()

	lock := fslock.New()
	tok := lock.AcquireWrite()
	defer tok.Release()

	report, err := m.CheckLeases(context.Background(), tok)
	require.NoError(t, err)
	return report
}

func TestCheckLeases_RequiresWriteLock(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.CheckLeases(context.Background(), nil)
	assert.ErrorIs(t, err, ErrWriteLockNotHeld)

	tok := fslock.New().AcquireWrite()
	tok.Release()
	_, err = m.CheckLeases(context.Background(), tok)
	assert.ErrorIs(t, err, ErrWriteLockNotHeld)
}

func TestCheckLeases_ZeroLimitsReleaseEverything(t *testing.T) {
	m, clk := newTestManager(t)
	require.NoError(t, m.SetLeasePeriod(0, 0))

	for i, holder := range []string{"holder1", "holder2", "holder3"} {
		_, err := m.AddLease(holder, RootINodeID+INodeID(i)+1)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, m.CountLease())

	clk.Advance(time.Millisecond)
	report := scan(t, m)

	assert.Equal(t, 3, report.Expired)
	assert.Equal(t, 3, report.Released)
	assert.Equal(t, 0, m.CountLease())
	require.NoError(t, m.Verify())
}

func TestCheckLeases_FailingRecoveryTerminates(t *testing.T) {
	rec := &recorder{fn: func(string, INodeID) (RecoveryResult, error) {
		return 0, errors.New("datanode unreachable")
	}}
	m, clk := newTestManager(t, WithRecoverer(rec))
	require.NoError(t, m.SetLeasePeriod(0, 0))

	for i, holder := range []string{"holder1", "holder2", "holder3"} {
		_, err := m.AddLease(holder, RootINodeID+INodeID(i)+1)
		require.NoError(t, err)
	}
	clk.Advance(time.Millisecond)

	report := scan(t, m)
	assert.Equal(t, 3, report.Failed)
	assert.Equal(t, 3, m.CountLease())
	assert.Len(t, rec.calls, 3)

	// The next scan tries again.
	report = scan(t, m)
	assert.Equal(t, 3, report.Failed)
	assert.Len(t, rec.calls, 6)
}

func TestCheckLeases_OneAttemptPerHolderOnHighestFile(t *testing.T) {
	rec := &recorder{}
	m, clk := newTestManager(t, WithRecoverer(rec))
	require.NoError(t, m.SetLeasePeriod(0, 0))

	for _, id := range []INodeID{16390, 16388, 16395} {
		_, err := m.AddLease("a", id)
		require.NoError(t, err)
	}
	clk.Advance(time.Millisecond)

	report := scan(t, m)
	assert.Equal(t, 1, report.Examined)
	assert.Equal(t, []recoverCall{{"a", 16395}}, rec.calls)
	assert.Equal(t, []INodeID{16388, 16390}, m.GetLeaseByHolder("a").Files())

	scan(t, m)
	scan(t, m)
	assert.Equal(t, 0, m.CountLease())
	assert.Equal(t, []recoverCall{{"a", 16395}, {"a", 16390}, {"a", 16388}}, rec.calls)
}

func TestCheckLeases_OldestFirstAndOnlyExpired(t *testing.T) {
	rec := &recorder{}
	m, clk := newTestManager(t, WithRecoverer(rec))
	require.NoError(t, m.SetLeasePeriod(time.Second, 10*time.Second))

	_, _ = m.AddLease("old", 1)
	clk.Advance(time.Second)
	_, _ = m.AddLease("mid", 2)
	clk.Advance(5 * time.Second)
	_, _ = m.AddLease("new", 3)
	clk.Advance(6 * time.Second)

	report := scan(t, m)
	assert.Equal(t, 2, report.Expired)
	assert.Equal(t, []recoverCall{{"old", 1}, {"mid", 2}}, rec.calls)
	assert.NotNil(t, m.GetLeaseByHolder("new"))
}

func TestCheckLeases_PendingKeepsLease(t *testing.T) {
	rec := &recorder{fn: func(string, INodeID) (RecoveryResult, error) {
		return RecoveryPending, nil
	}}
	m, clk := newTestManager(t, WithRecoverer(rec))
	require.NoError(t, m.SetLeasePeriod(0, 0))

	_, _ = m.AddLease("a", 1)
	clk.Advance(time.Millisecond)

	report := scan(t, m)
	assert.Equal(t, 1, report.Pending)
	assert.Equal(t, 0, report.Released)
	assert.Equal(t, 1, m.CountLease())
}

func TestCheckLeases_MissingFileDropsLease(t *testing.T) {
	rec := &recorder{fn: func(_ string, id INodeID) (RecoveryResult, error) {
		return 0, fmt.Errorf("inode %d: %w", id, ErrFileNotFound)
	}}
	m, clk := newTestManager(t, WithRecoverer(rec))
	require.NoError(t, m.SetLeasePeriod(0, 0))

	_, _ = m.AddLease("a", 1)
	_, _ = m.AddLease("a", 2)
	clk.Advance(time.Millisecond)

	report := scan(t, m)
	assert.Equal(t, 1, report.Released)
	assert.Equal(t, []INodeID{1}, m.INodeIDsWithLeases())
	require.NoError(t, m.Verify())
}

func TestCheckLeases_RecovererReleasesThroughClosePath(t *testing.T) {
	var m *Manager
	rec := &recorder{fn: func(holder string, id INodeID) (RecoveryResult, error) {
		m.RemoveLease(holder, id)
		return RecoveryClosed, nil
	}}
	m, clk := newTestManager(t, WithRecoverer(rec))
	require.NoError(t, m.SetLeasePeriod(0, 0))

	_, _ = m.AddLease("a", 1)
	_, _ = m.AddLease("b", 2)
	clk.Advance(time.Millisecond)

	report := scan(t, m)
	assert.Equal(t, 2, report.Released)
	assert.Equal(t, 0, m.CountLease())
	require.NoError(t, m.Verify())
}

func TestCheckLeases_SkipsLeasesChangedDuringScan(t *testing.T) {
	var m *Manager
	rec := &recorder{fn: func(holder string, id INodeID) (RecoveryResult, error) {
		// Closing a's file also lets b renew before its turn.
		if holder == "a" {
			m.RenewLease("b")
		}
		return RecoveryClosed, nil
	}}
	m, clk := newTestManager(t, WithRecoverer(rec))
	require.NoError(t, m.SetLeasePeriod(0, time.Second))

	_, _ = m.AddLease("a", 1)
	_, _ = m.AddLease("b", 2)
	clk.Advance(2 * time.Second)

	report := scan(t, m)
	assert.Equal(t, 2, report.Expired)
	assert.Equal(t, 1, report.Examined)
	assert.Equal(t, 1, report.Skipped)
	assert.NotNil(t, m.GetLeaseByHolder("b"))
}

func TestCheckLeases_LockHoldBudget(t *testing.T) {
	var clkAdvance func(time.Duration)
	rec := &recorder{fn: func(string, INodeID) (RecoveryResult, error) {
		clkAdvance(10 * time.Millisecond)
		return RecoveryClosed, nil
	}}
	m, clk := newTestManager(t, WithRecoverer(rec))
	clkAdvance = clk.Advance
	require.NoError(t, m.SetLeasePeriod(0, 0))
	m.maxHold = 25 * time.Millisecond

	for i := 1; i <= 5; i++ {
		_, _ = m.AddLease(fmt.Sprintf("h%d", i), INodeID(i))
	}
	clk.Advance(time.Millisecond)

	report := scan(t, m)
	assert.Equal(t, 5, report.Expired)
	assert.Equal(t, 3, report.Released)
	assert.Equal(t, 2, report.Deferred)
	assert.False(t, report.Interrupted)
	assert.Equal(t, 2, m.CountLease())

	report = scan(t, m)
	assert.Equal(t, 2, report.Released)
	assert.Equal(t, 0, m.CountLease())
}

func TestCheckLeases_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{fn: func(string, INodeID) (RecoveryResult, error) {
		cancel()
		return RecoveryClosed, nil
	}}
	m, clk := newTestManager(t, WithRecoverer(rec))
	require.NoError(t, m.SetLeasePeriod(0, 0))

	for i := 1; i <= 3; i++ {
		_, _ = m.AddLease(fmt.Sprintf("h%d", i), INodeID(i))
	}
	clk.Advance(time.Millisecond)

	tok := fslock.New().AcquireWrite()
	defer tok.Release()
	report, err := m.CheckLeases(ctx, tok)
	require.NoError(t, err)
	assert.True(t, report.Interrupted)
	assert.Equal(t, 1, report.Released)
	assert.Equal(t, 2, report.Deferred)
	assert.Equal(t, 2, m.CountLease())
}

func TestCheckLeases_NothingExpired(t *testing.T) {
	rec := &recorder{}
	m, _ := newTestManager(t, WithRecoverer(rec))
	_, _ = m.AddLease("a", 1)

	report := scan(t, m)
	assert.Equal(t, ScanReport{}, report)
	assert.Empty(t, rec.calls)
}

func TestCheckLeases_Metrics(t *testing.T) {
	metrics := NewMetrics(nil)
	rec := &recorder{fn: func(holder string, _ INodeID) (RecoveryResult, error) {
		if holder == "pending" {
			return RecoveryPending, nil
		}
		return RecoveryClosed, nil
	}}
	m, clk := newTestManager(t, WithRecoverer(rec), WithMetrics(metrics))
	require.NoError(t, m.SetLeasePeriod(0, 0))

	_, _ = m.AddLease("closed", 1)
	_, _ = m.AddLease("pending", 2)
	clk.Advance(time.Millisecond)
	scan(t, m)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Scans))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Recoveries.WithLabelValues("closed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Recoveries.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Leases))
}
