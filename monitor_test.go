package lease

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozanturksever/go-lease/fslock"
)

func countUnderLock(lock *fslock.Lock, m *Manager) int {
	var n int
	lock.WithReadLock(func(*fslock.ReadToken) {
		n = m.CountLease()
	})
	return n
}

func TestMonitor_ScansOnInterval(t *testing.T) {
	m, clk := newTestManager(t)
	lock := fslock.New()
	lock.WithWriteLock(func(*fslock.WriteToken) {
		require.NoError(t, m.SetLeasePeriod(time.Second, 10*time.Second))
		_, err := m.AddLease("a", 1)
		require.NoError(t, err)
	})

	mon := NewMonitor(m, lock, 2*time.Second)
	require.NoError(t, mon.Start(context.Background()))
	defer mon.Stop()

	// Not yet past the hard limit.
	require.NoError(t, clk.WaitAdvance(2*time.Second, time.Second, 1))
	require.NoError(t, clk.WaitAdvance(10*time.Second, time.Second, 1))

	require.Eventually(t, func() bool {
		_, report := mon.LastScan()
		return report.Released == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, countUnderLock(lock, m))
}

func TestMonitor_Trigger(t *testing.T) {
	m, clk := newTestManager(t)
	lock := fslock.New()
	lock.WithWriteLock(func(*fslock.WriteToken) {
		require.NoError(t, m.SetLeasePeriod(0, 0))
		_, err := m.AddLease("a", 1)
		require.NoError(t, err)
	})
	clk.Advance(time.Millisecond)

	mon := NewMonitor(m, lock, time.Hour)
	require.NoError(t, mon.Start(context.Background()))
	defer mon.Stop()

	mon.Trigger()
	mon.Trigger()
	require.Eventually(t, func() bool {
		return countUnderLock(lock, m) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMonitor_GateSkipsScan(t *testing.T) {
	rec := &recorder{}
	m, clk := newTestManager(t, WithRecoverer(rec))
	lock := fslock.New()
	lock.WithWriteLock(func(*fslock.WriteToken) {
		require.NoError(t, m.SetLeasePeriod(0, 0))
		_, err := m.AddLease("a", 1)
		require.NoError(t, err)
	})
	clk.Advance(time.Millisecond)

	var asked atomic.Int32
	mon := NewMonitor(m, lock, time.Hour, WithMonitorGate(func() bool {
		asked.Add(1)
		return false
	}))
	require.NoError(t, mon.Start(context.Background()))
	defer mon.Stop()

	mon.Trigger()
	require.Eventually(t, func() bool {
		return asked.Load() >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, countUnderLock(lock, m))
	lock.WithReadLock(func(*fslock.ReadToken) {
		assert.Empty(t, rec.calls)
	})
}

func TestMonitor_StartStop(t *testing.T) {
	m, _ := newTestManager(t)
	mon := NewMonitor(m, fslock.New(), 0, WithMonitorInterval(time.Minute))
	assert.Equal(t, time.Minute, mon.interval)

	require.NoError(t, mon.Start(context.Background()))
	assert.ErrorIs(t, mon.Start(context.Background()), ErrMonitorRunning)

	mon.Stop()
	mon.Stop()

	// A stopped monitor can be started again.
	require.NoError(t, mon.Start(context.Background()))
	mon.Stop()
}

func TestMonitor_StopsWithContext(t *testing.T) {
	m, _ := newTestManager(t)
	mon := NewMonitor(m, fslock.New(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, mon.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		mon.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestMonitor_HealthCheck(t *testing.T) {
	m, clk := newTestManager(t)
	health := NewHealth("", nil)
	mon := NewMonitor(m, fslock.New(), time.Second, WithMonitorHealth(health))

	status := health.Check(context.Background())
	assert.Equal(t, "failing", status.Status)
	assert.Contains(t, status.Checks, "lease-monitor")

	mon.markScanned(ScanReport{})
	assert.NoError(t, mon.check(context.Background()))
	assert.Equal(t, "passing", health.Check(context.Background()).Status)

	clk.Advance(11 * time.Second)
	assert.Error(t, mon.check(context.Background()))
}
