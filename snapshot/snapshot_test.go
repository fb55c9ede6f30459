package snapshot

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozanturksever/go-lease/testutil"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()

	ns := testutil.StartNATS(t)
	_, js := ns.JetStream(t)

	m, err := NewManager(context.Background(), js, "test", "node-1", cfg)
	require.NoError(t, err)
	return m
}

func TestSnapshotKey(t *testing.T) {
	assert.Equal(t, "snap/abc", snapshotKey("abc"))
	assert.Equal(t, "meta_images", BucketName("meta"))
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, 10*time.Minute, config.Interval)
	assert.Equal(t, 24*time.Hour, config.Retention)
	assert.Equal(t, 24, config.MaxSnapshots)
}

func TestManager_EmptyStore(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	list, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, _, err = m.LoadLatest(ctx)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestManager_SaveAndLoad(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	first, err := m.Save(ctx, []byte("image-1"), map[string]string{"files": "1"})
	require.NoError(t, err)
	second, err := m.Save(ctx, []byte("image-2"), nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, "node-1", first.NodeID)
	assert.False(t, m.LastSnapshotTime().IsZero())

	data, snap, err := m.Load(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("image-1"), data)
	assert.Equal(t, "1", snap.Metadata["files"])
	assert.Equal(t, first.Checksum, snap.Checksum)

	data, snap, err = m.LoadLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("image-2"), data)
	assert.Equal(t, second.ID, snap.ID)

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, int64(len("image-1")), list[0].Size)

	require.NoError(t, m.Delete(ctx, first.ID))
	_, _, err = m.Load(ctx, first.ID)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestManager_CleanupKeepsNewest(t *testing.T) {
	m := newTestManager(t, Config{MaxSnapshots: 2})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		snap, err := m.Save(ctx, []byte(fmt.Sprintf("image-%d", i)), nil)
		require.NoError(t, err)
		ids = append(ids, snap.ID)
	}

	require.NoError(t, m.Cleanup(ctx))

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[3], list[1].ID)
}

func TestManager_AutoSave(t *testing.T) {
	m := newTestManager(t, Config{Interval: 50 * time.Millisecond, MaxSnapshots: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan struct{}, 100)
	require.NoError(t, m.Start(ctx, func() ([]byte, map[string]string, error) {
		calls <- struct{}{}
		return []byte("auto"), nil, nil
	}))

	require.Eventually(t, func() bool {
		list, err := m.List(context.Background())
		return err == nil && len(list) >= 2
	}, 5*time.Second, 20*time.Millisecond)

	m.Stop()
	assert.NotEmpty(t, calls)
}
