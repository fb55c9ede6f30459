// Package snapshot stores namespace images in a NATS Object Store.
package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/xid"
)

// Errors for snapshot operations.
var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrInvalidSnapshot  = errors.New("invalid snapshot")
)

// Snapshot describes one stored namespace image.
type Snapshot struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	Size      int64             `json:"size"`
	Checksum  string            `json:"checksum"`
	NodeID    string            `json:"node_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Source produces the image to store, with metadata describing it.
type Source func() ([]byte, map[string]string, error)

// Config configures the snapshot manager.
type Config struct {
	// Interval is how often Start saves an image. Zero disables it.
	Interval time.Duration

	// Retention is how long to keep images. Zero keeps them regardless of age.
	Retention time.Duration

	// MaxSnapshots is the maximum number of images to keep.
	MaxSnapshots int

	// MaxBytes is the maximum size of the object store.
	// Defaults to 100MB if not set.
	MaxBytes int64

	Logger *slog.Logger
}

// DefaultConfig returns a default snapshot configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     10 * time.Minute,
		Retention:    24 * time.Hour,
		MaxSnapshots: 24,
		MaxBytes:     100 * 1024 * 1024,
	}
}

// Manager saves and loads namespace images.
type Manager struct {
	config   Config
	objStore jetstream.ObjectStore
	nodeID   string
	logger   *slog.Logger

	mu           sync.RWMutex
	lastSnapshot time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager opens the image bucket of the named metadata server, creating
// it if needed.
func NewManager(ctx context.Context, js jetstream.JetStream, name, nodeID string, config Config) (*Manager, error) {
	bucketName := BucketName(name)

	maxBytes := config.MaxBytes
	if maxBytes == 0 {
		maxBytes = 100 * 1024 * 1024
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	createCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	objStore, err := js.CreateOrUpdateObjectStore(createCtx, jetstream.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Namespace images for %s", name),
		MaxBytes:    maxBytes,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store: %w", err)
	}

	return &Manager{
		config:   config,
		objStore: objStore,
		nodeID:   nodeID,
		logger:   logger.With("component", "snapshot"),
	}, nil
}

// BucketName returns the object store bucket holding the images of name.
func BucketName(name string) string {
	return fmt.Sprintf("%s_images", name)
}

// Start saves an image from src every Interval until ctx is done or Stop is
// called. Old images are cleaned up after each save.
func (m *Manager) Start(ctx context.Context, src Source) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	if m.config.Interval > 0 {
		m.wg.Add(1)
		go m.autoSnapshotLoop(src)
	}

	return nil
}

// Stop stops the save loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) autoSnapshotLoop(src Source) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			data, meta, err := src()
			if err != nil {
				m.logger.Error("failed to build image", "error", err)
				continue
			}
			if _, err := m.Save(m.ctx, data, meta); err != nil {
				m.logger.Error("failed to save image", "error", err)
				continue
			}
			if err := m.Cleanup(m.ctx); err != nil {
				m.logger.Warn("image cleanup failed", "error", err)
			}
		}
	}
}

// Save stores data as a new image.
func (m *Manager) Save(ctx context.Context, data []byte, meta map[string]string) (*Snapshot, error) {
	h := sha256.Sum256(data)
	snapshot := &Snapshot{
		ID:        xid.New().String(),
		CreatedAt: time.Now(),
		Size:      int64(len(data)),
		Checksum:  hex.EncodeToString(h[:]),
		NodeID:    m.nodeID,
		Metadata:  meta,
	}

	desc, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = m.objStore.Put(ctx, jetstream.ObjectMeta{
		Name:        snapshotKey(snapshot.ID),
		Description: string(desc),
	}, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("store snapshot: %w", err)
	}

	m.mu.Lock()
	m.lastSnapshot = snapshot.CreatedAt
	m.mu.Unlock()

	m.logger.Info("image saved", "id", snapshot.ID, "size", snapshot.Size)
	return snapshot, nil
}

// Latest returns the newest image.
func (m *Manager) Latest(ctx context.Context) (*Snapshot, error) {
	snapshots, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	if len(snapshots) == 0 {
		return nil, ErrSnapshotNotFound
	}

	return &snapshots[len(snapshots)-1], nil
}

// Get returns the description of an image.
func (m *Manager) Get(ctx context.Context, id string) (*Snapshot, error) {
	info, err := m.objStore.GetInfo(ctx, snapshotKey(id))
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, fmt.Errorf("%s: %w", id, ErrSnapshotNotFound)
		}
		return nil, fmt.Errorf("get snapshot info: %w", err)
	}
	return describe(info), nil
}

// List returns every image, oldest first.
func (m *Manager) List(ctx context.Context) ([]Snapshot, error) {
	objects, err := m.objStore.List(ctx)
	if err != nil {
		// NATS returns an error when there are no objects - treat as empty list
		if strings.Contains(err.Error(), "no objects found") {
			return []Snapshot{}, nil
		}
		return nil, fmt.Errorf("list objects: %w", err)
	}

	var snapshots []Snapshot
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Name, "snap/") {
			continue
		}
		snapshots = append(snapshots, *describe(obj))
	}

	// xids sort by creation time and break ties within a second.
	slices.SortFunc(snapshots, func(a, b Snapshot) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	return snapshots, nil
}

// Load returns the data of an image after checking its checksum.
func (m *Manager) Load(ctx context.Context, id string) ([]byte, *Snapshot, error) {
	snapshot, err := m.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	data, err := m.objStore.GetBytes(ctx, snapshotKey(id))
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, nil, fmt.Errorf("%s: %w", id, ErrSnapshotNotFound)
		}
		return nil, nil, fmt.Errorf("get snapshot: %w", err)
	}

	if snapshot.Checksum != "" {
		h := sha256.Sum256(data)
		if actual := hex.EncodeToString(h[:]); actual != snapshot.Checksum {
			return nil, nil, fmt.Errorf("checksum mismatch: expected %s, got %s: %w", snapshot.Checksum, actual, ErrInvalidSnapshot)
		}
	}

	return data, snapshot, nil
}

// LoadLatest returns the data of the newest image. It returns
// ErrSnapshotNotFound when no image was saved yet.
func (m *Manager) LoadLatest(ctx context.Context) ([]byte, *Snapshot, error) {
	latest, err := m.Latest(ctx)
	if err != nil {
		return nil, nil, err
	}
	return m.Load(ctx, latest.ID)
}

// Delete deletes an image.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.objStore.Delete(ctx, snapshotKey(id))
}

// Cleanup removes images past the retention period, then the oldest images
// beyond MaxSnapshots. The newest image is always kept.
func (m *Manager) Cleanup(ctx context.Context) error {
	snapshots, err := m.List(ctx)
	if err != nil {
		return err
	}
	if len(snapshots) <= 1 {
		return nil
	}

	keep := snapshots
	if m.config.Retention > 0 {
		cutoff := time.Now().Add(-m.config.Retention)
		keep = keep[:0:0]
		for i, snap := range snapshots {
			if i < len(snapshots)-1 && snap.CreatedAt.Before(cutoff) {
				if err := m.Delete(ctx, snap.ID); err != nil {
					return fmt.Errorf("delete snapshot %s: %w", snap.ID, err)
				}
				continue
			}
			keep = append(keep, snap)
		}
	}

	if m.config.MaxSnapshots > 0 && len(keep) > m.config.MaxSnapshots {
		for _, snap := range keep[:len(keep)-m.config.MaxSnapshots] {
			if err := m.Delete(ctx, snap.ID); err != nil {
				return fmt.Errorf("delete snapshot %s: %w", snap.ID, err)
			}
		}
	}

	return nil
}

// LastSnapshotTime returns when this manager last saved an image.
func (m *Manager) LastSnapshotTime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSnapshot
}

// describe reads the snapshot description stored with an object.
func describe(info *jetstream.ObjectInfo) *Snapshot {
	id := strings.TrimPrefix(info.Name, "snap/")
	var snapshot Snapshot
	if info.Description == "" || json.Unmarshal([]byte(info.Description), &snapshot) != nil {
		snapshot = Snapshot{ID: id, CreatedAt: info.ModTime}
	}
	if snapshot.ID == "" {
		snapshot.ID = id
	}
	snapshot.Size = int64(info.Size)
	return &snapshot
}

// snapshotKey returns the object key for a snapshot.
func snapshotKey(id string) string {
	return "snap/" + id
}
