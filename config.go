package lease

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultSoftLimit       = 1 * time.Minute
	DefaultHardLimit       = 1 * time.Hour
	DefaultRecheckInterval = 2 * time.Second
	DefaultMaxLockHold     = 25 * time.Millisecond
	DefaultMetricsAddr     = ":9090"
	DefaultHealthAddr      = ":8080"
)

// Config configures the lease manager and its expiry monitor.
type Config struct {
	// SoftLimit is how long a lease lives without renewal before another
	// client may take its files over.
	SoftLimit time.Duration

	// HardLimit is how long a lease lives without renewal before the monitor
	// reclaims it.
	HardLimit time.Duration

	// RecheckInterval is the pause between monitor scans.
	RecheckInterval time.Duration

	// MaxLockHold bounds how long one scan keeps the global write lock.
	// Zero means the scan only stops at the end of its snapshot.
	MaxLockHold time.Duration

	Logger *slog.Logger
}

func (c *Config) Validate() error {
	if c.SoftLimit < 0 || c.HardLimit < 0 {
		return fmt.Errorf("soft %v, hard %v: %w", c.SoftLimit, c.HardLimit, ErrInvalidLeasePeriod)
	}
	if c.SoftLimit > c.HardLimit {
		return fmt.Errorf("soft %v exceeds hard %v: %w", c.SoftLimit, c.HardLimit, ErrInvalidLeasePeriod)
	}
	if c.RecheckInterval < 0 {
		return fmt.Errorf("recheck interval must not be negative")
	}
	if c.MaxLockHold < 0 {
		return fmt.Errorf("max lock hold must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.SoftLimit == 0 && c.HardLimit == 0 {
		c.SoftLimit = DefaultSoftLimit
		c.HardLimit = DefaultHardLimit
	}
	if c.RecheckInterval == 0 {
		c.RecheckInterval = DefaultRecheckInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// DefaultConfig returns the standard lease periods.
func DefaultConfig() Config {
	return Config{
		SoftLimit:       DefaultSoftLimit,
		HardLimit:       DefaultHardLimit,
		RecheckInterval: DefaultRecheckInterval,
		MaxLockHold:     DefaultMaxLockHold,
	}
}

// FileConfig is the on-disk JSON configuration of a metadata server node.
type FileConfig struct {
	Name      string          `json:"name"`
	NodeID    string          `json:"nodeId"`
	NATS      NATSFileConfig  `json:"nats"`
	Lease     LeaseFileConfig `json:"lease,omitempty"`
	Snapshots SnapshotConfig  `json:"snapshots,omitempty"`
	Metrics   string          `json:"metricsAddr,omitempty"`
	Health    string          `json:"healthAddr,omitempty"`
}

// NATSFileConfig contains NATS connection settings.
type NATSFileConfig struct {
	Servers     []string `json:"servers"`
	Credentials string   `json:"credentials,omitempty"`
}

// LeaseFileConfig contains lease timing settings in milliseconds.
type LeaseFileConfig struct {
	SoftLimitMs       int64 `json:"softLimitMs,omitempty"`
	HardLimitMs       int64 `json:"hardLimitMs,omitempty"`
	RecheckIntervalMs int64 `json:"recheckIntervalMs,omitempty"`
	MaxLockHoldMs     int64 `json:"maxLockHoldMs,omitempty"`
}

// SnapshotConfig contains namespace checkpoint settings.
type SnapshotConfig struct {
	IntervalMs   int64 `json:"intervalMs,omitempty"`
	MaxSnapshots int   `json:"maxSnapshots,omitempty"`
}

// LoadConfigFromFile loads configuration from a JSON file.
func LoadConfigFromFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// WriteConfigToFile writes the configuration to a JSON file.
func WriteConfigToFile(cfg *FileConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate validates the file configuration.
func (c *FileConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.NodeID == "" {
		return fmt.Errorf("nodeId is required")
	}
	if len(c.NATS.Servers) == 0 {
		return fmt.Errorf("nats.servers is required")
	}
	cfg := c.ToConfig(nil)
	return cfg.Validate()
}

// ApplyDefaults fills unset fields with default values.
func (c *FileConfig) ApplyDefaults() {
	if c.Lease.SoftLimitMs == 0 && c.Lease.HardLimitMs == 0 {
		c.Lease.SoftLimitMs = DefaultSoftLimit.Milliseconds()
		c.Lease.HardLimitMs = DefaultHardLimit.Milliseconds()
	}
	if c.Lease.RecheckIntervalMs == 0 {
		c.Lease.RecheckIntervalMs = DefaultRecheckInterval.Milliseconds()
	}
	if c.Lease.MaxLockHoldMs == 0 {
		c.Lease.MaxLockHoldMs = DefaultMaxLockHold.Milliseconds()
	}
	if c.Snapshots.IntervalMs == 0 {
		c.Snapshots.IntervalMs = (10 * time.Minute).Milliseconds()
	}
	if c.Snapshots.MaxSnapshots == 0 {
		c.Snapshots.MaxSnapshots = 24
	}
	if c.Metrics == "" {
		c.Metrics = DefaultMetricsAddr
	}
	if c.Health == "" {
		c.Health = DefaultHealthAddr
	}
}

// ToConfig converts the file configuration to a manager Config.
func (c *FileConfig) ToConfig(logger *slog.Logger) Config {
	return Config{
		SoftLimit:       time.Duration(c.Lease.SoftLimitMs) * time.Millisecond,
		HardLimit:       time.Duration(c.Lease.HardLimitMs) * time.Millisecond,
		RecheckInterval: time.Duration(c.Lease.RecheckIntervalMs) * time.Millisecond,
		MaxLockHold:     time.Duration(c.Lease.MaxLockHoldMs) * time.Millisecond,
		Logger:          logger,
	}
}

// NewDefaultFileConfig creates a FileConfig with the required fields and defaults.
func NewDefaultFileConfig(name, nodeID string, natsServers []string) *FileConfig {
	cfg := &FileConfig{
		Name:   name,
		NodeID: nodeID,
		NATS: NATSFileConfig{
			Servers: natsServers,
		},
	}
	cfg.ApplyDefaults()
	return cfg
}
