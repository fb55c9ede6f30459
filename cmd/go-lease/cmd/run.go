package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	lease "github.com/ozanturksever/go-lease"
	"github.com/ozanturksever/go-lease/health"
	"github.com/ozanturksever/go-lease/namesystem"
	"github.com/ozanturksever/go-lease/snapshot"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a metadata server node",
	Long: `Start a go-lease metadata server node.

The node will:
- Connect to NATS and open the namespace image store
- Load the latest namespace image and rebuild leases of open files
- Scan for expired leases and reclaim their files
- Save namespace images periodically and on shutdown
- Start health and metrics endpoints

Example:
  go-lease run --name meta --node node-1
  go-lease run --lease-config /etc/go-lease/lease.json`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("lease-config", "", "JSON node configuration file")
	runCmd.Flags().String("health-addr", lease.DefaultHealthAddr, "Health check HTTP address")
	runCmd.Flags().String("metrics-addr", lease.DefaultMetricsAddr, "Prometheus metrics HTTP address")
	runCmd.Flags().Duration("soft-limit", 0, "Lease soft limit (default 1m)")
	runCmd.Flags().Duration("hard-limit", 0, "Lease hard limit (default 1h)")
	runCmd.Flags().Duration("recheck-interval", 0, "Pause between expiry scans (default 2s)")
	runCmd.Flags().Duration("max-lock-hold", 0, "Longest an expiry scan keeps the global lock (default 25ms)")
	runCmd.Flags().Duration("slow-lock", 500*time.Millisecond, "Warn when the global lock is held longer than this")
	runCmd.Flags().Duration("image-interval", 0, "Pause between namespace images (default 10m)")

	viper.BindPFlag("lease_config", runCmd.Flags().Lookup("lease-config"))
	viper.BindPFlag("health_addr", runCmd.Flags().Lookup("health-addr"))
	viper.BindPFlag("metrics_addr", runCmd.Flags().Lookup("metrics-addr"))
	viper.BindPFlag("lease.soft_limit", runCmd.Flags().Lookup("soft-limit"))
	viper.BindPFlag("lease.hard_limit", runCmd.Flags().Lookup("hard-limit"))
	viper.BindPFlag("lease.recheck_interval", runCmd.Flags().Lookup("recheck-interval"))
	viper.BindPFlag("lease.max_lock_hold", runCmd.Flags().Lookup("max-lock-hold"))
	viper.BindPFlag("slow_lock", runCmd.Flags().Lookup("slow-lock"))
	viper.BindPFlag("image_interval", runCmd.Flags().Lookup("image-interval"))
}

// loadFileConfig reads --lease-config when given and lets flags, environment
// and the viper config file override it.
func loadFileConfig() (*lease.FileConfig, error) {
	var fc *lease.FileConfig
	if path := viper.GetString("lease_config"); path != "" {
		loaded, err := lease.LoadConfigFromFile(path)
		if err != nil {
			return nil, err
		}
		fc = loaded
	} else {
		fc = &lease.FileConfig{}
	}

	if n := getName(); n != "" {
		fc.Name = n
	}
	if fc.NodeID == "" || viper.IsSet("node_id") {
		fc.NodeID = getNodeID()
	}
	if len(fc.NATS.Servers) == 0 || viper.IsSet("nats_url") {
		fc.NATS.Servers = getNATSURLs()
	}
	if creds := viper.GetString("nats_creds"); creds != "" {
		fc.NATS.Credentials = creds
	}
	if d := viper.GetDuration("lease.soft_limit"); d > 0 {
		fc.Lease.SoftLimitMs = d.Milliseconds()
	}
	if d := viper.GetDuration("lease.hard_limit"); d > 0 {
		fc.Lease.HardLimitMs = d.Milliseconds()
	}
	if d := viper.GetDuration("lease.recheck_interval"); d > 0 {
		fc.Lease.RecheckIntervalMs = d.Milliseconds()
	}
	if d := viper.GetDuration("lease.max_lock_hold"); d > 0 {
		fc.Lease.MaxLockHoldMs = d.Milliseconds()
	}
	if d := viper.GetDuration("image_interval"); d > 0 {
		fc.Snapshots.IntervalMs = d.Milliseconds()
	}
	if fc.Health == "" || viper.IsSet("health_addr") {
		fc.Health = viper.GetString("health_addr")
	}
	if fc.Metrics == "" || viper.IsSet("metrics_addr") {
		fc.Metrics = viper.GetString("metrics_addr")
	}

	fc.ApplyDefaults()
	if err := fc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return fc, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	fc, err := loadFileConfig()
	if err != nil {
		return err
	}
	logger := newLogger().With("name", fc.Name, "node", fc.NodeID)

	fmt.Println("Starting go-lease metadata server...")
	fmt.Printf("  Name:         %s\n", fc.Name)
	fmt.Printf("  Node ID:      %s\n", fc.NodeID)
	fmt.Printf("  NATS:         %v\n", fc.NATS.Servers)
	fmt.Printf("  Lease:        soft %v, hard %v\n",
		time.Duration(fc.Lease.SoftLimitMs)*time.Millisecond,
		time.Duration(fc.Lease.HardLimitMs)*time.Millisecond)
	fmt.Printf("  Health:       %s\n", fc.Health)
	fmt.Printf("  Metrics:      %s\n", fc.Metrics)
	fmt.Println()

	nc, err := connect(fc.NATS.Servers, fc.NATS.Credentials)
	if err != nil {
		return err
	}
	defer nc.Drain()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := lease.NewMetrics(logger)
	if err := metrics.Start(ctx, fc.Metrics); err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}

	checks := lease.NewHealth(fc.Health, logger)
	checks.Register("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("not connected to NATS")
		}
		return nil
	})
	if err := checks.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}

	audit := lease.NewAudit(nc, js, fc.Name, fc.NodeID)
	if err := audit.Start(ctx); err != nil {
		return err
	}

	images, err := snapshot.NewManager(ctx, js, fc.Name, fc.NodeID, snapshot.Config{
		Interval:     time.Duration(fc.Snapshots.IntervalMs) * time.Millisecond,
		MaxSnapshots: fc.Snapshots.MaxSnapshots,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	ns, err := namesystem.New(ctx, namesystem.Config{
		Lease:             fc.ToConfig(logger),
		SlowLockThreshold: viper.GetDuration("slow_lock"),
		Logger:            logger,
	}, images,
		namesystem.WithMetrics(metrics),
		namesystem.WithAudit(audit),
		namesystem.WithHealth(checks),
	)
	if err != nil {
		return fmt.Errorf("failed to load namesystem: %w", err)
	}

	if err := ns.Start(ctx); err != nil {
		return err
	}
	if err := images.Start(ctx, ns.Image); err != nil {
		return err
	}

	responder, err := health.NewResponder(health.Config{
		Name:   fc.Name,
		NodeID: fc.NodeID,
		Status: ns.Status,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if err := responder.Start(nc); err != nil {
		return err
	}
	responder.SetCustom("version", Version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("Metadata server started with %d leases. Press Ctrl+C to stop.\n", ns.CountLease())

	sig := <-sigCh
	fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

	responder.Stop()
	ns.Stop()
	images.Stop()

	saveCtx, saveCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer saveCancel()
	if snap, err := ns.SaveNamespace(saveCtx); err != nil {
		logger.Error("failed to save namespace image on shutdown", "error", err)
	} else {
		logger.Info("namespace image saved on shutdown", "id", snap.ID)
	}

	cancel()
	metrics.Stop()
	checks.Stop()

	fmt.Println("Metadata server stopped.")
	return nil
}
