package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ozanturksever/go-lease/snapshot"
)

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "Manage namespace images",
	Long:  `Commands for managing the namespace images kept in the NATS Object Store.`,
}

var imagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored namespace images",
	RunE:  runImagesList,
}

var imagesDeleteCmd = &cobra.Command{
	Use:   "delete <image-id>",
	Short: "Delete a namespace image",
	Args:  cobra.ExactArgs(1),
	RunE:  runImagesDelete,
}

var imagesPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete images beyond the retention limits",
	RunE:  runImagesPrune,
}

func init() {
	rootCmd.AddCommand(imagesCmd)
	imagesCmd.AddCommand(imagesListCmd)
	imagesCmd.AddCommand(imagesDeleteCmd)
	imagesCmd.AddCommand(imagesPruneCmd)

	imagesListCmd.Flags().Int("limit", 10, "Maximum number of images to list")

	imagesPruneCmd.Flags().Int("keep", 24, "Number of images to keep")
	imagesPruneCmd.Flags().Duration("retention", 0, "Delete images older than this (0 keeps them regardless of age)")
}

// openImages connects to NATS and opens the image store of the named server.
// The caller closes the returned connection.
func openImages(ctx context.Context, cfg snapshot.Config) (*snapshot.Manager, *nats.Conn, error) {
	serverName := getName()
	if serverName == "" {
		return nil, nil, fmt.Errorf("metadata server name is required (--name)")
	}

	nc, err := connect(getNATSURLs(), viper.GetString("nats_creds"))
	if err != nil {
		return nil, nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	cfg.Logger = newLogger()
	images, err := snapshot.NewManager(ctx, js, serverName, getNodeID(), cfg)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return images, nc, nil
}

func runImagesList(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	images, nc, err := openImages(ctx, snapshot.Config{})
	if err != nil {
		return err
	}
	defer nc.Close()

	list, err := images.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	if len(list) == 0 {
		fmt.Printf("No namespace images found for %s\n", getName())
		return nil
	}

	// Newest first.
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNODE\tSIZE\tCREATED\tFILES\tOPEN\tLEASES")
	for i := len(list) - 1; i >= 0 && len(list)-i <= limit; i-- {
		s := list[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID,
			s.NodeID,
			formatBytes(s.Size),
			s.CreatedAt.Format(time.RFC3339),
			metaOr(s.Metadata, "files"),
			metaOr(s.Metadata, "underConstruction"),
			metaOr(s.Metadata, "leases"),
		)
	}
	return w.Flush()
}

func runImagesDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	images, nc, err := openImages(ctx, snapshot.Config{})
	if err != nil {
		return err
	}
	defer nc.Close()

	if _, err := images.Get(ctx, args[0]); err != nil {
		return fmt.Errorf("image %q: %w", args[0], err)
	}
	if err := images.Delete(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to delete image: %w", err)
	}

	fmt.Printf("✓ Deleted image %s\n", args[0])
	return nil
}

func runImagesPrune(cmd *cobra.Command, args []string) error {
	keep, _ := cmd.Flags().GetInt("keep")
	retention, _ := cmd.Flags().GetDuration("retention")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	images, nc, err := openImages(ctx, snapshot.Config{MaxSnapshots: keep, Retention: retention})
	if err != nil {
		return err
	}
	defer nc.Close()

	before, err := images.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	if err := images.Cleanup(ctx); err != nil {
		return fmt.Errorf("failed to prune images: %w", err)
	}
	after, err := images.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}

	fmt.Printf("✓ Pruned %d of %d images\n", len(before)-len(after), len(before))
	return nil
}

func metaOr(meta map[string]string, key string) string {
	if v, ok := meta[key]; ok {
		return v
	}
	return "-"
}

// formatBytes formats bytes to human readable string
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
