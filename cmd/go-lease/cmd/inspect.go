package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ozanturksever/go-lease/namespace"
	"github.com/ozanturksever/go-lease/snapshot"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [image-id]",
	Short: "Show the files open for writing in a namespace image",
	Long: `Load a namespace image and list the files that were under construction
when it was saved. These are the files whose leases a restarting server
rebuilds. Without an image ID the latest image is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	images, nc, err := openImages(ctx, snapshot.Config{})
	if err != nil {
		return err
	}
	defer nc.Close()

	var (
		data []byte
		snap *snapshot.Snapshot
	)
	if len(args) == 1 {
		data, snap, err = images.Load(ctx, args[0])
	} else {
		data, snap, err = images.LoadLatest(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to load image: %w", err)
	}

	tree, err := namespace.ReadImage(bytes.NewReader(data))
	if err != nil {
		return err
	}
	open := tree.UnderConstruction()

	fmt.Printf("Image:   %s\n", snap.ID)
	fmt.Printf("Node:    %s\n", snap.NodeID)
	fmt.Printf("Created: %s\n", snap.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Files:   %d (%d open)\n", tree.Len(), len(open))
	fmt.Println()

	if len(open) == 0 {
		fmt.Println("No files under construction.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INODE\tPATH\tCLIENT\tBLOCKS\tPENDING")
	for _, f := range open {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\n", f.ID, f.Path, f.Client, len(f.Blocks), f.PendingBlocks())
	}
	return w.Flush()
}
