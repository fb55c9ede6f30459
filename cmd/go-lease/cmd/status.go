package cmd

import (
	"context"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ozanturksever/go-lease/health"
)

var statusCmd = &cobra.Command{
	Use:   "status [node-id]",
	Short: "Query the lease status of a metadata server node",
	Long: `Ask a running node for its uptime, lease counts, safe mode and the
outcome of its last expiry scan. Without a node ID, --node is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Duration("timeout", 5*time.Second, "How long to wait for the node to answer")
}

func runStatus(cmd *cobra.Command, args []string) error {
	serverName := getName()
	if serverName == "" {
		return fmt.Errorf("metadata server name is required (--name)")
	}
	target := getNodeID()
	if len(args) == 1 {
		target = args[0]
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	nc, err := connect(getNATSURLs(), viper.GetString("nats_creds"))
	if err != nil {
		return err
	}
	defer nc.Close()

	resp, err := health.Query(context.Background(), nc, serverName, target, timeout)
	if err != nil {
		return fmt.Errorf("node %s did not answer: %w", target, err)
	}

	fmt.Printf("Node:    %s\n", resp.NodeID)
	fmt.Printf("Uptime:  %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVALUE")
	for _, fields := range []map[string]any{resp.Status, resp.Custom} {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%v\n", k, fields[k])
		}
	}
	return w.Flush()
}
