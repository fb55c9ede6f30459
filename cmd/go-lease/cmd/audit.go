package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	lease "github.com/ozanturksever/go-lease"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query lease audit events",
	Long: `Show the lease recovery events recorded by the metadata server.

Example:
  go-lease audit --name meta --since 1h
  go-lease audit --name meta --action failed`,
	RunE: runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().Duration("since", time.Hour, "Show events newer than this")
	auditCmd.Flags().String("category", "", "Only show events of this category")
	auditCmd.Flags().String("action", "", "Only show events with this action")
}

func runAudit(cmd *cobra.Command, args []string) error {
	serverName := getName()
	if serverName == "" {
		return fmt.Errorf("metadata server name is required (--name)")
	}
	since, _ := cmd.Flags().GetDuration("since")
	category, _ := cmd.Flags().GetString("category")
	action, _ := cmd.Flags().GetString("action")

	nc, err := connect(getNATSURLs(), viper.GetString("nats_creds"))
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	audit := lease.NewAudit(nc, js, serverName, getNodeID())
	if err := audit.Start(ctx); err != nil {
		return err
	}

	entries, err := audit.Query(ctx, lease.AuditFilter{
		Since:    time.Now().Add(-since),
		Category: category,
		Action:   action,
	})
	if err != nil {
		return fmt.Errorf("failed to query audit log: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tNODE\tCATEGORY\tACTION\tHOLDER\tINODE\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%v\t%v\n",
			e.Timestamp.Format(time.RFC3339),
			e.NodeID,
			e.Category,
			e.Action,
			dataOr(e.Data, "holder"),
			dataOr(e.Data, "inode"),
			dataOr(e.Data, "error"),
		)
	}
	return w.Flush()
}

func dataOr(data map[string]any, key string) any {
	if v, ok := data[key]; ok {
		return v
	}
	return "-"
}
