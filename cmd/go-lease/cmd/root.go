// Package cmd provides the CLI commands for go-lease.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	natsURL   string
	nodeID    string
	name      string
	logFormat string
	verbose   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "go-lease",
	Short: "A file system metadata server with write-lease coordination",
	Long: `go-lease runs a metadata server node that grants clients write leases
on the files they open, renews them, and reclaims files from clients that
stop renewing.

Namespace images and lease audit events are kept in NATS JetStream.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.go-lease.yaml)")
	rootCmd.PersistentFlags().StringVarP(&natsURL, "nats", "n", "nats://localhost:4222", "NATS server URLs, comma separated")
	rootCmd.PersistentFlags().StringVar(&nodeID, "node", "", "Node ID (default: hostname)")
	rootCmd.PersistentFlags().StringVar(&name, "name", "", "Metadata server name")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text or json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	viper.BindPFlag("nats_url", rootCmd.PersistentFlags().Lookup("nats"))
	viper.BindPFlag("node_id", rootCmd.PersistentFlags().Lookup("node"))
	viper.BindPFlag("name", rootCmd.PersistentFlags().Lookup("name"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	viper.SetEnvPrefix("GOLEASE")
	viper.BindEnv("nats_url", "GOLEASE_NATS_URL", "NATS_URL")
	viper.BindEnv("nats_creds", "GOLEASE_NATS_CREDS")
	viper.BindEnv("node_id", "GOLEASE_NODE_ID")
	viper.BindEnv("name", "GOLEASE_NAME")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Warning: could not find home directory:", err)
		} else {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/go-lease")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".go-lease")
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// getNATSURLs returns the NATS URLs from config or flag.
func getNATSURLs() []string {
	var urls []string
	for _, u := range strings.Split(viper.GetString("nats_url"), ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// getNodeID returns the node ID from config, flag, or hostname.
func getNodeID() string {
	if id := viper.GetString("node_id"); id != "" {
		return id
	}
	hostname, _ := os.Hostname()
	return hostname
}

// getName returns the metadata server name from config or flag.
func getName() string {
	return viper.GetString("name")
}

// newLogger builds the process logger from --log-format and --verbose.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if viper.GetString("log_format") == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// connect opens a NATS connection to servers.
func connect(servers []string, creds string) (*nats.Conn, error) {
	opts := []nats.Option{nats.Name("go-lease " + getNodeID())}
	if creds != "" {
		opts = append(opts, nats.UserCredentials(creds))
	}
	nc, err := nats.Connect(strings.Join(servers, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}
