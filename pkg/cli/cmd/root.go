// Package cmd is senpukictl's cobra command tree, grounded on the
// teacher's pkg/cli/cmd package: a root command carrying persistent
// flags, with feature areas registered as subcommand groups in init().
package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/senpuki/senpuki/internal/logging"
	"github.com/senpuki/senpuki/pkg/senpuki"
)

var (
	dbDSN      string
	redisURL   string
	jsonOutput bool
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "senpukictl",
	Short: "senpukictl is the operator CLI for a Senpuki durable-function backend",
	Long: `senpukictl inspects and administers a Senpuki storage backend:
listing and inspecting executions, replaying or discarding dead
letters, reporting stats, and watching a run to completion.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Setup(logLevel, true)
	},
}

// Execute runs the root command, exiting the process with status 1 on
// error (cobra has already printed it).
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	defaultDSN := os.Getenv("SENPUKI_STORAGE_DSN")
	if defaultDSN == "" {
		defaultDSN = os.Getenv("SENPUKI_DB")
	}
	if defaultDSN == "" {
		defaultDSN = "senpuki.sqlite"
	}

	rootCmd.PersistentFlags().StringVar(&dbDSN, "db", defaultDSN, "storage DSN (sqlite path, postgres://..., or mysql://...); env SENPUKI_STORAGE_DSN")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis", os.Getenv("SENPUKI_REDIS_URL"), "optional Redis URL for pub/sub notification; env SENPUKI_REDIS_URL")
	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "emit machine-readable JSON instead of tables")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug/info/warn/error")

	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
}

// openSenpuki opens the facade against the resolved --db/--redis flags.
// Every leaf command opens its own handle and closes it before
// returning, since senpukictl invocations are one-shot processes.
func openSenpuki(ctx context.Context) (*senpuki.Senpuki, error) {
	var opts []senpuki.Option
	if redisURL != "" {
		opts = append(opts, senpuki.WithRedisNotify(redisURL))
	}
	return senpuki.New(ctx, dbDSN, opts...)
}
