package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	configPath string

	// logLevel is shared by the default handler so config reloads can change it.
	logLevel = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:   "ciwatch-server",
	Short: "Sync Jenkins pipelines and serve build metrics",
	Long: `ciwatch-server pulls pipelines and builds from Jenkins on a schedule,
keeps daily metrics and health scores, tracks failed builds as alerts and
streams changes to dashboards.

Without a subcommand it runs the long-lived server (same as "serve").`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync scheduler, HTTP API and gRPC health probe",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var syncPipeline string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one manual sync cycle, print the report as JSON and exit",
	Long: `Run one manual sync cycle against the configured storage and print the
cycle report to stdout.

Examples:
  ciwatch-server sync --config config.yaml
  ciwatch-server sync --pipeline frontend-build`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd.Context(), cmd.OutOrStdout(), syncPipeline)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	syncCmd.Flags().StringVarP(&syncPipeline, "pipeline", "p", "", "sync only this pipeline")
	rootCmd.AddCommand(serveCmd, syncCmd)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		slog.Error("ciwatch-server failed", "err", err)
		os.Exit(1)
	}
}
