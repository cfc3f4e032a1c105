package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"web/aqmap/api"
	"web/aqmap/config"
	"web/aqmap/logging"
	"web/aqmap/runner"
)

var (
	configPath string
	port       int
	runnerAddr string
)

var rootCmd = &cobra.Command{
	Use:   "api",
	Short: "HTTP gateway for a remote map runner",
	Long: `Serves the map HTTP API and forwards every call to a runner started
with cmd/runners.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides server.port)")
	rootCmd.Flags().StringVar(&runnerAddr, "runner", "", "runner address (overrides server.runner_addr)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if runnerAddr != "" {
		cfg.Server.RunnerAddr = runnerAddr
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	client, err := runner.Dial(cfg.Server.RunnerAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if resp, err := client.ListViews(probeCtx, runner.Empty{}); err != nil {
		logger.Warn("runner not reachable yet", zap.String("addr", cfg.Server.RunnerAddr), zap.Error(err))
	} else {
		logger.Info("connected to runner",
			zap.String("addr", cfg.Server.RunnerAddr),
			zap.Int("views", len(resp.Views)))
	}
	cancel()

	server := api.NewServer(client, logger, cfg.Server.AllowedOrigins)
	return server.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.Server.Port))
}
