package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"web/aqmap/api"
	"web/aqmap/config"
	"web/aqmap/logging"
	"web/aqmap/runner"
	"web/aqmap/store"
)

var (
	configPath     string
	port           int
	seedPoints     int
	fetchOnStart   bool
	snapshotOnExit bool
)

var rootCmd = &cobra.Command{
	Use:   "aqmap",
	Short: "Air quality map clustering server",
	Long: `Runs the map runner in process behind the HTTP API. Views fetch
readings from the configured upstreams, cluster them per zoom level and keep
marker state for each client.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides server.port)")
	rootCmd.Flags().IntVar(&seedPoints, "seed-points", 0, "create a demo view with this many generated readings")
	rootCmd.Flags().BoolVar(&fetchOnStart, "fetch", false, "fetch upstream data into the demo view")
	rootCmd.Flags().BoolVar(&snapshotOnExit, "snapshot-on-exit", false, "save a snapshot of every live view on shutdown")
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

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	locations, closeStore, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer closeStore()

	opts, err := runner.OptionsFromConfig(cfg, locations, logger)
	if err != nil {
		return err
	}
	mapRunner := runner.NewRunner(opts)
	defer mapRunner.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if seedPoints > 0 || fetchOnStart {
		start := time.Now()
		info, err := mapRunner.CreateView(ctx, runner.CreateViewRequest{Generate: seedPoints, Fetch: fetchOnStart})
		if err != nil {
			return fmt.Errorf("create demo view: %w", err)
		}
		logger.Info("demo view ready",
			zap.String("view", info.ID),
			zap.Int("features", info.State.Features),
			zap.Duration("took", time.Since(start)))
	}

	server := api.NewServer(mapRunner, logger, cfg.Server.AllowedOrigins)
	if err := server.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
		return err
	}

	if snapshotOnExit {
		saveAll(mapRunner, logger)
	}
	logger.Info("server stopped")
	return nil
}

// saveAll writes a snapshot of every live view.
func saveAll(r *runner.Runner, logger *zap.Logger) {
	ctx := context.Background()
	views, err := r.ListViews(ctx, runner.Empty{})
	if err != nil {
		logger.Error("failed to list views", zap.Error(err))
		return
	}
	for _, v := range views.Views {
		snap, err := r.SaveSnapshot(ctx, runner.SnapshotRequest{ID: v.ID})
		if err != nil {
			logger.Error("failed to save snapshot on shutdown", zap.String("view", v.ID), zap.Error(err))
			continue
		}
		logger.Info("snapshot saved",
			zap.String("view", v.ID),
			zap.String("path", snap.Path),
			zap.String("size", humanize.Bytes(uint64(snap.FileSize))))
	}
}
