package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"web/aqmap/config"
	"web/aqmap/logging"
	"web/aqmap/runner"
	"web/aqmap/store"
)

var (
	configPath string
	port       int
	maxViews   int
)

var rootCmd = &cobra.Command{
	Use:   "runners",
	Short: "Serve live map views over gRPC",
	Long: `Keeps a bounded set of live air quality map views and serves them
over gRPC as aqmap.MapService. Views idle for too long are closed.`,
	RunE: run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config")
	rootCmd.Flags().IntVar(&port, "port", 0, "gRPC port (overrides server.grpc_port)")
	rootCmd.Flags().IntVar(&maxViews, "max-views", 0, "maximum number of views kept in memory")
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
		cfg.Server.GRPCPort = port
	}
	if maxViews > 0 {
		cfg.Runner.MaxViews = maxViews
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

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s := grpc.NewServer()
	runner.Register(s, mapRunner)

	// Enable reflection for debugging
	reflection.Register(s)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutting down gRPC server")
		s.GracefulStop()
	}()

	logger.Info("starting gRPC server",
		zap.Int("port", cfg.Server.GRPCPort),
		zap.Int("max_views", cfg.Runner.MaxViews))
	return s.Serve(lis)
}
