package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vjranagit/metricpipe/internal/config"
	"github.com/vjranagit/metricpipe/pkg/alert"
	"github.com/vjranagit/metricpipe/pkg/api"
	"github.com/vjranagit/metricpipe/pkg/pipeline"
	"github.com/vjranagit/metricpipe/pkg/registry"
	"github.com/vjranagit/metricpipe/pkg/storage"
)

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline and its HTTP API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			lg, err := cfg.Log.NewLogger()
			if err != nil {
				return errors.Wrap(err, "logger")
			}
			defer func() { _ = lg.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := serve(ctx, cfg, lg); err != nil {
				lg.Error("Serve failed", zap.Error(err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML configuration file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, lg *zap.Logger) (rerr error) {
	lg.Info("Starting metricpipe",
		zap.String("version", version),
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Int("compression_level", cfg.Storage.CompressionLevel),
	)

	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	stores, err := storage.Open(ctx, cfg.ToStorageConfig(), lg)
	if err != nil {
		return err
	}
	defer func() { rerr = multierr.Append(rerr, stores.Close()) }()

	reg, err := registry.New(cfg.Definitions()...)
	if err != nil {
		return errors.Wrap(err, "registry")
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(lg),
		pipeline.WithRegisterer(prom),
	}
	if len(cfg.Alerting.Rules) > 0 {
		sink, err := alert.NewThresholdSink(alert.LogNotifier(lg), cfg.Alerting.Rules...)
		if err != nil {
			return errors.Wrap(err, "alert rules")
		}
		opts = append(opts, pipeline.WithAlertSink(alert.NewBreaker(sink, alert.DefaultBreakerSettings())))
	}
	if cfg.Storage.SpillDir != "" {
		spill, err := storage.NewSpillLog(cfg.Storage.SpillDir)
		if err != nil {
			return errors.Wrap(err, "spill log")
		}
		opts = append(opts, pipeline.WithSpillLog(spill))
	}

	svc := pipeline.New(cfg.ToPipelineConfig(), reg, stores.Observations, stores.Rollups, opts...)
	if err := svc.Start(ctx); err != nil {
		return errors.Wrap(err, "start pipeline")
	}
	server := api.NewServer(cfg.Server.ListenAddr, svc, prom, cfg.Server.Timeout, lg)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "api server")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		lg.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		return multierr.Combine(
			server.Stop(shutdownCtx),
			svc.Shutdown(shutdownCtx),
		)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	lg.Info("Stopped")
	return nil
}
