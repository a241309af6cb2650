package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rwmonitor/internal/bytelog"
	"rwmonitor/internal/config"
	"rwmonitor/internal/procfs"
	"rwmonitor/internal/realtime"
	"rwmonitor/internal/watcher"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	cfg, loadErr := config.Load()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Publish the log and serve it over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if loadErr != nil {
				return loadErr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel, cfg.Development)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

// serve runs until ctx is cancelled or the HTTP server fails.
func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	registry := procfs.NewRegistry(logger)

	log := bytelog.New(cfg.Capacity)
	if err := registry.Publish(cfg.Name, log, cfg.Mode); err != nil {
		return err
	}

	fileWatch := watcher.New(log,
		watcher.WithLogger(logger),
		watcher.WithRateLimit(cfg.EventRate, cfg.EventBurst),
	)

	var monitored []string
	if cfg.DeviceName != "" {
		if err := registry.Publish(cfg.DeviceName, bytelog.New(cfg.Capacity), cfg.Mode); err != nil {
			return err
		}
		monitored = append(monitored, cfg.DeviceName)
	}

	for _, dir := range cfg.WatchDirs {
		if _, err := fileWatch.Watch(dir); err != nil {
			fileWatch.Shutdown()
			return err
		}
	}

	rtServer := realtime.New(registry, realtime.Options{
		Logger:        logger,
		PollInterval:  cfg.PollInterval,
		MaxWriteBytes: cfg.WriteLimit(),
		Monitor:       fileWatch,
		Monitored:     monitored,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           rtServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("rwmonitor listening",
			zap.String("addr", cfg.Addr),
			zap.String("name", cfg.Name),
			zap.String("capacity", humanize.IBytes(uint64(cfg.Capacity))),
			zap.Stringer("mode", cfg.Mode),
		)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		rtServer.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	err = multierr.Combine(err, fileWatch.Shutdown(), registry.Close())
	logger.Info("monitor stopped",
		zap.Uint64("events", fileWatch.Events()),
		zap.Uint64("suppressed", fileWatch.Suppressed()),
	)
	return err
}

func newLogger(level string, development bool) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = lvl
	return zcfg.Build()
}
