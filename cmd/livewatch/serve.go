package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"livewatch/internal/broadcast"
	"livewatch/internal/config"
	"livewatch/internal/logging"
	"livewatch/internal/logtail"
	"livewatch/internal/monitor"
	"livewatch/internal/probe"
	"livewatch/internal/server"
	"livewatch/internal/storage"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor loop and the HTTP/websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "address for the web server (overrides listen_addr)")
	return cmd
}

func serve(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := logging.New(cfg.Logging)
	defer func() { _ = logger.Sync() }()

	if err := cfg.Auth.Check(); errors.Is(err, config.ErrNoPassword) {
		logger.Warn("dashboard password not set, protected endpoints will reject every request")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close storage", zap.Error(err))
		}
	}()

	maintenance, err := storage.NewMaintenance(store, cfg.Storage.MaintenanceSchedule, logger.Named("storage"))
	if err != nil {
		return err
	}
	maintenance.Start()
	defer maintenance.Stop()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fsys := afero.NewOsFs()
	var probeOpts []probe.Option
	if cfg.WatchFile {
		watcher := probe.NewWatcher(cfg.LogFilePath, logger.Named("watcher"))
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("file watcher stopped, relying on stat polling", zap.Error(err))
			}
		}()
		probeOpts = append(probeOpts, probe.WithActivity(watcher))
	}
	prober := probe.NewFileProbe(fsys, cfg.LogFilePath, cfg.OfflineThreshold(), probeOpts...)

	hub := broadcast.New(logger.Named("broadcast"), cfg.Broadcast.MaxConcurrency)
	tail := logtail.New(fsys, cfg.LogFilePath)

	loop := monitor.New(prober, store, hub, tail, logger.Named("monitor"), monitor.Options{
		Retention:       cfg.Retention(),
		CleanupEvery:    cfg.CleanupEvery(),
		ProbeTimeout:    cfg.ProbeTimeout(),
		DefaultInterval: cfg.CheckInterval(),
		LogLines:        cfg.LogLines,
	})
	if err := loop.Restore(ctx); err != nil {
		logger.Error("restore history failed, continuing with what could be read", zap.Error(err))
	}
	loop.Start()
	defer loop.Stop()

	srv := server.New(server.Options{
		Addr:           cfg.ListenAddr,
		Auth:           cfg.Auth,
		AllowedOrigins: cfg.AllowedOrigins,
		WriteTimeout:   cfg.WriteTimeout(),
	}, loop, store, hub, tail, logger.Named("http"))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", zap.Error(err))
		}
		hub.CloseAll()
	}()

	logger.Info("livewatch listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("log_file", cfg.LogFilePath),
		zap.String("storage", cfg.Storage.Driver),
		zap.Duration("offline_threshold", cfg.OfflineThreshold()))
	if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
