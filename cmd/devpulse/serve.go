package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"devpulse/internal/analytics"
	"devpulse/internal/api"
	"devpulse/internal/config"
	"devpulse/internal/events"
	"devpulse/internal/hermes"
	"devpulse/internal/ingest"
	"devpulse/internal/metrics"
	"devpulse/internal/otlp"
	"devpulse/internal/session"
	"devpulse/internal/sink"
	"devpulse/internal/snapshot"
)

func serveCmd() *cobra.Command {
	var configPath, logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the OTLP receiver and the analytics API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, logLevel)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file (defaults apply when empty)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error (overrides config)")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func serve(configPath, logLevel string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	logger := newLogger(logLevel)
	slog.SetDefault(logger)
	logger.Info("config loaded", "listen", cfg.Listen, "otlp", cfg.OTLP.Listen, "database", cfg.Database.Driver)

	sessionCfg, err := cfg.SessionConfig()
	if err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	emitter := events.NewEmitter(logger)
	metrics.RegisterEventHandler(emitter)

	var store sink.Sink
	if cfg.Database.Driver != "" {
		store, err = sink.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("open %s sink: %w", cfg.Database.Driver, err)
		}
		defer store.Close()
		logger.Info("snapshot sink ready", "driver", cfg.Database.Driver)
	}

	var publisher snapshot.Publisher
	if cfg.Hermes.Enabled {
		client, err := hermes.Connect(cfg.Hermes, logger)
		if err != nil {
			logger.Warn("hermes unavailable, continuing without event bus", "error", err)
		} else {
			defer client.Close()
			if cfg.Hermes.ProvisionStreams {
				if err := client.ProvisionStreams(ctx); err != nil {
					logger.Warn("failed to provision hermes streams", "error", err)
				}
			}
			pub := hermes.NewPublisher(client, logger)
			// detached before the client drains
			defer emitter.RemoveHandler(pub.Attach(emitter))
			publisher = pub
			logger.Info("hermes connected", "url", cfg.Hermes.URL)
		}
	}

	sessions := session.NewStore(sessionCfg, logger)
	opts := ingest.Options{
		Store:         sessions,
		Engine:        analytics.New(cfg.AnalyticsConfig(), logger),
		Emitter:       emitter,
		Logger:        logger,
		SweepInterval: cfg.Session.SweepInterval,
		DropWarnings:  rate.Limit(cfg.Session.DropWarningsPerSecond),
	}
	if store != nil {
		opts.Loader = store
	}
	pipeline := ingest.New(opts)

	// A nil sink still lets the flusher publish summaries.
	var flusher *snapshot.Flusher
	if store != nil || publisher != nil {
		flusher = snapshot.New(sessions, store, publisher, emitter, cfg.Snapshot.Interval, logger)
	}

	receiver := otlp.NewReceiver(pipeline, otlp.Options{MaxRecvMsgBytes: cfg.OTLP.MaxRecvMsgBytes}, logger)
	lis, err := net.Listen("tcp", cfg.OTLP.Listen)
	if err != nil {
		return fmt.Errorf("otlp listen: %w", err)
	}

	mux := http.NewServeMux()
	api.NewHandler(pipeline).Register(mux)
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:        cfg.Listen,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Background workers stop on their own context so the receiver and the
	// pipeline can be drained before the final snapshot flush.
	workCtx, stopWorkers := context.WithCancel(ctx)
	var workers errgroup.Group
	workers.Go(func() error {
		pipeline.Run(workCtx)
		return nil
	})
	if flusher != nil {
		workers.Go(func() error {
			flusher.Run(workCtx)
			return nil
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return receiver.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("api server starting", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

wait:
	for {
		select {
		case sig := <-sigCh:
			if sig != syscall.SIGHUP {
				logger.Info("shutting down", "signal", sig)
				break wait
			}
			if configPath == "" {
				logger.Warn("SIGHUP ignored, no config file")
				continue
			}
			logger.Info("SIGHUP received, reloading config")
			next, err := config.Load(configPath)
			if err != nil {
				logger.Error("failed to reload config", "error", err)
				continue
			}
			if err := reloadConfig(logger, cfg, next, pipeline); err != nil {
				logger.Error("failed to apply reloaded config", "error", err)
				continue
			}
			cfg = next
		case <-gctx.Done():
			logger.Error("server stopped unexpectedly", "error", context.Cause(gctx))
			break wait
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	receiver.GracefulStop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown error", "error", err)
	}
	open, err := pipeline.Shutdown(shutdownCtx)
	if err != nil {
		logger.Error("pipeline drain error", "error", err)
	}
	stopWorkers()
	_ = workers.Wait()

	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Printf("devpulse stopped (%d sessions still open)\n", len(open))
	return nil
}

// reloadConfig applies runtime-safe settings and warns about the rest.
func reloadConfig(logger *slog.Logger, old, next *config.Config, pipeline *ingest.Pipeline) error {
	for _, key := range old.RestartRequired(next) {
		logger.Warn("config reload: change requires restart to take effect", "setting", key)
	}
	sessionCfg, err := next.SessionConfig()
	if err != nil {
		return err
	}
	pipeline.Reconfigure(sessionCfg, analytics.New(next.AnalyticsConfig(), logger))
	logger.Info("config reload complete")
	return nil
}
