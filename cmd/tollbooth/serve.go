package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/alecgard/tollbooth/internal/api"
	"github.com/alecgard/tollbooth/internal/auth"
	"github.com/alecgard/tollbooth/internal/config"
	"github.com/alecgard/tollbooth/internal/crypto"
	"github.com/alecgard/tollbooth/internal/export"
	"github.com/alecgard/tollbooth/internal/metrics"
	"github.com/alecgard/tollbooth/internal/observability"
	"github.com/alecgard/tollbooth/internal/registry"
	"github.com/alecgard/tollbooth/internal/retention"
	"github.com/alecgard/tollbooth/internal/sandbox"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Tollbooth server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracing, err := observability.NewTracerSetup(&cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			slog.Error("tracer shutdown", "error", err)
		}
	}()

	m := metrics.New()

	sb := sandbox.New(sandbox.Options{
		AuditCapacity:    cfg.Sandbox.AuditCapacity,
		HalfOpenMaxCalls: cfg.Sandbox.HalfOpenMaxCalls,
		SweepInterval:    cfg.Sandbox.SweepInterval,
		IdleTimeout:      cfg.Sandbox.IdleTimeout,
		DefaultTimeout:   cfg.Sandbox.DefaultTimeout,
		Logger:           logger,
		Tracer:           tracing.Tracer(),
	})
	sb.SetMetrics(m)

	if cfg.Catalog.Path != "" {
		cipher, err := crypto.NewCipher(cfg.Catalog.EncryptionKey)
		if err != nil {
			return fmt.Errorf("loading encryption key: %w", err)
		}
		catalog, err := registry.Load(cfg.Catalog.Path)
		if err != nil {
			return err
		}
		builder := registry.NewBuilder(cipher)
		builder.SetMetrics(m)
		if err := builder.Apply(catalog, sb); err != nil {
			return err
		}
	} else {
		slog.Warn("no tool catalog configured; the sandbox starts empty")
	}

	// Optional Postgres export of the audit log.
	var (
		store         *export.Store
		collector     *export.Collector
		collectorDone = make(chan struct{})
	)
	if cfg.Export.Enabled {
		pool, err := pgxpool.New(ctx, cfg.Export.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			return err
		}
		slog.Info("connected to export database")

		m.RegisterDBPoolCollector(func() metrics.PoolStats {
			s := pool.Stat()
			return metrics.PoolStats{
				Total:         s.TotalConns(),
				Idle:          s.IdleConns(),
				Acquired:      s.AcquiredConns(),
				Max:           s.MaxConns(),
				EmptyAcquires: s.EmptyAcquireCount(),
			}
		})

		store = export.NewStore(pool)
		collector = export.NewCollector(store, cfg.Export.BatchSize, cfg.Export.MaxBuffered, cfg.Export.FlushInterval)
		m.RegisterExportCollector(collector.Pending, collector.Dropped)
		sb.SetRecorder(collector)
		go func() {
			collector.Start(ctx)
			close(collectorDone)
		}()
	}

	if cfg.Retention.Schedule != "" {
		job, err := retention.New(sb, cfg.Retention.MaxAge)
		if err != nil {
			return err
		}
		job.SetMetrics(m)
		if store != nil {
			job.SetArchive(store)
		}
		runner, err := job.Schedule(cfg.Retention.Schedule)
		if err != nil {
			return err
		}
		runner.Start()
		defer func() { <-runner.Stop().Done() }()
		slog.Info("audit retention scheduled", "schedule", cfg.Retention.Schedule, "max_age", cfg.Retention.MaxAge.String())
	}

	go sb.Start(ctx)

	authService := auth.NewService(auth.NewCallerStore(cfg.Callers))
	authService.SetAdmin(cfg.Admin.Username, cfg.Admin.PasswordHash)
	authService.SetMetrics(m)
	if !authService.AdminEnabled() {
		slog.Warn("admin password hash not set; admin routes are disabled")
	}

	deps := api.RouterDeps{
		Sandbox:        sb,
		Auth:           authService,
		Metrics:        m,
		MaxRequestSize: cfg.Server.MaxRequestSize,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}
	if store != nil {
		deps.Archive = store
	}

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Addr(), "tools", len(sb.Tools()), "callers", len(cfg.Callers))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-sigCh:
		slog.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)

	sb.Stop()
	if collector != nil {
		collector.Stop()
		<-collectorDone
	}
	return err
}
