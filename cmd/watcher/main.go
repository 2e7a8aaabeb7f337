package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coldbell/millswap/backend/internal/chain"
	"github.com/coldbell/millswap/backend/internal/config"
	"github.com/coldbell/millswap/backend/internal/journal"
	"github.com/coldbell/millswap/backend/internal/logging"
	"github.com/coldbell/millswap/backend/internal/metrics"
	"github.com/coldbell/millswap/backend/internal/watcher"
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadWatcherConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("watcher", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Info("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	m := metrics.New()
	reader := chain.NewClient(cfg.Chain, logger, m)

	var store watcher.SnapshotStore
	if strings.TrimSpace(cfg.DBDSN) != "" {
		db, storeErr := journal.NewStore(cfg.DBDSN)
		if storeErr != nil {
			logger.Error("failed to open snapshot store", "err", storeErr)
			os.Exit(1)
		}
		defer db.Close()
		store = db
	}

	svc, err := watcher.New(cfg, reader, store, m, logger)
	if err != nil {
		logger.Error("failed to initialize watcher service", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, m, logger)
	}

	if err := svc.Run(ctx); err != nil {
		logger.Error("watcher exited with error", "err", err)
		os.Exit(1)
	}
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "err", err)
	}
}
