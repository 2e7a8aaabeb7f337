package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coldbell/millswap/backend/internal/apiserver"
	"github.com/coldbell/millswap/backend/internal/builder"
	"github.com/coldbell/millswap/backend/internal/chain"
	"github.com/coldbell/millswap/backend/internal/config"
	"github.com/coldbell/millswap/backend/internal/journal"
	"github.com/coldbell/millswap/backend/internal/logging"
	"github.com/coldbell/millswap/backend/internal/metrics"
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadAPIServerConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("api-server", cfg.Log)
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

	builderSvc, err := builder.New(cfg, reader, logger)
	if err != nil {
		logger.Error("failed to initialize transaction builder", "err", err)
		os.Exit(1)
	}

	svc, err := apiserver.New(cfg, builderSvc, m, logger)
	if err != nil {
		logger.Error("failed to initialize api-server service", "err", err)
		os.Exit(1)
	}

	if strings.TrimSpace(cfg.JournalDSN) != "" {
		store, storeErr := journal.NewStore(cfg.JournalDSN)
		if storeErr != nil {
			logger.Error("failed to open build journal", "err", storeErr)
			os.Exit(1)
		}
		defer store.Close()
		builderSvc.SetRecorder(store)
		svc.SetHistory(store)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		logger.Error("api-server exited with error", "err", err)
		os.Exit(1)
	}
}
