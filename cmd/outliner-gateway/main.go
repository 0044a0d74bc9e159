package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"

	"github.com/kitamura-tetsuo/outliner-gateway/internal/auth"
	"github.com/kitamura-tetsuo/outliner-gateway/internal/doc"
	"github.com/kitamura-tetsuo/outliner-gateway/internal/server"
	"github.com/kitamura-tetsuo/outliner-gateway/internal/storage"
	"github.com/kitamura-tetsuo/outliner-gateway/pkg/config"
	"github.com/kitamura-tetsuo/outliner-gateway/pkg/logging"
)

func main() {
	bootLogger := logging.New(logging.LevelInfo)

	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	store, err := storage.NewBadgerStore(cfg.Storage.Path, logger)
	if err != nil {
		logger.Error("Failed to open snapshot store", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.New()
	app := server.NewApp(logger, ctx, cfg, server.Dependencies{
		IdentityProvider: auth.NewHMACProvider(cfg.Auth.JWTSecret),
		PermissionStore:  storage.NewPermissionStore(store),
		Engine:           doc.NewUpdateLog(logger, store, clk),
		Clock:            clk,
	})
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
