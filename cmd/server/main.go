package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cachemir/arraystore/internal/logging"
	"github.com/cachemir/arraystore/internal/server"
	"github.com/cachemir/arraystore/pkg/config"
	"github.com/cachemir/arraystore/pkg/store"
)

func main() {
	cfg, err := config.LoadServerConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.ServerConfig, logger *zap.Logger) error {
	st, err := store.Open(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("failed to close storage", zap.Error(err))
		}
	}()

	srv, err := server.New(cfg, st, logger)
	if err != nil {
		return err
	}

	storage := cfg.StoragePath
	if storage == "" {
		storage = "memory"
	}
	logger.Info("starting arraystore server",
		zap.String("addr", cfg.Address()),
		zap.String("storage", storage),
		zap.Int("max_conns", cfg.MaxConns),
		zap.Int64("max_payload_bytes", cfg.MaxPayloadBytes),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); !errors.Is(err, server.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")
		return srv.Stop()
	})
	return g.Wait()
}
