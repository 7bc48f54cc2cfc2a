package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"hanadiary/internal/util"
	"hanadiary/services/pipeline/internal/app"
	"hanadiary/services/pipeline/internal/config"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	util.InitLogger(cfg.LogLevel)

	appCore, err := app.New(app.Config{
		DatabaseURL:            cfg.DatabaseURL,
		MinioEndpoint:          cfg.MinioEndpoint,
		MinioAccessKey:         cfg.MinioAccessKey,
		MinioSecretKey:         cfg.MinioSecretKey,
		MinioBucket:            cfg.MinioBucket,
		MinioUseSSL:            cfg.MinioUseSSL,
		QueueDriver:            cfg.QueueDriver,
		RedisAddr:              cfg.RedisAddr,
		RedisPassword:          cfg.RedisPassword,
		AmqpURL:                cfg.AmqpURL,
		QueueName:              cfg.QueueName,
		QueueGroup:             cfg.QueueGroup,
		QueueConcurrency:       cfg.QueueConcurrency,
		QueueMaxAttempts:       cfg.QueueMaxAttempts,
		QueueVisibilitySeconds: cfg.QueueVisibilitySeconds,
		FeedPollSeconds:        cfg.FeedPollSeconds,
		FeedRetryDelaySeconds:  cfg.FeedRetryDelaySeconds,
		FeedMaxRetries:         cfg.FeedMaxRetries,
		AIProvider:             cfg.AIProvider,
		AIBaseURL:              cfg.AIBaseURL,
		AIAPIKey:               cfg.AIAPIKey,
		TextModel:              cfg.TextModel,
		ImageModel:             cfg.ImageModel,
	})
	if err != nil {
		slog.Error("failed to init pipeline", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("pipeline started", "queueDriver", cfg.QueueDriver)
	if err := appCore.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("pipeline stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("pipeline shut down")
}
