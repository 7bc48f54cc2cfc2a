package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"hanadiary/internal/usertoken"
	"hanadiary/internal/util"
	"hanadiary/services/api/internal/app"
	"hanadiary/services/api/internal/config"
	"hanadiary/services/api/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.TokenJWKSURL,
		HMACSecret: cfg.TokenHMACSecret,
		Issuer:     cfg.TokenIssuer,
		Audience:   cfg.TokenAudience,
	})
	if err != nil {
		slog.Error("failed to init token verifier", "err", err)
		os.Exit(1)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:    cfg.DatabaseURL,
		MinioEndpoint:  cfg.MinioEndpoint,
		MinioAccessKey: cfg.MinioAccessKey,
		MinioSecretKey: cfg.MinioSecretKey,
		MinioBucket:    cfg.MinioBucket,
		MinioUseSSL:    cfg.MinioUseSSL,
		QueueDriver:    cfg.QueueDriver,
		RedisAddr:      cfg.RedisAddr,
		RedisPassword:  cfg.RedisPassword,
		AmqpURL:        cfg.AmqpURL,
		QueueName:      cfg.QueueName,
		QueueGroup:     cfg.QueueGroup,
	})
	if err != nil {
		slog.Error("failed to init app", "err", err)
		os.Exit(1)
	}

	httpServer, err := server.New(server.Config{
		App:           appCore,
		TokenVerifier: verifier,
		AdminToken:    cfg.AdminToken,
	})
	if err != nil {
		slog.Error("failed to init server", "err", err)
		os.Exit(1)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("api server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
