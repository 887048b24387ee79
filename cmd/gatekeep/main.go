package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"gatekeep"
)

func main() {
	_ = godotenv.Load()

	cfg, err := gatekeep.ReadConfigFromEnv()
	if err != nil {
		slog.Error("cannot read config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level(cfg.Debug),
	}))

	if cfg.Token == "" {
		logger.Error("BOT_TOKEN is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport, err := gatekeep.NewTelegramTransport(cfg.Token, logger)
	if err != nil {
		logger.Error("cannot create transport", "error", err)
		os.Exit(1)
	}

	svc, err := gatekeep.New(ctx, transport,
		gatekeep.WithConfig(cfg),
		gatekeep.WithLogger(logger),
	)
	if err != nil {
		logger.Error("cannot create service", "error", err)
		os.Exit(1)
	}

	transport.Attach(svc)
	svc.Start()
	go transport.Start()

	<-ctx.Done()

	transport.Stop()
	svc.Stop()
}

func level(debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
