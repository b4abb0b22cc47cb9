package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/audit"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/adapter/out/mongodb"
	"github.com/JoeShih716/go-transfer-ledger/internal/config"
	"github.com/JoeShih716/go-transfer-ledger/pkg/logger"
	"github.com/JoeShih716/go-transfer-ledger/pkg/rabbitmq"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	lg, err := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init logger")
	}
	if cfg.RabbitMQ.URL == "" || cfg.Mongo.URI == "" {
		lg.Fatal().Msg("audit worker requires rabbitmq.url and mongo.uri")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. MongoDB
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	mongoClient, err := mongodb.Connect(connectCtx, cfg.Mongo.URI)
	cancel()
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to connect to MongoDB")
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mongoClient.Disconnect(disconnectCtx)
	}()
	repo := mongodb.NewAuditRepository(mongoClient, cfg.Mongo.Database)

	// 2. RabbitMQ
	mq, err := rabbitmq.Dial(cfg.RabbitMQ.URL, lg)
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer mq.Close()

	// 3. 消費直到收到訊號
	worker := audit.NewWorker(repo, lg)
	if err := worker.Run(ctx, mq); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error().Err(err).Msg("audit worker stopped with error")
		return
	}
	lg.Info().Msg("audit worker exited")
}
