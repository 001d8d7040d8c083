package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/config"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/handler"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/logger"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/queue/sqs"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/repository"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/repository/clickhouse"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/repository/memory"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/service"
	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/supervisor"
)

// @title Ad Event Ingest API
// @version 1.0
// @description API for publishing ad events and reading stored events
// @host localhost:8080
// @BasePath /
// @schemes http https
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Initialize logger
	log, err := logger.New(cfg.Service.Environment, cfg.Service.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer func(log *zap.Logger) {
		err := log.Sync()
		if err != nil {
			log.Error("Failed to sync logger", zap.Error(err))
		}
	}(log)

	if cfg.Service.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	log.Info("Starting API service",
		zap.String("environment", cfg.Service.Environment),
		zap.String("port", cfg.Service.APIPort))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize SQS client
	sqsClient, err := sqs.NewClient(ctx, cfg.SQS, log)
	if err != nil {
		log.Fatal("Failed to create SQS client", zap.Error(err))
	}

	// Initialize repository
	var repo repository.EventStore
	if cfg.Store.Driver == "memory" {
		log.Warn("Using in-memory store, read endpoints will only see this process's writes")
		repo = memory.NewStore()
	} else {
		clickhouseClient, err := clickhouse.NewClient(ctx, &cfg.ClickHouse, log)
		if err != nil {
			log.Fatal("Failed to create ClickHouse client", zap.Error(err))
		}
		repo = clickhouse.NewRepository(clickhouseClient, log)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			log.Error("Failed to close repository", zap.Error(err))
		}
	}()

	// Initialize event service
	eventService := service.NewEventService(sqsClient, repo, log)

	// Initialize handler
	h := handler.NewHandler(eventService, log)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Service.APIPort),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("API server starting", zap.String("address", server.Addr))

	err = supervisor.NewHTTPService("ingest-api", server, 15*time.Second).Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("API server stopped with error", zap.Error(err))
	}
	log.Info("API server stopped")
}
