package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/file-vault-backend/internal/conf"
	"github.com/lk2023060901/file-vault-backend/internal/data"
	filebiz "github.com/lk2023060901/file-vault-backend/internal/file/biz"
	filedata "github.com/lk2023060901/file-vault-backend/internal/file/data"
	fileservice "github.com/lk2023060901/file-vault-backend/internal/file/service"
	"github.com/lk2023060901/file-vault-backend/internal/pkg/logger"
	"github.com/lk2023060901/file-vault-backend/internal/pkg/retry"
	"github.com/lk2023060901/file-vault-backend/internal/pkg/workerpool"
	"github.com/lk2023060901/file-vault-backend/internal/server"
)

var (
	configFile = flag.String("config", "config.yaml", "config file path")
)

func main() {
	flag.Parse()

	// Load configuration
	config, err := conf.LoadConfig(*configFile)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&config.Log)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	if err := logger.InitGlobal(&config.Log); err != nil {
		log.Fatal("failed to initialize global logger", zap.Error(err))
	}

	log.Info("config loaded successfully")

	// Initialize data layer
	d, cleanup, err := data.NewData(config, log)
	if err != nil {
		log.Fatal("failed to initialize data layer", zap.Error(err))
	}
	defer cleanup()

	// Initialize worker pool for batch uploads
	pool, err := workerpool.New(&config.Worker, log.Logger)
	if err != nil {
		log.Fatal("failed to initialize worker pool", zap.Error(err))
	}
	defer func() {
		if err := pool.Shutdown(30 * time.Second); err != nil {
			log.Warn("worker pool shutdown incomplete", zap.Error(err))
		}
	}()

	// Initialize repositories and collaborators
	fileRepo := filedata.NewFileRepo(d.DB)
	blobStore := filedata.NewBlobStore(d.MinIOClient, config.MinIO.Bucket)
	statsCache := filedata.NewStatsCache(d.RedisClient, config.Upload.StatsCacheTTL)

	retrier := retry.NewExecutor(&retry.Policy{
		MaxAttempts: config.Upload.RetryAttempts,
		BaseDelay:   config.Upload.RetryBaseDelay,
		Retryable:   filebiz.IsBusy,
	}, log.Logger)

	// Initialize use case and service
	fileUseCase := filebiz.NewFileUseCase(
		fileRepo,
		blobStore,
		statsCache,
		retrier,
		pool,
		filebiz.UseCaseOptions{
			MaxFileSize:   config.Upload.MaxFileSize,
			PresignExpiry: config.Upload.PresignExpiry,
		},
		log.Logger,
	)
	fileService := fileservice.NewFileService(fileUseCase, config.Upload.MaxBatchFiles, log.Logger)

	// Start HTTP server
	httpServer := server.NewHTTPServer(config, log.Logger, fileService)
	go func() {
		if err := httpServer.Start(); err != nil {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Stop(ctx); err != nil {
		log.Error("failed to stop HTTP server gracefully", zap.Error(err))
	}

	log.Info("server stopped")
}
